package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/repo"
	"taskline/internal/stats"
)

var (
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("invalid email or password")
	ErrTokenExpired   = errors.New("reset token expired")
	ErrBreakdownUsed  = errors.New("breakdown already generated for this task")
)

// BreakdownFunc turns a task title and description into subtask titles. The
// engine treats it as opaque; the default wiring calls an external model.
type BreakdownFunc func(ctx context.Context, title, description string) ([]string, error)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Breakdown BreakdownFunc
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// eventWriter hands out the event writer stamped with the engine clock, so
// an injected Now governs event timestamps too.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// ---- users ----

type RegisterOptions struct {
	Email    string
	Name     string
	Password string
}

func (e Engine) RegisterUser(ctx context.Context, opts RegisterOptions) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, errors.New("valid email is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, errors.New("name is required")
	}
	if len(opts.Password) < 8 {
		return domain.User{}, errors.New("password must be at least 8 characters")
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, ErrEmailTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(opts.Name),
		PasswordHash: string(hash),
		CreatedAt:    e.nowRFC3339(),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.eventWriter().AppendDirect(ctx, "user.registered", u.ID, "user", u.ID, events.EventPayload{"email": u.Email}); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) AuthenticateUser(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrBadCredentials
		}
		return domain.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrBadCredentials
	}
	return u, nil
}

const resetTokenTTL = time.Hour

// CreateResetToken issues a password-reset token for the account behind
// email. Only the sha256 of the token is stored; the plaintext goes out once,
// to the caller, who is responsible for delivering it.
func (e Engine) CreateResetToken(ctx context.Context, email string) (string, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	rt := domain.ResetToken{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		TokenHash: repo.HashResetToken(token),
		ExpiresAt: e.now().UTC().Add(resetTokenTTL).Format(time.RFC3339),
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.DeleteResetTokensForUser(ctx, tx, u.ID); err != nil {
		return "", err
	}
	if err := e.Repo.InsertResetToken(ctx, tx, rt); err != nil {
		return "", err
	}
	if err := e.eventWriter().Append(ctx, tx, "user.reset_requested", u.ID, "user", u.ID, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeResetToken sets a new password for the token's owner and burns every
// outstanding token for that user.
func (e Engine) ConsumeResetToken(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	rt, err := e.Repo.GetResetTokenByHash(ctx, repo.HashResetToken(token))
	if err != nil {
		return err
	}
	expires, err := time.Parse(time.RFC3339, rt.ExpiresAt)
	if err != nil || !e.now().UTC().Before(expires) {
		return ErrTokenExpired
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, string(hash), rt.UserID); err != nil {
		return err
	}
	if err := e.Repo.DeleteResetTokensForUser(ctx, tx, rt.UserID); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, "user.password_reset", rt.UserID, "user", rt.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- tasks ----

type TaskCreateOptions struct {
	UserID         string
	GoalID         string
	Title          string
	Description    string
	DueDate        string
	Status         string
	Subtasks       []string
	NotificationID string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.UserID == "" {
		return domain.Task{}, errors.New("user is required")
	}
	if opts.Status == "" {
		opts.Status = domain.StatusPending
	}
	if !domain.ValidTaskStatus(opts.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %q", opts.Status)
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.Task{}, fmt.Errorf("due date: %w", err)
		}
	}
	if opts.GoalID != "" {
		g, err := e.Repo.GetGoal(ctx, opts.GoalID)
		if err != nil {
			return domain.Task{}, err
		}
		if g.UserID != opts.UserID {
			return domain.Task{}, repo.ErrNotFound
		}
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:             uuid.New().String(),
		UserID:         opts.UserID,
		GoalID:         optionalString(opts.GoalID),
		Title:          strings.TrimSpace(opts.Title),
		Description:    opts.Description,
		DueDate:        optionalString(opts.DueDate),
		Status:         opts.Status,
		NotificationID: optionalString(opts.NotificationID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, title := range opts.Subtasks {
		if strings.TrimSpace(title) == "" {
			continue
		}
		t.Subtasks = append(t.Subtasks, domain.Subtask{Title: title, CreatedAt: now})
	}
	if opts.Status == domain.StatusCompleted {
		t.CompletedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "task.created", t.UserID, "task", t.ID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil pointer fields are left
// unchanged; empty-string pointers clear the field.
type TaskUpdateOptions struct {
	ID             string
	UserID         string
	Title          *string
	Description    *string
	DueDate        *string
	GoalID         *string
	Status         string
	Subtasks       *[]domain.Subtask
	NotificationID *string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.ownedTask(ctx, opts.ID, opts.UserID)
	if err != nil {
		return t, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return t, errors.New("title cannot be empty")
		}
		t.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.DueDate != nil {
		if *opts.DueDate == "" {
			t.DueDate = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.DueDate); err != nil {
				return t, fmt.Errorf("due date: %w", err)
			}
			t.DueDate = opts.DueDate
		}
	}
	if opts.GoalID != nil {
		if *opts.GoalID == "" {
			t.GoalID = nil
		} else {
			g, err := e.Repo.GetGoal(ctx, *opts.GoalID)
			if err != nil {
				return t, err
			}
			if g.UserID != opts.UserID {
				return t, repo.ErrNotFound
			}
			t.GoalID = opts.GoalID
		}
	}
	if opts.Subtasks != nil {
		t.Subtasks = *opts.Subtasks
	}
	if opts.NotificationID != nil {
		if *opts.NotificationID == "" {
			t.NotificationID = nil
		} else {
			t.NotificationID = opts.NotificationID
		}
	}
	completedNow := false
	if opts.Status != "" && opts.Status != t.Status {
		if !domain.ValidTaskStatus(opts.Status) {
			return t, fmt.Errorf("invalid status %q", opts.Status)
		}
		t.Status = opts.Status
		if opts.Status == domain.StatusCompleted {
			now := e.nowRFC3339()
			t.CompletedAt = &now
			completedNow = true
		} else {
			// leaving completed clears the completion timestamp, and a
			// sweep-failed task must never carry one
			t.CompletedAt = nil
		}
	}
	t.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if completedNow {
		if err := e.eventWriter().Append(ctx, tx, "task.completed", t.UserID, "task", t.ID, events.EventPayload{"title": t.Title}); err != nil {
			return t, err
		}
	} else {
		if err := e.eventWriter().Append(ctx, tx, "task.updated", t.UserID, "task", t.ID, events.EventPayload{"status": t.Status}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id, userID string) error {
	t, err := e.ownedTask(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, t.ID); err != nil {
		return err
	}
	return e.eventWriter().AppendDirect(ctx, "task.deleted", userID, "task", t.ID, events.EventPayload{"title": t.Title})
}

func (e Engine) GetTask(ctx context.Context, id, userID string) (domain.Task, error) {
	return e.ownedTask(ctx, id, userID)
}

// ownedTask loads a task and verifies ownership; a foreign task reads as not
// found so IDs cannot be probed across accounts.
func (e Engine) ownedTask(ctx context.Context, id, userID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != userID {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

type TaskListOptions struct {
	UserID string
	GoalID string
	Status string
	Limit  int
	// Cursor fields resume a previous page: rows strictly after
	// (CursorCreatedAt, CursorID) in created_at DESC, id DESC order.
	CursorCreatedAt string
	CursorID        string
}

func (e Engine) ListTasks(ctx context.Context, opts TaskListOptions) ([]domain.Task, error) {
	if opts.Status != "" && !domain.ValidTaskStatus(opts.Status) {
		return nil, fmt.Errorf("invalid status %q", opts.Status)
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		UserID:          opts.UserID,
		GoalID:          opts.GoalID,
		Status:          opts.Status,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	})
}

const todayLimit = 10

// TodayTasks returns the user's most recent non-completed tasks, capped at
// ten, newest first.
func (e Engine) TodayTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		UserID:        userID,
		ExcludeStatus: domain.StatusCompleted,
		Limit:         todayLimit,
	})
}

// BreakdownSubtasks asks the configured breakdown function for subtask titles
// and attaches them to the task. Each task gets exactly one generation.
func (e Engine) BreakdownSubtasks(ctx context.Context, id, userID string) (domain.Task, error) {
	if e.Breakdown == nil {
		return domain.Task{}, errors.New("breakdown not configured")
	}
	t, err := e.ownedTask(ctx, id, userID)
	if err != nil {
		return t, err
	}
	if t.AIGeneratedOnce {
		return t, ErrBreakdownUsed
	}
	titles, err := e.Breakdown(ctx, t.Title, t.Description)
	if err != nil {
		return t, fmt.Errorf("breakdown: %w", err)
	}
	now := e.nowRFC3339()
	t.Subtasks = t.Subtasks[:0]
	for _, title := range titles {
		if strings.TrimSpace(title) == "" {
			continue
		}
		t.Subtasks = append(t.Subtasks, domain.Subtask{Title: title, CreatedAt: now})
	}
	t.AIGeneratedOnce = true
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.eventWriter().Append(ctx, tx, "task.breakdown", userID, "task", t.ID, events.EventPayload{"subtasks": len(t.Subtasks)}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ---- goals ----

type GoalCreateOptions struct {
	UserID      string
	Title       string
	Description string
	TargetDate  string
}

func (e Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Goal{}, errors.New("title is required")
	}
	if opts.TargetDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.TargetDate); err != nil {
			return domain.Goal{}, fmt.Errorf("target date: %w", err)
		}
	}
	now := e.nowRFC3339()
	g := domain.Goal{
		ID:          uuid.New().String(),
		UserID:      opts.UserID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      domain.GoalActive,
		TargetDate:  optionalString(opts.TargetDate),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoal(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "goal.created", g.UserID, "goal", g.ID, events.EventPayload{"title": g.Title}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

type GoalUpdateOptions struct {
	ID          string
	UserID      string
	Title       *string
	Description *string
	TargetDate  *string
	Status      string
}

func (e Engine) UpdateGoal(ctx context.Context, opts GoalUpdateOptions) (domain.Goal, error) {
	g, err := e.ownedGoal(ctx, opts.ID, opts.UserID)
	if err != nil {
		return g, err
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return g, errors.New("title cannot be empty")
		}
		g.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		g.Description = *opts.Description
	}
	if opts.TargetDate != nil {
		if *opts.TargetDate == "" {
			g.TargetDate = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.TargetDate); err != nil {
				return g, fmt.Errorf("target date: %w", err)
			}
			g.TargetDate = opts.TargetDate
		}
	}
	if opts.Status != "" {
		if !domain.ValidGoalStatus(opts.Status) {
			return g, fmt.Errorf("invalid status %q", opts.Status)
		}
		g.Status = opts.Status
	}
	g.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGoal(ctx, tx, g); err != nil {
		return g, err
	}
	if err := e.eventWriter().Append(ctx, tx, "goal.updated", g.UserID, "goal", g.ID, events.EventPayload{"status": g.Status}); err != nil {
		return g, err
	}
	if err := tx.Commit(); err != nil {
		return g, err
	}
	return g, nil
}

func (e Engine) DeleteGoal(ctx context.Context, id, userID string) error {
	g, err := e.ownedGoal(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteGoal(ctx, g.ID); err != nil {
		return err
	}
	return e.eventWriter().AppendDirect(ctx, "goal.deleted", userID, "goal", g.ID, events.EventPayload{"title": g.Title})
}

func (e Engine) GetGoal(ctx context.Context, id, userID string) (domain.Goal, error) {
	return e.ownedGoal(ctx, id, userID)
}

// GoalSummary is a goal annotated with its task counts, keyed by status.
type GoalSummary struct {
	domain.Goal
	TaskCounts map[string]int `json:"task_counts"`
}

func (e Engine) ListGoals(ctx context.Context, userID string) ([]GoalSummary, error) {
	goals, err := e.Repo.ListGoals(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.CountTasksByGoal(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]GoalSummary, 0, len(goals))
	for _, g := range goals {
		c := counts[g.ID]
		if c == nil {
			c = map[string]int{}
		}
		out = append(out, GoalSummary{Goal: g, TaskCounts: c})
	}
	return out, nil
}

// TaskStatusCounts returns the user's task counts grouped by status.
func (e Engine) TaskStatusCounts(ctx context.Context, userID string) (map[string]int, error) {
	return e.Repo.CountTasksByStatus(ctx, userID)
}

func (e Engine) ownedGoal(ctx context.Context, id, userID string) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, id)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.UserID != userID {
		return domain.Goal{}, repo.ErrNotFound
	}
	return g, nil
}

// ---- stats ----

// LearningStats is the stats payload for one user: the activity aggregate
// plus the legacy dashboard fields older clients still read.
type LearningStats struct {
	stats.Result
	CompletedTasks int            `json:"completedTasks"`
	TimeSpent      int            `json:"timeSpent"`
	Progress       map[string]int `json:"progress"`
}

func (e Engine) LearningStats(ctx context.Context, userID string) (LearningStats, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{UserID: userID})
	if err != nil {
		return LearningStats{}, err
	}
	opts := stats.Options{}
	if e.Config != nil {
		opts = stats.Options{
			Location:    e.Config.Location(),
			StreakCap:   e.Config.Stats.StreakCap,
			RecentLimit: e.Config.Stats.RecentLimit,
		}
	}
	res := stats.Compute(tasks, e.now(), opts)
	percent := 0
	if len(tasks) > 0 {
		percent = int(math.Round(float64(res.CompletedCount) / float64(len(tasks)) * 100))
	}
	return LearningStats{
		Result:         res,
		CompletedTasks: res.CompletedCount,
		TimeSpent:      0,
		Progress:       map[string]int{"General": percent},
	}, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
