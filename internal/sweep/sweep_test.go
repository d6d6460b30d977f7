package sweep_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/sweep"
)

var sweepNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Repo    repo.Repo
	Sweeper *sweep.Sweeper
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	ts := sweepNow.Format(time.RFC3339)
	if err := r.InsertUser(ctx, domain.User{ID: "u1", Email: "u1@example.com", Name: "u1", PasswordHash: "x", CreatedAt: ts}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	sw := &sweep.Sweeper{
		Repo:   r,
		Events: events.Writer{DB: conn, Now: func() time.Time { return sweepNow }},
		Now:    func() time.Time { return sweepNow },
	}
	return testEnv{DB: conn, Repo: r, Sweeper: sw, Ctx: ctx}
}

func (env testEnv) addTask(t *testing.T, id, status string, due *time.Time, goalID *string) {
	t.Helper()
	ts := sweepNow.Add(-48 * time.Hour).Format(time.RFC3339)
	task := domain.Task{
		ID: id, UserID: "u1", GoalID: goalID, Title: "task " + id,
		Status: status, CreatedAt: ts, UpdatedAt: ts,
	}
	if due != nil {
		s := due.UTC().Format(time.RFC3339)
		task.DueDate = &s
	}
	if status == domain.StatusCompleted {
		done := sweepNow.Add(-24 * time.Hour).Format(time.RFC3339)
		task.CompletedAt = &done
	}
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Repo.InsertTask(env.Ctx, tx, task); err != nil {
		t.Fatalf("insert task %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) addGoal(t *testing.T, id, status string) {
	t.Helper()
	ts := sweepNow.Format(time.RFC3339)
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	g := domain.Goal{ID: id, UserID: "u1", Title: "goal " + id, Status: status, CreatedAt: ts, UpdatedAt: ts}
	if err := env.Repo.InsertGoal(env.Ctx, tx, g); err != nil {
		t.Fatalf("insert goal %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env testEnv) taskStatus(t *testing.T, id string) string {
	t.Helper()
	task, err := env.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task.Status
}

func ptrTime(v time.Time) *time.Time { return &v }

func TestSweepMarksOverdue(t *testing.T) {
	env := newTestEnv(t)
	past := sweepNow.Add(-time.Hour)
	future := sweepNow.Add(time.Hour)
	env.addTask(t, "overdue-pending", domain.StatusPending, ptrTime(past), nil)
	env.addTask(t, "overdue-active", domain.StatusInProgress, ptrTime(past), nil)
	env.addTask(t, "overdue-done", domain.StatusCompleted, ptrTime(past), nil)
	env.addTask(t, "overdue-failed", domain.StatusFailed, ptrTime(past), nil)
	env.addTask(t, "future", domain.StatusPending, ptrTime(future), nil)
	env.addTask(t, "no-due", domain.StatusPending, nil, nil)
	env.addTask(t, "exact", domain.StatusPending, ptrTime(sweepNow), nil)

	sum, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 2 {
		t.Fatalf("expected 2 tasks failed, got %+v", sum)
	}
	if got := env.taskStatus(t, "overdue-pending"); got != domain.StatusFailed {
		t.Fatalf("overdue-pending = %s", got)
	}
	if got := env.taskStatus(t, "overdue-active"); got != domain.StatusFailed {
		t.Fatalf("overdue-active = %s", got)
	}
	if got := env.taskStatus(t, "overdue-done"); got != domain.StatusCompleted {
		t.Fatalf("completed task was touched: %s", got)
	}
	if got := env.taskStatus(t, "future"); got != domain.StatusPending {
		t.Fatalf("future task was touched: %s", got)
	}
	if got := env.taskStatus(t, "no-due"); got != domain.StatusPending {
		t.Fatalf("task without due date was touched: %s", got)
	}
	// due == now is not yet overdue
	if got := env.taskStatus(t, "exact"); got != domain.StatusPending {
		t.Fatalf("task due exactly now was touched: %s", got)
	}
}

func TestSweepNeverSetsCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "a", domain.StatusPending, ptrTime(sweepNow.Add(-time.Hour)), nil)
	if _, err := env.Sweeper.Run(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := env.Repo.GetTask(env.Ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.CompletedAt != nil {
		t.Fatalf("completed_at set on failed task: %s", *task.CompletedAt)
	}
}

func TestSweepIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "a", domain.StatusPending, ptrTime(sweepNow.Add(-time.Hour)), nil)
	env.addTask(t, "b", domain.StatusInProgress, ptrTime(sweepNow.Add(-2*time.Hour)), nil)

	first, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Failed != 2 {
		t.Fatalf("first run failed %d tasks", first.Failed)
	}
	second, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Scanned != 0 || second.Failed != 0 {
		t.Fatalf("second run not a no-op: %+v", second)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "", "task.failed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 task.failed events, got %d", len(evts))
	}
}

func TestSweepFlagsFullyFailedGoal(t *testing.T) {
	env := newTestEnv(t)
	env.addGoal(t, "g1", domain.GoalActive)
	gid := "g1"
	env.addTask(t, "a", domain.StatusFailed, nil, &gid)
	env.addTask(t, "b", domain.StatusPending, ptrTime(sweepNow.Add(-time.Hour)), &gid)

	if _, err := env.Sweeper.Run(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "", "goal.tasks_failed", "goal", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 goal.tasks_failed event, got %d", len(evts))
	}

	// the condition persists, so the signal repeats on the next run
	if _, err := env.Sweeper.Run(env.Ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	evts, err = env.Repo.LatestEvents(env.Ctx, 10, "", "goal.tasks_failed", "goal", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected repeated signal, got %d events", len(evts))
	}
}

func TestSweepIgnoresEmptyAndHealthyGoals(t *testing.T) {
	env := newTestEnv(t)
	env.addGoal(t, "empty", domain.GoalActive)
	env.addGoal(t, "healthy", domain.GoalActive)
	env.addGoal(t, "abandoned", domain.GoalAbandoned)
	healthy, abandoned := "healthy", "abandoned"
	env.addTask(t, "a", domain.StatusFailed, nil, &healthy)
	env.addTask(t, "b", domain.StatusCompleted, nil, &healthy)
	env.addTask(t, "c", domain.StatusFailed, nil, &abandoned)

	sum, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.GoalsFailed != 0 {
		t.Fatalf("unexpected goal signals: %+v", sum)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "", "goal.tasks_failed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 0 {
		t.Fatalf("expected no goal events, got %d", len(evts))
	}
}

func TestSweepContinuesPastWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	past := sweepNow.Add(-time.Hour)
	env.addTask(t, "blocked", domain.StatusPending, ptrTime(past), nil)
	env.addTask(t, "healthy", domain.StatusInProgress, ptrTime(past), nil)
	_, err := env.DB.Exec(`CREATE TRIGGER block_one BEFORE UPDATE ON tasks WHEN NEW.id = 'blocked' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	sum, err := env.Sweeper.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Scanned != 2 || sum.Failed != 1 || sum.Errors != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := env.taskStatus(t, "blocked"); got != domain.StatusPending {
		t.Fatalf("blocked task status = %s", got)
	}
	if got := env.taskStatus(t, "healthy"); got != domain.StatusFailed {
		t.Fatalf("healthy task status = %s", got)
	}
}

func TestMarkFailedLeavesResolvedTasks(t *testing.T) {
	env := newTestEnv(t)
	past := sweepNow.Add(-time.Hour)
	env.addTask(t, "done", domain.StatusCompleted, ptrTime(past), nil)

	err := env.Repo.MarkTaskFailed(env.Ctx, "done", sweepNow.Format(time.RFC3339))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	task, err := env.Repo.GetTask(env.Ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("status clobbered to %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at lost")
	}
}
