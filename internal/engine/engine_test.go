package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	UserID string
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
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	u, err := eng.RegisterUser(ctx, engine.RegisterOptions{Email: "tester@example.com", Name: "tester", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, UserID: u.ID}
}

func strptr(s string) *string { return &s }

func TestRegisterAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.AuthenticateUser(env.Ctx, "Tester@Example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != env.UserID {
		t.Fatalf("wrong user: %s", u.ID)
	}
	if _, err := env.Engine.AuthenticateUser(env.Ctx, "tester@example.com", "wrong-password"); !errors.Is(err, engine.ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}
	if _, err := env.Engine.AuthenticateUser(env.Ctx, "nobody@example.com", "hunter2hunter2"); !errors.Is(err, engine.ErrBadCredentials) {
		t.Fatalf("unknown email must read as bad credentials, got %v", err)
	}
	_, err = env.Engine.RegisterUser(env.Ctx, engine.RegisterOptions{Email: "tester@example.com", Name: "dup", Password: "hunter2hunter2"})
	if !errors.Is(err, engine.ErrEmailTaken) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.Engine.CreateResetToken(env.Ctx, "tester@example.com")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := env.Engine.ConsumeResetToken(env.Ctx, token, "fresh-password"); err != nil {
		t.Fatalf("consume token: %v", err)
	}
	if _, err := env.Engine.AuthenticateUser(env.Ctx, "tester@example.com", "fresh-password"); err != nil {
		t.Fatalf("authenticate with new password: %v", err)
	}
	// tokens are single use
	if err := env.Engine.ConsumeResetToken(env.Ctx, token, "another-password"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected consumed token to be gone, got %v", err)
	}
}

func TestResetTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.Engine.CreateResetToken(env.Ctx, "tester@example.com")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC) }
	if err := env.Engine.ConsumeResetToken(env.Ctx, token, "fresh-password"); !errors.Is(err, engine.ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestCompletionTimestampLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "write report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.StatusPending || task.CompletedAt != nil {
		t.Fatalf("unexpected initial state: %+v", task)
	}

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, UserID: env.UserID, Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// reopening clears the stamp
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, UserID: env.UserID, Status: domain.StatusInProgress})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatalf("completed_at survived reopen: %s", *task.CompletedAt)
	}

	// failing never stamps
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, UserID: env.UserID, Status: domain.StatusFailed})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatal("completed_at set on failed task")
	}
}

func TestTaskOwnership(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.RegisterUser(env.Ctx, engine.RegisterOptions{Email: "other@example.com", Name: "other", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, task.ID, other.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign task must read as not found, got %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, UserID: other.ID, Status: domain.StatusCompleted}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign update must fail, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, other.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign delete must fail, got %v", err)
	}
}

func TestDueDateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "bad date", DueDate: "tomorrow"}); err == nil {
		t.Fatal("expected due date parse error")
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "good date", DueDate: "2025-03-12T09:00:00Z"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, UserID: env.UserID, DueDate: strptr("")})
	if err != nil {
		t.Fatalf("clear due date: %v", err)
	}
	if task.DueDate != nil {
		t.Fatalf("due date not cleared: %s", *task.DueDate)
	}
}

func TestTodayTasksExcludesCompleted(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 12; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "open task"}); err != nil {
			t.Fatal(err)
		}
	}
	done, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "done task"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: done.ID, UserID: env.UserID, Status: domain.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Engine.TodayTasks(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if len(tasks) != 10 {
		t.Fatalf("expected cap of 10, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status == domain.StatusCompleted {
			t.Fatalf("completed task leaked into today list: %s", task.ID)
		}
	}
}

func TestBreakdownOncePerTask(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Breakdown = func(ctx context.Context, title, description string) ([]string, error) {
		return []string{"outline", "draft", "", "review"}, nil
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "big task"})
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.BreakdownSubtasks(env.Ctx, task.ID, env.UserID)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(task.Subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(task.Subtasks))
	}
	if !task.AIGeneratedOnce {
		t.Fatal("generation flag not set")
	}
	if _, err := env.Engine.BreakdownSubtasks(env.Ctx, task.ID, env.UserID); !errors.Is(err, engine.ErrBreakdownUsed) {
		t.Fatalf("expected one-shot guard, got %v", err)
	}
}

func TestGoalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	goal, err := env.Engine.CreateGoal(env.Ctx, engine.GoalCreateOptions{UserID: env.UserID, Title: "learn go"})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if goal.Status != domain.GoalActive {
		t.Fatalf("new goal status = %s", goal.Status)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "chapter 1", GoalID: goal.ID})
	if err != nil {
		t.Fatalf("create goal task: %v", err)
	}
	if task.GoalID == nil || *task.GoalID != goal.ID {
		t.Fatal("task not linked to goal")
	}
	summaries, err := env.Engine.ListGoals(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("goal count = %d", len(summaries))
	}
	if summaries[0].TaskCounts[domain.StatusPending] != 1 {
		t.Fatalf("pending count = %d", summaries[0].TaskCounts[domain.StatusPending])
	}
	goal, err = env.Engine.UpdateGoal(env.Ctx, engine.GoalUpdateOptions{ID: goal.ID, UserID: env.UserID, Status: domain.GoalCompleted})
	if err != nil {
		t.Fatalf("update goal: %v", err)
	}
	if goal.Status != domain.GoalCompleted {
		t.Fatalf("goal status = %s", goal.Status)
	}
	if err := env.Engine.DeleteGoal(env.Ctx, goal.ID, env.UserID); err != nil {
		t.Fatalf("delete goal: %v", err)
	}
	// task survives with the link severed
	task, err = env.Engine.GetTask(env.Ctx, task.ID, env.UserID)
	if err != nil {
		t.Fatalf("get task after goal delete: %v", err)
	}
	if task.GoalID != nil {
		t.Fatalf("goal link not cleared: %s", *task.GoalID)
	}
}

func TestLearningStats(t *testing.T) {
	env := newTestEnv(t)
	var completed domain.Task
	for i := 0; i < 4; i++ {
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "task"})
		if err != nil {
			t.Fatal(err)
		}
		completed = task
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: completed.ID, UserID: env.UserID, Status: domain.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.LearningStats(env.Ctx, env.UserID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.CompletedCount != 1 || st.CompletedTasks != 1 {
		t.Fatalf("completed counts: %+v", st)
	}
	if st.Streak != 1 {
		t.Fatalf("streak = %d", st.Streak)
	}
	if st.Weekly[6] != 1 {
		t.Fatalf("weekly today bucket = %d", st.Weekly[6])
	}
	if st.Progress["General"] != 25 {
		t.Fatalf("progress = %v", st.Progress)
	}
	if len(st.RecentCompleted) != 1 || st.RecentCompleted[0].ID != completed.ID {
		t.Fatalf("recent = %+v", st.RecentCompleted)
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{UserID: env.UserID, Title: "clocked"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, env.UserID, "task.created", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("event count = %d", len(evts))
	}
	want := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if evts[0].TS != want {
		t.Fatalf("event ts = %s, want %s", evts[0].TS, want)
	}
}
