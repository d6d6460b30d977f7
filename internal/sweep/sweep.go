// Package sweep marks past-due tasks as failed. A run is idempotent: once a
// task leaves pending/in_progress it never qualifies again, so re-running
// after a crash or overlapping schedule cannot double-apply anything.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/repo"
)

// ErrRunning is returned when Run is called while a previous run is still in
// flight.
var ErrRunning = errors.New("sweep already running")

// Summary reports what a single run did.
type Summary struct {
	Scanned     int `json:"scanned"`
	Failed      int `json:"failed"`
	Errors      int `json:"errors"`
	GoalsFailed int `json:"goals_failed"`
}

type Sweeper struct {
	Repo   repo.Repo
	Events events.Writer
	Log    *slog.Logger
	Now    func() time.Time

	mu sync.Mutex
}

// Run executes one sweep pass. Each task is updated independently so a write
// failure on one task never blocks the rest; failures are logged and counted
// and the pass keeps going. The returned error covers only the inability to
// list candidates at all.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	if !s.mu.TryLock() {
		return Summary{}, ErrRunning
	}
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Format(time.RFC3339)
	log := s.log()

	var sum Summary
	tasks, err := s.Repo.ListOverdueUnresolved(ctx, cutoff)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(tasks)
	for _, t := range tasks {
		if err := s.Repo.MarkTaskFailed(ctx, t.ID, cutoff); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// resolved after listing; nothing to do
				continue
			}
			sum.Errors++
			log.Warn("sweep: mark task failed", "task_id", t.ID, "err", err)
			continue
		}
		sum.Failed++
		if err := s.Events.AppendDirect(ctx, "task.failed", t.UserID, "task", t.ID, events.EventPayload{
			"due_date": deref(t.DueDate),
			"from":     t.Status,
		}); err != nil {
			log.Warn("sweep: append task event", "task_id", t.ID, "err", err)
		}
	}

	flagged, err := s.flagFailedGoals(ctx, log)
	if err != nil {
		log.Warn("sweep: goal pass", "err", err)
	}
	sum.GoalsFailed = flagged

	log.Info("sweep: run complete",
		"scanned", sum.Scanned, "failed", sum.Failed,
		"errors", sum.Errors, "goals_failed", sum.GoalsFailed)
	return sum, nil
}

// flagFailedGoals emits goal.tasks_failed for every active goal whose tasks
// exist and have all failed. The signal repeats on each qualifying run until
// the goal or its tasks change state.
func (s *Sweeper) flagFailedGoals(ctx context.Context, log *slog.Logger) (int, error) {
	goals, err := s.Repo.ListActiveGoals(ctx)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, g := range goals {
		tasks, err := s.Repo.ListTasksByGoal(ctx, g.ID)
		if err != nil {
			log.Warn("sweep: list goal tasks", "goal_id", g.ID, "err", err)
			continue
		}
		if len(tasks) == 0 || !allFailed(tasks) {
			continue
		}
		log.Warn("sweep: goal has no remaining viable tasks", "goal_id", g.ID, "tasks", len(tasks))
		if err := s.Events.AppendDirect(ctx, "goal.tasks_failed", g.UserID, "goal", g.ID, events.EventPayload{
			"task_count": len(tasks),
		}); err != nil {
			log.Warn("sweep: append goal event", "goal_id", g.ID, "err", err)
			continue
		}
		flagged++
	}
	return flagged, nil
}

func allFailed(tasks []domain.Task) bool {
	for _, t := range tasks {
		if t.Status != domain.StatusFailed {
			return false
		}
	}
	return true
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Scheduler drives a Sweeper on a fixed cadence. A failed or timed-out run
// never stops the schedule.
type Scheduler struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Timeout  time.Duration
	Log      *slog.Logger
}

// Start runs the loop until ctx is cancelled. The first pass fires
// immediately so a restarted process catches up without waiting a full
// interval.
func (sc *Scheduler) Start(ctx context.Context) {
	go sc.loop(ctx)
}

func (sc *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()
	for {
		sc.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (sc *Scheduler) runOnce(ctx context.Context) {
	runCtx := ctx
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}
	if _, err := sc.Sweeper.Run(runCtx); err != nil && !errors.Is(err, ErrRunning) {
		log := sc.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("sweep: scheduled run failed", "err", err)
	}
}
