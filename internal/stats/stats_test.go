package stats_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/domain"
	"taskline/internal/stats"
)

var testNow = time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)

func completedAt(id string, at time.Time) domain.Task {
	ts := at.UTC().Format(time.RFC3339)
	return domain.Task{
		ID:          id,
		UserID:      "u1",
		Title:       "task " + id,
		Status:      domain.StatusCompleted,
		CreatedAt:   at.Add(-time.Hour).UTC().Format(time.RFC3339),
		UpdatedAt:   ts,
		CompletedAt: &ts,
	}
}

func daysAgo(n int) time.Time {
	return testNow.AddDate(0, 0, -n)
}

func TestEmptyTaskList(t *testing.T) {
	res := stats.Compute(nil, testNow, stats.Options{})
	assert.Equal(t, 0, res.CompletedCount)
	assert.Equal(t, 0, res.Streak)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0}, res.Weekly)
	assert.Empty(t, res.RecentCompleted)
}

func TestNoCompletedTasks(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", Status: domain.StatusPending},
		{ID: "b", Status: domain.StatusInProgress},
		{ID: "c", Status: domain.StatusFailed},
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 0, res.CompletedCount)
	assert.Equal(t, 0, res.Streak)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0}, res.Weekly)
	assert.Empty(t, res.RecentCompleted)
}

func TestStreakRequiresToday(t *testing.T) {
	// unbroken run ending yesterday still yields zero
	tasks := []domain.Task{
		completedAt("a", daysAgo(1)),
		completedAt("b", daysAgo(2)),
		completedAt("c", daysAgo(3)),
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 0, res.Streak)
	assert.Equal(t, 3, res.CompletedCount)
}

func TestStreakContiguity(t *testing.T) {
	tasks := []domain.Task{
		completedAt("a", daysAgo(0)),
		completedAt("b", daysAgo(1)),
		completedAt("c", daysAgo(2)),
		completedAt("d", daysAgo(4)), // gap at offset 3
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 3, res.Streak)
}

func TestWeeklyBucketBounds(t *testing.T) {
	tasks := []domain.Task{
		completedAt("edge", daysAgo(6)),
		completedAt("old", daysAgo(7)),
		completedAt("older", daysAgo(30)),
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, []int{1, 0, 0, 0, 0, 0, 0}, res.Weekly)
	// out-of-window completions still count overall
	assert.Equal(t, 3, res.CompletedCount)
}

func TestSameDayCompletions(t *testing.T) {
	tasks := []domain.Task{
		completedAt("a", testNow.Add(-2*time.Hour)),
		completedAt("b", testNow.Add(-4*time.Hour)),
		completedAt("c", testNow.Add(-6*time.Hour)),
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 1, res.Streak, "presence per day, not count")
	assert.Equal(t, 3, res.Weekly[6])
}

func TestFutureCompletionExcluded(t *testing.T) {
	tasks := []domain.Task{
		completedAt("skewed", testNow.AddDate(0, 0, 2)),
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 1, res.CompletedCount)
	assert.Equal(t, 0, res.Streak)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0}, res.Weekly)
}

func TestCompletedWithoutTimestamp(t *testing.T) {
	anomaly := domain.Task{
		ID:        "x",
		Title:     "task x",
		Status:    domain.StatusCompleted,
		CreatedAt: daysAgo(2).Format(time.RFC3339),
		UpdatedAt: daysAgo(1).Format(time.RFC3339),
	}
	res := stats.Compute([]domain.Task{anomaly}, testNow, stats.Options{})
	assert.Equal(t, 1, res.CompletedCount)
	assert.Equal(t, 0, res.Streak)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0}, res.Weekly)
	// display falls back to the update timestamp
	require.Len(t, res.RecentCompleted, 1)
	assert.Equal(t, anomaly.UpdatedAt, res.RecentCompleted[0].CompletedAt)
}

func TestDeterministicOutput(t *testing.T) {
	tasks := []domain.Task{
		completedAt("a", daysAgo(0)),
		completedAt("b", daysAgo(1)),
		completedAt("c", daysAgo(1)),
		{ID: "d", Status: domain.StatusPending},
	}
	first := stats.Compute(tasks, testNow, stats.Options{})
	second := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, first, second)
}

func TestThreeTaskScenario(t *testing.T) {
	tasks := []domain.Task{
		completedAt("today", daysAgo(0)),
		completedAt("yesterday", daysAgo(1)),
		completedAt("earlier", daysAgo(3)),
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, 3, res.CompletedCount)
	assert.Equal(t, 2, res.Streak)
	assert.Equal(t, []int{0, 0, 0, 1, 0, 1, 1}, res.Weekly)
}

func TestRecentCompletedOrderAndLimit(t *testing.T) {
	var tasks []domain.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, completedAt(fmt.Sprintf("t%d", i), testNow.Add(-time.Duration(i)*time.Hour)))
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	require.Len(t, res.RecentCompleted, stats.DefaultRecentLimit)
	assert.Equal(t, "t0", res.RecentCompleted[0].ID)
	assert.Equal(t, "t4", res.RecentCompleted[4].ID)
	for i := 1; i < len(res.RecentCompleted); i++ {
		assert.GreaterOrEqual(t, res.RecentCompleted[i-1].CompletedAt, res.RecentCompleted[i].CompletedAt)
	}
}

func TestStreakCap(t *testing.T) {
	var tasks []domain.Task
	for i := 0; i < 60; i++ {
		tasks = append(tasks, completedAt(fmt.Sprintf("t%d", i), daysAgo(i)))
	}
	res := stats.Compute(tasks, testNow, stats.Options{})
	assert.Equal(t, stats.DefaultStreakCap, res.Streak)

	res = stats.Compute(tasks, testNow, stats.Options{StreakCap: 10})
	assert.Equal(t, 10, res.Streak)
}

func TestCustomWindowAndTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 01:30 UTC is the previous evening in New York
	now := time.Date(2025, 3, 10, 1, 30, 0, 0, time.UTC)
	tasks := []domain.Task{completedAt("a", now.Add(-time.Hour))}

	res := stats.Compute(tasks, now, stats.Options{Location: loc, WeeklyDays: 3})
	require.Len(t, res.Weekly, 3)
	assert.Equal(t, 1, res.Weekly[2], "same local day as now")
	assert.Equal(t, 1, res.Streak)
}
