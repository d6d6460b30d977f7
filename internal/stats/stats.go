// Package stats derives a user's completion history into display statistics:
// total completed count, a contiguous-day streak ending today, a trailing
// per-day activity histogram, and the most recently completed tasks.
//
// Compute is a pure function of its inputs. The caller fetches the task list
// and supplies the clock; nothing here touches storage or time.Now.
package stats

import (
	"math"
	"sort"
	"time"

	"taskline/internal/domain"
)

const (
	// DefaultStreakCap bounds how far back the streak scan walks.
	DefaultStreakCap = 50
	// DefaultWeeklyDays is the histogram width in calendar days.
	DefaultWeeklyDays = 7
	// DefaultRecentLimit caps the recently-completed list.
	DefaultRecentLimit = 5
)

// Options tune the aggregation bounds. Zero values fall back to the defaults
// above; a nil Location means UTC.
type Options struct {
	Location    *time.Location
	StreakCap   int
	WeeklyDays  int
	RecentLimit int
}

// RecentTask is the reduced shape of a recently completed task. Field names
// are part of the client wire contract.
type RecentTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CompletedAt string `json:"completedAt"`
}

// Result holds the derived statistics. Field names are part of the client
// wire contract.
type Result struct {
	CompletedCount  int          `json:"completedCount"`
	Streak          int          `json:"streak"`
	Weekly          []int        `json:"weekly"`
	RecentCompleted []RecentTask `json:"recentCompleted"`
}

func (o Options) normalized() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.StreakCap <= 0 {
		o.StreakCap = DefaultStreakCap
	}
	if o.WeeklyDays <= 0 {
		o.WeeklyDays = DefaultWeeklyDays
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = DefaultRecentLimit
	}
	return o
}

// Compute aggregates a task snapshot as of now.
//
// Streak counts consecutive calendar days with at least one completion,
// walking backward from today; a day with none ends the walk, so a streak is
// zero whenever nothing was completed today. Weekly buckets completions per
// calendar day, index 0 the oldest day and the last index today. Both use
// calendar-day truncation in opts.Location and require a real completed_at;
// tasks without one (or with one on a future day) still count toward
// CompletedCount but never place in a bucket.
func Compute(tasks []domain.Task, now time.Time, opts Options) Result {
	opts = opts.normalized()
	today := truncateDay(now, opts.Location)

	res := Result{
		Weekly:          make([]int, opts.WeeklyDays),
		RecentCompleted: []RecentTask{},
	}

	// completions per day-offset from today (0 = today, 1 = yesterday, ...)
	perDay := make(map[int]int)
	var completed []domain.Task
	for _, t := range tasks {
		if t.Status != domain.StatusCompleted {
			continue
		}
		res.CompletedCount++
		completed = append(completed, t)
		if t.CompletedAt == nil {
			continue
		}
		at, err := time.Parse(time.RFC3339, *t.CompletedAt)
		if err != nil {
			continue
		}
		offset := dayOffset(today, truncateDay(at, opts.Location))
		if offset < 0 {
			// completed_at on a future day: clock skew or bad data
			continue
		}
		perDay[offset]++
	}

	for offset := 0; offset < opts.StreakCap; offset++ {
		if perDay[offset] == 0 {
			break
		}
		res.Streak++
	}

	for offset := 0; offset < opts.WeeklyDays; offset++ {
		res.Weekly[opts.WeeklyDays-1-offset] = perDay[offset]
	}

	sort.SliceStable(completed, func(i, j int) bool {
		ti, tj := displayTimestamp(completed[i]), displayTimestamp(completed[j])
		if ti != tj {
			// RFC3339 UTC strings order lexicographically
			return ti > tj
		}
		return completed[i].ID > completed[j].ID
	})
	for i, t := range completed {
		if i == opts.RecentLimit {
			break
		}
		res.RecentCompleted = append(res.RecentCompleted, RecentTask{
			ID:          t.ID,
			Title:       t.Title,
			CompletedAt: displayTimestamp(t),
		})
	}
	return res
}

// displayTimestamp is the completion time shown to the client. Tasks marked
// completed without a completed_at fall back to update then creation time for
// ordering and labeling only; the fallback never feeds streak or weekly math.
func displayTimestamp(t domain.Task) string {
	if t.CompletedAt != nil && *t.CompletedAt != "" {
		return *t.CompletedAt
	}
	if t.UpdatedAt != "" {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// truncateDay reduces ts to midnight of its calendar day in loc.
func truncateDay(ts time.Time, loc *time.Location) time.Time {
	y, m, d := ts.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// dayOffset returns how many calendar days day lies before today. Rounding
// absorbs the 23h/25h midnight gaps around DST transitions.
func dayOffset(today, day time.Time) int {
	return int(math.Round(today.Sub(day).Hours() / 24))
}
