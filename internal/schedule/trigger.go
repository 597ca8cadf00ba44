package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec returns the weekly base expression of the trigger. Cron cannot
// say "every N weeks"; Next layers the interval on top.
func (t Trigger) CronSpec() string {
	return fmt.Sprintf("%d %d * * %d", t.Minute, t.Hour, int(t.Weekday))
}

// Next returns the next n fire times after from. The first is the next
// matching weekday and time; the rest follow every WeeksInterval weeks.
func (t Trigger) Next(from time.Time, n int) ([]time.Time, error) {
	if t.WeeksInterval < 1 {
		return nil, fmt.Errorf("weeks interval must be at least 1, got %d", t.WeeksInterval)
	}
	sched, err := cron.ParseStandard(t.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("parsing trigger %q: %w", t.CronSpec(), err)
	}

	first := sched.Next(from)
	if first.IsZero() {
		return nil, fmt.Errorf("trigger %q never fires", t.CronSpec())
	}
	runs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		runs = append(runs, first.AddDate(0, 0, 7*t.WeeksInterval*i))
	}
	return runs, nil
}

// StartBoundary is the first fire time after from.
func (t Trigger) StartBoundary(from time.Time) (time.Time, error) {
	runs, err := t.Next(from, 1)
	if err != nil {
		return time.Time{}, err
	}
	return runs[0], nil
}
