package scheduler

import (
	"fmt"
	"time"
)

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// EverySeconds converts an --iteration-time value into a schedule.
func EverySeconds(seconds int) (*IntervalSchedule, error) {
	if seconds < 1 {
		return nil, fmt.Errorf("iteration time must be at least one second, got %d", seconds)
	}
	return Every(time.Duration(seconds) * time.Second), nil
}
