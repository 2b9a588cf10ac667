package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// delayedStartSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type delayedStartSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedStartSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func makeIntervalSchedule(every, firstDelay time.Duration, now time.Time) cron.Schedule {
	base := cron.Every(every)
	if firstDelay <= 0 {
		return base
	}
	return &delayedStartSchedule{base: base, first: now.Add(firstDelay)}
}
