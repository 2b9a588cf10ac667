// Package recurrence computes fire times for job recurrences under a fixed
// numeric UTC offset. It has no clock dependency: callers pass the reference
// instant.
package recurrence

import (
	"fmt"
	"math"
	"time"

	"cronbot/internal/job"
)

// MinInterval is the shortest accepted Interval period.
const MinInterval = time.Minute

// ErrExhausted is returned by NextFire for a Once whose instant has passed.
var ErrExhausted = job.ErrExhausted

// OffsetDuration converts fractional hours to a duration rounded to the minute.
func OffsetDuration(tz float64) time.Duration {
	return time.Duration(math.Round(tz*60)) * time.Minute
}

// NextFire returns the next fire instant (UTC) for rec relative to ref.
func NextFire(rec job.Recurrence, ref time.Time, tz float64) (time.Time, error) {
	ref = ref.UTC()
	switch r := rec.(type) {
	case job.Once:
		if r.At.After(ref) {
			return r.At.UTC(), nil
		}
		return time.Time{}, ErrExhausted
	case job.Daily:
		if !r.TimeOfDay.Valid() {
			return time.Time{}, invalid("time of day %d out of range", int(r.TimeOfDay))
		}
		return nextLocal(ref, tz, r.TimeOfDay, -1), nil
	case job.Weekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return time.Time{}, invalid("weekday %d out of range", int(r.Weekday))
		}
		if !r.TimeOfDay.Valid() {
			return time.Time{}, invalid("time of day %d out of range", int(r.TimeOfDay))
		}
		return nextLocal(ref, tz, r.TimeOfDay, r.Weekday), nil
	case job.Interval:
		if r.Period <= 0 {
			return time.Time{}, invalid("interval must be positive")
		}
		return ref.Add(r.Period), nil
	}
	return time.Time{}, invalid("unsupported recurrence %T", rec)
}

// nextLocal finds the first instant strictly after ref whose wall clock at
// offset tz is tod, on weekday wd when wd >= 0.
func nextLocal(ref time.Time, tz float64, tod job.TimeOfDay, wd time.Weekday) time.Time {
	off := OffsetDuration(tz)
	local := ref.Add(off)
	y, m, d := local.Date()
	cand := time.Date(y, m, d, tod.Hour(), tod.Minute(), 0, 0, time.UTC)

	step := 24 * time.Hour
	if wd >= 0 {
		delta := (int(wd) - int(cand.Weekday()) + 7) % 7
		cand = cand.AddDate(0, 0, delta)
		step = 7 * 24 * time.Hour
	}
	if !cand.After(local) {
		cand = cand.Add(step)
	}
	return cand.Add(-off)
}

// Shift recomputes a pending fire time after a chat changes its offset so
// the local wall clock stays the same. Once recurrences get their instant
// moved too. Interval jobs keep their absolute instant. If the shifted time
// is not after now, the next occurrence under the new offset is used.
func Shift(rec job.Recurrence, next time.Time, oldTZ, newTZ float64, now time.Time) (job.Recurrence, time.Time, error) {
	delta := OffsetDuration(newTZ) - OffsetDuration(oldTZ)
	switch r := rec.(type) {
	case job.Interval:
		return rec, next, nil
	case job.Once:
		at := r.At.Add(-delta).UTC()
		return job.Once{At: at}, at, nil
	case job.Daily, job.Weekly:
		shifted := next.Add(-delta).UTC()
		if shifted.After(now) {
			return rec, shifted, nil
		}
		n, err := NextFire(rec, now, newTZ)
		return rec, n, err
	}
	return rec, next, invalid("unsupported recurrence %T", rec)
}

// Validate checks that rec is internally consistent.
func Validate(rec job.Recurrence) error {
	switch r := rec.(type) {
	case job.Once:
		if r.At.IsZero() {
			return invalid("date and time are required")
		}
	case job.Daily:
		if !r.TimeOfDay.Valid() {
			return invalid("time must be between 00:00 and 23:59")
		}
	case job.Weekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return invalid("weekday must be mon..sun or 0..6 (0 is sunday)")
		}
		if !r.TimeOfDay.Valid() {
			return invalid("time must be between 00:00 and 23:59")
		}
	case job.Interval:
		if r.Period < MinInterval {
			return invalid("interval must be at least %s", MinInterval)
		}
	case nil:
		return invalid("schedule is missing")
	default:
		return invalid("unsupported recurrence %T", rec)
	}
	return nil
}

// Preview returns up to n upcoming fire times after from.
func Preview(rec job.Recurrence, from time.Time, tz float64, n int) []time.Time {
	out := make([]time.Time, 0, n)
	ref := from
	for i := 0; i < n; i++ {
		t, err := NextFire(rec, ref, tz)
		if err != nil {
			break
		}
		out = append(out, t)
		ref = t
	}
	return out
}

func invalid(format string, args ...any) error {
	return job.WithHint(job.ErrRecurrenceValidation, fmt.Sprintf(format, args...))
}
