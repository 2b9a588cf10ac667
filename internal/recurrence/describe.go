package recurrence

import (
	"fmt"
	"math"
	"strings"
	"time"

	"cronbot/internal/job"
)

// Describe renders rec in the same syntax Parse accepts.
func Describe(rec job.Recurrence, tz float64) string {
	switch r := rec.(type) {
	case job.Once:
		return "once " + FormatLocal(r.At, tz)
	case job.Daily:
		return "daily " + r.TimeOfDay.String()
	case job.Weekly:
		return "weekly " + strings.ToLower(r.Weekday.String()[:3]) + " " + r.TimeOfDay.String()
	case job.Interval:
		return "every " + shortDuration(r.Period)
	}
	return "unknown"
}

// FormatLocal renders t as wall-clock time at offset tz.
func FormatLocal(t time.Time, tz float64) string {
	return t.UTC().Add(OffsetDuration(tz)).Format("2006-01-02 15:04")
}

// FormatOffset renders an offset like UTC+08:00 or UTC-03:30.
func FormatOffset(tz float64) string {
	mins := int(math.Round(tz * 60))
	sign := '+'
	if mins < 0 {
		sign = '-'
		mins = -mins
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, mins/60, mins%60)
}

// shortDuration drops the zero units time.Duration.String keeps ("1h0m0s" -> "1h").
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
