package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cronbot/internal/job"
)

// Formats lists the accepted schedule syntax, one per line.
const Formats = "daily HH:MM\n" +
	"weekly <mon..sun|0..6> HH:MM\n" +
	"once YYYY-MM-DD HH:MM\n" +
	"once HH:MM\n" +
	"every <duration> (e.g. every 90m, every 2h30m)"

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Parse reads a schedule typed in chat. Local times are interpreted at
// offset tz; now anchors "once HH:MM" and rejects once-schedules in the past.
func Parse(input string, now time.Time, tz float64) (job.Recurrence, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(input)))
	if len(fields) == 0 {
		return nil, parseErr(input, "schedule is empty")
	}

	var rec job.Recurrence
	switch fields[0] {
	case "daily":
		if len(fields) != 2 {
			return nil, parseErr(input, "expected: daily HH:MM")
		}
		tod, err := parseTimeOfDay(fields[1])
		if err != nil {
			return nil, parseErr(input, err.Error())
		}
		rec = job.Daily{TimeOfDay: tod}
	case "weekly":
		if len(fields) != 3 {
			return nil, parseErr(input, "expected: weekly <mon..sun|0..6> HH:MM")
		}
		wd, err := parseWeekday(fields[1])
		if err != nil {
			return nil, parseErr(input, err.Error())
		}
		tod, err := parseTimeOfDay(fields[2])
		if err != nil {
			return nil, parseErr(input, err.Error())
		}
		rec = job.Weekly{Weekday: wd, TimeOfDay: tod}
	case "once":
		at, err := parseOnce(fields[1:], now, tz)
		if err != nil {
			return nil, parseErr(input, err.Error())
		}
		rec = job.Once{At: at}
	case "every", "interval":
		if len(fields) != 2 {
			return nil, parseErr(input, "expected: every <duration>, e.g. every 90m")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, parseErr(input, fmt.Sprintf("invalid duration %q, use forms like 45m or 2h30m", fields[1]))
		}
		rec = job.Interval{Period: d}
	default:
		return nil, parseErr(input, "unknown schedule kind "+strconv.Quote(fields[0]))
	}

	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseOnce(args []string, now time.Time, tz float64) (time.Time, error) {
	off := OffsetDuration(tz)
	switch len(args) {
	case 1:
		tod, err := parseTimeOfDay(args[0])
		if err != nil {
			return time.Time{}, err
		}
		return nextLocal(now.UTC(), tz, tod, -1), nil
	case 2:
		local, err := time.ParseInLocation("2006-01-02 15:04", args[0]+" "+args[1], time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date/time %q, expected YYYY-MM-DD HH:MM", args[0]+" "+args[1])
		}
		at := local.Add(-off)
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("%s is in the past", args[0]+" "+args[1])
		}
		return at, nil
	}
	return time.Time{}, fmt.Errorf("expected: once YYYY-MM-DD HH:MM or once HH:MM")
}

// parseTimeOfDay accepts H:MM and HH:MM in 24h form.
func parseTimeOfDay(s string) (job.TimeOfDay, error) {
	h, m, err := parseHHMM(s)
	if err != nil {
		return 0, err
	}
	return job.NewTimeOfDay(h, m), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	if wd, ok := weekdays[s]; ok {
		return wd, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	if n < 0 || n > 6 {
		return 0, fmt.Errorf("weekday %d out of range 0..6", n)
	}
	return time.Weekday(n), nil
}

func parseErr(input, reason string) error {
	return job.WithHint(
		job.WithHint(fmt.Errorf("parse schedule %q: %s: %w", strings.TrimSpace(input), reason, job.ErrRecurrenceValidation), reason),
		"accepted formats:\n"+Formats,
	)
}
