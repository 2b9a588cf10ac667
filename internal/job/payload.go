package job

import (
	"strings"
	"time"
)

type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadPhoto PayloadKind = "photo"
	PayloadPoll  PayloadKind = "poll"
)

// Payload is one of Text, Photo or Poll.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

type Text struct {
	Body string
}

type Photo struct {
	// FileRef is a Telegram file id or an http(s) URL.
	FileRef string
	Caption string
}

type Poll struct {
	Question string
	Options  []string
}

func (Text) Kind() PayloadKind  { return PayloadText }
func (Photo) Kind() PayloadKind { return PayloadPhoto }
func (Poll) Kind() PayloadKind  { return PayloadPoll }

func (Text) isPayload()  {}
func (Photo) isPayload() {}
func (Poll) isPayload()  {}

// Telegram limits.
const (
	MaxTextLen      = 4096
	MaxCaptionLen   = 1024
	MaxPollQuestion = 300
	MinPollOptions  = 2
	MaxPollOptions  = 10
	MaxPollOption   = 100
)

// ValidatePayload checks the payload against Telegram's limits.
func ValidatePayload(p Payload) error {
	switch v := p.(type) {
	case Text:
		if strings.TrimSpace(v.Body) == "" {
			return WithHint(ErrInvalidPayload, "message text is empty")
		}
		if len([]rune(v.Body)) > MaxTextLen {
			return WithHintf(ErrInvalidPayload, "message text is longer than %d characters", MaxTextLen)
		}
	case Photo:
		if strings.TrimSpace(v.FileRef) == "" {
			return WithHint(ErrInvalidPayload, "photo is missing")
		}
		if len([]rune(v.Caption)) > MaxCaptionLen {
			return WithHintf(ErrInvalidPayload, "caption is longer than %d characters", MaxCaptionLen)
		}
	case Poll:
		if strings.TrimSpace(v.Question) == "" {
			return WithHint(ErrInvalidPayload, "poll question is empty")
		}
		if len([]rune(v.Question)) > MaxPollQuestion {
			return WithHintf(ErrInvalidPayload, "poll question is longer than %d characters", MaxPollQuestion)
		}
		if len(v.Options) < MinPollOptions || len(v.Options) > MaxPollOptions {
			return WithHintf(ErrInvalidPayload, "a poll needs %d to %d options", MinPollOptions, MaxPollOptions)
		}
		for _, o := range v.Options {
			if strings.TrimSpace(o) == "" || len([]rune(o)) > MaxPollOption {
				return WithHintf(ErrInvalidPayload, "poll options must be 1 to %d characters", MaxPollOption)
			}
		}
	case nil:
		return WithHint(ErrInvalidPayload, "payload is missing")
	}
	return nil
}

type RecurrenceKind string

const (
	KindOnce     RecurrenceKind = "once"
	KindDaily    RecurrenceKind = "daily"
	KindWeekly   RecurrenceKind = "weekly"
	KindInterval RecurrenceKind = "interval"
)

// Recurrence is one of Once, Daily, Weekly or Interval.
type Recurrence interface {
	Kind() RecurrenceKind
	isRecurrence()
}

// TimeOfDay is minutes since local midnight.
type TimeOfDay int

const MinutesPerDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }
func (t TimeOfDay) Valid() bool { return t >= 0 && t < MinutesPerDay }

func (t TimeOfDay) String() string {
	h, m := t.Hour(), t.Minute()
	return string([]byte{byte('0' + h/10), byte('0' + h%10), ':', byte('0' + m/10), byte('0' + m%10)})
}

type Once struct {
	At time.Time
}

type Daily struct {
	TimeOfDay TimeOfDay
}

type Weekly struct {
	Weekday   time.Weekday
	TimeOfDay TimeOfDay
}

type Interval struct {
	Period time.Duration
}

func (Once) Kind() RecurrenceKind     { return KindOnce }
func (Daily) Kind() RecurrenceKind    { return KindDaily }
func (Weekly) Kind() RecurrenceKind   { return KindWeekly }
func (Interval) Kind() RecurrenceKind { return KindInterval }

func (Once) isRecurrence()     {}
func (Daily) isRecurrence()    {}
func (Weekly) isRecurrence()   {}
func (Interval) isRecurrence() {}
