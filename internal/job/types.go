package job

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusDispatching Status = "dispatching"
	StatusDisabled    Status = "disabled"
	StatusExhausted   Status = "exhausted"
)

// Terminal reports whether the job will never fire again on its own.
func (s Status) Terminal() bool { return s == StatusDisabled || s == StatusExhausted }

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusDispatching, StatusDisabled, StatusExhausted:
		return true
	}
	return false
}

// RestrictMode governs who may mutate a chat's jobs from inside the chat.
type RestrictMode string

const (
	RestrictNone        RestrictMode = "none"
	RestrictAdminsOnly  RestrictMode = "admins_only"
	RestrictCreatorOnly RestrictMode = "creator_only"
)

func ParseRestrictMode(s string) (RestrictMode, error) {
	switch RestrictMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RestrictNone:
		return RestrictNone, nil
	case RestrictAdminsOnly:
		return RestrictAdminsOnly, nil
	case RestrictCreatorOnly:
		return RestrictCreatorOnly, nil
	}
	return "", fmt.Errorf("unknown restrict mode %q", s)
}

// Job is a scheduled message.
type Job struct {
	ID       string
	Name     string
	OwnerID  int64
	ChatID   int64
	ThreadID int

	Payload    Payload
	Recurrence Recurrence

	// NextRunAt is always UTC.
	NextRunAt    time.Time
	Status       Status
	RestrictMode RestrictMode

	// RetryState counts delivery attempts for the current firing only.
	RetryState int

	CreatedAt time.Time
	UpdatedAt time.Time
	// ClaimedAt is set while Status is dispatching.
	ClaimedAt time.Time
}

// New builds a scheduled job with a fresh id.
func New(owner, chatID int64, threadID int, p Payload, r Recurrence, next time.Time, now time.Time) Job {
	return Job{
		ID:           uuid.NewString(),
		Name:         DefaultName(p),
		OwnerID:      owner,
		ChatID:       chatID,
		ThreadID:     threadID,
		Payload:      p,
		Recurrence:   r,
		NextRunAt:    next.UTC(),
		Status:       StatusScheduled,
		RestrictMode: RestrictNone,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// ShortID is the prefix shown to users and accepted by /delete and /edit.
func (j Job) ShortID() string {
	if len(j.ID) <= 8 {
		return j.ID
	}
	return j.ID[:8]
}

// Active reports whether the job counts against its owner's quota.
func (j Job) Active() bool { return !j.Status.Terminal() }

const nameMaxRunes = 32

// DefaultName derives a short label from the payload.
func DefaultName(p Payload) string {
	var s string
	switch v := p.(type) {
	case Text:
		s = v.Body
	case Photo:
		s = "photo"
		if strings.TrimSpace(v.Caption) != "" {
			s = "photo: " + v.Caption
		}
	case Poll:
		s = "poll: " + v.Question
	default:
		return "job"
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > nameMaxRunes {
		rs := []rune(s)
		s = string(rs[:nameMaxRunes-1]) + "…"
	}
	if s == "" {
		return "job"
	}
	return s
}

// ChatConfig holds per-chat settings.
type ChatConfig struct {
	ChatID       int64
	TZOffset     float64
	RestrictMode RestrictMode
	UpdatedAt    time.Time
}

func DefaultChatConfig(chatID int64, tzOffset float64) ChatConfig {
	return ChatConfig{ChatID: chatID, TZOffset: tzOffset, RestrictMode: RestrictNone}
}

// ValidateOffset accepts UTC-12:00 .. UTC+14:00 in quarter-hour steps.
func ValidateOffset(tz float64) error {
	if tz < -12 || tz > 14 {
		return WithHint(ErrInvalidOffset, "offset must be between -12 and +14 hours")
	}
	q := tz * 4
	if q != float64(int64(q)) {
		return WithHint(ErrInvalidOffset, "offset must be a multiple of 0.25 hours, e.g. 5.5 or -3.75")
	}
	return nil
}
