package job

import (
	"github.com/cockroachdb/errors"
)

// Delivery, validation and coordination failures. Check with errors.Is.
var (
	ErrTransientDelivery    = errors.New("transient delivery failure")
	ErrPermanentDelivery    = errors.New("permanent delivery failure")
	ErrRecurrenceValidation = errors.New("invalid schedule")
	ErrQuotaExceeded        = errors.New("job quota exceeded")
	ErrConversationTimeout  = errors.New("conversation timed out")
	ErrClaimConflict        = errors.New("job already claimed")

	ErrNotFound       = errors.New("job not found")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidOffset  = errors.New("invalid utc offset")
	ErrExhausted      = errors.New("recurrence exhausted")
)

// WithHint attaches a user-facing hint that survives wrapping.
func WithHint(err error, hint string) error { return errors.WithHint(err, hint) }

func WithHintf(err error, format string, args ...any) error {
	return errors.WithHintf(err, format, args...)
}

// Hint returns all hints attached to err, newline separated.
func Hint(err error) string {
	if err == nil {
		return ""
	}
	return errors.FlattenHints(err)
}

// UserMessage renders err for a chat reply: the hint when there is one,
// otherwise the error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if h := Hint(err); h != "" {
		return h
	}
	return err.Error()
}
