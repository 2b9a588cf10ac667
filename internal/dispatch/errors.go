package dispatch

import (
	"fmt"
	"time"

	"cronbot/internal/job"

	"github.com/cockroachdb/errors"
)

// Class is the retry classification of a send error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Permanent marks err as a failure that retrying cannot fix (chat gone,
// bot blocked, payload rejected).
//
// Example:
//
//	return dispatch.Permanent(fmt.Errorf("chat not found: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, job.ErrPermanentDelivery)
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, job.ErrTransientDelivery)
}

// RetryAfter wraps a transient error with the delay the remote side asked
// for (Telegram flood control). The batcher honors it, bounded by
// RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: Transient(err), after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Classify decides whether a send error is worth retrying. Unknown errors
// are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, job.ErrPermanentDelivery) {
		return ClassPermanent
	}
	if errors.Is(err, job.ErrInvalidPayload) {
		return ClassPermanent
	}
	return ClassTransient
}

func asRetryAfter(err error) (RetryAfterError, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra, true
	}
	return nil, false
}
