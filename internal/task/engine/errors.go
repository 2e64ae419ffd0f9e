package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: same key already queued or running")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// hintError annotates a task failure with a retry hint for the engine.
type hintError struct {
	err   error
	final bool
	after time.Duration
}

func (e *hintError) Unwrap() error { return e.err }

func (e *hintError) Error() string {
	if e.final {
		return "permanent: " + e.err.Error()
	}
	return fmt.Sprintf("%v (retry in %s)", e.err, e.after)
}

func (e *hintError) RetryAfter() time.Duration { return e.after }

// NoRetry marks err as permanent: the task is dead-lettered after the
// current attempt. Recovered panics are reported this way.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, final: true}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	var h *hintError
	for err != nil {
		if !errors.As(err, &h) {
			return false
		}
		if h.final {
			return true
		}
		err = h.err
	}
	return false
}

// RetryAfter asks for the next attempt after d instead of the policy
// backoff. The delay is still capped by RetryPolicy.MaxDelay and jittered.
// Storage busy errors use it.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, after: max(d, 0)}
}
