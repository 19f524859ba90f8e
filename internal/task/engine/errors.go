package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: already running")
	ErrStale       = errors.New("task dropped: queued too long")
)

// NoRetry marks err as permanent. The engine stops after the current attempt
// and hands OnDone the unwrapped error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt after d instead of the computed
// backoff. d is still capped at RetryMaxDelay and jittered.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: max(d, 0)}
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string { return e.err.Error() }
func (e *delayedError) Unwrap() error { return e.err }

func retryHint(err error) (time.Duration, bool) {
	var d *delayedError
	if errors.As(err, &d) {
		return d.after, true
	}
	return 0, false
}
