package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("engine: stopped")
	ErrQueueFull = errors.New("engine: queue full")
	ErrStale     = errors.New("engine: task exceeded max queue wait")
	ErrNoHandler = errors.New("engine: no handler for task type")
	ErrDuplicate = errors.New("engine: task already queued or running")
)

// handlerError annotates a handler failure with retry guidance.
type handlerError struct {
	err     error
	final   bool
	after   time.Duration
	hasHint bool
}

func (e *handlerError) Error() string {
	switch {
	case e.final:
		return "permanent: " + e.err.Error()
	case e.hasHint:
		return fmt.Sprintf("retry in %s: %v", e.after, e.err)
	}
	return e.err.Error()
}

func (e *handlerError) Unwrap() error { return e.err }

// RetryAfter implements RetryAfterError; only meaningful when a hint was set.
func (e *handlerError) RetryAfter() time.Duration { return e.after }

// NoRetry marks err as permanent: the engine reports Fail without retrying.
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &handlerError{err: err, final: true}
}

// IsNoRetry reports whether err, or anything it wraps, was marked with NoRetry.
func IsNoRetry(err error) bool {
	_, ok := permanentCause(err)
	return ok
}

// permanentCause returns the error passed to NoRetry, if any.
func permanentCause(err error) (error, bool) {
	var he *handlerError
	if errors.As(err, &he) && he.final {
		return he.err, true
	}
	return nil, false
}

// RetryAfter suggests the delay before the next attempt. The hint is capped
// at RetryMaxDelay and jittered like any other backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &handlerError{err: err, after: max(after, 0), hasHint: true}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

func retryHint(err error) (time.Duration, bool) {
	var he *handlerError
	if errors.As(err, &he) {
		return he.after, he.hasHint
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return max(ra.RetryAfter(), 0), true
	}
	return 0, false
}
