package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry marks an error as permanent so the engine does not retry it.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// IsRejected reports whether err is one of the engine's submission
// rejections (disabled, stopped, stopping, queue full).
func IsRejected(err error) bool {
	return errors.Is(err, ErrDisabled) ||
		errors.Is(err, ErrStopped) ||
		errors.Is(err, ErrStopping) ||
		errors.Is(err, ErrQueueFull)
}
