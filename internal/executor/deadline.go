// Package executor runs tool invocations under a hard wall-clock deadline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout is the uniform deadline for tool invocations.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is matched by every deadline failure.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports which operation exceeded its deadline.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("operation timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// Unwrap lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

type outcome[T any] struct {
	val T
	err error
}

// RunWithDeadline runs op and waits at most timeout for it. If the deadline
// fires first it returns a *TimeoutError and cancels the context passed to
// op; op keeps running until it observes the cancellation, but its result
// is discarded. A panic in op is returned as an error.
//
// Cancellation of the parent ctx is returned as ctx.Err(), not as a timeout.
func RunWithDeadline[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the goroutine can always deliver and exit after we stop waiting.
	done := make(chan outcome[T], 1)
	go func() {
		var o outcome[T]
		defer func() {
			if rec := recover(); rec != nil {
				o = outcome[T]{err: fmt.Errorf("operation panicked: %v", rec)}
			}
			done <- o
		}()
		o.val, o.err = op(opCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return zero, &TimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
