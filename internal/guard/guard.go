// Package guard converts operations that never resolve into typed timeout
// failures. A guarded operation that outlives its deadline is abandoned, not
// cancelled: the underlying connection stays usable for subsequent calls.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a guarded operation misses its deadline.
var ErrTimeout = errors.New("operation timed out")

// DefaultTimeout is the deadline applied by callers that do not configure
// their own (capture operations in particular).
const DefaultTimeout = 10 * time.Second

// TimeoutError carries the deadline that was missed and the name of the
// operation, so callers can report which call stalled.
type TimeoutError struct {
	Op       string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Deadline)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

type result[T any] struct {
	value T
	err   error
}

// Do races op against the deadline d. If the timer fires first, Do returns a
// TimeoutError and leaves op running in the background; op receives a context
// it can honor, but is never forcibly interrupted. The op name appears in the
// timeout error.
func Do[T any](ctx context.Context, op string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		d = DefaultTimeout
	}

	// Buffered so an abandoned op can still deliver and exit.
	ch := make(chan result[T], 1)
	opCtx, cancelOp := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		value, err := fn(opCtx)
		ch <- result[T]{value: value, err: err}
		cancelOp()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case res := <-ch:
		return res.value, res.err
	case <-timer.C:
		return zero, &TimeoutError{Op: op, Deadline: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is Do for operations with no return value.
func Run(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	_, err := Do(ctx, op, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
