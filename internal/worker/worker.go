// Package worker runs one claimed task's handler under a hard deadline,
// converting panics and timeouts into ordinary errors so a misbehaving
// handler can never take down the worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandlerFunc processes one task's payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// ErrPanicked wraps a recovered handler panic.
var ErrPanicked = errors.New("worker: handler panicked")

// Execute runs fn against payload with a hard deadline of timeout, and with
// cancellation propagated from ctx (used for graceful shutdown). It returns
// context.DeadlineExceeded if the deadline elapsed, ctx.Err() if the parent
// was cancelled first, or fn's own error/panic otherwise.
//
// Cancellation is cooperative: fn is expected to observe the context it is
// given at its own suspension points. If fn never returns after its context
// is done, Execute still returns promptly - the goroutine running fn is
// abandoned, which is the same trade-off any cooperative cancellation model
// makes for handlers that ignore ctx.
func Execute(ctx context.Context, timeout time.Duration, fn HandlerFunc, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanicked, r)
			}
		}()
		done <- fn(cctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}
