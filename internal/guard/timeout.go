// Package guard bounds asynchronous waits and detects stale results.
//
// Timeout races an operation against a deadline and falls back without
// cancelling the operation. Generation tags work with a token so a result
// that arrives after its context was superseded can be recognized and
// dropped.
package guard

import (
	"context"
	"time"
)

// Timeout runs op and waits at most d for it.
//
// If op settles first its result is returned. If d expires first, fallback
// is called and its result returned; op is not cancelled and its eventual
// result is discarded. A cancelled ctx ends the wait with ctx.Err().
// d <= 0 waits without a deadline.
func Timeout[R any](
	ctx context.Context,
	d time.Duration,
	op func(ctx context.Context) (R, error),
	fallback func() (R, error),
) (R, error) {
	type outcome struct {
		val R
		err error
	}

	// Buffered so an abandoned op never blocks on send.
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{val: v, err: err}
	}()

	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-done:
		return out.val, out.err
	case <-expired:
		return fallback()
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
