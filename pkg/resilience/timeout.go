package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs fn under a deadline of timeout. fn must honour its
// context; external commands do so through exec.CommandContext. A deadline
// hit is reported as context.DeadlineExceeded naming the operation, while
// cancellation of ctx itself passes through unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %v: %w", name, context.DeadlineExceeded, timeout, err)
	}
	return err
}
