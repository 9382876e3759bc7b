package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn with a derived context bounded by timeout, returning
// fn's error or a wrapped context.DeadlineExceeded if it does not finish in
// time. fn must respect ctx cancellation; WithTimeout does not abandon a
// goroutine that ignores it.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s timed out after %v: %w", name, timeout, ctx.Err())
	}
}
