package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of mailbox state mutations.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetryPolicy tries three times with 1s, 2s backoff between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second}
}

// Do runs fn until it succeeds, the attempts are spent, or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}

	var err error
	for attempt := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * base
		if logger != nil {
			logger.Warn("mailbox mutation failed, retrying",
				"op", op,
				"error", err,
				"attempt", attempt+1,
				"backoff", backoff,
			)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, attempts, err)
}
