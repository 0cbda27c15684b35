package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"devicelink/internal/model"
)

// RetryPolicy bounds the backoff applied to storage calls that fail for
// infrastructure reasons. Typed domain outcomes are never retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 50ms base, 1s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

// newBackOff doubles from BaseDelay up to MaxDelay with ±25% jitter.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.Reset()
	return b
}

// withRetry runs fn until it succeeds, returns a domain error, runs out of attempts or ctx ends.
// Exhaustion is reported as model.ErrTransient wrapping the last error.
func withRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var domainErr error
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && model.IsDomainError(err) {
			domainErr = err
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("storage call failed, retrying", "op", op, "delay", delay, "error", err)
		}),
	)
	if err == nil {
		return v, nil
	}
	var zero T
	if domainErr != nil {
		return zero, domainErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (last error: %w)", ctxErr, err)
	}
	return zero, fmt.Errorf("%w: %s: %w", model.ErrTransient, op, err)
}

// once runs a storage call that must not be repeated blindly: a retry after a lost reply
// would observe its own committed effect. Infrastructure failures still surface as ErrTransient.
func once[T any](ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	return withRetry(ctx, RetryPolicy{Attempts: 1}, op, fn)
}
