package auth

import (
	"context"
	"errors"
	"fmt"

	"flight-deal-alerts/internal/domain"
)

// TokenSource is the part of Manager a RetryPolicy needs.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// RetryPolicy bounds how often a provider call is replayed after a 401.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultRetryPolicy allows one forced refresh and one replay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2}
}

// Do invokes call with a valid credential. Only domain.ErrUnauthorized is
// retried; exhausting the attempts escalates to domain.ErrAuth.
func (p RetryPolicy) Do(ctx context.Context, src TokenSource, call func(ctx context.Context, token string) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	token, err := src.EnsureValid(ctx)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = call(ctx, token)
		if err == nil || !errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w: credential rejected after %d attempts: %w", domain.ErrAuth, attempt, err)
		}

		token, err = src.ForceRefresh(ctx, token)
		if err != nil {
			return err
		}
	}
}
