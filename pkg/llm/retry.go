package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff parameters for retryable LLM failures: capped exponential
// with jitter, per the upstream rate-limit contract.
const (
	retryBaseInterval = 500 * time.Millisecond
	retryMaxInterval  = 30 * time.Second
	retryJitterFactor = 0.2
	retryGrowthFactor = 2.0
)

// Retry runs op up to 1+maxRetries times, backing off between attempts.
// Only transient and malformed failures are retried; any other error —
// and context cancellation — stops immediately. After the cap the last
// error is wrapped in ErrExhausted.
func Retry(ctx context.Context, maxRetries int, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.MaxInterval = retryMaxInterval
	bo.RandomizationFactor = retryJitterFactor
	bo.Multiplier = retryGrowthFactor
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w (cancelled: %v)", ErrExhausted, lastErr, err)
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) && !IsMalformed(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w (cancelled: %v)", ErrExhausted, lastErr, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// Exhausted reports whether err carries ErrExhausted.
func Exhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
