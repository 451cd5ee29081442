package pipeline

import (
	"context"
	"time"

	"hospitalgpt/internal/llm"
)

// RetryPolicy bounds retries around the gateway-calling step. Only
// retryable (transport) failures are retried; configuration errors and
// degraded responses pass straight through.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

// Do invokes call up to MaxAttempts times, sleeping BaseDelay doubled (or
// scaled by Multiplier) between attempts. Context cancellation wins over
// both the call and the backoff sleep.
func (p RetryPolicy) Do(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := p.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			return "", err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return "", lastErr
}
