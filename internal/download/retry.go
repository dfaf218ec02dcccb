package download

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how transient fetch failures are retried.
// Integrity failures and 4xx responses are never retried regardless of
// policy; the policy only governs timeouts, resets, and 5xx responses.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialInterval is the delay before the first retry. Subsequent
	// delays grow by Multiplier with randomized jitter.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// Multiplier is the exponential growth factor between delays.
	Multiplier float64
}

// DefaultRetryPolicy returns the standard policy: three attempts with
// exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("retry policy: initial interval must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy: multiplier must be at least 1, got %v", p.Multiplier)
	}
	return nil
}

// backoff builds the context-aware backoff schedule for one operation.
func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	// Randomization spreads concurrent retriers so they do not stampede
	// the source in lockstep.
	b.RandomizationFactor = 0.5
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}
