package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when every retry attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// RetryConfig defines bounded exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the factor by which backoff grows.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryConfig returns the installer retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy executes calls with bounded exponential backoff.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// NewRetryPolicy creates a retry policy, filling unset fields from the defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &RetryPolicy{config: config, sleep: sleepContext}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// CalculateBackoff returns the delay after the given zero-based attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do calls fn until it succeeds, returns a permanent error, the context ends
// or MaxAttempts is reached. It reports how many calls were made.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, fmt.Errorf("%w: %w", err, lastErr)
			}
			return attempt, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return attempt + 1, perm.err
		}
		if !IsRetryableError(lastErr) {
			return attempt + 1, lastErr
		}

		if attempt < rp.config.MaxAttempts-1 {
			if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
				return attempt + 1, fmt.Errorf("%w: %w", err, lastErr)
			}
		}
	}
	return rp.config.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, rp.config.MaxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryableError reports whether err describes a transient failure.
// Cancellation is final; everything else is retried unless marked Permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
