package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config configures bounded retries with exponential backoff
type Config struct {
	MaxAttempts int           // Total attempts including the first, minimum 1
	BaseDelay   time.Duration // Delay before the second attempt, 0 retries immediately
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool // Add up to 10% random jitter
}

// DefaultConfig returns the backoff used for conditional-write conflicts
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Attempts returns cfg with MaxAttempts set to n
func (c Config) Attempts(n int) Config {
	c.MaxAttempts = n
	return c
}

// Do runs op until it succeeds, returns an error retryable rejects, or attempts run out.
// A nil retryable retries every error. The attempt number passed to op starts at 1.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context, attempt int) (T, error), retryable func(error) bool) (T, error) {
	var (
		zero T
		err  error
	)
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		var result T
		result, err = op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := backoff(cfg, attempt-1)
		if delay <= 0 {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, err
}

func backoff(cfg Config, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}
	return time.Duration(delay)
}
