package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Operation is a single attempt of retryable work.
type Operation func(ctx context.Context) error

// Config controls attempt count and backoff shape.
type Config struct {
	// MaxAttempts is the total attempt budget; only failed attempts
	// consume it.
	MaxAttempts int

	// InitialDelay seeds the backoff; each failure multiplies the delay
	// by Multiplier up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// OnRetry, if set, observes each failed attempt before the wait.
	OnRetry func(attempt int, err error, nextDelay time.Duration)

	// RetryIf, if set, classifies errors; a false return stops retrying
	// immediately.
	RetryIf func(err error) bool
}

type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) { c.InitialDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) { c.MaxDelay = d }
}

func WithMultiplier(m float64) Option {
	return func(c *Config) { c.Multiplier = m }
}

func WithOnRetry(fn func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

func WithRetryIf(pred func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = pred }
}

// WithExponentialBackoff bundles the usual knobs for a doubling backoff.
func WithExponentialBackoff(maxAttempts int, initial, ceiling time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initial),
		WithMaxDelay(ceiling),
		WithMultiplier(2.0),
	}
}

// Do runs op until it succeeds, the attempt budget is exhausted, RetryIf
// rejects the error, or ctx is cancelled. A successful attempt returns nil
// immediately and never consumes budget.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return fmt.Errorf("retry: unretryable: %w", lastErr)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf(
				"retry: canceled during wait after attempt %d: %w (last error: %v)",
				attempt, ctx.Err(), lastErr,
			)
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}

func backoffDelay(attempt int, cfg *Config) time.Duration {
	d := min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)

	return time.Duration(d)
}
