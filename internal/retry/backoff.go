package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config controls exponential backoff between attempts.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

type Backoff struct {
	cfg Config
}

func NewBackoff(cfg Config) *Backoff {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg}
}

// Do runs op until it succeeds, returns an error isRetryable rejects, runs out of attempts or ctx ends.
// A nil isRetryable retries every error.
func (b *Backoff) Do(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == b.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// Delay returns the wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.cfg.Multiplier
	}
	if limit := float64(b.cfg.MaxDelay); limit > 0 && delay > limit {
		delay = limit
	}
	if b.cfg.Jitter {
		// +/-25%
		delay += (rand.Float64() - 0.5) * 0.5 * delay
		if limit := float64(b.cfg.MaxDelay); limit > 0 && delay > limit {
			delay = limit
		}
	}
	return time.Duration(delay)
}
