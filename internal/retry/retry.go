// Package retry computes exponential backoff for the poll loop.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	MaxAttempts int           // consecutive failures tolerated before giving up (0 = infinite)
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap on any single wait
	Multiplier  float64       // backoff multiplier
	Jitter      float64       // jitter factor (0-1)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		InitialWait: time.Second,
		MaxWait:     2 * time.Minute,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Exhausted reports whether attempt consecutive failures exceed the budget.
func (c Config) Exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt >= c.MaxAttempts
}

// Delay returns the wait after the attempt-th consecutive failure, counting
// from 1.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	wait := float64(c.InitialWait) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}

	if c.Jitter > 0 {
		jitter := wait * c.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
