// Package retry provides simple exponential backoff retry logic for
// transient failures such as resource acquisition and store connections.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on backoff delay
	Multiplier   float64       // Backoff growth factor
	AddJitter    bool          // Add up to 25% random jitter per delay
}

// DefaultConfig returns a config for normal operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries during startup and resource
// acquisition.
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a config for long-running retries against critical
// external resources.
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// nonRetryable marks an error so Do fails immediately.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// Abort wraps err so Do stops without further attempts.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsAborted reports whether err was marked with Abort.
func IsAborted(err error) bool {
	var n *nonRetryable
	return errors.As(err, &n)
}

// Do executes fn with exponential backoff until it succeeds, the attempts
// are exhausted, the error is marked with Abort, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsAborted(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.AddJitter {
			sleep += time.Duration(rand.Int63n(int64(delay/4 + 1)))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * cfg.Multiplier)
		if next > cfg.MaxDelay || next < delay {
			next = cfg.MaxDelay
		}
		delay = next
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
