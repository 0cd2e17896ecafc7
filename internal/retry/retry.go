// Package retry provides the single backoff policy shared by asset downloads,
// collaborator calls, uploads, and cache lock acquisition.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"montage/internal/config"
	"montage/internal/services"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy controls attempts and backoff shape.
type Policy struct {
	// MaxAttempts counts the initial call. Values below 1 mean one attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Multiplier scales the backoff after each failure. 1 gives a fixed delay.
	Multiplier float64
	// Jitter is the fraction of each delay to randomize, between 0 and 1.
	Jitter float64
	// Retryable classifies errors. Nil uses services.Retryable.
	Retryable func(error) bool
}

// Attempt describes a failed call before the policy sleeps.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
}

// Default returns exponential backoff with 10% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// FromConfig builds the policy from the retry section.
func FromConfig(cfg *config.Config) Policy {
	p := Default()
	if cfg == nil {
		return p
	}
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.InitialBackoff = time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond
	p.MaxBackoff = time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond
	return p
}

// Fixed returns a policy that retries every error with a constant delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: delay,
		MaxBackoff:     delay,
		Multiplier:     1,
		Retryable:      func(error) bool { return true },
	}
}

// WithRetryable returns a copy of p using classify for error classification.
func (p Policy) WithRetryable(classify func(error) bool) Policy {
	p.Retryable = classify
	return p
}

// Do runs fn until it succeeds, returns a fatal error, exhausts the attempts,
// or ctx ends.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	return p.DoNotify(ctx, fn, nil)
}

// DoNotify is Do with a callback invoked after each retryable failure, before
// sleeping. The callback is not invoked for the final attempt.
func (p Policy) DoNotify(ctx context.Context, fn func(context.Context) error, notify func(Attempt)) error {
	attempts := max(p.MaxAttempts, 1)
	classify := p.Retryable
	if classify == nil {
		classify = services.Retryable
	}
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (after %d attempts): %w", err, attempt-1, lastErr)
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.delay(backoff)
		if notify != nil {
			notify(Attempt{Number: attempt, Err: lastErr, Delay: delay})
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after %d attempts): %w", ctx.Err(), attempt, lastErr)
		case <-timer.C:
		}
		backoff = p.next(backoff)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) delay(backoff time.Duration) time.Duration {
	if backoff <= 0 {
		return 0
	}
	if p.Jitter <= 0 {
		return backoff
	}
	jitter := time.Duration(float64(backoff) * p.Jitter * (rand.Float64()*2 - 1))
	if d := backoff + jitter; d > 0 {
		return d
	}
	return backoff
}

func (p Policy) next(backoff time.Duration) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	next := time.Duration(float64(backoff) * multiplier)
	if p.MaxBackoff > 0 && next > p.MaxBackoff {
		next = p.MaxBackoff
	}
	return next
}
