// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempts at all.
var ErrInvalidMaxAttempts = errors.New("max attempts must be greater than zero")

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, the first one included.
	MaxAttempts int
	// BaseDelay doubles after every failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter is the fraction of each backoff delay that is randomized, in [0, 1].
	// With 0.2 a 1s delay becomes a wait in [800ms, 1s]. Server hints are not jittered.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// retryAfter is implemented by errors that carry a server supplied wait hint.
type retryAfter interface {
	RetryAfter() time.Duration
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts
// are used up or ctx is done. The error of the last attempt is returned as is
// so that callers can still classify it.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.jitter(p.Delay(attempt))
		var hinted retryAfter
		if errors.As(lastErr, &hinted) && hinted.RetryAfter() > delay {
			delay = hinted.RetryAfter()
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// jitter shortens d by a random amount of up to Jitter*d so that callers
// failing together do not retry in lockstep.
func (p Policy) jitter(d time.Duration) time.Duration {
	frac := min(max(p.Jitter, 0), 1)
	if frac == 0 || d <= 0 {
		return d
	}
	spread := time.Duration(float64(d) * frac)
	if spread <= 0 {
		return d
	}
	return d - rand.N(spread+1)
}
