package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type hintError struct {
	wait time.Duration
}

func (e *hintError) Error() string             { return "slow down" }
func (e *hintError) RetryAfter() time.Duration { return e.wait }

func TestDo(t *testing.T) {
	permanent := errors.New("permanent")
	transient := errors.New("transient")

	tests := []struct {
		name         string
		policy       Policy
		failures     int
		failWith     error
		wantAttempts int
		wantErr      error
	}{
		{
			name:         "succeeds first try",
			policy:       Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
			wantAttempts: 1,
		},
		{
			name:         "eventual success",
			policy:       Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
			failures:     2,
			failWith:     transient,
			wantAttempts: 3,
		},
		{
			name:         "exhausts attempts",
			policy:       Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
			failures:     10,
			failWith:     transient,
			wantAttempts: 3,
			wantErr:      transient,
		},
		{
			name: "non-retryable stops immediately",
			policy: Policy{
				MaxAttempts: 5,
				BaseDelay:   time.Millisecond,
				Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
			},
			failures:     10,
			failWith:     permanent,
			wantAttempts: 1,
			wantErr:      permanent,
		},
		{
			name:         "zero attempts rejected",
			policy:       Policy{MaxAttempts: 0},
			wantAttempts: 0,
			wantErr:      ErrInvalidMaxAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), tt.policy, func(ctx context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("Do() attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if attempts != 2 {
		t.Errorf("Do() attempts = %d, want 2", attempts)
	}
}

func TestDo_HonorsRetryAfterHint(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}

	attempts := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &hintError{wait: time.Hour}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(delays) != 1 || delays[0] != 20*time.Millisecond {
		t.Errorf("delays = %v, want [20ms] (hint capped at MaxDelay)", delays)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Jitter(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
		lo, hi time.Duration
	}{
		{"disabled", 0, time.Second, time.Second},
		{"fifth", 0.2, 800 * time.Millisecond, time.Second},
		{"clamped above one", 3, 0, time.Second},
		{"negative treated as none", -1, time.Second, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Jitter: tt.jitter}
			for range 200 {
				got := p.jitter(time.Second)
				if got < tt.lo || got > tt.hi {
					t.Fatalf("jitter(1s) = %v, want within [%v, %v]", got, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestDo_JittersBackoff(t *testing.T) {
	var delays []time.Duration
	p := Policy{
		MaxAttempts: 40,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Jitter:      0.5,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		},
	}
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		return errors.New("fail")
	})

	distinct := map[time.Duration]bool{}
	for _, d := range delays {
		if d < 500*time.Microsecond || d > time.Millisecond {
			t.Fatalf("delay %v outside [500us, 1ms]", d)
		}
		distinct[d] = true
	}
	if len(distinct) < 2 {
		t.Errorf("delays = %v, want randomized waits", delays)
	}
}
