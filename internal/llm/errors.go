package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrRateLimited is matched by every RateLimitError.
var ErrRateLimited = errors.New("embedding provider rate limited")

// RateLimitError is returned when the provider rejects a call with HTTP 429.
type RateLimitError struct {
	Wait    time.Duration // server hint, zero when absent
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.Wait, e.Message)
	}
	return "rate limited: " + e.Message
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns the server supplied wait hint.
func (e *RateLimitError) RetryAfter() time.Duration { return e.Wait }

// TokenLimitError is returned when an input exceeds the model's context length.
// Index is the offending position in the request, or -1 when the provider did
// not say which input it was.
type TokenLimitError struct {
	Index   int
	Message string
}

func (e *TokenLimitError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("input %d exceeds token limit: %s", e.Index, e.Message)
	}
	return "input exceeds token limit: " + e.Message
}

// TransientError wraps a provider failure worth retrying (5xx, connection reset).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a rate limit or a transient provider or
// network failure. Cancellation of the caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// AsTokenLimit extracts a TokenLimitError from err.
func AsTokenLimit(err error) (*TokenLimitError, bool) {
	var tl *TokenLimitError
	if errors.As(err, &tl) {
		return tl, true
	}
	return nil, false
}

var (
	tokenLimitPhrases = []string{
		"maximum context length",
		"context_length_exceeded",
		"too many tokens",
		"input is too long",
		"exceeds the maximum",
		"token limit",
	}
	inputIndexPattern = regexp.MustCompile(`(?i)(?:input\[(\d+)\]|input (?:at )?index (\d+)|inputs?\.(\d+))`)
)

// classifyMessage maps a provider error message onto the typed errors above.
// It returns nil when the message carries no recognizable signal.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	for _, phrase := range tokenLimitPhrases {
		if strings.Contains(lower, phrase) {
			return &TokenLimitError{Index: parseInputIndex(msg), Message: msg}
		}
	}
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return &RateLimitError{Message: msg}
	}
	return nil
}

func parseInputIndex(msg string) int {
	m := inputIndexPattern.FindStringSubmatch(msg)
	if m == nil {
		return -1
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		if n, err := strconv.Atoi(g); err == nil {
			return n
		}
	}
	return -1
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
