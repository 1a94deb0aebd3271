package keygate

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors.
var (
	ErrUnknownProvider     = errors.New("keygate: unknown provider")
	ErrNoKeyConfigured     = errors.New("keygate: no API key configured for provider")
	ErrRateLimited         = errors.New("keygate: rate limited by provider")
	ErrUpstreamRejected    = errors.New("keygate: request rejected by provider")
	ErrUpstreamUnavailable = errors.New("keygate: provider unavailable")
	ErrNetworkFailure      = errors.New("keygate: network failure")
	ErrMalformedResponse   = errors.New("keygate: malformed provider response")
	ErrEmptyResponse       = errors.New("keygate: empty provider response")
)

// RateLimitKind classifies a rate limit as a short per-minute backoff or a
// long per-day backoff.
type RateLimitKind string

const (
	RateLimitMinute RateLimitKind = "minute"
	RateLimitDay    RateLimitKind = "day"
)

// RateLimitError reports an upstream rate limit with an estimated reset.
// It unwraps to ErrRateLimited.
type RateLimitError struct {
	Kind    RateLimitKind
	ResetAt time.Time

	// Message optionally carries a caller-facing wait description built
	// from pool availability when every retry was exhausted.
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return "keygate: " + e.Message
	}
	return fmt.Sprintf("keygate: rate limited (%s), retry in %d seconds", e.Kind, e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds returns the whole seconds until the estimated reset,
// never negative.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(time.Until(e.ResetAt).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

// GatewayError wraps an error with dispatch context. The Key field only ever
// holds a masked key.
type GatewayError struct {
	Err      error
	Provider string
	Model    string
	Key      string
	Attempts int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("keygate: provider=%s model=%s key=%s attempts=%d: %v",
		e.Provider, e.Model, e.Key, e.Attempts, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error may succeed against a different key.
// Only rate limits are retried internally; everything else surfaces on first
// occurrence.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
