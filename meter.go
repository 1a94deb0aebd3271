package keygate

import "time"

// Meter observes gateway events for monitoring/logging. Event Key fields
// always carry masked keys; implementations must never be handed a raw
// credential.
type Meter interface {
	// OnDispatch is called when a queued request is bound to a key.
	OnDispatch(event DispatchEvent)

	// OnRateLimit is called when a key is disabled by a rate limit.
	OnRateLimit(event RateLimitEvent)

	// OnResult is called once per Send, after the stream reaches its
	// terminal state.
	OnResult(event ResultEvent)
}

// DispatchEvent describes one dispatch of a request to a key.
type DispatchEvent struct {
	Provider string
	Model    string
	Key      string
	Attempt  int
	Priority int
}

// RateLimitEvent describes a key being rate limited.
type RateLimitEvent struct {
	Provider string
	Key      string
	Kind     RateLimitKind
	ResetAt  time.Time
}

// ResultEvent describes the outcome of a Send.
type ResultEvent struct {
	Provider string
	Model    string
	Key      string
	Attempts int
	Success  bool
	Duration time.Duration
	Chunks   int
	Error    error
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnDispatch(DispatchEvent)   {}
func (noopMeter) OnRateLimit(RateLimitEvent) {}
func (noopMeter) OnResult(ResultEvent)       {}
