package keygate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Adapter translates neutral requests into one provider's wire protocol and
// normalizes the response back into a Stream. Adapters never see the pool or
// the scheduler; the gateway hands them an already-acquired key.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Send issues one upstream call with the given key. The returned stream
	// always terminates with io.EOF, also for providers that do not stream
	// natively.
	Send(ctx context.Context, key string, req Request) (Stream, error)
}

// ModelSpec describes the wire-level quirks of one model so that adding a
// model variant is a table entry, never a new branch.
type ModelSpec struct {
	// WireName is the model identifier sent upstream.
	WireName string

	// SupportsTemperature gates the temperature knob; some model families
	// reject it outright.
	SupportsTemperature bool

	// UsesResponsesAPI routes OpenAI codex-family models to /v1/responses
	// instead of /v1/chat/completions.
	UsesResponsesAPI bool

	// TokenLimitField is the wire name of the max-token knob, e.g.
	// "max_tokens" or "max_completion_tokens".
	TokenLimitField string
}

// wireErrorBodyLimit bounds how much of an error body is read for context.
const wireErrorBodyLimit = 1024

// WireError maps a non-2xx upstream response to the gateway error taxonomy.
// Rate limits come back as *RateLimitError so the retry loop can rotate
// keys; other 4xx surface as rejections and everything else as unavailable.
// This is the single classification site shared by all adapters.
func WireError(status int, header http.Header, body []byte) error {
	text := strings.TrimSpace(string(body))

	if c := Classify(status, header, text); c.IsRateLimit {
		return &RateLimitError{Kind: c.Kind, ResetAt: c.ResetAt}
	}

	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamRejected, status, text)
	}
	return fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, status, text)
}

// ResponseError reads a failed response's body and maps it through
// WireError. The body is consumed and closed.
func ResponseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, wireErrorBodyLimit))
	resp.Body.Close()
	return WireError(resp.StatusCode, resp.Header, body)
}
