// Package perplexity adapts the gateway to the Perplexity chat API.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lumenlab/keygate"
)

const defaultBaseURL = "https://api.perplexity.ai"

// Adapter implements keygate.Adapter for Perplexity. The API is text-only
// and not streamed here; image attachments are skipped, text attachments
// are inlined, and the answer comes back as a one-chunk stream.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]keygate.ModelSpec
}

var _ keygate.Adapter = (*Adapter)(nil)

var defaultModels = map[string]keygate.ModelSpec{
	"sonar":     {WireName: "sonar", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"sonar-pro": {WireName: "sonar-pro", SupportsTemperature: true, TokenLimitField: "max_tokens"},
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithModelSpec adds or overrides a capability table entry.
func WithModelSpec(model string, spec keygate.ModelSpec) Option {
	return func(a *Adapter) { a.models[model] = spec }
}

// New creates a new Perplexity adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		models:     make(map[string]keygate.ModelSpec, len(defaultModels)),
	}
	for k, v := range defaultModels {
		a.models[k] = v
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "perplexity" }

func (a *Adapter) spec(model string) keygate.ModelSpec {
	if s, ok := a.models[model]; ok {
		return s
	}
	return keygate.ModelSpec{WireName: model, SupportsTemperature: true, TokenLimitField: "max_tokens"}
}

// Wire types.

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
}

type apiResponse struct {
	Choices []struct {
		Message apiMessage `json:"message"`
	} `json:"choices"`
}

func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	spec := a.spec(req.Model)

	body := apiRequest{
		Model:     spec.WireName,
		Messages:  buildMessages(req),
		MaxTokens: req.MaxTokens,
		TopP:      req.TopP,
	}
	if spec.SupportsTemperature {
		body.Temperature = req.Temperature
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("keygate: marshal perplexity request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("keygate: create perplexity request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keygate.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, keygate.ResponseError(resp)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode perplexity body: %v", keygate.ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, keygate.ErrEmptyResponse
	}

	return keygate.NewUnaryStream(parsed.Choices[0].Message.Content), nil
}

// buildMessages translates the neutral message list. The system prompt goes
// first as a system-role message; text attachments are appended to the last
// user turn, image attachments have no wire representation here.
func buildMessages(req keygate.Request) []apiMessage {
	msgs := make([]apiMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: keygate.RoleSystem, Content: req.SystemPrompt})
	}

	lastUser := keygate.LastUserIndex(req.Messages)
	for i, m := range req.Messages {
		content := m.Content
		if i == lastUser {
			content = attachText(content, req.Attachments)
		}
		msgs = append(msgs, apiMessage{Role: m.Role, Content: content})
	}

	if lastUser < 0 {
		if content := attachText("", req.Attachments); content != "" {
			msgs = append(msgs, apiMessage{Role: keygate.RoleUser, Content: content})
		}
	}

	return msgs
}

func attachText(content string, attachments []keygate.Attachment) string {
	var b strings.Builder
	b.WriteString(content)
	for _, att := range attachments {
		if att.Kind != keygate.AttachmentText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(att.PromptText())
	}
	return b.String()
}
