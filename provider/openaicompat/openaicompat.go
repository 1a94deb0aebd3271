// Package openaicompat adapts the gateway to any OpenAI-compatible chat
// endpoint: xAI, Together, Cerebras, vLLM, Ollama, and similar servers.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lumenlab/keygate"
)

// Adapter implements keygate.Adapter against the plain chat-completions
// wire format. It is text-only: text attachments are inlined into the last
// user turn, image attachments are skipped.
type Adapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ keygate.Adapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates an adapter for an OpenAI-compatible endpoint. The name is
// how the gateway addresses it; baseURL points at the API root, e.g.
// "https://api.x.ai/v1" or "http://localhost:11434/v1".
func New(name, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewGrok creates an adapter for xAI.
func NewGrok(opts ...Option) *Adapter {
	return New("grok", "https://api.x.ai/v1", opts...)
}

// NewOllama creates an adapter for a local Ollama server.
func NewOllama(opts ...Option) *Adapter {
	return New("ollama", "http://localhost:11434/v1", opts...)
}

func (a *Adapter) Name() string { return a.name }

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
	Stream      bool         `json:"stream,omitempty"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Send issues one streaming chat-completions call. The model name passes
// through unchanged; compatible servers own their model namespace.
func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	body := apiRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      true,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("keygate: marshal %s request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("keygate: create %s request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keygate.ErrNetworkFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, keygate.ResponseError(resp)
	}

	return keygate.NewSSEStream(resp.Body, extractDelta), nil
}

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

func extractDelta(data []byte) (string, bool, error) {
	var chunk apiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, err
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	c := chunk.Choices[0]
	return c.Delta.Content, c.FinishReason != "", nil
}
