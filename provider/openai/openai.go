// Package openai adapts the gateway to the OpenAI chat completions API and,
// for codex-family models, the responses API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lumenlab/keygate"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements keygate.Adapter for OpenAI.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]keygate.ModelSpec
}

var _ keygate.Adapter = (*Adapter)(nil)

// defaultModels is the capability table. Model quirks live here, never in
// call-site branches; a new variant is a new entry.
var defaultModels = map[string]keygate.ModelSpec{
	"gpt-4o":      {WireName: "gpt-4o", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"gpt-4o-mini": {WireName: "gpt-4o-mini", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"gpt-4.1":     {WireName: "gpt-4.1", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"gpt-5":       {WireName: "gpt-5", TokenLimitField: "max_completion_tokens"},
	"gpt-5-mini":  {WireName: "gpt-5-mini", TokenLimitField: "max_completion_tokens"},
	"o3-mini":     {WireName: "o3-mini", TokenLimitField: "max_completion_tokens"},
	"codex-mini":  {WireName: "codex-mini-latest", UsesResponsesAPI: true, TokenLimitField: "max_output_tokens"},
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

// New creates a new OpenAI adapter.
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

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) spec(model string) keygate.ModelSpec {
	if s, ok := a.models[model]; ok {
		return s
	}
	// Unknown models get the permissive chat-completions defaults.
	return keygate.ModelSpec{WireName: model, SupportsTemperature: true, TokenLimitField: "max_tokens"}
}

// Wire types.

type chatMessage struct {
	Role string `json:"role"`
	// Content is a string for plain turns or []contentPart for the turn
	// carrying attachments.
	Content any `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type responsesRequest struct {
	Model           string        `json:"model"`
	Input           []chatMessage `json:"input"`
	Temperature     *float64      `json:"temperature,omitempty"`
	MaxOutputTokens *int          `json:"max_output_tokens,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// Send issues one upstream call. Chat-completions models stream over SSE;
// codex-family models go through the responses endpoint and come back as a
// one-chunk stream.
func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	spec := a.spec(req.Model)
	if spec.UsesResponsesAPI {
		return a.sendResponses(ctx, key, req, spec)
	}
	return a.sendChat(ctx, key, req, spec)
}

func (a *Adapter) sendChat(ctx context.Context, key string, req keygate.Request, spec keygate.ModelSpec) (keygate.Stream, error) {
	body := chatRequest{
		Model:    spec.WireName,
		Messages: buildMessages(req),
		TopP:     req.TopP,
		Stream:   true,
	}
	if spec.SupportsTemperature {
		body.Temperature = req.Temperature
	}
	switch spec.TokenLimitField {
	case "max_completion_tokens":
		body.MaxCompletionTokens = req.MaxTokens
	default:
		body.MaxTokens = req.MaxTokens
	}

	resp, err := a.doRequest(ctx, key, a.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, keygate.ResponseError(resp)
	}

	return keygate.NewSSEStream(resp.Body, extractChatDelta), nil
}

func (a *Adapter) sendResponses(ctx context.Context, key string, req keygate.Request, spec keygate.ModelSpec) (keygate.Stream, error) {
	body := responsesRequest{
		Model:           spec.WireName,
		Input:           buildMessages(req),
		MaxOutputTokens: req.MaxTokens,
	}
	if spec.SupportsTemperature {
		body.Temperature = req.Temperature
	}

	resp, err := a.doRequest(ctx, key, a.baseURL+"/responses", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, keygate.ResponseError(resp)
	}

	var parsed responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode responses body: %v", keygate.ErrMalformedResponse, err)
	}

	var b strings.Builder
	for _, out := range parsed.Output {
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	if b.Len() == 0 {
		return nil, keygate.ErrEmptyResponse
	}
	return keygate.NewUnaryStream(b.String()), nil
}

// buildMessages translates the neutral message list: the system prompt goes
// first as a system-role message, attachments land only on the last
// user-role turn.
func buildMessages(req keygate.Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: keygate.RoleSystem, Content: req.SystemPrompt})
	}

	lastUser := keygate.LastUserIndex(req.Messages)
	for i, m := range req.Messages {
		if i == lastUser && len(req.Attachments) > 0 {
			msgs = append(msgs, chatMessage{Role: m.Role, Content: attachParts(m.Content, req.Attachments)})
			continue
		}
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	// No user turn to attach to: the attachments become their own final
	// user message.
	if lastUser < 0 && len(req.Attachments) > 0 {
		msgs = append(msgs, chatMessage{Role: keygate.RoleUser, Content: attachParts("", req.Attachments)})
	}

	return msgs
}

// attachParts renders a user turn with attachments as content parts: the
// original text, inline base64 image blocks, then text file blocks.
func attachParts(text string, attachments []keygate.Attachment) []contentPart {
	parts := []contentPart{}
	if text != "" {
		parts = append(parts, contentPart{Type: "text", Text: text})
	}
	for _, att := range attachments {
		switch att.Kind {
		case keygate.AttachmentImage:
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", att.MIMEType, base64.StdEncoding.EncodeToString(att.Data)),
				},
			})
		case keygate.AttachmentText:
			parts = append(parts, contentPart{Type: "text", Text: att.PromptText()})
		}
	}
	return parts
}

func (a *Adapter) doRequest(ctx context.Context, key, url string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("keygate: marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("keygate: create openai request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keygate.ErrNetworkFailure, err)
	}
	return resp, nil
}

func extractChatDelta(data []byte) (string, bool, error) {
	var chunk chatStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, err
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	c := chunk.Choices[0]
	return c.Delta.Content, c.FinishReason != "", nil
}
