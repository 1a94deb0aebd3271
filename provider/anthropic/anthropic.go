// Package anthropic adapts the gateway to the Anthropic messages API.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// defaultMaxTokens applies when the caller leaves MaxTokens unset; the
	// messages API requires the field.
	defaultMaxTokens = 1024
)

// Adapter implements keygate.Adapter for Anthropic. Responses are not
// streamed; callers get a one-chunk stream.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]keygate.ModelSpec
}

var _ keygate.Adapter = (*Adapter)(nil)

var defaultModels = map[string]keygate.ModelSpec{
	"claude-sonnet": {WireName: "claude-sonnet-4-20250514", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"claude-haiku":  {WireName: "claude-3-5-haiku-20241022", SupportsTemperature: true, TokenLimitField: "max_tokens"},
	"claude-opus":   {WireName: "claude-opus-4-20250514", SupportsTemperature: true, TokenLimitField: "max_tokens"},
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

// New creates a new Anthropic adapter.
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

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) spec(model string) keygate.ModelSpec {
	if s, ok := a.models[model]; ok {
		return s
	}
	return keygate.ModelSpec{WireName: model, SupportsTemperature: true, TokenLimitField: "max_tokens"}
}

// Wire types.

type apiMessage struct {
	Role string `json:"role"`
	// Content is a string for plain turns or []contentBlock for the turn
	// carrying attachments.
	Content any `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	spec := a.spec(req.Model)

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body := apiRequest{
		Model:     spec.WireName,
		System:    req.SystemPrompt,
		Messages:  buildMessages(req),
		MaxTokens: maxTokens,
		TopP:      req.TopP,
	}
	if spec.SupportsTemperature {
		body.Temperature = req.Temperature
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("keygate: marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("keygate: create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
		return nil, fmt.Errorf("%w: decode anthropic body: %v", keygate.ErrMalformedResponse, err)
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}
	if content == "" {
		return nil, keygate.ErrEmptyResponse
	}
	return keygate.NewUnaryStream(content), nil
}

// buildMessages translates the neutral message list. The system prompt goes
// into the dedicated request field, not the message list; attachments land
// only on the last user-role turn.
func buildMessages(req keygate.Request) []apiMessage {
	msgs := make([]apiMessage, 0, len(req.Messages)+1)

	lastUser := keygate.LastUserIndex(req.Messages)
	for i, m := range req.Messages {
		if m.Role == keygate.RoleSystem {
			// System turns inside the list have no native slot here.
			msgs = append(msgs, apiMessage{Role: keygate.RoleUser, Content: m.Content})
			continue
		}
		if i == lastUser && len(req.Attachments) > 0 {
			msgs = append(msgs, apiMessage{Role: m.Role, Content: attachBlocks(m.Content, req.Attachments)})
			continue
		}
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}

	if lastUser < 0 && len(req.Attachments) > 0 {
		msgs = append(msgs, apiMessage{Role: keygate.RoleUser, Content: attachBlocks("", req.Attachments)})
	}

	return msgs
}

func attachBlocks(text string, attachments []keygate.Attachment) []contentBlock {
	blocks := []contentBlock{}
	if text != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: text})
	}
	for _, att := range attachments {
		switch att.Kind {
		case keygate.AttachmentImage:
			blocks = append(blocks, contentBlock{
				Type: "image",
				Source: &imageSource{
					Type:      "base64",
					MediaType: att.MIMEType,
					Data:      base64.StdEncoding.EncodeToString(att.Data),
				},
			})
		case keygate.AttachmentText:
			blocks = append(blocks, contentBlock{Type: "text", Text: att.PromptText()})
		}
	}
	return blocks
}
