// Package google adapts the gateway to the Google generative-content API.
package google

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter implements keygate.Adapter for Google. Responses are not
// streamed; the full candidate text comes back as a one-chunk stream.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]keygate.ModelSpec
}

var _ keygate.Adapter = (*Adapter)(nil)

var defaultModels = map[string]keygate.ModelSpec{
	"gemini-flash": {WireName: "gemini-2.0-flash", SupportsTemperature: true, TokenLimitField: "maxOutputTokens"},
	"gemini-pro":   {WireName: "gemini-1.5-pro", SupportsTemperature: true, TokenLimitField: "maxOutputTokens"},
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

// New creates a new Google adapter.
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

func (a *Adapter) Name() string { return "google" }

func (a *Adapter) spec(model string) keygate.ModelSpec {
	if s, ok := a.models[model]; ok {
		return s
	}
	return keygate.ModelSpec{WireName: model, SupportsTemperature: true, TokenLimitField: "maxOutputTokens"}
}

// Wire types.

type apiRequest struct {
	SystemInstruction *apiContent       `json:"systemInstruction,omitempty"`
	Contents          []apiContent      `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type apiResponse struct {
	Candidates []struct {
		Content apiContent `json:"content"`
	} `json:"candidates"`
}

func (a *Adapter) Send(ctx context.Context, key string, req keygate.Request) (keygate.Stream, error) {
	spec := a.spec(req.Model)
	body := a.buildRequest(req, spec)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("keygate: marshal google request: %w", err)
	}

	// The key travels as a query parameter; it never appears in headers or
	// logs.
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, spec.WireName, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("keygate: create google request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("%w: decode google body: %v", keygate.ErrMalformedResponse, err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, keygate.ErrEmptyResponse
	}

	// Output can come back segmented; the caller sees it joined.
	var b strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return nil, keygate.ErrEmptyResponse
	}
	return keygate.NewUnaryStream(b.String()), nil
}

func (a *Adapter) buildRequest(req keygate.Request, spec keygate.ModelSpec) apiRequest {
	body := apiRequest{}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &apiContent{Parts: []apiPart{{Text: req.SystemPrompt}}}
	}

	lastUser := keygate.LastUserIndex(req.Messages)
	for i, m := range req.Messages {
		role := m.Role
		if role == keygate.RoleAssistant {
			role = "model"
		}
		if role == keygate.RoleSystem {
			role = keygate.RoleUser
		}

		parts := []apiPart{{Text: m.Content}}
		if i == lastUser && len(req.Attachments) > 0 {
			parts = attachParts(m.Content, req.Attachments)
		}
		body.Contents = append(body.Contents, apiContent{Role: role, Parts: parts})
	}

	if lastUser < 0 && len(req.Attachments) > 0 {
		body.Contents = append(body.Contents, apiContent{
			Role:  keygate.RoleUser,
			Parts: attachParts("", req.Attachments),
		})
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		body.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
		}
		if spec.SupportsTemperature {
			body.GenerationConfig.Temperature = req.Temperature
		}
	}

	return body
}

func attachParts(text string, attachments []keygate.Attachment) []apiPart {
	parts := []apiPart{}
	if text != "" {
		parts = append(parts, apiPart{Text: text})
	}
	for _, att := range attachments {
		switch att.Kind {
		case keygate.AttachmentImage:
			parts = append(parts, apiPart{InlineData: &inlineData{
				MIMEType: att.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(att.Data),
			}})
		case keygate.AttachmentText:
			parts = append(parts, apiPart{Text: att.PromptText()})
		}
	}
	return parts
}
