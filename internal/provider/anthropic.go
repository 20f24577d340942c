package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. Same pattern as GoogleProvider: translate our canonical
// ChatRequest into Anthropic's format, make the HTTP call, normalize back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // always ends in /v1, e.g. "https://api.anthropic.com/v1"
	client  *http.Client
	models  []string // static model list; empty means ask the API
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
// A base URL without a version segment gets "/v1" appended, so both
// "https://api.anthropic.com" and "https://api.anthropic.com/v1" work.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client, opts Options) *AnthropicProvider {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		models:  opts.StaticModels,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return string(Anthropic)
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
//
// Key differences from Gemini:
//   - "system" is a top-level string, not nested inside messages
//   - "max_tokens" is REQUIRED (Anthropic rejects requests without it)
//   - "model" is in the request body (Gemini puts it in the URL path)
type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Response types ---

// anthropicResponse is the top-level response from /v1/messages.
// "content" is an array of blocks because responses can mix text and
// tool_use; we only read text blocks.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicModelList is the body of GET /v1/models.
type anthropicModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// anthropicAPIVersion pins the Anthropic API behavior. Instead of versioning
// the URL path, Anthropic uses a date-based header that every request must
// carry.
const anthropicAPIVersion = "2023-06-01"

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// defaultMaxTokens is used when the caller doesn't specify max_tokens.
// Anthropic requires this field, so we need a fallback.
const defaultMaxTokens = 1024

// toAnthropicRequest translates our canonical ChatRequest into Anthropic's
// format:
//  1. System messages get pulled out into the top-level "system" string
//  2. Remaining messages map directly (roles are already compatible)
//  3. max_tokens gets a default if not set
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content.Text())
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content.Text(),
		})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	ar.MaxTokens = defaultMaxTokens
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}
	return ar
}

func (a *AnthropicProvider) headers() map[string]string {
	// Anthropic uses its own x-api-key header rather than
	// "Authorization: Bearer".
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to /v1/messages.
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*Completion, error) {
	var resp anthropicResponse
	err := decodeJSON(ctx, a.client, a.Name(), http.MethodPost, a.baseURL+"/messages", a.headers(), toAnthropicRequest(req), &resp)
	if err != nil {
		return nil, err
	}
	return fromAnthropicResponse(&resp, req.Model, now().Unix()), nil
}

// ChatCompletionStream sends a streaming request to /v1/messages.
//
// Same endpoint as non-streaming; "stream": true in the body switches
// Anthropic to SSE mode. Gemini instead uses a different URL path.
func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ar := toAnthropicRequest(req)
	ar.Stream = true

	// The pump goroutine owns the body from here on, so no defer Close.
	httpResp, err := sendJSON(ctx, a.client, a.Name(), http.MethodPost, a.baseURL+"/messages", a.headers(), ar)
	if err != nil {
		return nil, err
	}
	return pump(ctx, a.Name(), httpResp.Body, newAnthropicStream(req.Model, now().Unix())), nil
}

// ListModels returns the configured static list, or asks GET /v1/models
// when none is configured.
func (a *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if len(a.models) > 0 {
		out := make([]ModelInfo, len(a.models))
		for i, id := range a.models {
			out[i] = ModelInfo{ID: id, Name: id, OwnedBy: a.Name()}
		}
		return out, nil
	}

	var list anthropicModelList
	url := fmt.Sprintf("%s/models?limit=1000", a.baseURL)
	if err := decodeJSON(ctx, a.client, a.Name(), http.MethodGet, url, a.headers(), nil, &list); err != nil {
		return nil, err
	}

	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, ModelInfo{ID: m.ID, Name: name, OwnedBy: a.Name()})
	}
	return out, nil
}
