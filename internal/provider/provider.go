// Package provider defines the Provider interface, the canonical chat types
// and the LLM provider adapters.
//
// Every LLM backend (Anthropic, Google, OpenAI-compatible) implements the
// Provider interface. The rest of the gateway works with these canonical
// types (routing, catalog, stream writer), so they never need to know which
// vendor is actually handling a request.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider is the interface that every LLM backend must satisfy.
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	Name() string

	// ChatCompletion sends a request and returns the complete response,
	// already normalized to the canonical chat.completion shape.
	//
	// The context carries cancellation and the per-call timeout. If the
	// client disconnects, ctx gets cancelled and the adapter stops waiting
	// for the upstream API.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*Completion, error)

	// ChatCompletionStream sends a streaming request and returns a channel
	// that delivers chunks as they arrive from the upstream API.
	//
	// The adapter owns the channel and the upstream response body: it closes
	// both when the vendor stream ends, when it hits an error (after sending
	// one chunk with Err set), or when ctx is cancelled. A consumer that
	// stops reading early must cancel ctx so the adapter can let go of the
	// connection.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// ListModels asks the backend which models it serves.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Embedder is implemented by adapters whose vendor exposes an embeddings API.
// It's a separate interface because Anthropic has none. Callers check with
// a type assertion: if e, ok := p.(Embedder); ok { ... }
type Embedder interface {
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// now is swapped out in tests so normalized timestamps are deterministic.
var now = time.Now

// ---------------------------------------------------------------------------
// Canonical request types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of a chat completion request.
// The HTTP handler parses the incoming OpenAI-format JSON into this struct,
// and provider adapters translate it into their backend-specific format.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Role values used by the canonical message model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in the conversation. This matches the OpenAI
// format, which uses role + content pairs. Google and Anthropic use different
// structures (Google has "parts", Anthropic separates "system"), so each
// adapter translates from this common format.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ---------------------------------------------------------------------------
// Canonical response types
// ---------------------------------------------------------------------------

// Completion is the canonical unary response, serialized as-is to clients.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // always "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one generated answer. We always return exactly one.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message inside a Choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage holds token counts. Every provider returns this in some form, under
// different names, and we normalize it here. Zero-filled when the vendor
// doesn't report it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one piece of a streaming response. The adapter sends these
// over a channel, and the SSE writer (stream package) renders each one as a
// chat.completion.chunk frame.
type StreamChunk struct {
	ID      string // response ID (same value across all chunks in one stream)
	Model   string
	Created int64
	Delta   string // the new text fragment in this chunk

	// Done marks the terminal chunk. FinishReason is only meaningful on it
	// and carries the vendor's own token (see FinishReasons).
	Done         bool
	FinishReason string

	// Usage is only populated on the terminal chunk, when the vendor
	// reports token counts at the end of a stream.
	Usage *Usage

	// Err is set on the last chunk of a stream that failed mid-way. The
	// stream writer turns it into an in-band error frame.
	Err error
}

// ModelInfo is one model as reported by a backend's model-list endpoint.
type ModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by"`
}

// newCompletionID makes an id for vendors that don't return one (Gemini).
func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// newCompletion assembles the canonical unary shape.
func newCompletion(id, model string, created int64, content, finishReason string, usage Usage) *Completion {
	return &Completion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ResponseMessage{Role: RoleAssistant, Content: content},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}
