package provider

import (
	"context"
	"net/http"
	"strings"
)

// OpenAIProvider talks to OpenAI and anything that speaks its wire format
// (vLLM, Ollama's /v1, LiteLLM, OpenRouter, ...). Our canonical format IS
// the OpenAI format, so translation is close to the identity.
type OpenAIProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	client  *http.Client
	models  []string
}

// NewOpenAIProvider creates an OpenAIProvider. The base URL is used as-is
// (minus a trailing slash): compatible servers disagree on whether /v1 is
// part of it.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client, opts Options) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		models:  opts.StaticModels,
	}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return string(OpenAI)
}

// ---------------------------------------------------------------------------
// OpenAI API types (unexported)
// ---------------------------------------------------------------------------

type openAIResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *Usage         `json:"usage"`
	Error   *openAIError   `json:"error"`
}

type openAIChoice struct {
	Message struct {
		Content *string `json:"content"` // null when the model only called tools
	} `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

// openAIStreamEvent is one chat.completion.chunk. Choices is a pointer so a
// payload that lacks the key entirely can be told apart from an empty list.
type openAIStreamEvent struct {
	ID      string               `json:"id"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices *[]openAIChunkChoice `json:"choices"`
	Usage   *Usage               `json:"usage"`
	Error   *openAIError         `json:"error"`
}

type openAIChunkChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (o *OpenAIProvider) headers() map[string]string {
	if o.apiKey == "" {
		// Local servers (Ollama, vLLM) often run without auth.
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ChatCompletion forwards the request body unchanged (message content keeps
// its original string-or-parts shape) and normalizes the reply.
func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*Completion, error) {
	body := *req
	body.Stream = false

	var resp openAIResponse
	if err := decodeJSON(ctx, o.client, o.Name(), http.MethodPost, o.baseURL+"/chat/completions", o.headers(), &body, &resp); err != nil {
		return nil, err
	}
	return fromOpenAIResponse(&resp, req.Model, now().Unix())
}

// ChatCompletionStream forwards the request with stream=true.
func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := *req
	body.Stream = true

	httpResp, err := sendJSON(ctx, o.client, o.Name(), http.MethodPost, o.baseURL+"/chat/completions", o.headers(), &body)
	if err != nil {
		return nil, err
	}
	return pump(ctx, o.Name(), httpResp.Body, newOpenAIStream(req.Model, now().Unix())), nil
}

// ListModels calls GET /models.
func (o *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if len(o.models) > 0 {
		out := make([]ModelInfo, len(o.models))
		for i, id := range o.models {
			out[i] = ModelInfo{ID: id, Name: id, OwnedBy: o.Name()}
		}
		return out, nil
	}

	var list openAIModelList
	if err := decodeJSON(ctx, o.client, o.Name(), http.MethodGet, o.baseURL+"/models", o.headers(), nil, &list); err != nil {
		return nil, err
	}

	out := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, ModelInfo{ID: m.ID, Name: m.ID, OwnedBy: o.Name()})
	}
	return out, nil
}

// Embeddings calls POST /embeddings. The reply is already canonical.
func (o *OpenAIProvider) Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	var resp EmbeddingResponse
	if err := decodeJSON(ctx, o.client, o.Name(), http.MethodPost, o.baseURL+"/embeddings", o.headers(), req, &resp); err != nil {
		return nil, err
	}
	if resp.Object == "" {
		resp.Object = "list"
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}
