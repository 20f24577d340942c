package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements the Provider interface for Google's Gemini API.
// It translates our canonical ChatRequest into Gemini's format, makes the
// HTTP call, and normalizes the response back.
type GoogleProvider struct {
	apiKey     string
	baseURL    string       // always ends in a version, e.g. ".../v1beta"
	client     *http.Client // shared client (manages connection pooling)
	foldSystem bool
	models     []string
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
//
// We take an *http.Client as a parameter instead of creating one internally
// ("dependency injection") so tests can pass a recorder-backed client and
// main can share one pooled client across every endpoint. In Express terms,
// it's like passing a custom Axios instance to a service instead of using
// the global one.
//
// Admins usually paste the bare host, so a base URL without a version
// segment gets "/v1beta" appended.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client, opts Options) *GoogleProvider {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1beta") && !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1beta"
	}
	return &GoogleProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		client:     client,
		foldSystem: opts.FoldSystemPrompt,
		models:     opts.StaticModels,
	}
}

// Name returns the provider identifier. Used for logging and metrics.
func (g *GoogleProvider) Name() string {
	return string(Google)
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this adapter uses them)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents one message in the conversation. Gemini uses
// "parts" (an array) because it supports multimodal input.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// --- Response types ---

// geminiResponse is the response from generateContent, and also the shape
// of every SSE event from streamGenerateContent.
type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback"`
	Error          *geminiError          `json:"error"`
}

// geminiCandidate is one generated response. We only use the first one
// (like OpenAI's choices[0]).
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// geminiPromptFeedback explains an empty candidates list (blocked prompt).
type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// geminiModelList is one page of GET /models.
type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"` // "models/gemini-1.5-pro"
		DisplayName                string   `json:"displayName"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

// --- Embedding types ---

type geminiEmbedRequest struct {
	Model   string        `json:"model"` // "models/<id>", required inside batch requests
	Content geminiContent `json:"content"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiEmbedding struct {
	Values []float64 `json:"values"`
}

type geminiEmbedResponse struct {
	Embedding geminiEmbedding `json:"embedding"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []geminiEmbedding `json:"embeddings"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates our canonical ChatRequest into Gemini's format:
//  1. System messages go into systemInstruction, or get folded into the
//     first user turn when foldSystem is set
//  2. Messages become contents with parts, "assistant" becomes "model"
//  3. max_tokens and the sampling knobs move into generationConfig
func toGeminiRequest(req *ChatRequest, foldSystem bool) *geminiRequest {
	gr := &geminiRequest{}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content.Text())
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content.Text()}},
		})
	}

	if len(system) > 0 {
		if foldSystem {
			foldSystemPrompt(gr, strings.Join(system, "\n"))
		} else {
			gr.SystemInstruction = &geminiContent{}
			for _, s := range system {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: s})
			}
		}
	}

	// In Go, the zero value for int is 0, so we check > 0 to know if the
	// caller actually set it (like checking !== undefined in JS).
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	return gr
}

// foldSystemPrompt prepends the system text to the first user turn, or adds
// a user turn holding it when there is none.
func foldSystemPrompt(gr *geminiRequest, system string) {
	for i := range gr.Contents {
		if gr.Contents[i].Role != RoleUser || len(gr.Contents[i].Parts) == 0 {
			continue
		}
		gr.Contents[i].Parts[0].Text = system + "\n\n" + gr.Contents[i].Parts[0].Text
		return
	}
	gr.Contents = append([]geminiContent{{Role: RoleUser, Parts: []geminiPart{{Text: system}}}}, gr.Contents...)
}

func (g *GoogleProvider) headers() map[string]string {
	// Gemini also accepts ?key=, but then the key ends up in every URL we
	// log or wrap into an error.
	return map[string]string{"x-goog-api-key": g.apiKey}
}

func (g *GoogleProvider) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", g.baseURL, url.PathEscape(model), method)
}

// ---------------------------------------------------------------------------
// Provider methods
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to generateContent.
//
// The flow: translate request → HTTP POST → decode response → normalize.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*Completion, error) {
	var resp geminiResponse
	err := decodeJSON(ctx, g.client, g.Name(), http.MethodPost, g.modelURL(req.Model, "generateContent"),
		g.headers(), toGeminiRequest(req, g.foldSystem), &resp)
	if err != nil {
		return nil, err
	}
	return fromGeminiResponse(&resp, newCompletionID(), req.Model, now().Unix())
}

// ChatCompletionStream sends a streaming request to streamGenerateContent.
// The ?alt=sse query parameter tells Gemini to return Server-Sent Events
// instead of one JSON array.
func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	httpResp, err := sendJSON(ctx, g.client, g.Name(), http.MethodPost, g.modelURL(req.Model, "streamGenerateContent")+"?alt=sse",
		g.headers(), toGeminiRequest(req, g.foldSystem))
	if err != nil {
		return nil, err
	}
	return pump(ctx, g.Name(), httpResp.Body, newGeminiStream(newCompletionID(), req.Model, now().Unix())), nil
}

// ListModels pages through GET /models and keeps the models that can chat
// (those supporting generateContent). Ids lose their "models/" prefix.
func (g *GoogleProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if len(g.models) > 0 {
		out := make([]ModelInfo, len(g.models))
		for i, id := range g.models {
			out[i] = ModelInfo{ID: id, Name: id, OwnedBy: g.Name()}
		}
		return out, nil
	}

	var out []ModelInfo
	pageToken := ""
	for {
		q := url.Values{"pageSize": {"1000"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page geminiModelList
		if err := decodeJSON(ctx, g.client, g.Name(), http.MethodGet, g.baseURL+"/models?"+q.Encode(), g.headers(), nil, &page); err != nil {
			return nil, err
		}

		for _, m := range page.Models {
			if !supports(m.SupportedGenerationMethods, "generateContent") {
				continue
			}
			id := strings.TrimPrefix(m.Name, Describe(Google).ModelPathPrefix)
			name := m.DisplayName
			if name == "" {
				name = id
			}
			out = append(out, ModelInfo{ID: id, Name: name, OwnedBy: g.Name()})
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func supports(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// Embeddings calls embedContent for a single input and batchEmbedContents
// for several.
func (g *GoogleProvider) Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("embeddings request has no input")
	}
	modelName := Describe(Google).ModelPathPrefix + req.Model

	if len(req.Input) == 1 {
		var resp geminiEmbedResponse
		body := geminiEmbedRequest{Model: modelName, Content: geminiContent{Parts: []geminiPart{{Text: req.Input[0]}}}}
		if err := decodeJSON(ctx, g.client, g.Name(), http.MethodPost, g.modelURL(req.Model, "embedContent"), g.headers(), body, &resp); err != nil {
			return nil, err
		}
		return newEmbeddingResponse(req.Model, [][]float64{resp.Embedding.Values}), nil
	}

	batch := geminiBatchEmbedRequest{Requests: make([]geminiEmbedRequest, len(req.Input))}
	for i, text := range req.Input {
		batch.Requests[i] = geminiEmbedRequest{Model: modelName, Content: geminiContent{Parts: []geminiPart{{Text: text}}}}
	}

	var resp geminiBatchEmbedResponse
	if err := decodeJSON(ctx, g.client, g.Name(), http.MethodPost, g.modelURL(req.Model, "batchEmbedContents"), g.headers(), batch, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(req.Input) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(req.Input))
	}

	vectors := make([][]float64, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return newEmbeddingResponse(req.Model, vectors), nil
}
