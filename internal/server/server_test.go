package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgate/internal/config"
	"github.com/howard-nolan/llmgate/internal/gateway"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/vector"
)

// fakeOpenAI is an OpenAI-compatible vendor: /models and /chat/completions,
// unary and streaming.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		if !body.Stream {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"chatcmpl-1","created":1700000000,"model":"`+body.Model+`",`+
				`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],`+
				`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"id":"chatcmpl-2","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"id":"chatcmpl-2","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	server    *Server
	vendorURL string
	statePath string
}

func newTestEnv(t *testing.T, adminToken string, store vector.Store) *testEnv {
	t.Helper()
	vendor := fakeOpenAI(t)
	statePath := filepath.Join(t.TempDir(), "state.yaml")

	cfgStore, err := config.NewStore(map[string]config.ProviderConfig{
		"openai":    {Enabled: true, BaseURLs: []string{vendor.URL}, Keys: []string{"sk-test"}},
		"anthropic": {Enabled: false},
	}, statePath)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	opts := gateway.Options{Client: vendor.Client(), Logger: logger}

	srv := New(Options{
		Services: []*gateway.Service{
			gateway.New(provider.OpenAI, cfgStore, opts),
			gateway.New(provider.Anthropic, cfgStore, opts),
		},
		Vector:       store,
		VectorEngine: "memory",
		AdminToken:   adminToken,
		Logger:       logger,
	})
	return &testEnv{server: srv, vendorURL: vendor.URL, statePath: statePath}
}

func (e *testEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var payload errorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUnknownProvider(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodGet, "/mistral/models", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodGet, "/openai/models", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "gpt-4o", list.Data[0]["id"])
	assert.Equal(t, float64(0), list.Data[0]["urlIdx"])
	assert.Equal(t, map[string]any{"id": "gpt-4o"}, list.Data[0]["openai"])

	rec = env.do(http.MethodGet, "/openai/models?url_idx=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/openai/models?url_idx=3", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletionsUnary(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodPost, "/openai/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp provider.Completion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestChatCompletionsStream(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodPost, "/openai/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, `"content":"Hi"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestChatCompletionsErrors(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodPost, "/openai/chat/completions", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/openai/chat/completions", `{"messages":[]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "model is required", decodeError(t, rec).Message)

	rec = env.do(http.MethodPost, "/anthropic/chat/completions", `{"model":"claude"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "Anthropic API is disabled", detail.Message)
	assert.Equal(t, "configuration_error", detail.Type)
}

func TestEmbeddingsUnsupported(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodPost, "/anthropic/embeddings", `{"model":"x","input":"hi"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Anthropic does not support embeddings", decodeError(t, rec).Message)
}

func TestAdminRoutesNeedToken(t *testing.T) {
	env := newTestEnv(t, "secret", nil)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/openai/config", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/openai/config", "", "wrong").Code)

	rec := env.do(http.MethodGet, "/openai/config", "", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var pc config.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pc))
	assert.Equal(t, []string{env.vendorURL}, pc.BaseURLs)

	closed := newTestEnv(t, "", nil)
	assert.Equal(t, http.StatusForbidden, closed.do(http.MethodGet, "/openai/config", "", "anything").Code)
}

func TestConfigUpdate(t *testing.T) {
	env := newTestEnv(t, "secret", nil)

	rec := env.do(http.MethodPost, "/openai/config/update",
		`{"enabled":true,"base_urls":["`+env.vendorURL+`","https://backup.example/v1"],"keys":["k1"],`+
			`"per_url_configs":{"https://backup.example/v1":{"model_ids":["gpt-4o"],"prefix_id":"b"}}}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored config.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, []string{"k1", ""}, stored.Keys, "keys padded to the URL count")

	_, err := os.Stat(env.statePath)
	assert.NoError(t, err, "settings persisted")

	rec = env.do(http.MethodPost, "/openai/config/update", `{"enabled":true,"base_urls":["nope"]}`, "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, "secret", nil)

	rec := env.do(http.MethodPost, "/openai/verify", `{"url":"`+env.vendorURL+`","key":"sk-new"}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "gpt-4o-mini")

	rec = env.do(http.MethodPost, "/openai/verify", `{"url":"ftp://x"}`, "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVectorRoutes(t *testing.T) {
	env := newTestEnv(t, "secret", vector.NewMemory())

	rec := env.do(http.MethodGet, "/vector/collections/docs", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "missing collection")

	rec = env.do(http.MethodPost, "/vector/collections/docs/insert",
		`{"items":[{"id":"a","vector":[1,0],"text":"alpha","metadata":{"file_id":"f1"}},`+
			`{"id":"b","vector":[0,1],"text":"beta","metadata":{"file_id":"f2"}}]}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/vector/collections/docs/search", `{"vectors":[[1,0]],"limit":1}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res vector.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, [][]string{{"a"}}, res.IDs)

	rec = env.do(http.MethodPost, "/vector/collections/docs/query", `{"filter":{"file_id":"f2"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"beta"`)

	rec = env.do(http.MethodPost, "/vector/collections/docs/delete", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unscoped delete")

	rec = env.do(http.MethodPost, "/vector/collections/docs/delete", `{"ids":["a"]}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/vector/reset", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/vector/reset", "", "secret").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/vector/collections/docs", "", "").Code)

	rec = env.do(http.MethodGet, "/vector/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"engine":"memory","ok":true}`, rec.Body.String())
}

func TestVectorRoutesWithoutStore(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(http.MethodGet, "/vector/collections/docs", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "vector store is not configured", decodeError(t, rec).Message)
}
