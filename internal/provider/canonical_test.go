package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantText string
		parts    int
		wantErr  bool
	}{
		{name: "plain string", json: `"hello"`, wantText: "hello"},
		{name: "null", json: `null`, wantText: ""},
		{
			name:     "text parts joined",
			json:     `[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]`,
			wantText: "a\nb",
			parts:    3,
		},
		{name: "number", json: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Content
			err := json.Unmarshal([]byte(tt.json), &c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, c.Text())
			assert.Len(t, c.Parts(), tt.parts)
		})
	}
}

func TestContentMarshalKeepsShape(t *testing.T) {
	in := `[{"type":"image_url","image_url":{"url":"x"}}]`
	var c Content
	require.NoError(t, json.Unmarshal([]byte(in), &c))

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	out, err = json.Marshal(TextContent("hi"))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(out))
}

func TestEmbeddingInputAcceptsStringOrList(t *testing.T) {
	var req EmbeddingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","input":"one"}`), &req))
	assert.Equal(t, EmbeddingInput{"one"}, req.Input)

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","input":["a","b"]}`), &req))
	assert.Equal(t, EmbeddingInput{"a", "b"}, req.Input)

	assert.Error(t, json.Unmarshal([]byte(`{"input":7}`), &req))
}

func TestBrotliTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br", r.Header.Get("Accept-Encoding"))

		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
		require.NoError(t, bw.Close())

		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := NewHTTPClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"id":"gpt-4o"}]}`, string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestSSEScanner(t *testing.T) {
	body := ": keep-alive\n\n" +
		"event: message\n" +
		"data: {\"a\":1}\n\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"data: [DONE]\n\n" +
		"data: after\n\n"

	s := newSSEScanner(bytes.NewBufferString(body))

	p, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, p)

	p, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", p)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}
