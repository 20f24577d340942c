package vector

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgate/internal/config"
	"github.com/howard-nolan/llmgate/internal/metrics"
)

func TestInstrumentCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	s := Instrument(NewMemory(), "memory_test", nil)

	missing := testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "search", "missing"))
	ok := testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "search", "ok"))
	failed := testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "delete", "error"))

	_, err := s.Search(ctx, "docs", [][]float32{{1}}, 1)
	require.NoError(t, err)

	require.NoError(t, s.Insert(ctx, "docs", []Item{{ID: "a", Vector: []float32{1}}}))
	_, err = s.Search(ctx, "docs", [][]float32{{1}}, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "docs", nil, nil), ErrUnscopedDelete)

	assert.Equal(t, missing+1, testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "search", "missing")))
	assert.Equal(t, ok+1, testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "search", "ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.VectorOps.WithLabelValues("memory_test", "delete", "error")))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, config.VectorConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, s, "no engine configured")
	closeFn()

	s, closeFn, err = Open(ctx, config.VectorConfig{Engine: "memory", Prefix: "llmgate"}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.True(t, s.TestConnection(ctx))

	// Engines without credentials still open; they just have no client.
	s, _, err = Open(ctx, config.VectorConfig{Engine: "pinecone", Prefix: "llmgate"}, nil)
	require.NoError(t, err)
	assert.False(t, s.TestConnection(ctx))

	_, _, err = Open(ctx, config.VectorConfig{Engine: "chroma"}, nil)
	assert.Error(t, err)
}

func TestOpenSearchAddress(t *testing.T) {
	assert.Equal(t, "https://os:9200", openSearchAddress(config.OpenSearchConfig{URI: "os:9200", SSL: true}))
	assert.Equal(t, "http://os:9200", openSearchAddress(config.OpenSearchConfig{URI: "os:9200"}))
	assert.Equal(t, "https://x", openSearchAddress(config.OpenSearchConfig{URI: "https://x"}))
}
