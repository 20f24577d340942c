package vector

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePinecone keeps indexes in memory and records what the engine sent.
type fakePinecone struct {
	indexes map[string]*fakePineconeIndex
	listErr error
}

type fakePineconeIndex struct {
	dim          int
	vectors      []*pinecone.Vector
	upsertCalls  int
	lastFilter   map[string]any
	lastTopK     int
	deletedIDs   []string
	filterDelete map[string]any
}

func newFakePinecone() *fakePinecone {
	return &fakePinecone{indexes: make(map[string]*fakePineconeIndex)}
}

func (f *fakePinecone) ListIndexes(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var names []string
	for n := range f.indexes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (f *fakePinecone) CreateIndex(_ context.Context, name string, dim int) error {
	f.indexes[name] = &fakePineconeIndex{dim: dim}
	return nil
}

func (f *fakePinecone) DeleteIndex(_ context.Context, name string) error {
	delete(f.indexes, name)
	return nil
}

func (f *fakePinecone) Index(_ context.Context, name string) (pineconeIndex, error) {
	idx, ok := f.indexes[name]
	if !ok {
		return nil, errors.New("no such index")
	}
	return idx, nil
}

func (i *fakePineconeIndex) Dimension(context.Context) (int, error) { return i.dim, nil }

func (i *fakePineconeIndex) Upsert(_ context.Context, vectors []*pinecone.Vector) error {
	i.upsertCalls++
	i.vectors = append(i.vectors, vectors...)
	return nil
}

func (i *fakePineconeIndex) Query(_ context.Context, _ []float32, topK int, filter *pinecone.MetadataFilter) ([]*pinecone.ScoredVector, error) {
	i.lastTopK = topK
	i.lastFilter = nil
	if filter != nil {
		i.lastFilter = filter.AsMap()
	}
	var out []*pinecone.ScoredVector
	for n, v := range i.vectors {
		if len(out) == topK {
			break
		}
		out = append(out, &pinecone.ScoredVector{Vector: v, Score: 0.9 - float32(n)*0.1})
	}
	return out, nil
}

func (i *fakePineconeIndex) DeleteByID(_ context.Context, ids []string) error {
	i.deletedIDs = append(i.deletedIDs, ids...)
	return nil
}

func (i *fakePineconeIndex) DeleteByFilter(_ context.Context, filter *pinecone.MetadataFilter) error {
	i.filterDelete = filter.AsMap()
	return nil
}

func newTestPinecone() (*fakePinecone, *Pinecone) {
	fake := newFakePinecone()
	return fake, &Pinecone{api: fake, prefix: "llmgate"}
}

func TestPineconeIndexName(t *testing.T) {
	p := &Pinecone{prefix: "llmgate"}
	assert.Equal(t, "llmgate-file-abc-123", p.indexName("file_ABC 123"))
}

func TestPineconeUpsertCreatesIndexAndBatches(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()

	require.NoError(t, p.Insert(ctx, "docs", makeItems(250)))

	idx := fake.indexes["llmgate-docs"]
	require.NotNil(t, idx)
	assert.Equal(t, 3, idx.dim)
	assert.Equal(t, 3, idx.upsertCalls)
	assert.Len(t, idx.vectors, 250)

	meta := idx.vectors[0].Metadata.AsMap()
	assert.Equal(t, "chunk 0", meta["text"])
	assert.Equal(t, "f0", meta["metadata.file_id"])
}

func TestPineconeMissingVersusEmpty(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()

	res, err := p.Search(ctx, "docs", [][]float32{{1, 0}}, 3)
	require.NoError(t, err)
	assert.Nil(t, res)

	fake.indexes["llmgate-docs"] = &fakePineconeIndex{dim: 2}
	res, err = p.Search(ctx, "docs", [][]float32{{1, 0}}, 3)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, [][]string{{}}, res.IDs)
}

func TestPineconeSearchDistanceIsOneMinusScore(t *testing.T) {
	_, p := newTestPinecone()
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "docs", makeItems(2)))

	res, err := p.Search(ctx, "docs", [][]float32{{1, 1, 0}}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-000", "doc-001"}, res.IDs[0])
	assert.InDelta(t, 0.1, res.Distances[0][0], 1e-6)
	assert.InDelta(t, 0.2, res.Distances[0][1], 1e-6)
	assert.Equal(t, map[string]any{"file_id": "f0"}, res.Metadatas[0][0])
}

func TestPineconeQueryFilterAddressing(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "docs", makeItems(1)))

	got, err := p.Query(ctx, "docs", Filter{"file_id": "f0"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-000"}, got.IDs[0])

	idx := fake.indexes["llmgate-docs"]
	assert.Equal(t, MaxResults, idx.lastTopK)
	assert.Equal(t, map[string]any{"metadata.file_id": map[string]any{"$eq": "f0"}}, idx.lastFilter)
}

func TestPineconeDelete(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "docs", makeItems(1)))
	idx := fake.indexes["llmgate-docs"]

	require.NoError(t, p.Delete(ctx, "docs", []string{"doc-000"}, nil))
	assert.Equal(t, []string{"doc-000"}, idx.deletedIDs)

	require.NoError(t, p.Delete(ctx, "docs", nil, Filter{"file_id": "f0"}))
	assert.Equal(t, map[string]any{"metadata.file_id": map[string]any{"$eq": "f0"}}, idx.filterDelete)

	assert.ErrorIs(t, p.Delete(ctx, "docs", nil, nil), ErrUnscopedDelete)
}

func TestPineconeResetOnlyTouchesPrefix(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()
	fake.indexes["llmgate-a"] = &fakePineconeIndex{}
	fake.indexes["llmgate-b"] = &fakePineconeIndex{}
	fake.indexes["someone-else"] = &fakePineconeIndex{}

	require.NoError(t, p.Reset(ctx))
	assert.Equal(t, []string{"someone-else"}, mapsKeys(fake.indexes))
}

func TestPineconeTestConnection(t *testing.T) {
	fake, p := newTestPinecone()
	ctx := context.Background()
	assert.True(t, p.TestConnection(ctx))

	fake.listErr = errors.New("401 unauthorized")
	assert.False(t, p.TestConnection(ctx))

	unconfigured, err := NewPinecone("", "", "", "llmgate")
	require.NoError(t, err)
	assert.False(t, unconfigured.TestConnection(ctx))
	res, err := unconfigured.Get(ctx, "docs")
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestPineconeValue(t *testing.T) {
	assert.Equal(t, "x", pineconeValue("x"))
	assert.Equal(t, []any{"a", "b"}, pineconeValue([]string{"a", "b"}))
	assert.Equal(t, `{"k":1}`, pineconeValue(map[string]any{"k": 1}))
	assert.Equal(t, `[1,"a"]`, pineconeValue([]any{1, "a"}))
}

func mapsKeys(m map[string]*fakePineconeIndex) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
