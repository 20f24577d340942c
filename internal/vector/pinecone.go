package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// Pinecone maps each collection to an index. Upserts are native, distance
// is 1 - score (the indexes use the cosine metric).
//
// Pinecone metadata is flat, so an item is stored as
//
//	{"text": ..., "metadata.<key>": <value>, ...}
//
// which lets filters address metadata.<key> directly. Values Pinecone can't
// hold (nested objects, mixed lists) are stored as JSON strings.
type Pinecone struct {
	api    pineconeAPI
	prefix string
}

var _ Store = (*Pinecone)(nil)

// pineconeAPI is the control plane subset we use; pinecone_sdk.go adapts
// the SDK client to it.
type pineconeAPI interface {
	ListIndexes(ctx context.Context) ([]string, error)
	CreateIndex(ctx context.Context, name string, dim int) error
	DeleteIndex(ctx context.Context, name string) error
	Index(ctx context.Context, name string) (pineconeIndex, error)
}

// pineconeIndex is the data plane of one index.
type pineconeIndex interface {
	Dimension(ctx context.Context) (int, error)
	Upsert(ctx context.Context, vectors []*pinecone.Vector) error
	Query(ctx context.Context, vector []float32, topK int, filter *pinecone.MetadataFilter) ([]*pinecone.ScoredVector, error)
	DeleteByID(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter *pinecone.MetadataFilter) error
}

const (
	textKey        = "text"
	metadataPrefix = "metadata."
)

// NewPinecone creates the engine. An empty API key gives an engine with no
// client, which returns nil from every data call.
func NewPinecone(apiKey, cloud, region, prefix string) (*Pinecone, error) {
	if apiKey == "" {
		return &Pinecone{prefix: prefix}, nil
	}
	api, err := newPineconeSDK(apiKey, cloud, region)
	if err != nil {
		return nil, err
	}
	return &Pinecone{api: api, prefix: prefix}, nil
}

var invalidIndexChars = regexp.MustCompile(`[^a-z0-9-]+`)

// indexName builds "<prefix>-<collection>" within Pinecone's naming rules:
// lowercase alphanumerics and hyphens only.
func (p *Pinecone) indexName(name string) string {
	return invalidIndexChars.ReplaceAllString(strings.ToLower(p.prefix+"-"+name), "-")
}

func (p *Pinecone) HasCollection(ctx context.Context, name string) (bool, error) {
	if p.api == nil {
		return false, nil
	}
	names, err := p.api.ListIndexes(ctx)
	if err != nil {
		return false, fmt.Errorf("pinecone: list indexes: %w", err)
	}
	target := p.indexName(name)
	for _, n := range names {
		if n == target {
			return true, nil
		}
	}
	return false, nil
}

// openIndex returns the index connection, or nil when the index is missing.
func (p *Pinecone) openIndex(ctx context.Context, name string) (pineconeIndex, error) {
	ok, err := p.HasCollection(ctx, name)
	if err != nil || !ok {
		return nil, err
	}
	idx, err := p.api.Index(ctx, p.indexName(name))
	if err != nil {
		return nil, fmt.Errorf("pinecone: open index: %w", err)
	}
	return idx, nil
}

// Insert is an upsert: Pinecone has no insert-only write.
func (p *Pinecone) Insert(ctx context.Context, name string, items []Item) error {
	return p.Upsert(ctx, name, items)
}

func (p *Pinecone) Upsert(ctx context.Context, name string, items []Item) error {
	if p.api == nil || len(items) == 0 {
		return nil
	}
	dim, err := dimensionOf(items)
	if err != nil {
		return err
	}

	idx, err := p.openIndex(ctx, name)
	if err != nil {
		return err
	}
	if idx == nil {
		if err := p.api.CreateIndex(ctx, p.indexName(name), dim); err != nil {
			return fmt.Errorf("pinecone: create index: %w", err)
		}
		if idx, err = p.api.Index(ctx, p.indexName(name)); err != nil {
			return fmt.Errorf("pinecone: open index: %w", err)
		}
	}

	for i, batch := range Batches(items, BatchSize) {
		vectors := make([]*pinecone.Vector, len(batch))
		for j, item := range batch {
			meta, err := encodeMetadata(item)
			if err != nil {
				return fmt.Errorf("pinecone: item %q: %w", item.ID, err)
			}
			values := item.Vector
			vectors[j] = &pinecone.Vector{Id: item.ID, Values: &values, Metadata: meta}
		}
		if err := idx.Upsert(ctx, vectors); err != nil {
			return fmt.Errorf("pinecone: writing batch %d: %w", i, err)
		}
	}
	return nil
}

func (p *Pinecone) Search(ctx context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error) {
	if p.api == nil {
		return nil, nil
	}
	idx, err := p.openIndex(ctx, name)
	if err != nil || idx == nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxResults
	}

	builders := make([]*resultBuilder, len(vectors))
	for i, q := range vectors {
		matches, err := idx.Query(ctx, q, limit, nil)
		if err != nil {
			return nil, fmt.Errorf("pinecone: query: %w", err)
		}
		b := &resultBuilder{}
		for _, m := range matches {
			id, text, meta := decodeMatch(m)
			b.addScored(id, text, meta, 1-float64(m.Score))
		}
		builders[i] = b
	}
	return searchResult(builders), nil
}

func (p *Pinecone) Get(ctx context.Context, name string) (*GetResult, error) {
	return p.Query(ctx, name, nil, 0)
}

// Query has no native scan, so it runs a similarity query with a probe
// vector and keeps the filter. Cosine indexes reject an all-zero vector,
// hence the unit vector.
func (p *Pinecone) Query(ctx context.Context, name string, filter Filter, limit int) (*GetResult, error) {
	if p.api == nil {
		return nil, nil
	}
	idx, err := p.openIndex(ctx, name)
	if err != nil || idx == nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxResults
	}

	dim, err := idx.Dimension(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinecone: describe index: %w", err)
	}
	probe := make([]float32, dim)
	if dim > 0 {
		probe[0] = 1
	}

	f, err := metadataFilter(filter)
	if err != nil {
		return nil, err
	}
	matches, err := idx.Query(ctx, probe, limit, f)
	if err != nil {
		return nil, fmt.Errorf("pinecone: query: %w", err)
	}

	b := &resultBuilder{}
	for _, m := range matches {
		b.add(decodeMatch(m))
	}
	return b.getResult(), nil
}

func (p *Pinecone) Delete(ctx context.Context, name string, ids []string, filter Filter) error {
	if len(ids) == 0 && len(filter) == 0 {
		return ErrUnscopedDelete
	}
	if p.api == nil {
		return nil
	}
	idx, err := p.openIndex(ctx, name)
	if err != nil || idx == nil {
		return err
	}

	if len(ids) > 0 {
		if err := idx.DeleteByID(ctx, ids); err != nil {
			return fmt.Errorf("pinecone: delete by id: %w", err)
		}
		return nil
	}

	f, err := metadataFilter(filter)
	if err != nil {
		return err
	}
	if err := idx.DeleteByFilter(ctx, f); err != nil {
		return fmt.Errorf("pinecone: delete by filter: %w", err)
	}
	return nil
}

func (p *Pinecone) DeleteCollection(ctx context.Context, name string) error {
	ok, err := p.HasCollection(ctx, name)
	if err != nil || !ok {
		return err
	}
	if err := p.api.DeleteIndex(ctx, p.indexName(name)); err != nil {
		return fmt.Errorf("pinecone: delete index: %w", err)
	}
	return nil
}

func (p *Pinecone) Reset(ctx context.Context) error {
	if p.api == nil {
		return nil
	}
	names, err := p.api.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("pinecone: list indexes: %w", err)
	}
	prefix := p.indexName("")
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		if err := p.api.DeleteIndex(ctx, n); err != nil {
			return fmt.Errorf("pinecone: delete index %s: %w", n, err)
		}
	}
	return nil
}

func (p *Pinecone) TestConnection(ctx context.Context) bool {
	if p.api == nil {
		return false
	}
	_, err := p.api.ListIndexes(ctx)
	return err == nil
}

// ---------------------------------------------------------------------------
// Metadata mapping
// ---------------------------------------------------------------------------

func encodeMetadata(item Item) (*pinecone.Metadata, error) {
	flat := map[string]any{textKey: item.Text}
	for k, v := range item.Metadata {
		flat[metadataPrefix+k] = pineconeValue(v)
	}
	meta, err := structpb.NewStruct(flat)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return meta, nil
}

// pineconeValue passes through what Pinecone stores natively and JSON-encodes
// the rest.
func pineconeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64:
		return v
	case []string:
		list := make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list
	case []any:
		for _, e := range t {
			if _, ok := e.(string); !ok {
				return jsonString(v)
			}
		}
		return v
	default:
		return jsonString(v)
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func decodeMatch(m *pinecone.ScoredVector) (string, string, map[string]any) {
	if m == nil || m.Vector == nil {
		return "", "", nil
	}
	var (
		text string
		meta map[string]any
	)
	if m.Vector.Metadata != nil {
		for k, v := range m.Vector.Metadata.AsMap() {
			if k == textKey {
				text, _ = v.(string)
				continue
			}
			if key, ok := strings.CutPrefix(k, metadataPrefix); ok {
				if meta == nil {
					meta = make(map[string]any)
				}
				meta[key] = v
			}
		}
	}
	return m.Vector.Id, text, meta
}

// metadataFilter builds {"metadata.<key>": {"$eq": value}}. A nil filter
// means no filter.
func metadataFilter(filter Filter) (*pinecone.MetadataFilter, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	conds := make(map[string]any, len(filter))
	for k, v := range filter {
		conds[metadataPrefix+k] = map[string]any{"$eq": pineconeValue(v)}
	}
	f, err := structpb.NewStruct(conds)
	if err != nil {
		return nil, fmt.Errorf("pinecone: encoding filter: %w", err)
	}
	return f, nil
}
