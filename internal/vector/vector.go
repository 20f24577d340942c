// Package vector is a uniform CRUD and search contract over vector
// databases, with one Store implementation per engine.
//
// Two rules hold for every engine:
//
//   - A nil result (with a nil error) means the collection doesn't exist or
//     the engine has no client configured. A collection that exists but
//     has no matching rows gives a non-nil result with empty inner lists.
//   - Distances are whatever the engine natively reports. They are not
//     comparable across engines.
package vector

import (
	"context"
	"errors"
)

// BatchSize bounds how many items go into one write request.
const BatchSize = 100

// MaxResults caps reads that have no limit, matching Pinecone's top_k
// ceiling.
const MaxResults = 10000

// ErrUnscopedDelete is returned by Delete when neither ids nor a filter is
// given. No engine treats that as "delete everything".
var ErrUnscopedDelete = errors.New("vector: delete needs ids or a filter")

// Item is one row of a collection.
type Item struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Filter matches metadata keys to values by equality.
type Filter map[string]any

// GetResult holds parallel lists, one inner list per query. Get and Query
// always have exactly one inner list.
type GetResult struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
}

// SearchResult is a GetResult plus a distance per row.
type SearchResult struct {
	GetResult
	Distances [][]float64 `json:"distances"`
}

// Store is the engine contract. All names are collection names before the
// engine applies its namespace prefix.
type Store interface {
	HasCollection(ctx context.Context, name string) (bool, error)

	// Insert creates the collection if needed, with the dimension of the
	// first item, then writes in batches of BatchSize. A failing batch
	// leaves the earlier ones committed.
	Insert(ctx context.Context, name string, items []Item) error

	// Upsert is Insert that overwrites rows with the same id.
	Upsert(ctx context.Context, name string, items []Item) error

	// Search returns the limit nearest rows for each query vector.
	Search(ctx context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error)

	// Get returns every row.
	Get(ctx context.Context, name string) (*GetResult, error)

	// Query returns rows whose metadata matches filter. limit <= 0 means
	// the engine's maximum.
	Query(ctx context.Context, name string, filter Filter, limit int) (*GetResult, error)

	// Delete removes rows by id when ids is non-empty, else by filter.
	Delete(ctx context.Context, name string, ids []string, filter Filter) error

	DeleteCollection(ctx context.Context, name string) error

	// Reset drops every collection under the engine's prefix.
	Reset(ctx context.Context) error

	// TestConnection reports whether the engine is reachable. It never
	// fails; any problem is just false.
	TestConnection(ctx context.Context) bool
}

// Batches splits items into consecutive chunks of at most size.
func Batches(items []Item, size int) [][]Item {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]Item
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// resultBuilder accumulates one inner list of a result.
type resultBuilder struct {
	ids       []string
	documents []string
	metadatas []map[string]any
	distances []float64
}

func (b *resultBuilder) add(id, text string, metadata map[string]any) {
	b.ids = append(b.ids, id)
	b.documents = append(b.documents, text)
	b.metadatas = append(b.metadatas, metadata)
}

func (b *resultBuilder) addScored(id, text string, metadata map[string]any, distance float64) {
	b.add(id, text, metadata)
	b.distances = append(b.distances, distance)
}

// getResult wraps the builder as a single-list GetResult. Empty lists are
// non-nil so "found, zero hits" encodes as [[]] rather than null.
func (b *resultBuilder) getResult() *GetResult {
	ids, docs, metas := b.lists()
	return &GetResult{
		IDs:       [][]string{ids},
		Documents: [][]string{docs},
		Metadatas: [][]map[string]any{metas},
	}
}

func (b *resultBuilder) lists() ([]string, []string, []map[string]any) {
	ids, docs, metas := b.ids, b.documents, b.metadatas
	if ids == nil {
		ids, docs, metas = []string{}, []string{}, []map[string]any{}
	}
	return ids, docs, metas
}

// searchResult joins one builder per query vector.
func searchResult(builders []*resultBuilder) *SearchResult {
	res := &SearchResult{
		GetResult: GetResult{
			IDs:       make([][]string, 0, len(builders)),
			Documents: make([][]string, 0, len(builders)),
			Metadatas: make([][]map[string]any, 0, len(builders)),
		},
		Distances: make([][]float64, 0, len(builders)),
	}
	for _, b := range builders {
		ids, docs, metas := b.lists()
		dists := b.distances
		if dists == nil {
			dists = []float64{}
		}
		res.IDs = append(res.IDs, ids)
		res.Documents = append(res.Documents, docs)
		res.Metadatas = append(res.Metadatas, metas)
		res.Distances = append(res.Distances, dists)
	}
	return res
}

// dimensionOf returns the dimension of the first item, or an error for an
// empty batch or an empty vector.
func dimensionOf(items []Item) (int, error) {
	if len(items) == 0 {
		return 0, errors.New("vector: no items")
	}
	if len(items[0].Vector) == 0 {
		return 0, errors.New("vector: first item has an empty vector")
	}
	return len(items[0].Vector), nil
}
