package vector

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/viterin/vek/vek32"
)

// Memory is an in-process engine for development and tests. Distance is
// 1 - cosine similarity, so 0 is identical and 2 is opposite.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim   int
	order []string // insertion order, so Get is stable
	rows  map[string]Item
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty engine.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *Memory) Insert(ctx context.Context, name string, items []Item) error {
	return m.write(name, items, false)
}

func (m *Memory) Upsert(ctx context.Context, name string, items []Item) error {
	return m.write(name, items, true)
}

func (m *Memory) write(name string, items []Item, overwrite bool) error {
	if len(items) == 0 {
		return nil
	}
	dim, err := dimensionOf(items)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{dim: dim, rows: make(map[string]Item)}
		m.collections[name] = c
	}

	for _, batch := range Batches(items, BatchSize) {
		for _, item := range batch {
			if len(item.Vector) != c.dim {
				return fmt.Errorf("vector: item %q has dimension %d, collection %q has %d", item.ID, len(item.Vector), name, c.dim)
			}
			if _, exists := c.rows[item.ID]; exists {
				if !overwrite {
					return fmt.Errorf("vector: duplicate id %q in collection %q", item.ID, name)
				}
			} else {
				c.order = append(c.order, item.ID)
			}
			item.Vector = slices.Clone(item.Vector)
			item.Metadata = maps.Clone(item.Metadata)
			c.rows[item.ID] = item
		}
	}
	return nil
}

func (m *Memory) Search(_ context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return nil, nil
	}

	builders := make([]*resultBuilder, len(vectors))
	for i, q := range vectors {
		if len(q) != c.dim {
			return nil, fmt.Errorf("vector: query has dimension %d, collection %q has %d", len(q), name, c.dim)
		}

		type scored struct {
			id   string
			dist float64
		}
		hits := make([]scored, 0, len(c.order))
		for _, id := range c.order {
			sim := vek32.CosineSimilarity(q, c.rows[id].Vector)
			hits = append(hits, scored{id: id, dist: 1 - float64(sim)})
		}
		sort.SliceStable(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
		if limit > 0 && len(hits) > limit {
			hits = hits[:limit]
		}

		b := &resultBuilder{}
		for _, h := range hits {
			row := c.rows[h.id]
			b.addScored(row.ID, row.Text, maps.Clone(row.Metadata), h.dist)
		}
		builders[i] = b
	}
	return searchResult(builders), nil
}

func (m *Memory) Get(ctx context.Context, name string) (*GetResult, error) {
	return m.Query(ctx, name, nil, 0)
}

func (m *Memory) Query(_ context.Context, name string, filter Filter, limit int) (*GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return nil, nil
	}

	b := &resultBuilder{}
	for _, id := range c.order {
		row := c.rows[id]
		if !matches(row.Metadata, filter) {
			continue
		}
		b.add(row.ID, row.Text, maps.Clone(row.Metadata))
		if limit > 0 && len(b.ids) == limit {
			break
		}
	}
	return b.getResult(), nil
}

func (m *Memory) Delete(_ context.Context, name string, ids []string, filter Filter) error {
	if len(ids) == 0 && len(filter) == 0 {
		return ErrUnscopedDelete
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[name]
	if !ok {
		return nil
	}

	drop := func(id string) bool {
		if len(ids) > 0 {
			return slices.Contains(ids, id)
		}
		return matches(c.rows[id].Metadata, filter)
	}

	kept := c.order[:0]
	for _, id := range c.order {
		if drop(id) {
			delete(c.rows, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return nil
}

func (m *Memory) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.collections)
	return nil
}

func (m *Memory) TestConnection(context.Context) bool {
	return true
}

// matches reports whether every filter key is present in metadata with an
// equal value.
func matches(metadata map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
