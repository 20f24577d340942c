// Package catalog builds the merged model list of a provider: it asks every
// endpoint concurrently, prefixes ids per endpoint, and folds duplicates
// into one entry per model that remembers every endpoint serving it.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/routing"
)

// Model is one entry of the merged list.
type Model struct {
	ID      string // prefixed id, what clients send back
	Name    string
	OwnedBy string
	Native  string // vendor-native id
	URLs    []int  // indexes of the endpoints serving this model, ascending
}

// MarshalJSON renders the wire shape:
//
//	{"id":..., "name":..., "owned_by":"google", "urlIdx":0, "urls":[0,2], "google":{"id":"gemini-pro"}}
func (m Model) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"id":       m.ID,
		"name":     m.Name,
		"owned_by": m.OwnedBy,
		"urls":     m.URLs,
	}
	if len(m.URLs) > 0 {
		out["urlIdx"] = m.URLs[0]
	}
	if m.OwnedBy != "" {
		out[m.OwnedBy] = map[string]string{"id": m.Native}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads back what MarshalJSON wrote, so models survive a trip
// through the Redis cache.
func (m *Model) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		OwnedBy string `json:"owned_by"`
		URLs    []int  `json:"urls"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Model{ID: wire.ID, Name: wire.Name, OwnedBy: wire.OwnedBy, URLs: wire.URLs, Native: wire.ID}

	if wire.OwnedBy == "" {
		return nil
	}
	var native map[string]json.RawMessage
	if err := json.Unmarshal(data, &native); err != nil {
		return err
	}
	if raw, ok := native[wire.OwnedBy]; ok {
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &ref); err == nil && ref.ID != "" {
			m.Native = ref.ID
		}
	}
	return nil
}

// Merge folds per-endpoint lists into one list. lists[i] belongs to
// endpoint i; a nil list (endpoint disabled or failed) is skipped.
//
// Models are keyed by id. The first occurrence wins for name and metadata,
// and every later endpoint serving the same id appends its index to URLs.
// Output order is first-seen order.
func Merge(lists [][]Model) []Model {
	var out []Model
	byID := make(map[string]int)

	for idx, list := range lists {
		for _, m := range list {
			if pos, ok := byID[m.ID]; ok {
				urls := out[pos].URLs
				if len(urls) == 0 || urls[len(urls)-1] != idx {
					out[pos].URLs = append(urls, idx)
				}
				continue
			}
			m.URLs = []int{idx}
			byID[m.ID] = len(out)
			out = append(out, m)
		}
	}
	return out
}

// Lister fetches the model list of one endpoint.
type Lister func(ctx context.Context, index int, ep routing.Endpoint) ([]provider.ModelInfo, error)

// Discoverer runs the per-endpoint fan-out.
type Discoverer struct {
	Kind    provider.Kind
	List    Lister
	Timeout time.Duration
	Logger  *slog.Logger
}

// Discover asks every endpoint at once and returns one list per endpoint,
// in endpoint order. It never fails: an endpoint that is disabled, errors
// or times out contributes a nil list, and the others are unaffected.
//
// Endpoints with an allow-list don't get a network call at all; their
// models are synthesized from the allow-list.
func (d *Discoverer) Discover(ctx context.Context, endpoints []routing.Endpoint) [][]Model {
	type task struct {
		index int
		ep    routing.Endpoint
	}
	tasks := make([]task, len(endpoints))
	for i, ep := range endpoints {
		tasks[i] = task{index: i, ep: ep}
	}

	// iter.Map runs one goroutine per element, waits for all of them,
	// and keeps the input order.
	return iter.Map(tasks, func(t *task) []Model {
		return d.DiscoverOne(ctx, t.index, t.ep)
	})
}

// AllFailed reports whether at least one endpoint is enabled and none of
// the enabled ones produced a list. A result like that says nothing about
// what the provider serves, so it shouldn't be cached.
func AllFailed(endpoints []routing.Endpoint, lists [][]Model) bool {
	enabled := 0
	for i, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		enabled++
		if i < len(lists) && lists[i] != nil {
			return false
		}
	}
	return enabled > 0
}

// DiscoverOne lists a single endpoint. index is the endpoint's position in
// the full endpoint list; it ends up in log lines and in the lister call.
// A disabled or failing endpoint yields nil, a healthy empty one an empty
// non-nil list.
func (d *Discoverer) DiscoverOne(ctx context.Context, index int, ep routing.Endpoint) []Model {
	if !ep.Enabled {
		return nil
	}

	var infos []provider.ModelInfo
	if len(ep.AllowedModelIDs) > 0 {
		prefix := provider.Describe(d.Kind).ModelPathPrefix
		for _, id := range ep.AllowedModelIDs {
			native := strings.TrimPrefix(id, prefix)
			infos = append(infos, provider.ModelInfo{ID: native, Name: native, OwnedBy: string(d.Kind)})
		}
	} else {
		callCtx := ctx
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}

		var err error
		infos, err = d.List(callCtx, index, ep)
		if err != nil {
			d.logger().Warn("model discovery failed",
				"provider", d.Kind,
				"url_idx", index,
				"error", err,
			)
			return nil
		}
	}

	models := make([]Model, 0, len(infos))
	for _, info := range infos {
		id := info.ID
		if ep.IDPrefix != "" {
			id = ep.IDPrefix + "." + id
		}
		name := info.Name
		if name == "" {
			name = info.ID
		}
		models = append(models, Model{
			ID:      id,
			Name:    name,
			OwnedBy: string(d.Kind),
			Native:  info.ID,
		})
	}
	return models
}

func (d *Discoverer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
