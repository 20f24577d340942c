// Package routing resolves a requested model id to one configured backend
// endpoint of a provider.
//
// A provider can have N endpoints (base URL + key), each with its own
// enable flag, optional allow-list of model ids and optional id prefix.
// Resolution scans in configuration order and the first match wins, so
// operators control priority by ordering base_urls.
package routing

import (
	"fmt"
	"slices"
	"strings"

	"github.com/howard-nolan/llmgate/internal/apperr"
)

// Endpoint is one backend of a provider.
type Endpoint struct {
	URL     string
	Key     string
	Enabled bool

	// AllowedModelIDs restricts which models this endpoint serves. Empty
	// means it serves everything.
	AllowedModelIDs []string

	// IDPrefix namespaces this endpoint's models as "<prefix>.<id>" so two
	// endpoints serving the same model name can be told apart.
	IDPrefix string

	// FoldSystem is passed through to the Google adapter.
	FoldSystem bool
}

// Entry is a resolved route.
type Entry struct {
	Index    int
	Endpoint Endpoint

	// ModelID is what gets sent to the vendor: vendor path prefix and
	// endpoint id prefix stripped.
	ModelID string
}

// Table is an immutable routing table for one provider. Build a new one
// whenever the configuration changes.
type Table struct {
	endpoints  []Endpoint
	pathPrefix string
}

// New builds a table. pathPrefix is the vendor's model path prefix
// ("models/" for Google), stripped from incoming ids before matching.
func New(endpoints []Endpoint, pathPrefix string) *Table {
	return &Table{endpoints: slices.Clone(endpoints), pathPrefix: pathPrefix}
}

// Len returns the number of configured endpoints.
func (t *Table) Len() int {
	return len(t.endpoints)
}

// Endpoints returns a copy of the endpoint list, in configuration order.
func (t *Table) Endpoints() []Endpoint {
	return slices.Clone(t.endpoints)
}

// Resolve picks the endpoint for modelID.
//
// With explicit set, matching is skipped: the index only has to be in range
// and enabled. Without it, endpoints are scanned in order and the first
// enabled endpoint whose allow-list is empty or contains the id wins.
// Either way, failures are apperr NotFound errors.
func (t *Table) Resolve(modelID string, explicit *int) (Entry, error) {
	id := strings.TrimPrefix(modelID, t.pathPrefix)

	if explicit != nil {
		idx := *explicit
		if idx < 0 || idx >= len(t.endpoints) {
			return Entry{}, apperr.NotFound(fmt.Sprintf("backend index %d out of range", idx))
		}
		ep := t.endpoints[idx]
		if !ep.Enabled {
			return Entry{}, apperr.NotFound(fmt.Sprintf("backend %d is disabled", idx))
		}
		stripped, _ := stripIDPrefix(ep, id)
		return Entry{Index: idx, Endpoint: ep, ModelID: stripped}, nil
	}

	for i, ep := range t.endpoints {
		if !ep.Enabled {
			continue
		}
		if resolved, ok := t.match(ep, id); ok {
			return Entry{Index: i, Endpoint: ep, ModelID: resolved}, nil
		}
	}
	return Entry{}, apperr.NotFound(fmt.Sprintf("model %q not found", modelID))
}

// match reports whether ep serves id, and the id to send to the vendor.
// The allow-list may hold the bare id, the "<prefix>.<id>" form, or the
// vendor-path form ("models/<id>").
func (t *Table) match(ep Endpoint, id string) (string, bool) {
	stripped, _ := stripIDPrefix(ep, id)
	if len(ep.AllowedModelIDs) == 0 {
		return stripped, true
	}
	for _, allowed := range ep.AllowedModelIDs {
		allowed = strings.TrimPrefix(allowed, t.pathPrefix)
		if allowed == stripped || allowed == id {
			return stripped, true
		}
	}
	return "", false
}

func stripIDPrefix(ep Endpoint, id string) (string, bool) {
	if ep.IDPrefix == "" {
		return id, false
	}
	if rest, ok := strings.CutPrefix(id, ep.IDPrefix+"."); ok {
		return rest, true
	}
	return id, false
}

// Reconcile returns keys resized to len(urls): padded with "" or truncated.
// It never modifies its arguments.
func Reconcile(urls, keys []string) []string {
	out := make([]string, len(urls))
	copy(out, keys)
	return out
}
