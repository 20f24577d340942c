package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// OpenSearch maps each collection to an index named "<prefix>_<collection>".
//
// Search ranks with a script_score of cosineSimilarity + 1.0, and the raw
// _score is reported as the distance. Higher means closer here, unlike the
// other engines.
type OpenSearch struct {
	client *opensearchapi.Client
	prefix string
}

var _ Store = (*OpenSearch)(nil)

// OpenSearchOptions configures NewOpenSearch.
type OpenSearchOptions struct {
	Addresses []string
	Username  string
	Password  string
	Transport http.RoundTripper
}

// NewOpenSearch builds the client. With no addresses the engine has no
// client and every data call returns nil.
func NewOpenSearch(opts OpenSearchOptions, prefix string) (*OpenSearch, error) {
	if len(opts.Addresses) == 0 {
		return &OpenSearch{prefix: prefix}, nil
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: opts.Addresses,
			Username:  opts.Username,
			Password:  opts.Password,
			Transport: opts.Transport,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch: creating client: %w", err)
	}
	return &OpenSearch{client: client, prefix: prefix}, nil
}

func (o *OpenSearch) index(name string) string {
	return o.prefix + "_" + name
}

// osSource is the _source of a hit.
type osSource struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

func (o *OpenSearch) HasCollection(ctx context.Context, name string) (bool, error) {
	if o.client == nil {
		return false, nil
	}
	resp, err := o.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{o.index(name)}})
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opensearch: index exists: %w", err)
	}
	return true, nil
}

func (o *OpenSearch) createIndex(ctx context.Context, name string, dim int) error {
	body := map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"knn": true},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":       map[string]any{"type": "keyword"},
				"vector":   map[string]any{"type": "knn_vector", "dimension": dim},
				"text":     map[string]any{"type": "text"},
				"metadata": map[string]any{"type": "object"},
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = o.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: o.index(name),
		Body:  bytes.NewReader(b),
	})
	if err != nil {
		return fmt.Errorf("opensearch: create index: %w", err)
	}
	return nil
}

// Insert and Upsert are the same here: the bulk "index" action overwrites
// by _id.
func (o *OpenSearch) Insert(ctx context.Context, name string, items []Item) error {
	return o.Upsert(ctx, name, items)
}

func (o *OpenSearch) Upsert(ctx context.Context, name string, items []Item) error {
	if o.client == nil || len(items) == 0 {
		return nil
	}
	dim, err := dimensionOf(items)
	if err != nil {
		return err
	}

	exists, err := o.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.createIndex(ctx, name, dim); err != nil {
			return err
		}
	}

	for i, batch := range Batches(items, BatchSize) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, item := range batch {
			action := map[string]any{"index": map[string]any{"_index": o.index(name), "_id": item.ID}}
			doc := map[string]any{"id": item.ID, "vector": item.Vector, "text": item.Text, "metadata": item.Metadata}
			if err := enc.Encode(action); err != nil {
				return err
			}
			if err := enc.Encode(doc); err != nil {
				return err
			}
		}
		if err := o.bulk(ctx, &buf); err != nil {
			return fmt.Errorf("opensearch: writing batch %d: %w", i, err)
		}
	}
	return nil
}

func (o *OpenSearch) bulk(ctx context.Context, body *bytes.Buffer) error {
	// wait_for makes the writes visible to the next search, so a Get right
	// after an Insert sees every item.
	resp, err := o.client.Bulk(ctx, opensearchapi.BulkReq{
		Body:   body,
		Params: opensearchapi.BulkParams{Refresh: "wait_for"},
	})
	if err != nil {
		return err
	}
	if resp.Errors {
		return fmt.Errorf("bulk request reported item errors")
	}
	return nil
}

func (o *OpenSearch) Search(ctx context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error) {
	if ok, err := o.HasCollection(ctx, name); !ok || err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxResults
	}

	builders := make([]*resultBuilder, len(vectors))
	for i, q := range vectors {
		query := map[string]any{
			"size":    limit,
			"_source": []string{"text", "metadata"},
			"query": map[string]any{
				"script_score": map[string]any{
					"query": map[string]any{"match_all": map[string]any{}},
					"script": map[string]any{
						"source": "cosineSimilarity(params.vector, 'vector') + 1.0",
						"params": map[string]any{"vector": q},
					},
				},
			},
		}
		b, err := o.search(ctx, name, query, true)
		if err != nil {
			return nil, err
		}
		builders[i] = b
	}
	return searchResult(builders), nil
}

func (o *OpenSearch) Get(ctx context.Context, name string) (*GetResult, error) {
	return o.Query(ctx, name, nil, 0)
}

func (o *OpenSearch) Query(ctx context.Context, name string, filter Filter, limit int) (*GetResult, error) {
	if ok, err := o.HasCollection(ctx, name); !ok || err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxResults
	}

	query := map[string]any{
		"size":    limit,
		"_source": []string{"text", "metadata"},
		"query":   filterQuery(filter),
	}
	b, err := o.search(ctx, name, query, false)
	if err != nil {
		return nil, err
	}
	return b.getResult(), nil
}

func (o *OpenSearch) search(ctx context.Context, name string, query map[string]any, scored bool) (*resultBuilder, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{o.index(name)},
		Body:    bytes.NewReader(body),
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch: search: %w", err)
	}

	b := &resultBuilder{}
	for _, hit := range resp.Hits.Hits {
		var src osSource
		if len(hit.Source) > 0 {
			if err := json.Unmarshal(hit.Source, &src); err != nil {
				return nil, fmt.Errorf("opensearch: decoding hit %q: %w", hit.ID, err)
			}
		}
		if scored {
			b.addScored(hit.ID, src.Text, src.Metadata, float64(hit.Score))
		} else {
			b.add(hit.ID, src.Text, src.Metadata)
		}
	}
	return b, nil
}

// filterQuery turns a metadata filter into term clauses on metadata.<key>.
// String values match the keyword sub-field that dynamic mapping creates.
func filterQuery(filter Filter) map[string]any {
	if len(filter) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	clauses := make([]any, 0, len(filter))
	for k, v := range filter {
		field := "metadata." + k
		if _, ok := v.(string); ok {
			field += ".keyword"
		}
		clauses = append(clauses, map[string]any{"term": map[string]any{field: v}})
	}
	return map[string]any{"bool": map[string]any{"filter": clauses}}
}

func (o *OpenSearch) Delete(ctx context.Context, name string, ids []string, filter Filter) error {
	if len(ids) == 0 && len(filter) == 0 {
		return ErrUnscopedDelete
	}
	if o.client == nil {
		return nil
	}

	if len(ids) > 0 {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, id := range ids {
			if err := enc.Encode(map[string]any{"delete": map[string]any{"_index": o.index(name), "_id": id}}); err != nil {
				return err
			}
		}
		if err := o.bulk(ctx, &buf); err != nil {
			return fmt.Errorf("opensearch: delete by id: %w", err)
		}
		return nil
	}

	body, err := json.Marshal(map[string]any{"query": filterQuery(filter)})
	if err != nil {
		return err
	}
	refresh := true
	_, err = o.client.Document.DeleteByQuery(ctx, opensearchapi.DocumentDeleteByQueryReq{
		Indices: []string{o.index(name)},
		Body:    bytes.NewReader(body),
		Params:  opensearchapi.DocumentDeleteByQueryParams{Refresh: &refresh},
	})
	if err != nil {
		return fmt.Errorf("opensearch: delete by filter: %w", err)
	}
	return nil
}

func (o *OpenSearch) DeleteCollection(ctx context.Context, name string) error {
	if o.client == nil {
		return nil
	}
	return o.deleteIndices(ctx, o.index(name))
}

func (o *OpenSearch) Reset(ctx context.Context) error {
	if o.client == nil {
		return nil
	}
	return o.deleteIndices(ctx, o.prefix+"_*")
}

func (o *OpenSearch) deleteIndices(ctx context.Context, pattern string) error {
	resp, err := o.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{Indices: []string{pattern}})
	if resp != nil && resp.Inspect().Response != nil && resp.Inspect().Response.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opensearch: delete index: %w", err)
	}
	return nil
}

func (o *OpenSearch) TestConnection(ctx context.Context) bool {
	if o.client == nil {
		return false
	}
	_, err := o.client.Cluster.Health(ctx, nil)
	return err == nil
}
