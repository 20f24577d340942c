package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgate/internal/apperr"
)

func intPtr(i int) *int { return &i }

func TestResolveFirstMatchWins(t *testing.T) {
	table := New([]Endpoint{
		{URL: "A", Enabled: true, AllowedModelIDs: []string{"m1"}},
		{URL: "B", Enabled: true},
	}, "")

	entry, err := table.Resolve("m1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Index)
	assert.Equal(t, "A", entry.Endpoint.URL)

	// An id outside A's allow-list falls through to B's empty allow-list.
	entry, err = table.Resolve("m2", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Index)
}

func TestResolveExplicitIndexBypassesMatching(t *testing.T) {
	table := New([]Endpoint{
		{URL: "A", Enabled: true, AllowedModelIDs: []string{"m1"}},
		{URL: "B", Enabled: true, AllowedModelIDs: []string{"other"}},
	}, "")

	entry, err := table.Resolve("m1", intPtr(1))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Index)
	assert.Equal(t, "m1", entry.ModelID)
}

func TestResolveNotFound(t *testing.T) {
	table := New([]Endpoint{
		{URL: "A", Enabled: true, AllowedModelIDs: []string{"m1"}},
		{URL: "B", Enabled: false},
	}, "")

	tests := []struct {
		name     string
		model    string
		explicit *int
	}{
		{"no endpoint serves the model", "m9", nil},
		{"index past the end", "m1", intPtr(2)},
		{"negative index", "m1", intPtr(-1)},
		{"explicit index on a disabled endpoint", "m1", intPtr(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := table.Resolve(tt.model, tt.explicit)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindNotFound))
		})
	}
}

func TestResolveStripsPrefixes(t *testing.T) {
	table := New([]Endpoint{
		{URL: "A", Enabled: true, AllowedModelIDs: []string{"models/gemini-pro"}},
		{URL: "B", Enabled: true, IDPrefix: "eu", AllowedModelIDs: []string{"gemini-flash"}},
	}, "models/")

	tests := []struct {
		name      string
		model     string
		wantIndex int
		wantID    string
	}{
		{"vendor path prefix on the request", "models/gemini-pro", 0, "gemini-pro"},
		{"vendor path prefix only in the allow-list", "gemini-pro", 0, "gemini-pro"},
		{"endpoint id prefix", "eu.gemini-flash", 1, "gemini-flash"},
		{"both prefixes", "models/eu.gemini-flash", 1, "gemini-flash"},
		{"unprefixed id still matches", "gemini-flash", 1, "gemini-flash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := table.Resolve(tt.model, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndex, entry.Index)
			assert.Equal(t, tt.wantID, entry.ModelID)
		})
	}
}

func TestResolveExplicitIndexStripsIDPrefix(t *testing.T) {
	table := New([]Endpoint{{URL: "A", Enabled: true, IDPrefix: "local"}}, "")

	entry, err := table.Resolve("local.llama3", intPtr(0))
	require.NoError(t, err)
	assert.Equal(t, "llama3", entry.ModelID)
}

func TestReconcile(t *testing.T) {
	urls := []string{"a", "b", "c"}

	padded := Reconcile(urls, []string{"k1"})
	assert.Equal(t, []string{"k1", "", ""}, padded)

	truncated := Reconcile(urls, []string{"k1", "k2", "k3", "k4", "k5"})
	assert.Equal(t, []string{"k1", "k2", "k3"}, truncated)

	assert.Empty(t, Reconcile(nil, []string{"k1"}))
}

func TestTableIsIsolatedFromCaller(t *testing.T) {
	eps := []Endpoint{{URL: "A", Enabled: true}}
	table := New(eps, "")
	eps[0].Enabled = false

	_, err := table.Resolve("anything", nil)
	assert.NoError(t, err)
}
