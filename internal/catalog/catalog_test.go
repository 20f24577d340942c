package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/routing"
)

func TestMergeAppendsURLs(t *testing.T) {
	lists := [][]Model{
		{{ID: "gpt", Name: "GPT from 0", OwnedBy: "openai", Native: "gpt"}},
		{{ID: "other", Name: "Other", OwnedBy: "openai", Native: "other"}},
		{{ID: "gpt", Name: "GPT from 2", OwnedBy: "openai", Native: "gpt"}},
	}

	merged := Merge(lists)
	require.Len(t, merged, 2)

	assert.Equal(t, "gpt", merged[0].ID)
	assert.Equal(t, "GPT from 0", merged[0].Name, "first occurrence wins")
	assert.Equal(t, []int{0, 2}, merged[0].URLs)
	assert.Equal(t, []int{1}, merged[1].URLs)
}

func TestMergeSkipsNilLists(t *testing.T) {
	merged := Merge([][]Model{nil, {{ID: "m"}}, nil})
	require.Len(t, merged, 1)
	assert.Equal(t, []int{1}, merged[0].URLs)

	assert.Empty(t, Merge(nil))
}

func TestModelJSON(t *testing.T) {
	m := Model{ID: "eu.gemini-pro", Name: "Gemini Pro", OwnedBy: "google", Native: "gemini-pro", URLs: []int{1, 3}}

	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "eu.gemini-pro",
		"name": "Gemini Pro",
		"owned_by": "google",
		"urlIdx": 1,
		"urls": [1, 3],
		"google": {"id": "gemini-pro"}
	}`, string(b))

	var back Model
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)
}

func TestDiscoverIsolatesFailures(t *testing.T) {
	endpoints := []routing.Endpoint{
		{URL: "ok", Enabled: true},
		{URL: "broken", Enabled: true},
		{URL: "slow", Enabled: true},
		{URL: "off", Enabled: false},
	}

	var calls atomic.Int32
	d := &Discoverer{
		Kind:    provider.OpenAI,
		Timeout: 50 * time.Millisecond,
		List: func(ctx context.Context, index int, ep routing.Endpoint) ([]provider.ModelInfo, error) {
			calls.Add(1)
			switch ep.URL {
			case "ok":
				return []provider.ModelInfo{{ID: "gpt-4o", Name: "GPT-4o"}}, nil
			case "broken":
				return nil, errors.New("connection refused")
			default:
				<-ctx.Done()
				return nil, ctx.Err()
			}
		},
	}

	lists := d.Discover(context.Background(), endpoints)
	require.Len(t, lists, 4)

	require.Len(t, lists[0], 1)
	assert.Equal(t, "gpt-4o", lists[0][0].ID)
	assert.Equal(t, "openai", lists[0][0].OwnedBy)
	assert.Nil(t, lists[1])
	assert.Nil(t, lists[2], "timed-out endpoint resolves to nil")
	assert.Nil(t, lists[3])
	assert.Equal(t, int32(3), calls.Load(), "disabled endpoints are not called")
}

func TestDiscoverAllowListAndPrefix(t *testing.T) {
	d := &Discoverer{
		Kind: provider.Google,
		List: func(context.Context, int, routing.Endpoint) ([]provider.ModelInfo, error) {
			t.Fatal("endpoints with an allow-list must not be listed")
			return nil, nil
		},
	}

	lists := d.Discover(context.Background(), []routing.Endpoint{
		{URL: "a", Enabled: true, IDPrefix: "eu", AllowedModelIDs: []string{"models/gemini-pro", "gemini-flash"}},
	})

	require.Len(t, lists[0], 2)
	assert.Equal(t, "eu.gemini-pro", lists[0][0].ID)
	assert.Equal(t, "gemini-pro", lists[0][0].Native)
	assert.Equal(t, "eu.gemini-flash", lists[0][1].ID)
}

func TestDiscoverOneKeepsEndpointIndex(t *testing.T) {
	var logs bytes.Buffer
	var gotIndex int
	d := &Discoverer{
		Kind:   provider.Anthropic,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		List: func(_ context.Context, index int, _ routing.Endpoint) ([]provider.ModelInfo, error) {
			gotIndex = index
			return nil, errors.New("connection refused")
		},
	}

	assert.Nil(t, d.DiscoverOne(context.Background(), 3, routing.Endpoint{URL: "d", Enabled: true}))
	assert.Equal(t, 3, gotIndex)
	assert.Contains(t, logs.String(), "url_idx=3")
}

func TestAllFailed(t *testing.T) {
	on := routing.Endpoint{Enabled: true}
	off := routing.Endpoint{}

	assert.True(t, AllFailed([]routing.Endpoint{on, on}, [][]Model{nil, nil}))
	assert.True(t, AllFailed([]routing.Endpoint{on, off}, [][]Model{nil, nil}))
	assert.False(t, AllFailed([]routing.Endpoint{on, on}, [][]Model{nil, {}}), "an empty list is still an answer")
	assert.False(t, AllFailed([]routing.Endpoint{off}, [][]Model{nil}), "nothing enabled, nothing failed")
	assert.False(t, AllFailed(nil, nil))
}
