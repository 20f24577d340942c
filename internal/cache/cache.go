// Package cache is a small stale-while-revalidate cache over a byte store.
//
// A value younger than TTL is served as-is. An older one is still served,
// and a background refresh is kicked off; readers never wait on a refresh
// when they have something to return. Concurrent loads for the same key
// collapse into one through singleflight. Only a true miss blocks.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/llmgate/internal/metrics"
)

// DefaultTTL is how long a value counts as fresh.
const DefaultTTL = 3 * time.Second

// Store keeps raw entries. retention is how long the store may keep an
// entry at all, which is longer than TTL so stale values stay servable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, retention time.Duration) error
}

// Options configures a Cache. Zero values pick the defaults.
type Options struct {
	TTL time.Duration

	// Retention defaults to 100 × TTL.
	Retention time.Duration

	// RefreshTimeout bounds a load. Loads run detached from the request
	// that triggered them, so they can't inherit its deadline. Defaults
	// to 30s.
	RefreshTimeout time.Duration

	Logger *slog.Logger
}

// Cache caches values of type V.
type Cache[V any] struct {
	store Store
	opts  Options
	group singleflight.Group
	now   func() time.Time
}

type envelope[V any] struct {
	Value     V         `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// New creates a cache over store.
func New[V any](store Store, opts Options) *Cache[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = 100 * opts.TTL
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache[V]{store: store, opts: opts, now: time.Now}
}

// Get returns the cached value for key, calling load on a miss. On a stale
// hit it returns the old value and refreshes in the background.
func (c *Cache[V]) Get(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if env, ok := c.lookup(ctx, key); ok {
		if c.now().Sub(env.FetchedAt) < c.opts.TTL {
			metrics.ModelCache.WithLabelValues("hit").Inc()
			return env.Value, nil
		}

		metrics.ModelCache.WithLabelValues("stale").Inc()
		c.refreshInBackground(ctx, key, load)
		return env.Value, nil
	}

	metrics.ModelCache.WithLabelValues("miss").Inc()
	// The load is shared by every caller merged into it, so it can't run on
	// the first caller's ctx: that client hanging up would fail the load
	// for everyone. Each caller still stops waiting when its own ctx ends.
	ch := c.group.DoChan(key, func() (any, error) {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()
		return c.refresh(bg, key, load)
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// refreshInBackground starts a refresh unless one is already in flight for
// key. The refresh outlives the request, so it gets a detached context.
func (c *Cache[V]) refreshInBackground(ctx context.Context, key string, load func(context.Context) (V, error)) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(bg, key, load)
	})
	go func() {
		defer cancel()
		if res := <-ch; res.Err != nil {
			c.opts.Logger.Warn("background cache refresh failed", "key", key, "error", res.Err)
		}
	}()
}

func (c *Cache[V]) refresh(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	b, err := json.Marshal(envelope[V]{Value: v, FetchedAt: c.now()})
	if err != nil {
		return v, fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.store.Set(ctx, key, b, c.opts.Retention); err != nil {
		// The value is still good; the next reader just misses.
		c.opts.Logger.Warn("cache write failed", "key", key, "error", err)
	}
	return v, nil
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (envelope[V], bool) {
	var env envelope[V]

	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.opts.Logger.Warn("cache read failed", "key", key, "error", err)
		return env, false
	}
	if !ok {
		return env, false
	}
	if err := json.Unmarshal(b, &env); err != nil {
		c.opts.Logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		return env, false
	}
	return env, true
}

// Key builds a cache key from a namespace and any JSON-encodable value. The
// value is hashed, so a configuration change yields a new key and old
// entries are simply never read again.
func Key(namespace string, fingerprint any) (string, error) {
	b, err := json.Marshal(fingerprint)
	if err != nil {
		return "", fmt.Errorf("fingerprinting cache key: %w", err)
	}
	sum := sha256.Sum256(b)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}
