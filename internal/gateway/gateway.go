// Package gateway is the per-provider service layer between the HTTP
// handlers and the vendor adapters.
//
// A Service owns nothing mutable of its own. Every call reads the current
// config snapshot, builds a routing table from it, picks an endpoint and
// creates an adapter for that endpoint. Adapters are cheap (a struct around
// a shared *http.Client), so building one per request keeps admin updates
// visible to the very next request without any invalidation step.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/cache"
	"github.com/howard-nolan/llmgate/internal/catalog"
	"github.com/howard-nolan/llmgate/internal/config"
	"github.com/howard-nolan/llmgate/internal/metrics"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/routing"
)

// Factory builds the adapter for one endpoint. provider.New is the real
// one; tests swap in fakes.
type Factory func(kind provider.Kind, baseURL, apiKey string, opts provider.Options) (provider.Provider, error)

// Options configures a Service. Zero values pick the defaults.
type Options struct {
	// RequestTimeout bounds chat and embedding calls, including the whole
	// lifetime of a stream.
	RequestTimeout time.Duration

	// ModelListTimeout bounds each endpoint's model-list call.
	ModelListTimeout time.Duration

	// Client is shared by every adapter. Defaults to provider.NewHTTPClient().
	Client *http.Client

	// Factory defaults to provider.New over Client.
	Factory Factory

	// ModelCache holds merged model lists. Services for different
	// providers may share one store; keys are namespaced by kind.
	ModelCache cache.Store
	CacheTTL   time.Duration

	Logger *slog.Logger
}

// Service serves one provider kind.
type Service struct {
	kind    provider.Kind
	desc    provider.Descriptor
	store   *config.Store
	factory Factory
	models  *cache.Cache[[]catalog.Model]
	opts    Options
	logger  *slog.Logger
}

// New creates the service for kind over the shared config store.
func New(kind provider.Kind, store *config.Store, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.ModelListTimeout <= 0 {
		opts.ModelListTimeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = provider.NewHTTPClient()
	}
	if opts.Factory == nil {
		client := opts.Client
		opts.Factory = func(kind provider.Kind, baseURL, apiKey string, o provider.Options) (provider.Provider, error) {
			return provider.New(kind, baseURL, apiKey, client, o)
		}
	}
	if opts.ModelCache == nil {
		opts.ModelCache = cache.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("provider", string(kind))

	return &Service{
		kind:    kind,
		desc:    provider.Describe(kind),
		store:   store,
		factory: opts.Factory,
		models: cache.New[[]catalog.Model](opts.ModelCache, cache.Options{
			TTL:            opts.CacheTTL,
			RefreshTimeout: opts.ModelListTimeout * 2,
			Logger:         logger,
		}),
		opts:   opts,
		logger: logger,
	}
}

// Kind reports which provider this service serves.
func (s *Service) Kind() provider.Kind { return s.kind }

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// Settings returns a copy of the current provider settings.
func (s *Service) Settings() config.ProviderConfig {
	return s.store.Provider(s.kind)
}

// UpdateSettings replaces the provider settings. The model cache needs no
// flush: its key is a fingerprint of the endpoint list, so new settings
// simply miss.
func (s *Service) UpdateSettings(pc config.ProviderConfig) (config.ProviderConfig, error) {
	stored, err := s.store.Update(s.kind, pc)
	if err != nil {
		return config.ProviderConfig{}, err
	}
	s.logger.Info("provider settings updated", "base_urls", len(stored.BaseURLs), "enabled", stored.Enabled)
	return stored, nil
}

// enabledSettings returns the settings, or a configuration error when the
// whole provider is switched off.
func (s *Service) enabledSettings() (config.ProviderConfig, error) {
	pc := s.store.Provider(s.kind)
	if !pc.Enabled {
		return pc, apperr.Configuration(s.desc.DisplayName + " API is disabled")
	}
	return pc, nil
}

// resolve picks the endpoint for modelID and builds its adapter.
func (s *Service) resolve(pc config.ProviderConfig, modelID string, urlIdx *int) (routing.Entry, provider.Provider, error) {
	table := routing.New(pc.Endpoints(), s.desc.ModelPathPrefix)
	entry, err := table.Resolve(modelID, urlIdx)
	if err != nil {
		return routing.Entry{}, nil, err
	}
	p, err := s.adapter(pc, entry.Endpoint)
	if err != nil {
		return routing.Entry{}, nil, err
	}
	return entry, p, nil
}

func (s *Service) adapter(pc config.ProviderConfig, ep routing.Endpoint) (provider.Provider, error) {
	p, err := s.factory(s.kind, ep.URL, ep.Key, provider.Options{
		FoldSystemPrompt: ep.FoldSystem,
		StaticModels:     pc.Models,
	})
	if err != nil {
		return nil, apperr.Configuration(err.Error())
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// ChatCompletion routes a unary request and returns the canonical
// chat.completion.
func (s *Service) ChatCompletion(ctx context.Context, req *provider.ChatRequest, urlIdx *int) (*provider.Completion, error) {
	pc, err := s.enabledSettings()
	if err != nil {
		return nil, err
	}
	entry, p, err := s.resolve(pc, req.Model, urlIdx)
	if err != nil {
		return nil, err
	}

	// Copy the request so the caller's value keeps the client-facing id.
	vendorReq := *req
	vendorReq.Model = entry.ModelID
	vendorReq.Stream = false

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	started := time.Now()
	resp, err := p.ChatCompletion(ctx, &vendorReq)
	if err != nil {
		err = s.upstream(err, "chat", entry.Index)
		s.observe("chat", err, started)
		return nil, err
	}
	s.observe("chat", nil, started)
	return resp, nil
}

// ChatCompletionStream routes a streaming request. The returned channel is
// closed after the terminal chunk (or an error chunk). Cancelling ctx stops
// the forwarding goroutine and, through it, the vendor connection.
//
// Errors returned directly happened before anything was streamed, so the
// caller can still answer with a plain HTTP error.
func (s *Service) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest, urlIdx *int) (<-chan provider.StreamChunk, error) {
	pc, err := s.enabledSettings()
	if err != nil {
		return nil, err
	}
	entry, p, err := s.resolve(pc, req.Model, urlIdx)
	if err != nil {
		return nil, err
	}

	vendorReq := *req
	vendorReq.Model = entry.ModelID
	vendorReq.Stream = true

	// upCtx outlives the function: the forwarding goroutine below owns it
	// and cancels it when the stream ends, whichever way it ends. The
	// caller's ctx stays the signal that the client went away; upCtx also
	// carries the request deadline, which the client must hear about.
	upCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)

	started := time.Now()
	upstream, err := p.ChatCompletionStream(upCtx, &vendorReq)
	if err != nil {
		cancel()
		err = s.upstream(err, "chat_stream", entry.Index)
		s.observe("chat_stream", err, started)
		return nil, err
	}

	out := make(chan provider.StreamChunk)
	go s.forward(ctx, upCtx, cancel, upstream, out, entry.Index, started)
	return out, nil
}

// forward copies chunks from the adapter to the client-facing channel,
// counting them and classifying a mid-stream error.
//
// Sends only give up when the client ctx is done. If they raced upCtx
// instead, an expired deadline would usually win and the error chunk would
// be dropped, and the writer would then finish the stream as if it had
// succeeded. When the adapter closes its channel without a terminal chunk
// after the deadline (its own error send lost that race), we report the
// timeout ourselves.
func (s *Service) forward(ctx, upCtx context.Context, cancel context.CancelFunc, upstream <-chan provider.StreamChunk, out chan<- provider.StreamChunk, index int, started time.Time) {
	defer cancel()
	defer close(out)

	first := true
	send := func(chunk provider.StreamChunk) bool {
		if chunk.Err != nil {
			chunk.Err = s.upstream(chunk.Err, "chat_stream", index)
		}
		if first {
			// Latency for streams is time to first chunk.
			s.observe("chat_stream", chunk.Err, started)
			first = false
		}
		if chunk.Err == nil && chunk.Delta != "" {
			metrics.StreamChunks.WithLabelValues(string(s.kind)).Inc()
		}
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range upstream {
		if !send(chunk) {
			return
		}
		if chunk.Done || chunk.Err != nil {
			return
		}
	}

	if errors.Is(upCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		send(provider.StreamChunk{
			Done: true,
			Err:  fmt.Errorf("%s stream timed out after %s: %w", s.kind, s.opts.RequestTimeout, context.DeadlineExceeded),
		})
	}
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

// errNothingListed keeps a load where every endpoint failed out of the
// model cache.
var errNothingListed = errors.New("no endpoint returned a model list")

// fingerprint is what the model-list cache key is derived from. Any change
// to the endpoint set or the static model list yields a new key.
type fingerprint struct {
	Endpoints []routing.Endpoint
	Models    []string
}

// Models lists models. With an explicit index only that endpoint is asked
// and the result isn't cached; otherwise every endpoint is asked at once
// and the merged list is served through the cache.
//
// A failing endpoint never fails the whole call; it just contributes
// nothing. The result is never nil so it renders as [] on the wire.
func (s *Service) Models(ctx context.Context, urlIdx *int) ([]catalog.Model, error) {
	pc, err := s.enabledSettings()
	if err != nil {
		return nil, err
	}
	endpoints := pc.Endpoints()
	disc := s.discoverer(pc)

	if urlIdx != nil {
		idx := *urlIdx
		if idx < 0 || idx >= len(endpoints) {
			return nil, apperr.NotFound(fmt.Sprintf("backend index %d out of range", idx))
		}
		// Keep the list aligned with endpoint indexes so urlIdx in the
		// output is the real one.
		lists := make([][]catalog.Model, len(endpoints))
		lists[idx] = disc.DiscoverOne(ctx, idx, endpoints[idx])
		return nonNil(catalog.Merge(lists)), nil
	}

	key, err := cache.Key("models:"+string(s.kind), fingerprint{Endpoints: endpoints, Models: pc.Models})
	if err != nil {
		return nil, err
	}
	models, err := s.models.Get(ctx, key, func(ctx context.Context) ([]catalog.Model, error) {
		lists := disc.Discover(ctx, endpoints)
		if catalog.AllFailed(endpoints, lists) {
			return nil, errNothingListed
		}
		return catalog.Merge(lists), nil
	})
	if errors.Is(err, errNothingListed) {
		// Not cached, so the next call asks the endpoints again.
		return []catalog.Model{}, nil
	}
	if err != nil {
		return nil, err
	}
	return nonNil(models), nil
}

func (s *Service) discoverer(pc config.ProviderConfig) *catalog.Discoverer {
	return &catalog.Discoverer{
		Kind:    s.kind,
		Timeout: s.opts.ModelListTimeout,
		Logger:  s.logger,
		List: func(ctx context.Context, index int, ep routing.Endpoint) ([]provider.ModelInfo, error) {
			p, err := s.adapter(pc, ep)
			if err != nil {
				return nil, err
			}
			started := time.Now()
			infos, err := p.ListModels(ctx)
			if err != nil {
				err = s.upstream(err, "list_models", index)
			}
			s.observe("list_models", err, started)
			return infos, err
		},
	}
}

func nonNil(models []catalog.Model) []catalog.Model {
	if models == nil {
		return []catalog.Model{}
	}
	return models
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

// Embeddings routes an embeddings request to an adapter that supports it.
func (s *Service) Embeddings(ctx context.Context, req *provider.EmbeddingRequest, urlIdx *int) (*provider.EmbeddingResponse, error) {
	if !s.desc.Embeddings {
		return nil, apperr.Configuration(s.desc.DisplayName + " does not support embeddings")
	}
	pc, err := s.enabledSettings()
	if err != nil {
		return nil, err
	}
	if len(req.Input) == 0 {
		return nil, apperr.Configuration("input must not be empty")
	}
	entry, p, err := s.resolve(pc, req.Model, urlIdx)
	if err != nil {
		return nil, err
	}
	embedder, ok := p.(provider.Embedder)
	if !ok {
		return nil, apperr.Configuration(s.desc.DisplayName + " does not support embeddings")
	}

	vendorReq := *req
	vendorReq.Model = entry.ModelID

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	started := time.Now()
	resp, err := embedder.Embeddings(ctx, &vendorReq)
	if err != nil {
		err = s.upstream(err, "embeddings", entry.Index)
		s.observe("embeddings", err, started)
		return nil, err
	}
	s.observe("embeddings", nil, started)
	return resp, nil
}

// ---------------------------------------------------------------------------
// Verify
// ---------------------------------------------------------------------------

// Verify checks a URL and key before an admin saves them, by listing the
// models the endpoint serves. It ignores the saved settings entirely.
func (s *Service) Verify(ctx context.Context, baseURL, apiKey string) ([]provider.ModelInfo, error) {
	if err := config.Validate(config.ProviderConfig{BaseURLs: []string{baseURL}}); err != nil {
		return nil, err
	}
	p, err := s.factory(s.kind, baseURL, apiKey, provider.Options{})
	if err != nil {
		return nil, apperr.Configuration(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ModelListTimeout)
	defer cancel()

	started := time.Now()
	infos, err := p.ListModels(ctx)
	if err != nil {
		err = s.upstream(err, "verify", -1)
		s.observe("verify", err, started)
		return nil, err
	}
	s.observe("verify", nil, started)
	if infos == nil {
		infos = []provider.ModelInfo{}
	}
	return infos, nil
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// upstream classifies an adapter error. The full error (vendor body
// included) is logged here; what goes back up is an apperr.Error whose
// public message names only the provider.
func (s *Service) upstream(err error, operation string, index int) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	attrs := []any{"operation", operation, "error", err}
	if index >= 0 {
		attrs = append(attrs, "url_idx", index)
	}
	var status *provider.StatusError
	if errors.As(err, &status) {
		attrs = append(attrs, "status", status.StatusCode)
	}

	if errors.Is(err, context.Canceled) {
		s.logger.Debug("upstream call cancelled", attrs...)
	} else {
		s.logger.Error("upstream call failed", attrs...)
	}
	return apperr.Upstream(s.desc.DisplayName, err)
}

func (s *Service) observe(operation string, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.ObserveUpstream(string(s.kind), operation, outcome, started)
}
