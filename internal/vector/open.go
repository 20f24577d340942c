package vector

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howard-nolan/llmgate/internal/config"
)

// Open builds the configured engine, wrapped with Instrument. It returns a
// nil Store when no engine is configured. The returned close func releases
// engine resources and is never nil.
func Open(ctx context.Context, cfg config.VectorConfig, logger *slog.Logger) (Store, func(), error) {
	noop := func() {}

	switch cfg.Engine {
	case "":
		return nil, noop, nil

	case "memory":
		return Instrument(NewMemory(), cfg.Engine, logger), noop, nil

	case "pgvector":
		if cfg.PGVector.DSN == "" {
			return Instrument(NewPGVector(nil, cfg.Prefix), cfg.Engine, logger), noop, nil
		}
		pool, err := pgxpool.New(ctx, cfg.PGVector.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("pgvector: connecting: %w", err)
		}
		pg := NewPGVector(pool, cfg.Prefix)
		if err := pg.EnsureExtension(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return Instrument(pg, cfg.Engine, logger), pool.Close, nil

	case "opensearch":
		osc := cfg.OpenSearch
		opts := OpenSearchOptions{Username: osc.Username, Password: osc.Password}
		if osc.URI != "" {
			opts.Addresses = []string{openSearchAddress(osc)}
			opts.Transport = openSearchTransport(osc)
		}
		engine, err := NewOpenSearch(opts, cfg.Prefix)
		if err != nil {
			return nil, noop, err
		}
		return Instrument(engine, cfg.Engine, logger), noop, nil

	case "pinecone":
		pc := cfg.Pinecone
		engine, err := NewPinecone(pc.APIKey, pc.Cloud, pc.Region, cfg.Prefix)
		if err != nil {
			return nil, noop, err
		}
		return Instrument(engine, cfg.Engine, logger), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown vector engine %q", cfg.Engine)
	}
}

// openSearchAddress adds a scheme to a bare host:port, https when ssl is
// set.
func openSearchAddress(cfg config.OpenSearchConfig) string {
	if strings.Contains(cfg.URI, "://") {
		return cfg.URI
	}
	if cfg.SSL {
		return "https://" + cfg.URI
	}
	return "http://" + cfg.URI
}

// openSearchTransport skips certificate checks when asked to, and always
// for local development hosts, which usually run self-signed certs.
func openSearchTransport(cfg config.OpenSearchConfig) http.RoundTripper {
	local := strings.Contains(cfg.URI, "localhost") || strings.Contains(cfg.URI, "host.docker.internal")
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.CertVerify || local {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}
	return t
}
