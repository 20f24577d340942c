package vector

import (
	"context"
	"log/slog"

	"github.com/howard-nolan/llmgate/internal/metrics"
)

// instrumented wraps a Store and counts every call by outcome: "ok",
// "missing" (nil result) or "error".
type instrumented struct {
	inner  Store
	engine string
	logger *slog.Logger
}

// Instrument wraps s so its operations show up in metrics.VectorOps and
// failures are logged.
func Instrument(s Store, engine string, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{inner: s, engine: engine, logger: logger}
}

func (s *instrumented) record(op string, err error, missing bool) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		s.logger.Warn("vector operation failed", "engine", s.engine, "operation", op, "error", err)
	case missing:
		outcome = "missing"
	}
	metrics.VectorOps.WithLabelValues(s.engine, op, outcome).Inc()
}

func (s *instrumented) HasCollection(ctx context.Context, name string) (bool, error) {
	ok, err := s.inner.HasCollection(ctx, name)
	s.record("has_collection", err, false)
	return ok, err
}

func (s *instrumented) Insert(ctx context.Context, name string, items []Item) error {
	err := s.inner.Insert(ctx, name, items)
	s.record("insert", err, false)
	return err
}

func (s *instrumented) Upsert(ctx context.Context, name string, items []Item) error {
	err := s.inner.Upsert(ctx, name, items)
	s.record("upsert", err, false)
	return err
}

func (s *instrumented) Search(ctx context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error) {
	res, err := s.inner.Search(ctx, name, vectors, limit)
	s.record("search", err, res == nil)
	return res, err
}

func (s *instrumented) Get(ctx context.Context, name string) (*GetResult, error) {
	res, err := s.inner.Get(ctx, name)
	s.record("get", err, res == nil)
	return res, err
}

func (s *instrumented) Query(ctx context.Context, name string, filter Filter, limit int) (*GetResult, error) {
	res, err := s.inner.Query(ctx, name, filter, limit)
	s.record("query", err, res == nil)
	return res, err
}

func (s *instrumented) Delete(ctx context.Context, name string, ids []string, filter Filter) error {
	err := s.inner.Delete(ctx, name, ids, filter)
	s.record("delete", err, false)
	return err
}

func (s *instrumented) DeleteCollection(ctx context.Context, name string) error {
	err := s.inner.DeleteCollection(ctx, name)
	s.record("delete_collection", err, false)
	return err
}

func (s *instrumented) Reset(ctx context.Context) error {
	err := s.inner.Reset(ctx)
	s.record("reset", err, false)
	return err
}

func (s *instrumented) TestConnection(ctx context.Context) bool {
	ok := s.inner.TestConnection(ctx)
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	metrics.VectorOps.WithLabelValues(s.engine, "test_connection", outcome).Inc()
	return ok
}
