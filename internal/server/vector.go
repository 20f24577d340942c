package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/vector"
)

// ---------------------------------------------------------------------------
// Vector store handlers
// ---------------------------------------------------------------------------

// Every vector handler answers 404 when the engine reports nil: the
// collection doesn't exist, or the engine has no client.

var (
	errNoVectorStore    = apperr.Configuration("vector store is not configured")
	errNoSuchCollection = apperr.NotFound("collection not found")
)

// vectorStore returns the configured store, or writes the configuration
// error and returns nil.
func (s *Server) vectorStore(w http.ResponseWriter) vector.Store {
	if s.vector == nil {
		writeError(w, errNoVectorStore, s.logger)
	}
	return s.vector
}

// vectorError classifies an engine failure. An unscoped delete is the
// caller's mistake; anything else is the engine's.
func (s *Server) vectorError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, vector.ErrUnscopedDelete) {
		writeError(w, apperr.Configuration("delete needs ids or a filter"), s.logger)
		return
	}
	s.logger.Error("vector store call failed",
		"engine", s.engine,
		"collection", chi.URLParam(r, "name"),
		"error", err,
	)
	writeError(w, apperr.Upstream("vector store", err), s.logger)
}

// handleVectorHealth handles GET /vector/health.
func (s *Server) handleVectorHealth(w http.ResponseWriter, r *http.Request) {
	if s.vector == nil {
		writeJSON(w, http.StatusOK, map[string]any{"engine": "", "ok": false})
		return
	}
	ok := s.vector.TestConnection(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"engine": s.engine, "ok": ok})
}

// handleVectorGet handles GET /vector/collections/{name}.
func (s *Server) handleVectorGet(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	res, err := store.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.vectorError(w, r, err)
		return
	}
	if res == nil {
		writeError(w, errNoSuchCollection, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type searchRequest struct {
	Vectors [][]float32 `json:"vectors"`
	Limit   int         `json:"limit"`
}

// handleVectorSearch handles POST /vector/collections/{name}/search.
func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if len(req.Vectors) == 0 {
		writeError(w, apperr.Configuration("vectors must not be empty"), s.logger)
		return
	}
	res, err := store.Search(r.Context(), chi.URLParam(r, "name"), req.Vectors, req.Limit)
	if err != nil {
		s.vectorError(w, r, err)
		return
	}
	if res == nil {
		writeError(w, errNoSuchCollection, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type queryRequest struct {
	Filter vector.Filter `json:"filter"`
	Limit  int           `json:"limit"`
}

// handleVectorQuery handles POST /vector/collections/{name}/query.
func (s *Server) handleVectorQuery(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	res, err := store.Query(r.Context(), chi.URLParam(r, "name"), req.Filter, req.Limit)
	if err != nil {
		s.vectorError(w, r, err)
		return
	}
	if res == nil {
		writeError(w, errNoSuchCollection, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type writeRequest struct {
	Items []vector.Item `json:"items"`
}

// handleVectorWrite builds the insert and upsert handlers, which differ
// only in the store method they call.
func (s *Server) handleVectorWrite(upsert bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := s.vectorStore(w)
		if store == nil {
			return
		}
		var req writeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err, s.logger)
			return
		}
		if len(req.Items) == 0 {
			writeError(w, apperr.Configuration("items must not be empty"), s.logger)
			return
		}

		write := store.Insert
		if upsert {
			write = store.Upsert
		}
		if err := write(r.Context(), chi.URLParam(r, "name"), req.Items); err != nil {
			s.vectorError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"written": len(req.Items)})
	}
}

type deleteRequest struct {
	IDs    []string      `json:"ids"`
	Filter vector.Filter `json:"filter"`
}

// handleVectorDelete handles POST /vector/collections/{name}/delete.
func (s *Server) handleVectorDelete(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if err := store.Delete(r.Context(), chi.URLParam(r, "name"), req.IDs, req.Filter); err != nil {
		s.vectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleVectorDeleteCollection handles DELETE /vector/collections/{name}.
func (s *Server) handleVectorDeleteCollection(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	if err := store.DeleteCollection(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.vectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleVectorReset handles POST /vector/reset (admin).
func (s *Server) handleVectorReset(w http.ResponseWriter, r *http.Request) {
	store := s.vectorStore(w)
	if store == nil {
		return
	}
	if err := store.Reset(r.Context()); err != nil {
		s.vectorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
