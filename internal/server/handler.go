package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/config"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/stream"
)

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

// writeJSON sets the header, the status and encodes v, in that order.
// In Go, headers must be set before the first write: once the body starts,
// headers are locked in (sent over the wire).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorPayload struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func errorBody(message, typ string) errorPayload {
	return errorPayload{Error: errorDetail{Message: message, Type: typ}}
}

// writeError renders err as the single structured error payload. Only the
// public message goes out; the gateway already logged upstream detail, so
// here we only log what nobody classified.
func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	kind := apperr.KindOf(err)
	if kind == 0 {
		logger.Error("unclassified error", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), errorBody(apperr.PublicMessage(err), kind.String()))
}

// decodeBody reads a JSON request body into v. A bad body is the client's
// fault, so it becomes a configuration error (400).
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Configuration("invalid request body: " + err.Error())
	}
	return nil
}

// urlIdx reads the optional ?url_idx=N query parameter. A nil result means
// "route by model".
func urlIdx(r *http.Request) (*int, error) {
	raw := r.URL.Query().Get("url_idx")
	if raw == "" {
		return nil, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.Configuration(fmt.Sprintf("url_idx must be an integer, got %q", raw))
	}
	return &idx, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// handleHealth is the liveness probe:
//
//	app.get('/health', (req, res) => res.json({ status: 'ok' }))
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Provider handlers
// ---------------------------------------------------------------------------

// modelList is the OpenAI-style list envelope.
type modelList struct {
	Object string `json:"object"`
	Data   any    `json:"data"`
}

// handleModels handles GET /{provider}/models[?url_idx=N].
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	idx, err := urlIdx(r)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	models, err := serviceFrom(r).Models(r.Context(), idx)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

// handleChatCompletions handles POST /{provider}/chat/completions. It
// answers with one JSON body, or with an SSE stream when the request sets
// "stream": true.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if req.Model == "" {
		writeError(w, apperr.Configuration("model is required"), s.logger)
		return
	}
	idx, err := urlIdx(r)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}

	// Cancelling on return is what stops the vendor stream when we're done
	// writing, including when the client hung up and Write bailed out.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	svc := serviceFrom(r)
	if !req.Stream {
		resp, err := svc.ChatCompletion(ctx, &req, idx)
		if err != nil {
			writeError(w, err, s.logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	chunks, err := svc.ChatCompletionStream(ctx, &req, idx)
	if err != nil {
		// Nothing has been written yet, so a normal error response still works.
		writeError(w, err, s.logger)
		return
	}
	if err := stream.Write(w, chunks); err != nil && !isClientGone(err) {
		s.logger.Warn("stream ended with error", "provider", svc.Kind(), "error", err)
	}
}

// handleEmbeddings handles POST /{provider}/embeddings.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req provider.EmbeddingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	idx, err := urlIdx(r)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	resp, err := serviceFrom(r).Embeddings(r.Context(), &req, idx)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Admin handlers
// ---------------------------------------------------------------------------

// handleGetConfig handles GET /{provider}/config.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceFrom(r).Settings())
}

// handleUpdateConfig handles POST /{provider}/config/update. The body
// replaces the provider settings wholesale; the response is what was
// actually stored after keys were reconciled.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var form config.ProviderConfig
	if err := decodeBody(r, &form); err != nil {
		writeError(w, err, s.logger)
		return
	}
	stored, err := serviceFrom(r).UpdateSettings(form)
	if err != nil {
		if apperr.KindOf(err) == 0 {
			// Validation already passed, so this is the state file write.
			s.logger.Error("persisting provider settings failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody("failed to save settings", "internal_error"))
			return
		}
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type verifyRequest struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// handleVerify handles POST /{provider}/verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	models, err := serviceFrom(r).Verify(r.Context(), req.URL, req.Key)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

// isClientGone reports whether err is only the client disconnecting.
func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
