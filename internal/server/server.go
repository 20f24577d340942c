// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/gateway"
	"github.com/howard-nolan/llmgate/internal/metrics"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/vector"
)

// Options holds everything the handlers depend on.
type Options struct {
	// Services has one entry per provider kind the gateway serves.
	Services []*gateway.Service

	// Vector may be nil when no engine is configured. The /vector routes
	// then answer with a configuration error.
	Vector       vector.Store
	VectorEngine string

	// AdminToken guards settings, verify and vector reset. Empty turns
	// those routes off.
	AdminToken string

	Logger *slog.Logger
}

// Server holds the HTTP router and the dependencies handlers need. It's
// the Go version of an Express app with services attached to it.
type Server struct {
	router     chi.Router
	services   map[provider.Kind]*gateway.Service
	vector     vector.Store
	engine     string
	adminToken string
	logger     *slog.Logger
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(opts Options) *Server {
	s := &Server{
		services:   make(map[provider.Kind]*gateway.Service, len(opts.Services)),
		vector:     opts.Vector,
		engine:     opts.VectorEngine,
		adminToken: opts.AdminToken,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, svc := range opts.Services {
		s.services[svc.Kind()] = svc
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// This is conceptually like your Express app.use() / app.get() / app.post()
// setup, but gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags every request so log lines from one call can be
	// grouped. Logger is morgan('dev'); Recoverer turns a handler panic
	// into a 500 instead of a dead process.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// --- Vector store ---
	// chi matches static segments before URL params, so /vector/... never
	// reaches the /{provider} routes below.
	r.Route("/vector", func(r chi.Router) {
		r.Get("/health", s.handleVectorHealth)
		r.With(s.requireAdmin).Post("/reset", s.handleVectorReset)

		r.Route("/collections/{name}", func(r chi.Router) {
			r.Get("/", s.handleVectorGet)
			r.Delete("/", s.handleVectorDeleteCollection)
			r.Post("/search", s.handleVectorSearch)
			r.Post("/query", s.handleVectorQuery)
			r.Post("/insert", s.handleVectorWrite(false))
			r.Post("/upsert", s.handleVectorWrite(true))
			r.Post("/delete", s.handleVectorDelete)
		})
	})

	// --- Provider routes ---
	// Every provider has the same surface. The {provider} segment picks the
	// gateway.Service, which the middleware stores on the request context.
	r.Route("/{provider}", func(r chi.Router) {
		r.Use(s.withService)

		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/config", s.handleGetConfig)
			r.Post("/config/update", s.handleUpdateConfig)
			r.Post("/verify", s.handleVerify)
		})
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// serviceKey is the context key for the resolved gateway.Service. An
// unexported type means no other package can collide with it.
type serviceKey struct{}

// withService resolves {provider} to a service, or answers 404.
func (s *Server) withService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		kind, err := provider.ParseKind(name)
		svc := s.services[kind]
		if err != nil || svc == nil {
			writeError(w, apperr.NotFound("unknown provider "+name), s.logger)
			return
		}
		ctx := context.WithValue(r.Context(), serviceKey{}, svc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func serviceFrom(r *http.Request) *gateway.Service {
	return r.Context().Value(serviceKey{}).(*gateway.Service)
}

// requireAdmin checks "Authorization: Bearer <token>". With no token
// configured the admin routes are closed to everyone.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(w, http.StatusForbidden, errorBody("admin endpoints are disabled", "forbidden"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid admin token", "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
