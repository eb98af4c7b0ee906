package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/recordguard/recordguard/internal/tracing"
)

// Server binds a Handler's routes to a chi router and an http.Server,
// grounded on internal/proxy/server.go's lifecycle shape.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// NewServer creates a Server listening on addr. Zero-value timeouts leave
// the corresponding http.Server field at its default. If tracingEnabled is
// true, OpenTelemetry trace context middleware is installed. authToken, if
// non-empty, gates every route except /health behind a bearer token.
func NewServer(handler *Handler, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool, authToken string) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", handler.HandleHealth)

	r.Group(func(r chi.Router) {
		if authToken != "" {
			r.Use(AuthMiddleware(authToken))
		}

		// Orchestrator surface.
		r.Post("/analyze", handler.HandleAnalyze)
		r.Get("/status", handler.HandleStatus)

		// Pseudonymization service.
		r.Post("/pseudonymize", handler.HandlePseudonymize)
		r.Post("/repersonalize", handler.HandleRepersonalize)
		r.Get("/stats", handler.HandleStats)

		// Prompt generator.
		r.Post("/generate", handler.HandleGenerate)
		r.Post("/learn", handler.HandleLearn)

		// Validator gate.
		r.Post("/validate/response", handler.HandleValidate)
	})

	return &Server{
		router:  r,
		handler: handler,
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

// Router returns the underlying chi.Router, useful for tests and for
// mounting additional routes (e.g. /metrics) by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections. It blocks until the server
// is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport server: %w", err)
	}
	return nil
}

// StartTLS begins listening for HTTPS connections using the given
// certificate and key files.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport server (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
