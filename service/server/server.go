package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the settlement API.
type Server struct {
	addr    string
	swaps   *settlement.Service
	trigger PassTrigger
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The trigger is optional - if nil, the worker trigger endpoint isn't available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, swaps *settlement.Service, trigger PassTrigger, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		swaps:   swaps,
		trigger: trigger,
		metrics: m,
		logger:  logger.With("component", "http_server"),
	}
}

// Handler builds the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Swap routes
	route("POST /api/v1/swaps", "/api/v1/swaps", handleInitiateSwap(s.swaps, s.logger))
	route("GET /api/v1/swaps", "/api/v1/swaps", handleFindSwap(s.swaps, s.logger))
	route("GET /api/v1/swaps/{id}", "/api/v1/swaps/{id}", handleGetSwap(s.swaps, s.logger))

	// Worker trigger (if a trigger is configured)
	if s.trigger != nil {
		route("POST /api/v1/workers/{name}/trigger", "/api/v1/workers/{name}/trigger", handleTriggerPass(s.trigger, s.logger))
	} else {
		s.logger.Warn("no pass trigger configured, worker trigger endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
