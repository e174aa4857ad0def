// Package server assembles the HTTP surface: relay upgrade, auth
// callback, session status and logout, health, and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/HyphaGroup/majordomo/internal/auth"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/metrics"
)

// Config assembles the HTTP server.
type Config struct {
	Address string
	Relay   http.Handler
	Auth    *AuthHandler

	// RateLimiter guards the auth endpoints. Nil gets the default.
	RateLimiter *auth.RateLimiter
}

// Server is the majordomo HTTP server.
type Server struct {
	httpServer *http.Server
}

// New builds the server and its routing table.
func New(cfg Config) *Server {
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = auth.DefaultRateLimiter()
	}
	limited := auth.Middleware(limiter)

	mux := http.NewServeMux()

	// Health and metrics carry no auth and no rate limit, matching what
	// probes and Prometheus scrapers expect.
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.Handle("/ws", cfg.Relay)

	mux.Handle("/auth/google/callback", metrics.Middleware(limited(http.HandlerFunc(cfg.Auth.Callback))))
	mux.Handle("/auth/status", metrics.Middleware(limited(http.HandlerFunc(cfg.Auth.Status))))
	mux.Handle("/auth/logout", metrics.Middleware(limited(http.HandlerFunc(cfg.Auth.Logout))))

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve blocks listening on the configured address.
func (s *Server) Serve() error {
	logger.Slog().Info("Majordomo server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
