// Package api exposes the HTTP control surface for the trading
// pipeline. All routes except /health require a bearer token.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trading-pipeline/internal/config"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	handlers := NewHandlers(deps, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /status", handlers.HandleStatus)

	mux.HandleFunc("GET /strategies", handlers.HandleStrategies)
	mux.HandleFunc("POST /strategies/{name}/{action}", handlers.HandleStrategyAction)

	mux.HandleFunc("GET /risk/status", handlers.HandleRiskStatus)
	mux.HandleFunc("POST /risk/activate", handlers.HandleRiskActivate)
	mux.HandleFunc("POST /risk/deactivate", handlers.HandleRiskDeactivate)

	mux.HandleFunc("GET /execution/status", handlers.HandleExecutionStatus)
	mux.HandleFunc("GET /execution/orders", handlers.HandleActiveOrders)
	mux.HandleFunc("GET /execution/history", handlers.HandleOrderHistory)
	mux.HandleFunc("POST /execution/orders/{id}/cancel", handlers.HandleCancelOrder)

	mux.HandleFunc("GET /account", handlers.HandleAccount)
	mux.HandleFunc("GET /positions", handlers.HandlePositions)

	mux.HandleFunc("POST /ai/analyze", handlers.HandleAIAnalyze)
	mux.HandleFunc("GET /ai/ideas", handlers.HandleAIIdeas)
	mux.HandleFunc("POST /ai/ideas/{id}/action", handlers.HandleIdeaAction)

	mux.HandleFunc("GET /events", handlers.HandleEvents)
	mux.HandleFunc("POST /market/simulate", handlers.HandleSimulate)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      authMiddleware(cfg.AuthToken, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// authMiddleware enforces the bearer token on every route except
// /health, which load balancers probe unauthenticated.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
