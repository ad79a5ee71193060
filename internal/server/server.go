// Package server exposes the perpbox HTTP API and UI websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbox/internal/metrics"
	"github.com/alanyoungcy/perpbox/internal/server/handler"
	"github.com/alanyoungcy/perpbox/internal/server/middleware"
	"github.com/alanyoungcy/perpbox/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit caps box creation and grid changes per client per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	Limiter    middleware.Limiter
}

// Handlers aggregates the route handlers. Audit may be nil.
type Handlers struct {
	Health    *handler.HealthHandler
	Boxes     *handler.BoxHandler
	Positions *handler.PositionHandler
	Audit     *handler.AuditHandler
}

// Server is the headless HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, hub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/boxes", handlers.Boxes.ListBoxes)
	mux.HandleFunc("POST /api/boxes", handlers.Boxes.CreateBox)
	mux.HandleFunc("GET /api/boxes/history", handlers.Boxes.ListHistory)
	mux.HandleFunc("PUT /api/grid/granularity", handlers.Boxes.SetGranularity)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/orders", handlers.Positions.ListOrders)
	mux.HandleFunc("GET /api/pnl", handlers.Positions.GetPnl)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	auth := cfg.Auth
	auth.Public = append(auth.Public, "/api/health", "/metrics")

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = middleware.NewLocalLimiter()
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, window, http.MethodPost, http.MethodPut)(h)
	h = middleware.Auth(auth)(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
