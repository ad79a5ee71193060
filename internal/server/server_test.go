package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/grid"
	"github.com/alanyoungcy/perpbox/internal/server/handler"
	"github.com/alanyoungcy/perpbox/internal/server/middleware"
)

type stubGrid struct{}

func (stubGrid) CreateAt(t time.Time, p float64) (domain.Box, error) {
	return domain.Box{ID: "new", T0: t}, nil
}
func (stubGrid) Boxes() []domain.Box             { return nil }
func (stubGrid) SetGridGranularity(float64) error { return nil }
func (stubGrid) Geometry() grid.Geometry          { return grid.Geometry{TimeStep: time.Second} }

type stubPositions struct{}

func (stubPositions) GetOpenPositions(context.Context) ([]domain.PositionSummary, error) {
	return nil, nil
}
func (stubPositions) OpenOrders() []domain.OrderMeta { return nil }

type stubPnl struct{}

func (stubPnl) Latest() domain.PnlSnapshot { return domain.PnlSnapshot{} }
func (stubPnl) Refs() int                  { return 0 }
func (stubPnl) ProjectPositions([]domain.PositionSummary) domain.PnlSnapshot {
	return domain.PnlSnapshot{}
}

func testHandler(cfg Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(cfg, Handlers{
		Health:    handler.NewHealthHandler("paper", "SOL-PERP", nil, nil, logger),
		Boxes:     handler.NewBoxHandler(stubGrid{}, nil, nil, logger),
		Positions: handler.NewPositionHandler(stubPositions{}, stubPnl{}, logger),
	}, nil, logger)
}

func TestRoutes(t *testing.T) {
	h := testHandler(Config{Auth: middleware.AuthConfig{APIKey: "k"}})

	tests := []struct {
		method, path, body string
		key                bool
		want               int
	}{
		{http.MethodGet, "/api/health", "", false, http.StatusOK},
		{http.MethodGet, "/metrics", "", false, http.StatusOK},
		{http.MethodGet, "/api/boxes", "", false, http.StatusUnauthorized},
		{http.MethodGet, "/api/boxes", "", true, http.StatusOK},
		{http.MethodPost, "/api/boxes", `{"price":1}`, true, http.StatusCreated},
		{http.MethodPut, "/api/grid/granularity", `{"pct":1}`, true, http.StatusOK},
		{http.MethodGet, "/api/boxes/history", "", true, http.StatusNotImplemented},
		{http.MethodGet, "/api/positions", "", true, http.StatusOK},
		{http.MethodGet, "/api/orders", "", true, http.StatusOK},
		{http.MethodGet, "/api/pnl", "", true, http.StatusOK},
		{http.MethodGet, "/api/audit", "", true, http.StatusNotFound},
		{http.MethodDelete, "/api/boxes", "", true, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.key {
				req.Header.Set("X-API-Key", "k")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestCreationIsRateLimited(t *testing.T) {
	h := testHandler(Config{RateLimit: 1, RateWindow: time.Hour})
	codes := make([]int, 0, 3)
	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/boxes", strings.NewReader(`{"price":1}`)))
		codes = append(codes, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/boxes", nil))
	codes = append(codes, rec.Code)

	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusOK {
		t.Fatalf("codes = %v", codes)
	}
}
