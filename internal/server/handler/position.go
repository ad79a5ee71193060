package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// PositionService is the trading service surface the position endpoints use.
type PositionService interface {
	GetOpenPositions(ctx context.Context) ([]domain.PositionSummary, error)
	OpenOrders() []domain.OrderMeta
}

// PnlSource exposes the live PnL multiplexer.
type PnlSource interface {
	Latest() domain.PnlSnapshot
	Refs() int
	ProjectPositions(positions []domain.PositionSummary) domain.PnlSnapshot
}

// PositionHandler serves position, order and PnL endpoints.
type PositionHandler struct {
	positions PositionService
	pnl       PnlSource
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, pnl PnlSource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		pnl:       pnl,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

// ListPositions polls the venue and returns every open position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetOpenPositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.PositionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// ListOrders returns the orders awaiting a trigger or expiry close.
// GET /api/orders
func (h *PositionHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.positions.OpenOrders()
	if orders == nil {
		orders = []domain.OrderMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GetPnl returns the streamed snapshot while anyone holds the live
// subscription, else a snapshot projected from a fresh poll.
// GET /api/pnl
func (h *PositionHandler) GetPnl(w http.ResponseWriter, r *http.Request) {
	if h.pnl.Refs() > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"source": "stream", "pnl": h.pnl.Latest()})
		return
	}
	positions, err := h.positions.GetOpenPositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: project pnl failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to read positions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": "poll", "pnl": h.pnl.ProjectPositions(positions)})
}
