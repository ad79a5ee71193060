package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/grid"
)

// Grid is the part of the grid controller the API drives.
type Grid interface {
	CreateAt(t time.Time, price float64) (domain.Box, error)
	Boxes() []domain.Box
	SetGridGranularity(pct float64) error
	Geometry() grid.Geometry
}

// BoxHistory lists resolved boxes.
type BoxHistory interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Box, error)
}

// BoxHandler serves box and grid endpoints.
type BoxHandler struct {
	grid    Grid
	history BoxHistory
	price   func() (float64, bool)
	now     func() time.Time
	logger  *slog.Logger
}

// NewBoxHandler creates a BoxHandler. history may be nil; latestPrice
// supplies the price for creation requests that omit one.
func NewBoxHandler(g Grid, history BoxHistory, latestPrice func() (float64, bool), logger *slog.Logger) *BoxHandler {
	return &BoxHandler{
		grid:    g,
		history: history,
		price:   latestPrice,
		now:     time.Now,
		logger:  logger.With(slog.String("handler", "boxes")),
	}
}

type createBoxRequest struct {
	TimeMs *int64   `json:"time_ms"`
	Price  *float64 `json:"price"`
}

type geometryView struct {
	TimeStepMs int64   `json:"time_step_ms"`
	PriceStep  float64 `json:"price_step"`
}

type listBoxesResponse struct {
	Boxes    []domain.Box `json:"boxes"`
	Geometry geometryView `json:"geometry"`
}

// CreateBox draws a box at the requested point, defaulting to now and the
// latest streamed price.
// POST /api/boxes
func (h *BoxHandler) CreateBox(w http.ResponseWriter, r *http.Request) {
	var req createBoxRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	at := h.now()
	if req.TimeMs != nil {
		at = time.UnixMilli(*req.TimeMs)
	}
	var price float64
	switch {
	case req.Price != nil:
		price = *req.Price
	case h.price != nil:
		p, ok := h.price()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no price observed yet")
			return
		}
		price = p
	}
	if price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	box, err := h.grid.CreateAt(at, price)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: create box failed", slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, box)
}

// ListBoxes returns the live boxes and the geometry they were drawn with.
// GET /api/boxes
func (h *BoxHandler) ListBoxes(w http.ResponseWriter, r *http.Request) {
	boxes := h.grid.Boxes()
	if boxes == nil {
		boxes = []domain.Box{}
	}
	g := h.grid.Geometry()
	writeJSON(w, http.StatusOK, listBoxesResponse{
		Boxes:    boxes,
		Geometry: geometryView{TimeStepMs: g.TimeStep.Milliseconds(), PriceStep: g.PriceStep},
	})
}

// ListHistory returns resolved boxes, newest first.
// GET /api/boxes/history?limit=&offset=&since=&until=
func (h *BoxHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "box history is not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	boxes, err := h.history.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list box history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list box history")
		return
	}
	if boxes == nil {
		boxes = []domain.Box{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"boxes": boxes})
}

type granularityRequest struct {
	Pct float64 `json:"pct"`
}

// SetGranularity changes the price step to a percentage of the reference
// price and returns the redrawn boxes.
// PUT /api/grid/granularity
func (h *BoxHandler) SetGranularity(w http.ResponseWriter, r *http.Request) {
	var req granularityRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.grid.SetGridGranularity(req.Pct); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.ListBoxes(w, r)
}
