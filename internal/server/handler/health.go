package handler

import (
	"context"
	"log/slog"
	"sort"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
	"github.com/alanyoungcy/perpbox/internal/service"
)

// HealthReporter exposes the reconciler's latest verdict.
type HealthReporter interface {
	Health() service.Health
}

// DesyncLister lists resolved boxes that may still hold venue exposure.
type DesyncLister interface {
	Desynced() []domain.Box
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	market    string
	startedAt time.Time
	venue     HealthReporter
	boxes     DesyncLister
	checks    []dependencyCheck
	logger    *slog.Logger
}

type dependencyCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// checkTimeout bounds each dependency probe.
const checkTimeout = 2 * time.Second

// NewHealthHandler creates a HealthHandler. venue and boxes may be nil.
func NewHealthHandler(mode, market string, venue HealthReporter, boxes DesyncLister, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		market:    market,
		startedAt: time.Now(),
		venue:     venue,
		boxes:     boxes,
		logger:    logger,
	}
}

// WithCheck adds a dependency probe reported under "dependencies". A
// failing probe degrades the status.
func (h *HealthHandler) WithCheck(name string, probe func(ctx context.Context) error) *HealthHandler {
	h.checks = append(h.checks, dependencyCheck{name: name, probe: probe})
	sort.Slice(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	return h
}

// HealthCheck reports "ok", or "degraded" while the reconciler sees venue
// desync. Both answer 200 so probes only restart a dead process.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"market":         h.market,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.venue != nil {
		health := h.venue.Health()
		resp["venue"] = health
		if !health.Healthy {
			resp["status"] = "degraded"
		}
	}
	if h.boxes != nil {
		desynced := h.boxes.Desynced()
		if desynced == nil {
			desynced = []domain.Box{}
		}
		resp["desynced_boxes"] = desynced
		if len(desynced) > 0 {
			resp["status"] = "degraded"
		}
	}
	if len(h.checks) > 0 {
		deps := make(map[string]string, len(h.checks))
		for _, c := range h.checks {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.probe(ctx)
			cancel()
			if err != nil {
				h.logger.WarnContext(r.Context(), "health: dependency check failed",
					slog.String("dependency", c.name),
					slog.String("error", err.Error()),
				)
				deps[c.name] = err.Error()
				resp["status"] = "degraded"
				continue
			}
			deps[c.name] = "ok"
		}
		resp["dependencies"] = deps
	}
	writeJSON(w, http.StatusOK, resp)
}
