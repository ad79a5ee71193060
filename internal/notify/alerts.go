package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// Event names used in the notify.events filter.
const (
	EventBoxCreate  = "box.create"
	EventBoxTrigger = "box.trigger"
	EventBoxExpire  = "box.expire"
	EventDesync     = "desync"
)

// FormatBoxEvent renders a lifecycle event as (event name, title, body).
func FormatBoxEvent(ev domain.BoxEvent) (event, title, message string) {
	b := ev.Box
	event = "box." + string(ev.Kind)

	var sb strings.Builder
	fmt.Fprintf(&sb, "cell (%d, %d)  price %.4f - %.4f\n", b.Cell.I, b.Cell.J, b.P0, b.P1)
	fmt.Fprintf(&sb, "window %s - %s UTC", b.T0.UTC().Format(time.TimeOnly), b.T1.UTC().Format(time.TimeOnly))
	if b.Direction != "" {
		fmt.Fprintf(&sb, "\ndirection %s", b.Direction)
	}
	if b.Venue != "" && b.Venue != domain.VenueStateNone {
		fmt.Fprintf(&sb, "\nvenue %s", b.Venue)
	}
	if b.FiredAt != nil {
		fmt.Fprintf(&sb, "\nfired %s", b.FiredAt.UTC().Format(time.TimeOnly+".000"))
	}

	switch ev.Kind {
	case domain.BoxEventTrigger:
		title = "Box triggered"
	case domain.BoxEventExpire:
		title = "Box expired"
	default:
		title = "Box created"
	}
	return event, fmt.Sprintf("%s %s", title, shortID(b.ID)), sb.String()
}

// FormatDesync renders a reconciler health report.
func FormatDesync(desynced []domain.Box, untracked int) (title, message string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d box(es) may still hold venue exposure, %d untracked position(s)", len(desynced), untracked)
	for _, b := range desynced {
		fmt.Fprintf(&sb, "\n- %s %s (%s)", shortID(b.ID), b.Direction, b.Venue)
	}
	return "Venue desync", sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
