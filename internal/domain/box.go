package domain

import "time"

// BoxStatus is the UI-facing lifecycle state of a box.
type BoxStatus string

const (
	BoxStatusPending   BoxStatus = "pending"
	BoxStatusTriggered BoxStatus = "triggered"
	BoxStatusExpired   BoxStatus = "expired"
)

// VenueState tracks what the venue is believed to hold for a box. It moves
// independently of BoxStatus so a failed close never blocks the grid.
type VenueState string

const (
	VenueStateNone        VenueState = "none"
	VenueStatePlacing     VenueState = "placing"
	VenueStateOpen        VenueState = "open"
	VenueStateUnfilled    VenueState = "unfilled"
	VenueStatePlaceFailed VenueState = "place_failed"
	VenueStateClosing     VenueState = "closing"
	VenueStateClosed      VenueState = "closed"
	VenueStateCloseFailed VenueState = "close_failed"
	VenueStateReconciled  VenueState = "reconciled"
)

// Desynced reports whether the venue side may still hold exposure that the
// grid already considers resolved.
func (v VenueState) Desynced() bool {
	return v == VenueStateCloseFailed
}

// Cell is the durable grid address of a box: time-step index I and
// price-step index J.
type Cell struct {
	I int64 `json:"i"`
	J int64 `json:"j"`
}

// Box is a user-placed time x price rectangle. The bounds are a view derived
// from Cell and the current grid steps.
type Box struct {
	ID         string     `json:"id"`
	Cell       Cell       `json:"cell"`
	T0         time.Time  `json:"t0"`
	T1         time.Time  `json:"t1"`
	P0         float64    `json:"p0"`
	P1         float64    `json:"p1"`
	Status     BoxStatus  `json:"status"`
	Venue      VenueState `json:"venue_state"`
	Direction  Direction  `json:"direction,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CenterPrice returns the midpoint of the price bounds.
func (b Box) CenterPrice() float64 {
	return (b.P0 + b.P1) / 2
}

// Contains reports whether (t, price) falls inside the closed rectangle.
func (b Box) Contains(t time.Time, price float64) bool {
	if t.Before(b.T0) || t.After(b.T1) {
		return false
	}
	lo, hi := b.P0, b.P1
	if lo > hi {
		lo, hi = hi, lo
	}
	return price >= lo && price <= hi
}

// Terminal reports whether the box has left the pending state.
func (b Box) Terminal() bool {
	return b.Status == BoxStatusTriggered || b.Status == BoxStatusExpired
}

// BoxEventKind names the lifecycle events published on the event bus.
type BoxEventKind string

const (
	BoxEventCreate  BoxEventKind = "create"
	BoxEventTrigger BoxEventKind = "trigger"
	BoxEventExpire  BoxEventKind = "expire"
)

// BoxEvent is the envelope bridged to external observers (redis, audit,
// notifications).
type BoxEvent struct {
	Kind BoxEventKind `json:"kind"`
	Box  Box          `json:"box"`
	At   time.Time    `json:"at"`
}
