// Package grid maps user-drawn boxes onto a discrete time x price grid and
// drives each box through its trigger or expiry from the live price.
package grid

import (
	"math"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// Geometry converts between grid cells and absolute (time, price) bounds.
// A cell (i, j) is centred on time i*TimeStep and price j*PriceStep.
// TimeStep is used at millisecond resolution and must be at least 1ms.
type Geometry struct {
	TimeStep  time.Duration
	PriceStep float64
}

// CellAt returns the cell whose rectangle contains (t, price).
func (g Geometry) CellAt(t time.Time, price float64) domain.Cell {
	stepMs := float64(g.TimeStep.Milliseconds())
	return domain.Cell{
		I: int64(math.Round(float64(t.UnixMilli()) / stepMs)),
		J: int64(math.Round(price / g.PriceStep)),
	}
}

// Bounds returns the rectangle of cell c. An odd millisecond step leaves
// each bound half a millisecond from the centre.
func (g Geometry) Bounds(c domain.Cell) (t0, t1 time.Time, p0, p1 float64) {
	stepMs := g.TimeStep.Milliseconds()
	center := time.UnixMilli(c.I * stepMs)
	half := time.Duration(stepMs) * time.Millisecond / 2
	t0 = center.Add(-half)
	t1 = center.Add(half)
	p0, p1 = g.PriceBounds(c)
	return t0, t1, p0, p1
}

// PriceBounds returns only the price extent of cell c.
func (g Geometry) PriceBounds(c domain.Cell) (p0, p1 float64) {
	center := float64(c.J) * g.PriceStep
	half := g.PriceStep / 2
	return center - half, center + half
}
