package service

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// orderBook maps application order ids to the venue metadata needed to close
// them. TradingService is its only mutator.
type orderBook struct {
	mu      sync.RWMutex
	entries map[string]domain.OrderMeta
}

func newOrderBook() *orderBook {
	return &orderBook{entries: make(map[string]domain.OrderMeta)}
}

func (b *orderBook) Put(meta domain.OrderMeta) {
	b.mu.Lock()
	b.entries[meta.OrderID] = meta
	b.mu.Unlock()
}

func (b *orderBook) Get(id string) (domain.OrderMeta, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.entries[id]
	return m, ok
}

func (b *orderBook) Delete(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

func (b *orderBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Snapshot returns all entries ordered by placement time.
func (b *orderBook) Snapshot() []domain.OrderMeta {
	b.mu.RLock()
	out := make([]domain.OrderMeta, 0, len(b.entries))
	for _, m := range b.entries {
		out = append(out, m)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}
