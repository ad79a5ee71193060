package service

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

func longAccount() domain.RawAccount {
	// 2 SOL long entered at 1.00, quote asset -2.00.
	return domain.RawAccount{
		Authority: "user-1",
		Positions: []domain.RawPosition{{
			MarketIndex:      0,
			BaseAssetAmount:  2_000_000_000,
			QuoteEntryAmount: -2_000_000,
			QuoteAssetAmount: -2_000_000,
		}},
	}
}

func TestPnlMultiplexerRefCounting(t *testing.T) {
	streams := &fakeStreams{}
	m := NewPnlMultiplexer(streams, staticSession{}, 0, testLogger())

	const n = 5
	releases := make([]func(), n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			releases[i] = rel
		}(i)
	}
	wg.Wait()

	if subs, active := streams.counts(); subs != 3 || active != 3 {
		t.Fatalf("subscribes=%d active=%d, want one of each stream", subs, active)
	}

	streams.pushAccount(longAccount())
	streams.pushMark(1.5)
	snap := m.Latest()
	if !snap.HasPosition || math.Abs(snap.PnlUSD-1.0) > 1e-9 || math.Abs(snap.PnlPct-50) > 1e-9 {
		t.Fatalf("snapshot = %+v, want pnl 1.0 (50%%)", snap)
	}

	for i := 0; i < n-1; i++ {
		releases[i]()
		releases[i]()
	}
	if _, active := streams.counts(); active != 3 {
		t.Fatalf("active=%d after N-1 releases, want 3", active)
	}
	if m.Refs() != 1 {
		t.Fatalf("refs = %d, want 1", m.Refs())
	}
	if !m.Latest().HasPosition {
		t.Fatal("snapshot reset while a reference is still held")
	}

	releases[n-1]()
	if _, active := streams.counts(); active != 0 {
		t.Fatalf("active=%d after last release, want 0", active)
	}
	if got := m.Latest(); got != (domain.PnlSnapshot{}) {
		t.Fatalf("snapshot = %+v, want zero value", got)
	}
}

func TestPnlMultiplexerIgnoresStaleCallbacks(t *testing.T) {
	streams := &fakeStreams{}
	m := NewPnlMultiplexer(streams, staticSession{}, 0, testLogger())

	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	streams.mu.Lock()
	staleMark := streams.mark
	streams.mu.Unlock()
	release()

	staleMark(42)
	if got := m.Latest(); got.MarkPrice != 0 {
		t.Fatalf("stale callback changed snapshot: %+v", got)
	}
}

func TestPnlMultiplexerAcquireFailureUnwinds(t *testing.T) {
	streams := &fakeStreams{failOn: "account"}
	m := NewPnlMultiplexer(streams, staticSession{}, 0, testLogger())

	if _, err := m.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire to fail")
	}
	if _, active := streams.counts(); active != 0 {
		t.Fatalf("active=%d, want partial subscriptions unwound", active)
	}
	if m.Refs() != 0 {
		t.Fatalf("refs = %d, want 0", m.Refs())
	}

	streams.mu.Lock()
	streams.failOn = ""
	streams.mu.Unlock()
	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("retry Acquire: %v", err)
	}
	release()
}

func TestPnlMultiplexerObserve(t *testing.T) {
	streams := &fakeStreams{}
	m := NewPnlMultiplexer(streams, staticSession{}, 0, testLogger())

	current, updates, cancel := m.Observe()
	defer cancel()
	if current != (domain.PnlSnapshot{}) {
		t.Fatalf("initial snapshot = %+v", current)
	}

	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	streams.pushMark(1.1)
	streams.pushMark(1.2)

	select {
	case snap := <-updates:
		if snap.MarkPrice != 1.2 {
			t.Fatalf("observer got %+v, want newest mark 1.2", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestProjectPositions(t *testing.T) {
	m := NewPnlMultiplexer(&fakeStreams{}, staticSession{}, 0, testLogger())

	got := m.ProjectPositions([]domain.PositionSummary{
		{MarketIndex: 1, Size: 1, EntryPrice: 100, PnL: 5},
		{MarketIndex: 0, Size: 2, EntryPrice: 1, PnL: -0.5, MarkPrice: 0.75, OraclePrice: 0.76},
	})
	want := domain.PnlSnapshot{MarkPrice: 0.75, OraclePrice: 0.76, PnlUSD: -0.5, PnlPct: -25, HasPosition: true}
	if got != want {
		t.Fatalf("ProjectPositions = %+v, want %+v", got, want)
	}

	if empty := m.ProjectPositions(nil); empty.HasPosition {
		t.Fatalf("empty projection = %+v", empty)
	}
}
