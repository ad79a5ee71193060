package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := New(testLogger())

	var mu sync.Mutex
	var got []string
	bus.Subscribe(domain.BoxEventCreate, func(_ context.Context, ev domain.BoxEvent) error {
		mu.Lock()
		got = append(got, ev.Box.ID)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 100; i++ {
		bus.Publish(domain.BoxEventCreate, domain.Box{ID: fmt.Sprintf("box-%03d", i)})
	}
	bus.Close()

	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("box-%03d", i); id != want {
			t.Fatalf("event %d = %s, want %s", i, id, want)
		}
	}
}

func TestBusIsolatesFailingObservers(t *testing.T) {
	bus := New(testLogger())

	received := make(chan string, 2)
	bus.Subscribe(domain.BoxEventTrigger, func(context.Context, domain.BoxEvent) error {
		panic("boom")
	})
	bus.Subscribe(domain.BoxEventTrigger, func(context.Context, domain.BoxEvent) error {
		return errors.New("observer failed")
	})
	bus.Subscribe(domain.BoxEventTrigger, func(_ context.Context, ev domain.BoxEvent) error {
		received <- ev.Box.ID
		return nil
	})

	bus.Publish(domain.BoxEventTrigger, domain.Box{ID: "a"})
	bus.Publish(domain.BoxEventTrigger, domain.Box{ID: "b"})
	bus.Close()

	if a, b := <-received, <-received; a != "a" || b != "b" {
		t.Fatalf("healthy observer got %s,%s, want a,b", a, b)
	}
}

func TestBusPublishDoesNotWaitForHandlers(t *testing.T) {
	bus := New(testLogger())

	release := make(chan struct{})
	done := make(chan struct{})
	bus.Subscribe(domain.BoxEventExpire, func(context.Context, domain.BoxEvent) error {
		<-release
		close(done)
		return nil
	})

	published := make(chan struct{})
	go func() {
		bus.Publish(domain.BoxEventExpire, domain.Box{ID: "slow"})
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}

	close(release)
	<-done
	bus.Close()
}

func TestSubscribeKindsKeepsOrderAcrossKinds(t *testing.T) {
	bus := New(testLogger())

	var mu sync.Mutex
	var got []domain.BoxEventKind
	bus.SubscribeKinds(func(_ context.Context, ev domain.BoxEvent) error {
		if ev.Kind == domain.BoxEventCreate {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
		return nil
	}, domain.BoxEventCreate, domain.BoxEventTrigger, domain.BoxEventExpire)

	bus.Publish(domain.BoxEventCreate, domain.Box{ID: "b"})
	bus.Publish(domain.BoxEventTrigger, domain.Box{ID: "b"})
	bus.Publish(domain.BoxEventCreate, domain.Box{ID: "c"})
	bus.Publish(domain.BoxEventExpire, domain.Box{ID: "c"})
	bus.Close()

	want := []domain.BoxEventKind{domain.BoxEventCreate, domain.BoxEventTrigger, domain.BoxEventCreate, domain.BoxEventExpire}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestBusFiltersByKindAndUnsubscribes(t *testing.T) {
	bus := New(testLogger())

	var mu sync.Mutex
	counts := map[domain.BoxEventKind]int{}
	unsub := bus.SubscribeKinds(func(_ context.Context, ev domain.BoxEvent) error {
		mu.Lock()
		counts[ev.Kind]++
		mu.Unlock()
		return nil
	}, domain.BoxEventCreate, domain.BoxEventExpire)

	bus.Publish(domain.BoxEventCreate, domain.Box{ID: "1"})
	bus.Publish(domain.BoxEventTrigger, domain.Box{ID: "1"})
	unsub()
	unsub()
	bus.Publish(domain.BoxEventExpire, domain.Box{ID: "1"})
	bus.Close()

	if counts[domain.BoxEventCreate] != 1 {
		t.Fatalf("create count = %d, want 1", counts[domain.BoxEventCreate])
	}
	if counts[domain.BoxEventTrigger] != 0 || counts[domain.BoxEventExpire] != 0 {
		t.Fatalf("unexpected deliveries: %+v", counts)
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	bus := New(testLogger())
	bus.Close()
	bus.Publish(domain.BoxEventCreate, domain.Box{ID: "late"})
	unsub := bus.Subscribe(domain.BoxEventCreate, func(context.Context, domain.BoxEvent) error { return nil })
	unsub()
	bus.Close()
}
