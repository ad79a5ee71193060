// Package eventbus fans box lifecycle events out to independent observers.
// Each subscriber owns an unbounded FIFO mailbox drained by its own
// goroutine, so a slow or failing observer never blocks the publisher or
// its peers.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// Handler receives one event. A returned error or a panic is logged and
// swallowed.
type Handler func(ctx context.Context, ev domain.BoxEvent) error

// Bus is an in-process publish/subscribe broker. Each subscriber declares
// the kinds it accepts and sees them in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		logger: logger.With(slog.String("component", "eventbus")),
	}
}

// Publish enqueues box once for every subscriber accepting kind and returns
// without waiting for delivery. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(kind domain.BoxEventKind, box domain.Box) {
	ev := domain.BoxEvent{Kind: kind, Box: box, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds[kind] {
			s.enqueue(ev)
		}
	}
}

// Subscribe registers handler for kind. The returned function removes the
// subscription; events already queued are still delivered.
func (b *Bus) Subscribe(kind domain.BoxEventKind, handler Handler) (unsubscribe func()) {
	return b.SubscribeKinds(handler, kind)
}

// SubscribeKinds registers handler for several kinds behind a single
// mailbox, so events of different kinds reach it in publish order.
func (b *Bus) SubscribeKinds(handler Handler, kinds ...domain.BoxEventKind) (unsubscribe func()) {
	accept := make(map[domain.BoxEventKind]bool, len(kinds))
	for _, k := range kinds {
		accept[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		kinds:   accept,
		handler: handler,
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s) })
	}
}

// Close stops accepting events, delivers everything already queued and
// waits for all subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.halt()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	for i, c := range b.subs {
		if c.id == s.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.halt()
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.signal:
			b.drain(s)
		case <-s.stop:
			b.drain(s)
			return
		}
	}
}

func (b *Bus) drain(s *subscriber) {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s *subscriber, ev domain.BoxEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panicked",
				slog.String("kind", string(ev.Kind)),
				slog.String("box_id", ev.Box.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := s.handler(b.ctx, ev); err != nil {
		b.logger.Warn("eventbus: handler failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("box_id", ev.Box.ID),
			slog.String("error", err.Error()),
		)
	}
}

// subscriber holds one observer's mailbox.
type subscriber struct {
	id      uint64
	kinds   map[domain.BoxEventKind]bool
	handler Handler

	mu       sync.Mutex
	queue    []domain.BoxEvent
	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) enqueue(ev domain.BoxEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []domain.BoxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *subscriber) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}
