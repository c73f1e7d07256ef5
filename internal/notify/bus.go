package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

type subscriber struct {
	ch      chan<- Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes events to subscriber channels without blocking: an event
// a full subscriber cannot take is dropped and counted. It implements
// ctrl.Notifier.
type Bus struct {
	now func() time.Time

	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	closed         bool
}

// NewBus creates an empty bus. now stamps events; nil uses time.Now.
func NewBus(now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{now: now, subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch under id.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish hands ev to every subscriber. Never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, s := range b.subscribers {
		select {
		case s.ch <- ev:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// FrameSync implements ctrl.Notifier.
func (b *Bus) FrameSync(pipe string, seq int) {
	b.Publish(Event{Kind: KindFrameSync, Pipe: pipe, Seq: seq, At: b.now()})
}

// EndOfStream implements ctrl.Notifier.
func (b *Bus) EndOfStream(pipe string, seq int) {
	b.Publish(Event{Kind: KindEndOfStream, Pipe: pipe, Seq: seq, At: b.now()})
}

// RequestDrained implements ctrl.Notifier.
func (b *Bus) RequestDrained(pipe string) {
	b.Publish(Event{Kind: KindRequestDrained, Pipe: pipe, At: b.now()})
}

// Stats returns a snapshot of bus and per-subscriber counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		out.Subscribers[id] = SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
	}
	return out
}

// Close drops every subscriber and rejects further use. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
