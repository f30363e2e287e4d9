// Package events fans scheduler transitions out to live subscribers.
//
// Every subscriber owns a bounded buffer. [Broadcaster.Publish] never blocks:
// a subscriber whose buffer is full is dropped and its channel closed, so a
// stalled client cannot slow the scheduler or other clients. Clients that
// miss events reconnect and start again from a fresh snapshot.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber buffer size.
const DefaultBuffer = 256

// Event names.
const (
	NameState         = "state"
	NameVoiceActive   = "voice_active"
	NamePauseState    = "pause_state"
	NameHistoryUpdate = "history_update"
)

// Event is one named, already-encoded payload.
type Event struct {
	Name string
	Data json.RawMessage
}

// NewEvent encodes payload as JSON.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// Option configures a [Broadcaster].
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber buffer size. Default: 256.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Broadcaster is a registry of subscribers. It is safe for concurrent use.
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{buffer: DefaultBuffer, subs: make(map[*Subscription]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscriber. After [Broadcaster.Close] the
// returned subscription is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{b: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish encodes payload and delivers it to every subscriber.
func (b *Broadcaster) Publish(name string, payload any) {
	e, err := NewEvent(name, payload)
	if err != nil {
		slog.Error("events: encode payload", "event", name, "err", err)
		return
	}
	b.PublishEvent(e)
}

// PublishEvent delivers e to every subscriber without blocking. Subscribers
// with a full buffer are dropped.
func (b *Broadcaster) PublishEvent(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			slog.Warn("events: dropping slow subscriber", "event", e.Name, "buffer", b.buffer)
			s.dropped = true
			b.removeLocked(s)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		b.removeLocked(s)
	}
}

func (b *Broadcaster) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	b  *Broadcaster
	ch chan Event

	// Guarded by b.mu.
	closed  bool
	dropped bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// Dropped reports whether the subscription was ended for falling behind.
func (s *Subscription) Dropped() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}
