package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/alexacart/backend/internal/domain"
)

// EventBus fans progress events out to per-session subscribers.
// Every topic keeps its full history so a late subscriber still sees events
// in emission order; publishers never wait on subscribers.
type EventBus struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

type topic struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
	closed bool
	// closed and replaced on every publish to wake waiting subscribers
	wake chan struct{}
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{
		topics: make(map[string]*topic),
		now:    time.Now,
	}
}

// Open creates the topic for a session. Opening an existing topic is a no-op.
func (b *EventBus) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[sessionID]; !ok {
		b.topics[sessionID] = &topic{wake: make(chan struct{})}
	}
}

func (b *EventBus) topic(sessionID string) (*topic, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	return t, ok
}

// Publish stamps ev with its sequence number and time and appends it to the
// session's topic. Events for unknown or closed topics are dropped; the
// returned bool reports whether ev was delivered.
func (b *EventBus) Publish(ev domain.ProgressEvent) (domain.ProgressEvent, bool) {
	t, ok := b.topic(ev.SessionID)
	if !ok {
		return ev, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ev, false
	}
	ev.Seq = len(t.events) + 1
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	t.events = append(t.events, ev)
	close(t.wake)
	t.wake = make(chan struct{})
	return ev, true
}

// Close ends the session's stream. Subscribers drain the remaining events
// and then see their channel closed.
func (b *EventBus) Close(sessionID string) {
	t, ok := b.topic(sessionID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.wake)
	}
}

// Remove closes and forgets the session's topic
func (b *EventBus) Remove(sessionID string) {
	b.Close(sessionID)
	b.mu.Lock()
	delete(b.topics, sessionID)
	b.mu.Unlock()
}

// History returns a copy of every event published for the session so far
func (b *EventBus) History(sessionID string) []domain.ProgressEvent {
	t, ok := b.topic(sessionID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ProgressEvent(nil), t.events...)
}

// Subscribe streams the session's events from the first one. The channel is
// closed after the topic closes and every event was delivered, or when ctx
// is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, sessionID string) (<-chan domain.ProgressEvent, error) {
	t, ok := b.topic(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		next := 0
		for {
			t.mu.Lock()
			if next < len(t.events) {
				ev := t.events[next]
				t.mu.Unlock()
				next++
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			}
			if t.closed {
				t.mu.Unlock()
				return
			}
			wake := t.wake
			t.mu.Unlock()

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
