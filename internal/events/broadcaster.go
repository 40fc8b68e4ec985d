// Package events streams committed deltas to channel subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
)

// Event is one notification in streamable form.
type Event struct {
	Type      string        `json:"type"`
	Source    string        `json:"source"`
	BuildKind string        `json:"build_kind,omitempty"`
	Changes   []delta.Entry `json:"changes,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events. It implements
// notify.Listener.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      buffer,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamSubscribers(n)
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
			metrics.RecordStreamEvent("sent")
		default:
			metrics.RecordStreamEvent("dropped")
		}
	}
}

// ResourceChanged publishes ev with its changes flattened.
func (b *Broadcaster) ResourceChanged(_ context.Context, ev *notify.Event) error {
	e := Event{Type: ev.Type.String(), Source: ev.Source.String()}
	if ev.BuildKind != notify.NoBuild {
		e.BuildKind = ev.BuildKind.String()
	}
	if ev.Delta != nil {
		e.Changes = ev.Delta.Changes()
	}
	b.Publish(e)
	return nil
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
