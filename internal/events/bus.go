// Package events fans out worker lifecycle events: sync pass summaries,
// snapshot writes, connection creation. Payloads pass through the
// redactor on emission, so a subscriber outside the trust boundary sees
// operational shape only.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/equivault/enclave-worker/internal/redact"
)

// Event types emitted by the worker.
const (
	TypeSyncPass          = "worker.sync.pass"
	TypeSnapshotCreated   = "worker.snapshot.created"
	TypeConnectionCreated = "worker.connection.created"
)

// Emitter publishes events. Both the in-memory Bus and the Pub/Sub
// variant satisfy it.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the envelope delivered to subscribers. Data has already been
// redacted at emission time.
type Event struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Subject string                 `json:"subject,omitempty"`
	Data    map[string]interface{} `json:"data"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

func newEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:    eventType,
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:    time.Now().UTC(),
		Subject: subject,
		Data:    redact.Fields(data),
	}
}

// Bus is the in-process fan-out. Slow subscribers drop events rather
// than block the emitting worker.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the given event types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

func (b *Bus) publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit redacts the payload, wraps it, and fans it out.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.publish(newEvent(eventType, subject, data))
}

// SubscriberCount reports the number of live subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
