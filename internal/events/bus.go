// SPDX-License-Identifier: MIT

// Package events provides the single ordered stream of job lifecycle events
// consumed by SSE subscribers and cache invalidators.
package events

import (
	"sync"
	"time"

	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/metrics"
)

// Type enumerates the event names on the bus.
type Type string

const (
	TypeCreated  Type = "created"
	TypeQueued   Type = "queued"
	TypeStarted  Type = "started"
	TypeProgress Type = "progress"
	TypeCurrent  Type = "current"
	TypeFinished Type = "finished"
	TypeCanceled Type = "canceled"
	TypeError    Type = "error"
)

// Event is one job lifecycle notification.
type Event struct {
	Type     Type      `json:"type"`
	JobID    string    `json:"job_id"`
	Task     string    `json:"task"`
	Artifact string    `json:"artifact,omitempty"`
	File     string    `json:"file,omitempty"`
	State    string    `json:"state,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	TS       time.Time `json:"ts"`
}

// DefaultQueueSize bounds each subscriber's queue. A subscriber that falls
// this far behind is disconnected rather than stalling publishers.
const DefaultQueueSize = 256

// Subscriber receives events in publication order until closed.
type Subscriber struct {
	bus *Bus
	ch  chan Event
	id  uint64

	closeOnce sync.Once
}

// C returns the subscriber's event channel. The channel is closed when the
// subscriber is disconnected or closes itself.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is a write-one-reader-many fan-out. Publishers never block: laggards
// are dropped. Late subscribers see only subsequent events (no replay).
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscriber
	nextID    uint64
	queueSize int
}

// NewBus returns a bus with the given per-subscriber queue bound.
// A non-positive size falls back to DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscriber),
		queueSize: queueSize,
	}
}

// Subscribe attaches a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{
		bus: b,
		ch:  make(chan Event, b.queueSize),
		id:  b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every live subscriber in publication order.
// Subscribers whose queue is full are disconnected.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Backpressure policy: drop the subscriber, not the event.
			delete(b.subs, id)
			sub.closeOnce.Do(func() { close(sub.ch) })
			metrics.IncBusSubscriberDrop(string(ev.Type))
			l := log.L()
			l.Warn().
				Uint64("subscriber", id).
				Str("event", string(ev.Type)).
				Msg("event bus subscriber lagging, disconnected")
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.closeOnce.Do(func() { close(sub.ch) })
}
