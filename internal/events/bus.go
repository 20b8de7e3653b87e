// SPDX-License-Identifier: MIT

// Package events fans task state out to subscribed clients. Publishing
// never blocks: each subscriber owns a bounded ring that drops the oldest
// non-heartbeat events under back-pressure.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/metrics"
	"github.com/scribeworks/scribed/internal/queue"
)

// Options tune the bus.
type Options struct {
	BufferSize        int           // per-subscriber ring capacity, default 128
	HeartbeatInterval time.Duration // default 30s
}

func (o *Options) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 128
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
}

// Ensure compliance
var _ queue.Notifier = (*Bus)(nil)

// Bus is the in-process event fabric. It implements queue.Notifier so the
// queue can publish without importing this package.
type Bus struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New creates a bus.
func New(opts Options) *Bus {
	opts.applyDefaults()
	return &Bus{
		opts:   opts,
		logger: log.WithComponent("events"),
		subs:   make(map[string]*subscriber),
	}
}

// Run emits heartbeats until the context is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(Event{Type: TypeHeartbeat, Payload: Heartbeat{ServerTS: time.Now()}})
		}
	}
}

// Publish fans an event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	metrics.BusEventsPublished.WithLabelValues(string(ev.Type)).Inc()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

// TaskUpdated implements queue.Notifier.
func (b *Bus) TaskUpdated(v queue.View) {
	b.Publish(TaskUpdateEvent(v))
}

// DownloadProgress implements queue.Notifier.
func (b *Bus) DownloadProgress(taskID, model string, progress float64, message string) {
	b.Publish(Event{Type: TypeDownloadProgress, Payload: DownloadProgress{
		TaskID:    taskID,
		ModelName: model,
		Progress:  progress,
		Message:   message,
	}})
}

// Subscribe registers a new client. The returned subscription must be
// closed when the client disconnects.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{
		id:     uuid.New().String(),
		cap:    b.opts.BufferSize,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	metrics.BusSubscribers.Set(float64(count))
	b.logger.Debug().Str("subscriber", sub.id).Int("subscribers", count).Msg("client subscribed")

	go sub.pump()
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub.id)
	count := len(b.subs)
	b.mu.Unlock()

	close(sub.done)
	metrics.BusSubscribers.Set(float64(count))
	b.logger.Debug().Str("subscriber", sub.id).Int("subscribers", count).Msg("client unsubscribed")
}

// SubscriberCount returns the number of connected clients.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is a client's handle on the bus.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// C is the client-facing event channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.sub.out
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.sub.id
}

// Close unregisters the subscriber and releases its pump.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.sub)
	})
}

// subscriber holds one client's bounded ring. push never blocks; the pump
// goroutine moves ring contents to the client channel in order.
type subscriber struct {
	id  string
	cap int

	mu      sync.Mutex
	ring    []Event
	dropped int

	notify chan struct{}
	out    chan Event
	done   chan struct{}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if len(s.ring) >= s.cap {
		s.dropOldestLocked()
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dropOldestLocked evicts the oldest non-heartbeat event, falling back to
// the front of the ring when only heartbeats remain.
func (s *subscriber) dropOldestLocked() {
	idx := 0
	for i, ev := range s.ring {
		if ev.Type != TypeHeartbeat {
			idx = i
			break
		}
	}
	dropped := s.ring[idx]
	s.ring = append(s.ring[:idx], s.ring[idx+1:]...)
	s.dropped++
	metrics.BusEventsDropped.WithLabelValues(string(dropped.Type)).Inc()
}

// pump delivers ring contents in publish order. After drops, the next
// delivery is prefixed with a compaction notice.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if s.dropped > 0 {
				n := s.dropped
				s.dropped = 0
				s.mu.Unlock()
				select {
				case s.out <- Event{Type: TypeCompaction, Payload: Compaction{Dropped: n}}:
				case <-s.done:
					return
				}
				continue
			}
			if len(s.ring) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.ring[0]
			s.ring = s.ring[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
