// Package stream fans alert lifecycle events out to in-process
// subscribers. Each subscriber carries its own filter and a bounded
// queue: a slow consumer loses its oldest events instead of holding back
// the alerting plane. Events for one subscriber stay in order by
// construction, one buffered channel per subscriber.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

// Filter selects which events a subscriber sees. Empty fields match
// everything; multiple values within a field are OR'd.
type Filter struct {
	TenantIDs    []string
	ComponentIDs []string
	Categories   []string
	Severities   []model.Severity
	EventTypes   []string
}

// Match reports whether the event clears every populated filter field.
// Heartbeats are keepalives and bypass filtering entirely.
func (f Filter) Match(ev model.StreamEvent) bool {
	if ev.EventType == model.EventHeartbeat {
		return true
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.EventType) {
		return false
	}
	if ev.Alert == nil {
		return len(f.TenantIDs) == 0 && len(f.ComponentIDs) == 0 &&
			len(f.Categories) == 0 && len(f.Severities) == 0
	}
	if len(f.TenantIDs) > 0 && !containsString(f.TenantIDs, ev.Alert.TenantID) {
		return false
	}
	if len(f.ComponentIDs) > 0 && !containsString(f.ComponentIDs, ev.Alert.ComponentID) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, ev.Alert.Category) {
		return false
	}
	if len(f.Severities) > 0 {
		found := false
		for _, s := range f.Severities {
			if s == ev.Alert.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Subscriber is one attached consumer. Read from Events and call Close
// when done; an abandoned subscriber otherwise leaks its queue.
type Subscriber struct {
	id     uint64
	filter Filter
	ch     chan model.StreamEvent
	hub    *Hub

	// lastDelivery is unix nanos of the newest event offered, read by the
	// heartbeat loop to find idle subscribers.
	lastDelivery atomic.Int64
	closed       atomic.Bool
}

// Events is the subscriber's ordered event feed.
func (s *Subscriber) Events() <-chan model.StreamEvent {
	return s.ch
}

// Close detaches the subscriber and releases its queue. Safe to call
// more than once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.hub.unsubscribe(s.id)
	}
}

// Hub is the in-process broker.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64

	queue  int
	logger *zap.Logger
	now    func() time.Time
}

// NewHub builds a broker whose subscribers each buffer up to queueSize
// events.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[uint64]*Subscriber),
		queue:  queueSize,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe attaches a consumer with the given filter.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &Subscriber{
		id:     id,
		filter: f,
		ch:     make(chan model.StreamEvent, h.queue),
		hub:    h,
	}
	sub.lastDelivery.Store(h.now().UnixNano())
	h.subs[id] = sub
	h.logger.Info("stream subscriber attached",
		zap.Uint64("subscriber_id", id),
		zap.Int("subscribers", len(h.subs)))
	return sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	h.logger.Info("stream subscriber detached",
		zap.Uint64("subscriber_id", id),
		zap.Int("subscribers", len(h.subs)))
}

// Subscribers reports the number of attached consumers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans the event out to every matching subscriber without
// blocking: a full queue sheds its oldest entry first.
func (h *Hub) Publish(ev model.StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		h.offer(sub, ev)
	}
}

func (h *Hub) offer(sub *Subscriber, ev model.StreamEvent) {
	sub.lastDelivery.Store(h.now().UnixNano())
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			h.logger.Debug("stream subscriber lagging, dropped oldest event",
				zap.Uint64("subscriber_id", sub.id))
		default:
		}
	}
}

// RunHeartbeat emits heartbeat frames to idle subscribers at the interval
// until ctx is done. A subscriber that saw traffic within the interval
// needs no keepalive.
func (h *Hub) RunHeartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat(every)
		}
	}
}

func (h *Hub) heartbeat(every time.Duration) {
	now := h.now().UTC()
	ev := model.StreamEvent{EventType: model.EventHeartbeat, Timestamp: now}
	cutoff := now.Add(-every).UnixNano()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.lastDelivery.Load() > cutoff {
			continue
		}
		h.offer(sub, ev)
	}
}
