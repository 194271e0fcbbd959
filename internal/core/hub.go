package core

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription is a single-reader ordered stream of events for one connection
type Subscription struct {
	id        string
	sessionID string
	maxBuffer int

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newSubscription(sessionID string, maxBuffer int) *Subscription {
	return &Subscription{
		id:        uuid.NewString(),
		sessionID: sessionID,
		maxBuffer: maxBuffer,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the handle of the subscription
func (s *Subscription) ID() string { return s.id }

// SessionID returns the session the subscription belongs to
func (s *Subscription) SessionID() string { return s.sessionID }

// Done is closed when the subscription is closed
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until an event is available, the subscription is closed or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued events
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// push never blocks. It reports false when the event was dropped.
func (s *Subscription) push(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.maxBuffer > 0 && len(s.queue) >= s.maxBuffer {
		return false
	}
	s.queue = append(s.queue, evt)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	return true
}

// Hub fans events out to the live subscriptions of each session
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[string]*Subscription
	maxBuffer int
	logger    *zap.Logger
}

// NewHub creates a hub. A maxBuffer of zero leaves subscriptions unbounded.
func NewHub(maxBuffer int, logger *zap.Logger) *Hub {
	return &Hub{
		subs:      make(map[string]map[string]*Subscription),
		maxBuffer: maxBuffer,
		logger:    logger,
	}
}

// Subscribe registers a new subscription for a session
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := newSubscription(sessionID, h.maxBuffer)

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[string]*Subscription)
		h.subs[sessionID] = set
	}
	set[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("Subscriber connected",
		zap.String("session_id", sessionID),
		zap.String("subscription_id", sub.id))
	return sub
}

// Unsubscribe removes and closes a subscription. It is idempotent.
func (h *Hub) Unsubscribe(sessionID string, sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()

	if sub.close() {
		h.logger.Debug("Subscriber disconnected",
			zap.String("session_id", sessionID),
			zap.String("subscription_id", sub.id))
	}
}

// Publish delivers evt to every subscription of a session and returns the
// number of subscriptions that accepted it. No subscribers is not an error.
func (h *Hub) Publish(sessionID string, evt Event) int {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[sessionID]))
	for _, sub := range h.subs[sessionID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	return h.deliver(targets, evt)
}

// Broadcast delivers evt to every registered subscription
func (h *Hub) Broadcast(evt Event) int {
	h.mu.RLock()
	var targets []*Subscription
	for _, set := range h.subs {
		for _, sub := range set {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, evt)
}

func (h *Hub) deliver(targets []*Subscription, evt Event) int {
	delivered := 0
	for _, sub := range targets {
		if sub.push(evt) {
			delivered++
			continue
		}
		h.logger.Debug("Dropped event for subscriber",
			zap.String("session_id", sub.sessionID),
			zap.String("subscription_id", sub.id),
			zap.String("type", string(evt.Type)))
	}
	return delivered
}

// Count returns the number of live subscriptions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// SessionCount returns the number of live subscriptions of a session
func (h *Hub) SessionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close closes every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, set := range subs {
		for _, sub := range set {
			sub.close()
		}
	}
}
