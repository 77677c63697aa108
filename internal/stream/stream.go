// Package stream fans live events out to subscribed observers.
//
// A subscription is keyed by (observer, subject). Subjects are queue entry
// ids for deployment progress or logical names such as "service:<app>"
// for log tails. Cleanup functions attached to a subscription run exactly
// once, when it is disabled or its observer disconnects.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one push to an observer.
type Event struct {
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Observer is a connected client. Send must not block; an observer that
// cannot keep up should drop or fail.
type Observer interface {
	ID() string
	Send(ev Event) error
}

type subscription struct {
	observer Observer
	cleanups []func()
}

// Hub tracks subscriptions. The zero value is not usable; call NewHub.
type Hub struct {
	mu         sync.RWMutex
	bySubject  map[string]map[string]*subscription
	byObserver map[string]map[string]struct{}
	logger     *slog.Logger

	// OnChange, when set, receives the subscription count after each change.
	OnChange func(n int)
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		bySubject:  make(map[string]map[string]*subscription),
		byObserver: make(map[string]map[string]struct{}),
		logger:     logger,
	}
}

// Enable subscribes obs to subject. It reports false if the subscription
// already existed, in which case cleanup is attached to it as well.
func (h *Hub) Enable(obs Observer, subject string, cleanup ...func()) bool {
	h.mu.Lock()
	subs := h.bySubject[subject]
	if subs == nil {
		subs = make(map[string]*subscription)
		h.bySubject[subject] = subs
	}
	sub, exists := subs[obs.ID()]
	if !exists {
		sub = &subscription{observer: obs}
		subs[obs.ID()] = sub
		if h.byObserver[obs.ID()] == nil {
			h.byObserver[obs.ID()] = make(map[string]struct{})
		}
		h.byObserver[obs.ID()][subject] = struct{}{}
	}
	sub.cleanups = append(sub.cleanups, cleanup...)
	n := h.countLocked()
	h.mu.Unlock()

	h.changed(n)
	return !exists
}

// Disable removes one subscription and runs its cleanups. Disabling a
// subscription that does not exist is a no-op.
func (h *Hub) Disable(observerID, subject string) {
	h.mu.Lock()
	sub := h.removeLocked(observerID, subject)
	n := h.countLocked()
	h.mu.Unlock()

	if sub != nil {
		runCleanups(sub)
		h.changed(n)
	}
}

// DisableSubject removes every subscription to subject.
func (h *Hub) DisableSubject(subject string) {
	h.mu.Lock()
	var removed []*subscription
	for id := range h.bySubject[subject] {
		if sub := h.removeLocked(id, subject); sub != nil {
			removed = append(removed, sub)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()

	for _, sub := range removed {
		runCleanups(sub)
	}
	if len(removed) > 0 {
		h.changed(n)
	}
}

// DisconnectObserver drops every subscription of an observer. After it
// returns no event is sent to that observer again.
func (h *Hub) DisconnectObserver(observerID string) {
	h.mu.Lock()
	var removed []*subscription
	for subject := range h.byObserver[observerID] {
		if sub := h.removeLocked(observerID, subject); sub != nil {
			removed = append(removed, sub)
		}
	}
	delete(h.byObserver, observerID)
	n := h.countLocked()
	h.mu.Unlock()

	for _, sub := range removed {
		runCleanups(sub)
	}
	if len(removed) > 0 {
		h.logger.Debug("Observer disconnected", "observer", observerID, "subscriptions", len(removed))
		h.changed(n)
	}
}

func (h *Hub) removeLocked(observerID, subject string) *subscription {
	subs := h.bySubject[subject]
	sub, ok := subs[observerID]
	if !ok {
		return nil
	}
	delete(subs, observerID)
	if len(subs) == 0 {
		delete(h.bySubject, subject)
	}
	if subjects := h.byObserver[observerID]; subjects != nil {
		delete(subjects, subject)
		if len(subjects) == 0 {
			delete(h.byObserver, observerID)
		}
	}
	return sub
}

func (h *Hub) countLocked() int {
	n := 0
	for _, subs := range h.bySubject {
		n += len(subs)
	}
	return n
}

func (h *Hub) changed(n int) {
	if h.OnChange != nil {
		h.OnChange(n)
	}
}

func runCleanups(sub *subscription) {
	for _, fn := range sub.cleanups {
		if fn != nil {
			fn()
		}
	}
}

// Publish sends an event on channel to every observer subscribed to
// subject and returns how many accepted it. The subject and timestamp are
// stamped on the event.
func (h *Hub) Publish(subject, channel string, data any) int {
	ev := Event{Channel: channel, Subject: subject, Timestamp: time.Now().UTC(), Data: data}

	// Sends happen under the read lock so a concurrent disconnect cannot
	// interleave with delivery.
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, sub := range h.bySubject[subject] {
		if err := sub.observer.Send(ev); err != nil {
			h.logger.Debug("Dropped stream event", "observer", id, "subject", subject, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Deliver sends an event to one observer if it is still subscribed to
// subject. It is used for per-observer sources such as log tails.
func (h *Hub) Deliver(observerID, subject, channel string, data any) bool {
	ev := Event{Channel: channel, Subject: subject, Timestamp: time.Now().UTC(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.bySubject[subject][observerID]
	if !ok {
		return false
	}
	return sub.observer.Send(ev) == nil
}

// Active reports whether anyone is subscribed to subject.
func (h *Hub) Active(subject string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySubject[subject]) > 0
}

// Subjects returns the subjects an observer is subscribed to, sorted.
func (h *Hub) Subjects(observerID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subjects := make([]string, 0, len(h.byObserver[observerID]))
	for s := range h.byObserver[observerID] {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}
