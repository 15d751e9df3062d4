// ABOUTME: In-memory fan-out emitter for server-pushed gateway events.
// ABOUTME: Handlers are invoked in subscription order; unsubscribe via handle.

package gateway

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the raw payload of one pushed event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id string
	fn Handler
}

// Emitter provides many-to-many pub/sub for named gateway events. Each event
// name keeps an ordered handler list; Subscribe returns an unsubscribe handle
// instead of relying on implicit global dispatch.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]subscription)}
}

// Subscribe registers fn for the named event and returns a function that
// removes the registration. Handlers for one event fire in subscription
// order.
func (e *Emitter) Subscribe(event string, fn Handler) func() {
	subID := uuid.New().String()

	e.mu.Lock()
	e.handlers[event] = append(e.handlers[event], subscription{id: subID, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.handlers[event]
		for i, s := range subs {
			if s.id == subID {
				e.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(e.handlers[event]) == 0 {
			delete(e.handlers, event)
		}
	}
}

// Emit delivers payload to every handler subscribed to event. Handlers run
// on the caller's goroutine in subscription order.
func (e *Emitter) Emit(event string, payload json.RawMessage) {
	e.mu.RLock()
	subs := make([]subscription, len(e.handlers[event]))
	copy(subs, e.handlers[event])
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

// Clear drops every subscription. Used on client disposal.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]subscription)
}
