// Package events routes inbound frames to typed handlers and builds outbound
// frames. It is the dispatch layer between the transport channel and the
// client-side caches.
package events

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/Moon-Spirit/Yueling/internal/protocol"
)

// Handler consumes the raw JSON of one frame. Handlers for a kind are invoked
// in registration order, from the transport's read goroutine. A handler must
// not synchronously add or remove handlers for the kind currently being
// dispatched; iteration behavior is undefined if it does.
type Handler func(raw json.RawMessage)

// Subscription identifies one registered handler. Removal is by handle
// identity, so registering the same function twice yields two independent
// subscriptions.
type Subscription struct {
	kind string
	fn   Handler
}

// Sender is the outbound half of the transport channel.
type Sender interface {
	Send(data []byte) error
}

// Router dispatches inbound frames by their type discriminator and emits
// outbound frames through a Sender.
type Router struct {
	mu       sync.Mutex
	handlers map[string][]*Subscription
	sender   Sender
}

// NewRouter creates a Router that emits outbound frames through sender.
func NewRouter(sender Sender) *Router {
	return &Router{
		handlers: make(map[string][]*Subscription),
		sender:   sender,
	}
}

// On registers a handler for a frame kind and returns its subscription
// handle. Multiple handlers per kind are permitted.
func (r *Router) On(kind string, fn Handler) *Subscription {
	sub := &Subscription{kind: kind, fn: fn}
	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], sub)
	r.mu.Unlock()
	return sub
}

// Off removes one subscription. Removing a subscription that is not
// registered is a no-op.
func (r *Router) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[sub.kind]
	for i, s := range subs {
		if s == sub {
			r.handlers[sub.kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch parses a raw frame and invokes all handlers registered for its
// kind in registration order. Frames that fail to parse or carry a kind with
// no registered handlers are dropped with a logged warning, never propagated
// as a crash.
func (r *Router) Dispatch(data []byte) {
	kind, raw, err := protocol.ParseFrame(data)
	if err != nil {
		log.Printf("events: dropping malformed frame: %v", err)
		return
	}

	r.mu.Lock()
	subs := r.handlers[kind]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	r.mu.Unlock()

	if len(snapshot) == 0 {
		log.Printf("events: dropping frame with unhandled kind %q", kind)
		return
	}

	for _, sub := range snapshot {
		sub.fn(raw)
	}
}

// Emit builds a tagged frame of the given kind from the payload and hands it
// to the transport channel.
func (r *Router) Emit(kind string, payload interface{}) error {
	data, err := protocol.NewFrame(kind, payload)
	if err != nil {
		return err
	}
	return r.sender.Send(data)
}
