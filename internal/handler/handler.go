// Package handler implements the abstract message handler capability
// set (spec.md §4.2) that Sender and Receiver specialize: a unique
// connection identifier, an availability flag, and an observer list
// that gets fanned out to on every inbound message and on every
// connection disruption/recovery.
//
// Called by: internal/exchange
// Calls: internal/broker, internal/message
package handler

import (
	"sync"

	"github.com/tenzoki/svcbus/internal/message"
)

// Observer receives messages and connection events from a handler.
// Delivery is in registration order and best-effort: a panicking
// observer must not prevent the others from being notified.
type Observer interface {
	OnMessage(call *message.ServiceCall)
	OnConnectionDisrupted()
	OnConnectionRecovered()
}

// Base carries the fields common to every handler variant. It is
// embedded, never used directly.
type Base struct {
	connectionID string

	mu        sync.RWMutex
	available bool
	observers []Observer
}

// NewBase constructs a Base for the given connection identifier. The
// handler starts unavailable until Enable is called.
func NewBase(connectionID string) Base {
	return Base{connectionID: connectionID}
}

// ConnectionID returns this handler's unique connection identifier.
func (b *Base) ConnectionID() string { return b.connectionID }

// IsAvailable reports whether the handler is currently enabled.
func (b *Base) IsAvailable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.available
}

func (b *Base) setAvailable(v bool) {
	b.mu.Lock()
	b.available = v
	b.mu.Unlock()
}

// AddObserver registers an observer in call order.
func (b *Base) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *Base) snapshotObservers() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, len(b.observers))
	copy(out, b.observers)
	return out
}

// notifyMessage fans a received message out to every observer,
// swallowing any panic so the rest still get notified.
func (b *Base) notifyMessage(call *message.ServiceCall) {
	for _, o := range b.snapshotObservers() {
		safeCall(func() { o.OnMessage(call) })
	}
}

func (b *Base) notifyDisrupted() {
	for _, o := range b.snapshotObservers() {
		safeCall(o.OnConnectionDisrupted)
	}
}

func (b *Base) notifyRecovered() {
	for _, o := range b.snapshotObservers() {
		safeCall(o.OnConnectionRecovered)
	}
}

func safeCall(f func()) {
	defer func() { _ = recover() }()
	f()
}
