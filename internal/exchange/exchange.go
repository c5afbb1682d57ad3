// Package exchange composes Sender/Receiver pairs into the inbound and
// outbound traffic groups spec.md §4.3 names, derives the three queue
// names from the naming scheme, stamps acceptance bookkeeping on
// inbound messages, and tracks which underlying connections are
// currently disrupted.
//
// Called by: internal/dispatch, public/instance
// Calls: internal/broker, internal/handler, internal/message
package exchange

import (
	"context"
	"sync"

	"github.com/tenzoki/svcbus/internal/handler"
	"github.com/tenzoki/svcbus/internal/message"
)

// Tracer records a dispatch-event trace entry. internal/trace.Tracer
// satisfies this structurally; the exchange only needs the RECEIVED
// entries it records on its own account (SENT/DELIVERED/FAILED belong
// to the dispatcher).
type Tracer interface {
	RecordTraceEntry(call *message.ServiceCall, msgType message.MessageType, event message.DispatchEvent, state message.MessageState)
}

// Group bundles the Sender and Receiver backing one traffic direction.
// The zero Group (both nil) is valid — spec.md: "either group may be
// absent" (a pure consumer has no Inbound group).
type Group struct {
	Receiver *handler.Receiver
	Sender   *handler.Sender
}

// QueueNames derives the three bit-exact queue names from spec.md §6
// for one domain/instance pair.
func QueueNames(prefix, domain, instanceID string) (pending, processing, processed string) {
	pending = prefix + "pending:" + domain
	processing = prefix + "processing:" + domain + ":" + instanceID
	processed = prefix + "processed:" + domain + ":" + instanceID
	return
}

type enableDisabler interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Exchange is the Message Exchange: it owns up to four handlers, routes
// outbound ServiceCalls to the right queue, and fans inbound messages
// out to dispatcher-registered observers after stamping acceptance
// state and recording a RECEIVED trace entry.
type Exchange struct {
	Inbound  Group
	Outbound Group

	domain      string
	instanceID  string
	queuePrefix string
	tracer      Tracer

	mu                sync.RWMutex
	disrupted         map[string]struct{}
	requestObservers  []handler.Observer
	responseObservers []handler.Observer
}

// New builds an Exchange and wires it as an observer of every handler
// it was given, so construction alone is enough for acceptance
// stamping, tracing, and disrupted-connection tracking to start once
// Enable is called.
func New(domain, instanceID, queuePrefix string, inbound, outbound Group, tracer Tracer) *Exchange {
	ex := &Exchange{
		Inbound:     inbound,
		Outbound:    outbound,
		domain:      domain,
		instanceID:  instanceID,
		queuePrefix: queuePrefix,
		tracer:      tracer,
		disrupted:   make(map[string]struct{}),
	}

	if inbound.Receiver != nil {
		inbound.Receiver.AddObserver(observerAdapter{ex, inbound.Receiver.ConnectionID(), (*Exchange).onRequestMessage})
	}
	if inbound.Sender != nil {
		inbound.Sender.AddObserver(observerAdapter{ex, inbound.Sender.ConnectionID(), nil})
	}
	if outbound.Sender != nil {
		outbound.Sender.AddObserver(observerAdapter{ex, outbound.Sender.ConnectionID(), nil})
	}
	if outbound.Receiver != nil {
		outbound.Receiver.AddObserver(observerAdapter{ex, outbound.Receiver.ConnectionID(), (*Exchange).onResponseMessage})
	}

	return ex
}

// observerAdapter lets one Exchange register distinctly-behaving
// observers on up to four different handlers: every adapter tracks its
// own handler's connection id for the disrupted set, and an optional
// onMsg callback carries inbound messages to the right side (request
// vs response). Senders never call notifyMessage, so onMsg is nil for
// the two Sender registrations.
type observerAdapter struct {
	ex    *Exchange
	id    string
	onMsg func(*Exchange, *message.ServiceCall)
}

func (a observerAdapter) OnMessage(call *message.ServiceCall) {
	if a.onMsg != nil {
		a.onMsg(a.ex, call)
	}
}

func (a observerAdapter) OnConnectionDisrupted() { a.ex.markDisrupted(a.id) }
func (a observerAdapter) OnConnectionRecovered() { a.ex.markRecovered(a.id) }

func (ex *Exchange) markDisrupted(id string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.disrupted[id] = struct{}{}
}

func (ex *Exchange) markRecovered(id string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	delete(ex.disrupted, id)
}

// IsDisrupted reports whether the connection with the given identifier
// is currently "in recovery" per spec.md §4.3.
func (ex *Exchange) IsDisrupted(id string) bool {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	_, ok := ex.disrupted[id]
	return ok
}

func (ex *Exchange) onRequestMessage(call *message.ServiceCall) {
	call.Destination.InstanceID = ex.instanceID
	if ex.tracer != nil {
		ex.tracer.RecordTraceEntry(call, message.MessageTypeRequest, message.EventReceived, message.StatePending)
	}

	ex.mu.RLock()
	observers := append([]handler.Observer(nil), ex.requestObservers...)
	ex.mu.RUnlock()
	for _, o := range observers {
		safeNotify(func() { o.OnMessage(call) })
	}
}

func (ex *Exchange) onResponseMessage(call *message.ServiceCall) {
	if ex.tracer != nil {
		ex.tracer.RecordTraceEntry(call, message.MessageTypeResponse, message.EventReceived, message.StateProcessed)
	}

	ex.mu.RLock()
	observers := append([]handler.Observer(nil), ex.responseObservers...)
	ex.mu.RUnlock()
	for _, o := range observers {
		safeNotify(func() { o.OnMessage(call) })
	}
}

func safeNotify(f func()) {
	defer func() { _ = recover() }()
	f()
}

// AddRequestObserver registers an observer notified of every accepted
// inbound request, after acceptance stamping and tracing. Used by the
// dispatcher's addMessageObserverRequestsIn.
func (ex *Exchange) AddRequestObserver(o handler.Observer) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.requestObservers = append(ex.requestObservers, o)
}

// AddResponseObserver registers an observer notified of every accepted
// inbound response. Used by the dispatcher's addMessageObserverResponsesIn.
func (ex *Exchange) AddResponseObserver(o handler.Observer) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.responseObservers = append(ex.responseObservers, o)
}

func (ex *Exchange) enablers() []enableDisabler {
	var out []enableDisabler
	if ex.Inbound.Receiver != nil {
		out = append(out, ex.Inbound.Receiver)
	}
	if ex.Inbound.Sender != nil {
		out = append(out, ex.Inbound.Sender)
	}
	if ex.Outbound.Sender != nil {
		out = append(out, ex.Outbound.Sender)
	}
	if ex.Outbound.Receiver != nil {
		out = append(out, ex.Outbound.Receiver)
	}
	return out
}

// EnableMessaging enables every handler the exchange holds, concurrently,
// and resolves only once all of them have succeeded (spec.md §4.4).
func (ex *Exchange) EnableMessaging(ctx context.Context) error {
	handlers := ex.enablers()
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h enableDisabler) {
			defer wg.Done()
			errs[i] = h.Enable(ctx)
		}(i, h)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DisableMessaging disables every handler the exchange holds.
func (ex *Exchange) DisableMessaging(ctx context.Context) error {
	var firstErr error
	for _, h := range ex.enablers() {
		if err := h.Disable(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendMessageRequest routes call to the pending queue of its
// destination domain via the outbound Sender.
func (ex *Exchange) SendMessageRequest(ctx context.Context, call *message.ServiceCall) error {
	queue, _, _ := QueueNames(ex.queuePrefix, call.Destination.Route, "")
	return ex.Outbound.Sender.Send(ctx, call, queue)
}

// SendMessageResponse routes call to the processed queue of the
// instance that originated the request, via the inbound Sender.
func (ex *Exchange) SendMessageResponse(ctx context.Context, call *message.ServiceCall) error {
	_, _, processed := QueueNames(ex.queuePrefix, call.Destination.Route, call.Destination.InstanceID)
	return ex.Inbound.Sender.Send(ctx, call, processed)
}
