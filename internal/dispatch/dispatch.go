// Package dispatch implements the Message Dispatcher (spec.md §4.4): a
// thin layer over one Exchange that wraps outbound sends in a retry
// policy and records SENT/DELIVERED/FAILED trace entries around them.
//
// A process normally constructs exactly one Dispatcher and hands it to
// the components that need it (see public/instance), rather than
// reaching for a package-level global —
// spec.md calls it a "process-wide singleton" in the sense of "there is
// one", not "it lives in a global variable".
//
// Called by: internal/caller, internal/executor, public/instance
// Calls: internal/exchange, internal/message, internal/svcerr
package dispatch

import (
	"context"
	"log/slog"

	"github.com/tenzoki/svcbus/internal/exchange"
	"github.com/tenzoki/svcbus/internal/handler"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/metrics"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

// Tracer records a dispatch-event trace entry.
type Tracer interface {
	RecordTraceEntry(call *message.ServiceCall, msgType message.MessageType, event message.DispatchEvent, state message.MessageState)
}

// Dispatcher is the Message Dispatcher. Zero value is not usable; build
// with New.
type Dispatcher struct {
	tracer  Tracer
	retry   RetryPolicy
	log     *slog.Logger
	metrics metrics.DispatchMetrics

	exchange *exchange.Exchange
}

// Metrics returns a snapshot of this Dispatcher's sent/delivered/failed
// counters.
func (d *Dispatcher) Metrics() metrics.Snapshot {
	return d.metrics.Snapshot()
}

// New builds a Dispatcher with the given retry attempt ceiling
// (spec.md: 3 for sendRequest/sendResponse) and trace sink.
func New(tracer Tracer, maxAttempts int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{tracer: tracer, log: log}
	d.retry = RetryPolicy{
		MaxAttempts: maxAttempts,
		OnRetry: func(attempt int, lastErr error) {
			d.log.Warn("retrying send", "attempt", attempt, "error", lastErr)
		},
		OnFailedAttempt: func(attempt int, err error) {
			d.log.Warn("send attempt failed", "attempt", attempt, "error", err)
		},
	}
	return d
}

// Initialize stores ex and enables its messaging. It resolves only once
// every handler the exchange holds has enabled successfully.
func (d *Dispatcher) Initialize(ctx context.Context, ex *exchange.Exchange) error {
	if err := ex.EnableMessaging(ctx); err != nil {
		return svcerr.Wrap(err, "enable exchange messaging")
	}
	d.exchange = ex
	return nil
}

// ShutDown disables the held exchange's messaging and drops the
// reference. Calling it without a prior Initialize is a no-op.
func (d *Dispatcher) ShutDown(ctx context.Context) error {
	if d.exchange == nil {
		return nil
	}
	err := d.exchange.DisableMessaging(ctx)
	d.exchange = nil
	if err != nil {
		return svcerr.Wrap(err, "disable exchange messaging")
	}
	return nil
}

func (d *Dispatcher) trace(call *message.ServiceCall, msgType message.MessageType, event message.DispatchEvent, state message.MessageState) {
	if d.tracer == nil {
		return
	}
	d.tracer.RecordTraceEntry(call, msgType, event, state)
}

// SendRequest wraps exchange.SendMessageRequest in the retry policy,
// recording SENT before the first attempt and DELIVERED/FAILED once the
// outcome is known. It returns the request's messageID on success.
func (d *Dispatcher) SendRequest(ctx context.Context, call *message.ServiceCall) (string, error) {
	d.trace(call, message.MessageTypeRequest, message.EventSent, message.StatePending)
	d.metrics.IncrementSent()

	err := d.retry.Do(func() error { return d.exchange.SendMessageRequest(ctx, call) })
	if err != nil {
		d.trace(call, message.MessageTypeRequest, message.EventFailed, message.StatePending)
		d.metrics.IncrementFailed()
		return "", svcerr.Wrap(err, "send request to %s", call.Destination.Route)
	}

	d.trace(call, message.MessageTypeRequest, message.EventDelivered, message.StatePending)
	d.metrics.IncrementDelivered()
	return call.MessageID, nil
}

// SendResponse is SendRequest's symmetric counterpart for the processed
// (PROCESSED) side of the traffic.
func (d *Dispatcher) SendResponse(ctx context.Context, call *message.ServiceCall) error {
	d.trace(call, message.MessageTypeResponse, message.EventSent, message.StateProcessed)
	d.metrics.IncrementSent()

	err := d.retry.Do(func() error { return d.exchange.SendMessageResponse(ctx, call) })
	if err != nil {
		d.trace(call, message.MessageTypeResponse, message.EventFailed, message.StateProcessed)
		d.metrics.IncrementFailed()
		return svcerr.Wrap(err, "send response to %s", call.Destination.Route)
	}

	d.trace(call, message.MessageTypeResponse, message.EventDelivered, message.StateProcessed)
	d.metrics.IncrementDelivered()
	return nil
}

// AddMessageObserverRequestsIn registers o on the held exchange's
// inbound request pipeline.
func (d *Dispatcher) AddMessageObserverRequestsIn(o handler.Observer) {
	d.exchange.AddRequestObserver(o)
}

// AddMessageObserverResponsesIn registers o on the held exchange's
// inbound response pipeline.
func (d *Dispatcher) AddMessageObserverResponsesIn(o handler.Observer) {
	d.exchange.AddResponseObserver(o)
}
