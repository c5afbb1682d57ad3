// Package caller implements the Service Caller (spec.md §4.5): it
// turns a service address, parameters, and an execution context into a
// dispatched ServiceCall, and correlates the eventual response back to
// the originating goroutine by messageID.
//
// Called by: public/instance (Consumer.callService)
// Calls: internal/broker, internal/dispatch, internal/message, internal/svcerr
package caller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/dispatch"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/metrics"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

type pendingHandler struct {
	done chan message.ServiceResult
}

// ServiceCaller holds the pending-response table: one entry per
// in-flight call, keyed by the request's messageID, removed exactly
// once (on response or on timeout).
type ServiceCaller struct {
	selfDomain     string
	instanceID     string
	registryPrefix string
	execTimeout    time.Duration
	dispatcher     *dispatch.Dispatcher
	br             broker.Broker
	log            *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingHandler

	metrics metrics.DispatchMetrics
}

// Metrics returns a snapshot of this caller's timeout counter.
func (c *ServiceCaller) Metrics() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// New builds a ServiceCaller. It does not register itself as a
// response observer — call AttachTo once the owning dispatcher has
// been initialized with its exchange.
func New(selfDomain, instanceID, registryPrefix string, execTimeout time.Duration, dispatcher *dispatch.Dispatcher, br broker.Broker, log *slog.Logger) *ServiceCaller {
	if log == nil {
		log = slog.Default()
	}
	return &ServiceCaller{
		selfDomain:     selfDomain,
		instanceID:     instanceID,
		registryPrefix: registryPrefix,
		execTimeout:    execTimeout,
		dispatcher:     dispatcher,
		br:             br,
		log:            log,
		pending:        make(map[string]*pendingHandler),
	}
}

// AttachTo registers this caller as the dispatcher's inbound-response
// observer.
func (c *ServiceCaller) AttachTo(d *dispatch.Dispatcher) {
	d.AddMessageObserverResponsesIn(c)
}

// OnMessage implements handler.Observer: it correlates an inbound
// response to its pending handler via Predecessor (the request's
// messageID) and resolves it. A response with no matching handler —
// arrived after timeout cleanup — is dropped with a warning.
func (c *ServiceCaller) OnMessage(call *message.ServiceCall) {
	c.mu.Lock()
	ph, ok := c.pending[call.Predecessor]
	if ok {
		delete(c.pending, call.Predecessor)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping response with no pending handler",
			"message_id", call.MessageID, "predecessor", call.Predecessor)
		return
	}

	select {
	case ph.done <- call.Result:
	default:
	}
}

// OnConnectionDisrupted and OnConnectionRecovered are no-ops beyond the
// exchange's own bookkeeping: pending handlers are not purged on
// disruption, they fail via timeout only.
func (c *ServiceCaller) OnConnectionDisrupted() {}
func (c *ServiceCaller) OnConnectionRecovered() {}

// ExecuteServiceCall never rejects: every failure path comes back as
// ServiceResult{IsSuccessful: false, Exception: ...}.
func (c *ServiceCaller) ExecuteServiceCall(ctx context.Context, address message.ServiceAddress, params map[string]interface{}, execCtx message.ServiceExecContext) message.ServiceResult {
	registered, err := c.br.SetIsMember(ctx, c.registryPrefix+address.ServiceDomainName, address.ServiceAlias)
	if err != nil {
		return failure(svcerr.Wrap(err, "check service registry for %s.%s", address.ServiceDomainName, address.ServiceAlias))
	}
	if !registered {
		return failure(svcerr.New(svcerr.KindServiceNotRegistered, "%s.%s is not registered", address.ServiceDomainName, address.ServiceAlias))
	}

	call := &message.ServiceCall{
		Message: message.Message{
			MessageID:   message.NewMessageID(),
			ChainID:     execCtx.ChainID(),
			ChainLevel:  execCtx.ChainLevel(),
			Source:      message.Endpoint{InstanceID: c.instanceID, Route: c.selfDomain},
			Destination: message.Endpoint{Route: address.ServiceDomainName},
		},
		AuthToken:      execCtx.AuthToken,
		ServiceAddress: address,
		ServiceParams:  params,
		Predecessor:    execCtx.Predecessor(),
		CreatedOn:      time.Now(),
	}

	ph := &pendingHandler{done: make(chan message.ServiceResult, 1)}
	c.mu.Lock()
	c.pending[call.MessageID] = ph
	c.mu.Unlock()

	if _, err := c.dispatcher.SendRequest(ctx, call); err != nil {
		c.mu.Lock()
		delete(c.pending, call.MessageID)
		c.mu.Unlock()
		return failure(svcerr.Wrap(err, "send service call to %s.%s", address.ServiceDomainName, address.ServiceAlias))
	}

	timer := time.NewTimer(c.execTimeout)
	defer timer.Stop()

	select {
	case result := <-ph.done:
		return result
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, call.MessageID)
		c.mu.Unlock()
		c.metrics.IncrementTimedOut()
		return failure(svcerr.New(svcerr.KindServiceExecTimeout, "%s.%s timed out after %s", address.ServiceDomainName, address.ServiceAlias, c.execTimeout))
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, call.MessageID)
		c.mu.Unlock()
		return failure(svcerr.Wrap(ctx.Err(), "service call to %s.%s cancelled", address.ServiceDomainName, address.ServiceAlias))
	}
}

func failure(err *svcerr.Error) message.ServiceResult {
	return message.ServiceResult{IsSuccessful: false, Exception: err}
}
