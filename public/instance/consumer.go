package instance

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/caller"
	"github.com/tenzoki/svcbus/internal/config"
	"github.com/tenzoki/svcbus/internal/dispatch"
	"github.com/tenzoki/svcbus/internal/exchange"
	"github.com/tenzoki/svcbus/internal/handler"
	"github.com/tenzoki/svcbus/internal/labels"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/metrics"
	"github.com/tenzoki/svcbus/internal/trace"
)

// Consumer is a Service Instance that only calls services: dispatcher
// initialized with outbound only (a request Sender and a response
// Receiver), CallService proxying to a ServiceCaller.
type Consumer struct {
	*Base

	dispatcher *dispatch.Dispatcher
	caller     *caller.ServiceCaller
	tracer     *trace.Tracer
}

// NewConsumer builds a Consumer. Call Start before CallService.
func NewConsumer(domainName string, cfg *config.Config, br broker.Broker, log *slog.Logger) *Consumer {
	return &Consumer{Base: NewBase(domainName, cfg, br, log)}
}

// OnStart implements Lifecycle: it builds the outbound-only Exchange,
// a Dispatcher over it, and a ServiceCaller attached to the
// dispatcher's inbound-response pipeline.
func (c *Consumer) OnStart(ctx context.Context) error {
	c.tracer = c.newTracer()

	outbound := c.buildOutboundGroup()
	ex := exchange.New(c.DomainName, c.InstanceID, c.Config.MessageExchange.QueuePrefix, exchange.Group{}, outbound, c.tracer)

	if err := c.initializeDispatcher(ctx, ex); err != nil {
		return err
	}

	c.caller.AttachTo(c.dispatcher)
	return nil
}

func (c *Consumer) newTracer() *trace.Tracer {
	return trace.New(
		c.Broker,
		c.Config.MessageExchange.TraceRepository,
		c.Config.MessageExchange.TraceExpirationTime,
		c.Config.MessageExchange.TraceLogEnabled,
		c.newLabelStore(),
		c.Log,
	)
}

// newLabelStore builds the locale lookup shared by the tracer and (for
// a Provider) the executor, keyed under the same queue-prefix namespace
// as every other broker-backed contract this instance owns.
func (c *Consumer) newLabelStore() *labels.Store {
	return labels.New(c.Broker, c.Config.MessageExchange.QueuePrefix, c.Config.Logging.Locale)
}

// initializeDispatcher builds the Dispatcher and ServiceCaller over ex.
// Shared by Consumer.OnStart and Provider.OnStart, which builds a
// richer ex (inbound + outbound) before calling this.
func (c *Consumer) initializeDispatcher(ctx context.Context, ex *exchange.Exchange) error {
	c.dispatcher = dispatch.New(c.tracer, 3, c.Log)
	if err := c.dispatcher.Initialize(ctx, ex); err != nil {
		return err
	}

	execTimeout := time.Duration(c.Config.Service.ExecutionTimeoutMillis) * time.Millisecond
	c.caller = caller.New(c.DomainName, c.InstanceID, c.Config.Service.RegistryAddress, execTimeout, c.dispatcher, c.Broker, c.Log)
	return nil
}

// OnStop implements Lifecycle: it shuts down the dispatcher, which in
// turn disables every handler the exchange holds.
func (c *Consumer) OnStop(ctx context.Context) error {
	if c.dispatcher == nil {
		return nil
	}
	return c.dispatcher.ShutDown(ctx)
}

// Metrics reports this instance's dispatch counters for the embedding
// process to poll or log periodically (SPEC_FULL §4.15): sent/
// delivered/failed come from the Dispatcher, timed-out from the
// ServiceCaller, since each only ever increments its own slice of the
// shared Snapshot shape.
func (c *Consumer) Metrics() metrics.Snapshot {
	snap := c.dispatcher.Metrics()
	snap.TimedOut = c.caller.Metrics().TimedOut
	return snap
}

// CallService issues a root-level service call (no predecessor) and
// blocks until a response arrives or the configured execution timeout
// elapses.
func (c *Consumer) CallService(ctx context.Context, address message.ServiceAddress, authToken string, params map[string]interface{}) message.ServiceResult {
	execCtx := message.ServiceExecContext{AuthToken: authToken, Cancel: c.Cancel()}
	return c.caller.ExecuteServiceCall(ctx, address, params, execCtx)
}

func (c *Consumer) buildOutboundGroup() exchange.Group {
	_, _, processed := exchange.QueueNames(c.Config.MessageExchange.QueuePrefix, c.DomainName, c.InstanceID)
	connID := "outbound:" + c.DomainName + ":" + c.InstanceID

	payloadOpts := handler.PayloadStoreOptions{
		KeyPrefix:      c.Config.MessageExchange.QueuePrefix,
		InlineMaxBytes: c.Config.MessageExchange.InlinePayloadMaxBytes,
		TTLSeconds:     c.Config.MessageExchange.PayloadTTLSeconds,
	}

	sender := handler.NewSender(connID, c.Broker,
		c.Config.MessageExchange.SecurityHashEnabled, c.Config.MessageExchange.SecurityHashKey, payloadOpts)
	receiver := handler.NewReceiver(connID, c.Broker, processed, "",
		c.Config.MessageExchange.SecurityHashEnabled, c.Config.MessageExchange.SecurityHashKey, c.Log)

	return exchange.Group{Sender: sender, Receiver: receiver}
}
