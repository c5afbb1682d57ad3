package instance

import (
	"context"
	"log/slog"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/config"
	"github.com/tenzoki/svcbus/internal/exchange"
	"github.com/tenzoki/svcbus/internal/executor"
	"github.com/tenzoki/svcbus/internal/handler"
)

// Provider extends Consumer: its dispatcher is initialized with both
// an inbound and an outbound Exchange group, and it registers a
// ServiceExecutor as the dispatcher's inbound-request observer during
// OnStart so every request routed to its domain gets executed.
type Provider struct {
	*Consumer

	verify   executor.AccessVerifier
	executor *executor.ServiceExecutor

	pending []registration
}

type registration struct {
	alias, version string
	handler        executor.ServiceHandler
}

// NewProvider builds a Provider. verify may be nil, in which case
// every request is authorized.
func NewProvider(domainName string, cfg *config.Config, br broker.Broker, log *slog.Logger, verify executor.AccessVerifier) *Provider {
	return &Provider{
		Consumer: NewConsumer(domainName, cfg, br, log),
		verify:   verify,
	}
}

// Register adds a handler for (alias, version). It may be called
// before Start (buffered until the executor exists) or any time after.
func (p *Provider) Register(alias, version string, h executor.ServiceHandler) {
	if p.executor == nil {
		p.pending = append(p.pending, registration{alias, version, h})
		return
	}
	p.registerHandlerAndRegistry(context.Background(), alias, version, h)
}

// OnStart implements Lifecycle: it builds the provider's inbound group
// alongside Consumer's outbound one, initializes the dispatcher over
// both, and attaches a ServiceExecutor as the inbound-request observer.
func (p *Provider) OnStart(ctx context.Context) error {
	p.tracer = p.newTracer()

	inbound := p.buildInboundGroup()
	outbound := p.buildOutboundGroup()
	ex := exchange.New(p.DomainName, p.InstanceID, p.Config.MessageExchange.QueuePrefix, inbound, outbound, p.tracer)

	if err := p.initializeDispatcher(ctx, ex); err != nil {
		return err
	}

	p.executor = executor.New(p.InstanceID, p.dispatcher, p.verify, p.Cancel(), p.newLabelStore(), p.Log)
	for _, r := range p.pending {
		p.registerHandlerAndRegistry(ctx, r.alias, r.version, r.handler)
	}
	p.pending = nil

	p.executor.AttachTo(p.dispatcher)
	p.caller.AttachTo(p.dispatcher)
	return nil
}

// registerHandlerAndRegistry adds h to the executor and marks alias as
// offered by this domain in the service registry set, so a Caller's
// registry-membership check in ExecuteServiceCall finds it.
func (p *Provider) registerHandlerAndRegistry(ctx context.Context, alias, version string, h executor.ServiceHandler) {
	p.executor.Register(alias, version, h)
	if err := p.Broker.SetAdd(ctx, p.Config.Service.RegistryAddress+p.DomainName, alias); err != nil {
		p.Log.Warn("failed to register service alias", "domain", p.DomainName, "alias", alias, "error", err)
	}
}

func (p *Provider) buildInboundGroup() exchange.Group {
	pending, processing, _ := exchange.QueueNames(p.Config.MessageExchange.QueuePrefix, p.DomainName, p.InstanceID)
	connID := "inbound:" + p.DomainName + ":" + p.InstanceID

	payloadOpts := handler.PayloadStoreOptions{
		KeyPrefix:      p.Config.MessageExchange.QueuePrefix,
		InlineMaxBytes: p.Config.MessageExchange.InlinePayloadMaxBytes,
		TTLSeconds:     p.Config.MessageExchange.PayloadTTLSeconds,
	}

	receiver := handler.NewReceiver(connID, p.Broker, pending, processing,
		p.Config.MessageExchange.SecurityHashEnabled, p.Config.MessageExchange.SecurityHashKey, p.Log)
	sender := handler.NewSender(connID+":responses", p.Broker,
		p.Config.MessageExchange.SecurityHashEnabled, p.Config.MessageExchange.SecurityHashKey, payloadOpts)

	return exchange.Group{Receiver: receiver, Sender: sender}
}
