// Package instance implements the Service Instance (spec.md §4.7): the
// start/stop lifecycle every running process goes through, health
// heartbeat scheduling, and the Consumer/Provider specializations that
// wire a Dispatcher to an outbound-only or inbound+outbound Exchange.
//
// Called by: cmd/svcbusd, cmd/svcbuscall
// Calls: internal/broker, internal/caller, internal/config, internal/dispatch,
// internal/exchange, internal/executor, internal/trace
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/config"
)

// Lifecycle is the subclass hook set Consumer/Provider implement.
// OnStart/OnStop run between Base's own preStart/postStart and
// preStop/postStop steps, exactly as spec.md §4.7 sequences them.
type Lifecycle interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

type phase int

const (
	phaseConstructed phase = iota
	phaseStarting
	phaseRunning
	phaseStopping
	phaseTerminated
)

const heartbeatField = "last_seen"

// Base implements the parts of the Service Instance lifecycle shared by
// every specialization: deriving the health-check key, scheduling and
// cancelling the heartbeat, and guarding against a double start/stop.
type Base struct {
	DomainName string
	InstanceID string
	Config     *config.Config
	Broker     broker.Broker
	Log        *slog.Logger

	mu    sync.Mutex
	phase phase

	healthCheckKey string
	cronSched      *cron.Cron
	cancel         chan struct{}
}

// NewBase builds the shared instance state. domainName identifies the
// service domain this instance registers under
// (ServiceAddress.ServiceDomainName); the instance identity itself
// comes from cfg.ServiceInstanceID.
func NewBase(domainName string, cfg *config.Config, br broker.Broker, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	return &Base{
		DomainName: domainName,
		InstanceID: cfg.ServiceInstanceID,
		Config:     cfg,
		Broker:     br,
		Log:        log,
		cancel:     make(chan struct{}),
	}
}

// Cancel is closed at preStop and threaded through every
// ServiceExecContext.Cancel so long-running handlers observe shutdown
// cooperatively.
func (b *Base) Cancel() <-chan struct{} { return b.cancel }

// Start drives preStart -> lc.OnStart -> postStart. An instance starts
// at most once: any later call, including one after Stop, returns an
// error.
func (b *Base) Start(ctx context.Context, lc Lifecycle) error {
	b.mu.Lock()
	if b.phase != phaseConstructed {
		b.mu.Unlock()
		return fmt.Errorf("instance %s already started", b.InstanceID)
	}
	b.phase = phaseStarting
	b.mu.Unlock()

	b.preStart()

	if err := lc.OnStart(ctx); err != nil {
		return fmt.Errorf("onStart failed for %s: %w", b.DomainName, err)
	}

	b.postStart()

	b.mu.Lock()
	b.phase = phaseRunning
	b.mu.Unlock()
	return nil
}

// Stop drives preStop -> lc.OnStop -> postStop. Calling it before a
// successful Start, or more than once, is a no-op.
func (b *Base) Stop(ctx context.Context, lc Lifecycle) error {
	b.mu.Lock()
	if b.phase != phaseRunning {
		b.mu.Unlock()
		return nil
	}
	b.phase = phaseStopping
	b.mu.Unlock()

	b.preStop()
	err := lc.OnStop(ctx)
	b.postStop()

	b.mu.Lock()
	b.phase = phaseTerminated
	b.mu.Unlock()
	return err
}

// preStart derives serviceHealthCheck = <healthAddress><domain>:<instanceID>.
func (b *Base) preStart() {
	b.healthCheckKey = b.Config.Service.HealthCheckAddress + b.DomainName + ":" + b.InstanceID
}

// postStart schedules the heartbeat on SERVICE_HEALTH_CHECK_INTERVAL
// and logs readiness.
func (b *Base) postStart() {
	b.cronSched = cron.New()
	if _, err := b.cronSched.AddFunc(b.Config.Service.HealthCheckInterval, b.heartbeat); err != nil {
		b.Log.Error("failed to schedule health heartbeat", "interval", b.Config.Service.HealthCheckInterval, "error", err)
	} else {
		b.cronSched.Start()
	}
	b.Log.Info("service instance ready", "domain", b.DomainName, "instance_id", b.InstanceID)
}

// preStop cancels the heartbeat and closes Cancel.
func (b *Base) preStop() {
	close(b.cancel)
	if b.cronSched != nil {
		b.cronSched.Stop()
	}
}

func (b *Base) postStop() {
	b.Log.Info("service instance stopped", "domain", b.DomainName, "instance_id", b.InstanceID)
}

// heartbeat stores nowISO in the last_seen field of the hash at
// <healthCheckKey> and sets that key's expiry to
// SERVICE_HEALTH_CHECK_TIMEOUT seconds; the key holds a hash, not a
// plain string value. Failures are logged at warning level and never
// crash the instance.
func (b *Base) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	if err := b.Broker.HashSet(ctx, b.healthCheckKey, heartbeatField, []byte(now)); err != nil {
		b.Log.Warn("health heartbeat failed", "key", b.healthCheckKey, "error", err)
		return
	}
	if err := b.Broker.Expire(ctx, b.healthCheckKey, b.Config.Service.HealthCheckTimeout); err != nil {
		b.Log.Warn("failed to refresh health heartbeat expiry", "key", b.healthCheckKey, "error", err)
	}
}
