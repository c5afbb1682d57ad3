// Command svcbusd starts a Provider service instance: it loads a
// configuration file (or builds one from flags/env), dials the memory
// cache broker, registers a small in-process handler registry under
// the configured service domain, and blocks until an OS signal
// requests shutdown.
//
// A real deployment would load its business handlers from an external
// plugin mechanism; that mechanism is out of scope here (spec.md
// Non-goals), so this entry point wires a couple of demo handlers
// (ping, echo) to exercise the Provider lifecycle end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/config"
	"github.com/tenzoki/svcbus/internal/logging"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/public/instance"
)

const (
	shutdownGracePeriod = 10 * time.Second
	metricsLogInterval  = 30 * time.Second
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "svcbusd",
	Short: "svcbusd runs a svcbus Provider service instance",
	Long: `svcbusd starts a long-running Service Instance that registers a
service domain on the message bus and serves requests routed to it
until terminated.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to a YAML configuration file (built from flags/env when omitted)")
	rootCmd.Flags().String("domain", "", "service domain name this instance serves (overrides service_domain_name / SERVICE_DOMAIN_NAME)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	domainFlag, _ := cmd.Flags().GetString("domain")

	cfg, err := loadConfig(configFile, domainFlag)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logging.New(cfg.Logging)

	br, err := broker.NewRedisBroker(broker.RedisOptions{
		Host:             cfg.MemoryCache.RedisHost,
		Port:             cfg.MemoryCache.RedisPort,
		DB:               cfg.MemoryCache.RedisDB,
		AuthKey:          cfg.MemoryCache.RedisAuthKey,
		User:             cfg.MemoryCache.RedisUser,
		RetryMaxAttempts: cfg.MemoryCache.RedisRetryMaxAttempts,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("connecting to memory cache: %w", err)
	}
	defer br.Close()

	provider := instance.NewProvider(cfg.ServiceDomainName, cfg, br, log, nil)
	registerDemoHandlers(provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := provider.Start(ctx, provider); err != nil {
		return fmt.Errorf("starting service instance: %w", err)
	}
	log.Info("svcbusd started", "domain", cfg.ServiceDomainName, "instance_id", cfg.ServiceInstanceID)

	go logMetricsPeriodically(ctx, provider, log)

	<-ctx.Done()
	log.Info("shutdown signal received", "domain", cfg.ServiceDomainName)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	return provider.Stop(stopCtx, provider)
}

// logMetricsPeriodically polls the instance's dispatch counters and
// logs them, giving the embedding process the periodic visibility
// SPEC_FULL §4.15 calls for without requiring a separate metrics
// transport.
func logMetricsPeriodically(ctx context.Context, provider *instance.Provider, log *slog.Logger) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := provider.Metrics()
			log.Info("dispatch metrics",
				"sent", snap.Sent, "delivered", snap.Delivered, "failed", snap.Failed, "timed_out", snap.TimedOut)
		}
	}
}

// registerDemoHandlers wires a couple of trivial handlers so the
// instance is immediately useful for smoke-testing a deployment.
func registerDemoHandlers(p *instance.Provider) {
	p.Register("ping", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	})
	p.Register("echo", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		return params, nil
	})
}

// loadConfig follows the same priority hierarchy the rest of the pack
// uses for process configuration: an explicit file, if given, otherwise
// a config built entirely from environment variables and flags.
func loadConfig(path, domainOverride string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if domainOverride != "" {
			cfg.ServiceDomainName = domainOverride
		}
		return cfg, nil
	}
	cfg, err := config.New(domainOverride)
	if err != nil {
		return nil, err
	}
	if domainOverride != "" {
		cfg.ServiceDomainName = domainOverride
	}
	return cfg, nil
}
