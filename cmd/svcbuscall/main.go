// Command svcbuscall is a one-shot Consumer: it issues a single service
// call against a running bus and prints the resulting ServiceResult as
// JSON, for smoke-testing a deployment without writing a client program.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/config"
	"github.com/tenzoki/svcbus/internal/logging"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/public/instance"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "svcbuscall --domain DOMAIN --alias ALIAS [--params '{...}']",
	Short: "svcbuscall issues a single service call against a running svcbus",
	RunE:  runCall,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to a YAML configuration file (built from flags/env when omitted)")
	rootCmd.Flags().String("caller-domain", "svcbuscall", "service domain this one-shot caller identifies as")
	rootCmd.Flags().String("domain", "", "target service domain name (required)")
	rootCmd.Flags().String("alias", "", "target service alias (required)")
	rootCmd.Flags().String("version", "", "target service version (optional; latest is resolved when omitted)")
	rootCmd.Flags().String("params", "{}", "JSON object of call parameters")
	rootCmd.Flags().String("auth-token", "", "auth token to present to the target's access verifier, if any")

	rootCmd.MarkFlagRequired("domain")
	rootCmd.MarkFlagRequired("alias")
}

func runCall(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	callerDomain, _ := cmd.Flags().GetString("caller-domain")
	targetDomain, _ := cmd.Flags().GetString("domain")
	alias, _ := cmd.Flags().GetString("alias")
	version, _ := cmd.Flags().GetString("version")
	paramsJSON, _ := cmd.Flags().GetString("params")
	authToken, _ := cmd.Flags().GetString("auth-token")

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("parsing --params as JSON: %w", err)
	}

	cfg, err := loadConfig(configFile, callerDomain)
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

	consumer := instance.NewConsumer(cfg.ServiceDomainName, cfg, br, log)
	ctx := context.Background()
	if err := consumer.Start(ctx, consumer); err != nil {
		return fmt.Errorf("starting caller instance: %w", err)
	}
	defer consumer.Stop(ctx, consumer)

	address := message.ServiceAddress{
		ServiceDomainName: targetDomain,
		ServiceAlias:      alias,
		ServiceVersion:    version,
	}
	result := consumer.CallService(ctx, address, authToken, params)

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(encoded))

	if !result.IsSuccessful {
		os.Exit(1)
	}
	return nil
}

func loadConfig(path, callerDomain string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.New(callerDomain)
}
