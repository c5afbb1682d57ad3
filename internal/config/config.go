// Package config loads the svcbus process configuration: a YAML file
// overlaid with process environment variables of the matching
// upper-snake name, exactly as spec.md §6 requires ("Configuration
// values may be overridden by process environment variables of the
// corresponding name").
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config covers every option spec.md §6 names plus the SPEC_FULL
// ambient/payload-store additions.
type Config struct {
	ServiceDomainName string `yaml:"service_domain_name"`
	ServiceInstanceID string `yaml:"service_instance_id"`

	Logging         LoggingConfig         `yaml:"logging"`
	MessageExchange MessageExchangeConfig `yaml:"message_exchange"`
	MemoryCache     MemoryCacheConfig     `yaml:"memory_cache"`
	Service         ServiceConfig         `yaml:"service"`
}

type LoggingConfig struct {
	ConsoleEnabled bool   `yaml:"console_enabled"`
	Details        bool   `yaml:"details"`
	MinLevel       string `yaml:"min_level"`
	UsesJSON       bool   `yaml:"uses_json"`
	Locale         string `yaml:"locale"`
}

type MessageExchangeConfig struct {
	QueuePrefix string `yaml:"queue_prefix"`

	SecurityHashEnabled bool   `yaml:"security_hash_enabled"`
	SecurityHashKey     string `yaml:"security_hash_key"`

	TraceLogEnabled      bool   `yaml:"trace_log_enabled"`
	TraceRepository      string `yaml:"trace_repository"`
	TraceExpirationTime  int    `yaml:"trace_expiration_time"`

	InlinePayloadMaxBytes int `yaml:"inline_payload_max_bytes"`
	PayloadTTLSeconds     int `yaml:"payload_ttl_seconds"`
}

type MemoryCacheConfig struct {
	RedisHost             string `yaml:"redis_host"`
	RedisPort             int    `yaml:"redis_port"`
	RedisDB               int    `yaml:"redis_db"`
	RedisAuthKey          string `yaml:"redis_auth_key"`
	RedisUser             string `yaml:"redis_user"`
	RedisRetryMaxAttempts int    `yaml:"redis_retry_max_attempts"`
	RedisRetryMaxInterval int    `yaml:"redis_retry_max_interval_seconds"`
}

type ServiceConfig struct {
	ExecutionTimeoutMillis int    `yaml:"execution_timeout_millis"`
	HealthCheckAddress     string `yaml:"health_check_address"`
	HealthCheckInterval    string `yaml:"health_check_interval_cron"`
	HealthCheckTimeout     int    `yaml:"health_check_timeout_seconds"`
	RegistryAddress        string `yaml:"registry_address"`
}

// New builds a Config without a backing file: defaults and environment
// overrides are applied exactly as Load would, for callers that start
// an instance from flags/env alone (cmd/svcbusd's no-config-file path).
func New(domainName string) (*Config, error) {
	cfg := &Config{ServiceDomainName: domainName}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads filename as YAML, applies defaults for anything left
// zero, overlays environment variables, then validates.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if c.MessageExchange.QueuePrefix == "" {
		c.MessageExchange.QueuePrefix = "svcbus:"
	}
	if c.MessageExchange.TraceRepository == "" {
		c.MessageExchange.TraceRepository = c.MessageExchange.QueuePrefix + "trace"
	}
	if c.MemoryCache.RedisHost == "" {
		c.MemoryCache.RedisHost = "localhost"
	}
	if c.MemoryCache.RedisPort == 0 {
		c.MemoryCache.RedisPort = 6379
	}
	if c.MemoryCache.RedisRetryMaxAttempts == 0 {
		c.MemoryCache.RedisRetryMaxAttempts = 5
	}
	if c.MemoryCache.RedisRetryMaxInterval == 0 {
		c.MemoryCache.RedisRetryMaxInterval = 1
	}
	if c.Service.ExecutionTimeoutMillis == 0 {
		c.Service.ExecutionTimeoutMillis = 30_000
	}
	if c.Service.HealthCheckAddress == "" {
		c.Service.HealthCheckAddress = c.MessageExchange.QueuePrefix + "health:"
	}
	if c.Service.HealthCheckInterval == "" {
		c.Service.HealthCheckInterval = "@every 30s"
	}
	if c.Service.HealthCheckTimeout == 0 {
		c.Service.HealthCheckTimeout = 90
	}
	if c.Service.RegistryAddress == "" {
		c.Service.RegistryAddress = c.MessageExchange.QueuePrefix + "registry:"
	}
	if c.ServiceInstanceID == "" {
		c.ServiceInstanceID = generateInstanceID()
	}
}

// applyEnvOverrides overlays any field whose env var is set, using the
// exact names spec.md §6 lists.
func (c *Config) applyEnvOverrides() {
	overlayBool(&c.Logging.ConsoleEnabled, "AUDITING_LOG_CONSOLE_ENABLED")
	overlayBool(&c.Logging.Details, "AUDITING_LOG_DETAILS")
	overlayString(&c.Logging.MinLevel, "AUDITING_LOG_MIN_LEVEL")
	overlayBool(&c.Logging.UsesJSON, "AUDITING_LOG_USES_JSON")
	overlayString(&c.Logging.Locale, "AUDITING_LOG_LOCALE")

	overlayString(&c.MessageExchange.QueuePrefix, "MESSAGE_EXCHANGE_QUEUE_PREFIX")
	overlayBool(&c.MessageExchange.SecurityHashEnabled, "MESSAGE_EXCHANGE_SECURITY_HASH_ENABLED")
	overlayString(&c.MessageExchange.SecurityHashKey, "MESSAGE_EXCHANGE_SECURITY_HASH_KEY")
	overlayBool(&c.MessageExchange.TraceLogEnabled, "MESSAGE_EXCHANGE_TRACE_LOG_ENABLED")
	overlayString(&c.MessageExchange.TraceRepository, "MESSAGE_EXCHANGE_TRACE_REPOSITORY")
	overlayInt(&c.MessageExchange.TraceExpirationTime, "MESSAGE_EXCHANGE_TRACE_EXPIRATION_TIME")
	overlayInt(&c.MessageExchange.InlinePayloadMaxBytes, "MESSAGE_EXCHANGE_INLINE_PAYLOAD_MAX_BYTES")
	overlayInt(&c.MessageExchange.PayloadTTLSeconds, "MESSAGE_EXCHANGE_PAYLOAD_TTL_SECONDS")

	overlayString(&c.MemoryCache.RedisHost, "MEMORY_CACHE_REDIS_HOST")
	overlayInt(&c.MemoryCache.RedisPort, "MEMORY_CACHE_REDIS_PORT")
	overlayInt(&c.MemoryCache.RedisDB, "MEMORY_CACHE_REDIS_DB")
	overlayString(&c.MemoryCache.RedisAuthKey, "MEMORY_CACHE_REDIS_AUTH_KEY")
	overlayString(&c.MemoryCache.RedisUser, "MEMORY_CACHE_REDIS_USER")
	overlayInt(&c.MemoryCache.RedisRetryMaxAttempts, "MEMORY_CACHE_REDIS_RETRY_MAX_ATTEMPTS")
	overlayInt(&c.MemoryCache.RedisRetryMaxInterval, "MEMORY_CACHE_REDIS_RETRY_MAX_INTERVAL")

	overlayInt(&c.Service.ExecutionTimeoutMillis, "SERVICE_EXECUTION_TIMEOUT")
	overlayString(&c.Service.HealthCheckAddress, "SERVICE_HEALTH_CHECK_ADDRESS")
	overlayString(&c.Service.HealthCheckInterval, "SERVICE_HEALTH_CHECK_INTERVAL")
	overlayInt(&c.Service.HealthCheckTimeout, "SERVICE_HEALTH_CHECK_TIMEOUT")
	overlayString(&c.Service.RegistryAddress, "SERVICE_REGISTRY_ADDRESS")

	overlayString(&c.ServiceDomainName, "SERVICE_DOMAIN_NAME")
	overlayString(&c.ServiceInstanceID, "SERVICE_INSTANCE_ID")
}

func (c *Config) validate() error {
	if c.ServiceDomainName == "" {
		return fmt.Errorf("service_domain_name (or SERVICE_DOMAIN_NAME) is required")
	}
	if c.MemoryCache.RedisRetryMaxAttempts < 0 {
		return fmt.Errorf("memory_cache.redis_retry_max_attempts cannot be negative: %d", c.MemoryCache.RedisRetryMaxAttempts)
	}
	if c.Service.ExecutionTimeoutMillis <= 0 {
		return fmt.Errorf("service.execution_timeout_millis must be positive: %d", c.Service.ExecutionTimeoutMillis)
	}
	return nil
}

func overlayString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overlayBool(dst *bool, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func overlayInt(dst *int, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// generateInstanceID produces the per-process instance identity used
// when neither the config file nor SERVICE_INSTANCE_ID supplies one.
func generateInstanceID() string {
	return uuid.NewString()
}
