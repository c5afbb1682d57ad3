package instance

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/config"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

func newTestBroker(t *testing.T) broker.Broker {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	b, err := broker.NewRedisBroker(broker.RedisOptions{
		Host:                srv.Host(),
		Port:                port,
		HealthCheckInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestConfig(domain, instanceID string) *config.Config {
	cfg := &config.Config{ServiceDomainName: domain, ServiceInstanceID: instanceID}
	cfg.MessageExchange.QueuePrefix = "svcbus:"
	cfg.MessageExchange.TraceRepository = "svcbus:trace"
	cfg.Service.ExecutionTimeoutMillis = 2000
	cfg.Service.RegistryAddress = "svcbus:registry:"
	cfg.Service.HealthCheckAddress = "svcbus:health:"
	cfg.Service.HealthCheckInterval = "@every 1h"
	cfg.Service.HealthCheckTimeout = 90
	return cfg
}

func TestProviderAndConsumerRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	provider := NewProvider("billing", newTestConfig("billing", "billing-1"), b, nil, nil)
	provider.Register("charge", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		return map[string]interface{}{"charged": params["amount"]}, nil
	})
	require.NoError(t, provider.Start(ctx, provider))
	defer provider.Stop(ctx, provider)

	consumer := NewConsumer("checkout", newTestConfig("checkout", "checkout-1"), b, nil)
	require.NoError(t, consumer.Start(ctx, consumer))
	defer consumer.Stop(ctx, consumer)

	address := message.ServiceAddress{ServiceDomainName: "billing", ServiceAlias: "charge"}
	result := consumer.CallService(ctx, address, "", map[string]interface{}{"amount": 42})

	require.True(t, result.IsSuccessful, "%+v", result.Exception)
	require.Contains(t, string(result.Payload), "42")
}

func TestConsumerCallServiceFailsWhenDomainNotRegistered(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	consumer := NewConsumer("checkout", newTestConfig("checkout", "checkout-2"), b, nil)
	require.NoError(t, consumer.Start(ctx, consumer))
	defer consumer.Stop(ctx, consumer)

	address := message.ServiceAddress{ServiceDomainName: "nonexistent", ServiceAlias: "noop"}
	result := consumer.CallService(ctx, address, "", nil)

	require.False(t, result.IsSuccessful)
}

func TestProviderRejectsUnauthorizedAccess(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	verify := func(authToken string, address message.ServiceAddress) error {
		if authToken != "secret" {
			return svcerr.New(svcerr.KindUnauthorizedAccess, "bad token")
		}
		return nil
	}

	provider := NewProvider("billing", newTestConfig("billing", "billing-2"), b, nil, verify)
	provider.Register("charge", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, provider.Start(ctx, provider))
	defer provider.Stop(ctx, provider)

	consumer := NewConsumer("checkout", newTestConfig("checkout", "checkout-3"), b, nil)
	require.NoError(t, consumer.Start(ctx, consumer))
	defer consumer.Stop(ctx, consumer)

	address := message.ServiceAddress{ServiceDomainName: "billing", ServiceAlias: "charge"}
	result := consumer.CallService(ctx, address, "wrong-token", nil)

	require.False(t, result.IsSuccessful)
	require.Equal(t, svcerr.KindUnauthorizedAccess, result.Exception.Kind)
}
