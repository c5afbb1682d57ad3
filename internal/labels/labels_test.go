package labels

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/svcbus/internal/broker"
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

func TestLookupReturnsStoredLabel(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.HashSet(ctx, "svcbus:labels:en", "service_not_found", []byte("Service not found")))

	s := New(b, "svcbus:", "en")
	require.Equal(t, "Service not found", s.Lookup(ctx, "service_not_found", "fallback"))
}

func TestLookupFallsBackOnMiss(t *testing.T) {
	b := newTestBroker(t)
	s := New(b, "svcbus:", "en")
	require.Equal(t, "fallback", s.Lookup(context.Background(), "unknown_key", "fallback"))
}

func TestLookupLocaleOverridesDefault(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.HashSet(ctx, "svcbus:labels:de", "service_not_found", []byte("Dienst nicht gefunden")))

	s := New(b, "svcbus:", "en")
	require.Equal(t, "Dienst nicht gefunden", s.LookupLocale(ctx, "de", "service_not_found", "fallback"))
}
