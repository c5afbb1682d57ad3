package executor

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/dispatch"
	"github.com/tenzoki/svcbus/internal/exchange"
	"github.com/tenzoki/svcbus/internal/handler"
	"github.com/tenzoki/svcbus/internal/labels"
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

func newRequest(alias, version, authToken string) *message.ServiceCall {
	return &message.ServiceCall{
		Message: message.Message{
			MessageID:   message.NewMessageID(),
			ChainID:     message.NewMessageID(),
			Source:      message.Endpoint{InstanceID: "callerA", Route: "checkout"},
			Destination: message.Endpoint{InstanceID: "providerA", Route: "billing"},
		},
		ServiceAddress: message.ServiceAddress{ServiceDomainName: "billing", ServiceAlias: alias, ServiceVersion: version},
		AuthToken:      authToken,
		CreatedOn:      time.Now(),
	}
}

func newTestExecutor(t *testing.T, verify AccessVerifier) (*ServiceExecutor, broker.Broker, context.Context) {
	t.Helper()
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	inbound := exchange.Group{Sender: handler.NewSender("resp-out", b, false, "", handler.PayloadStoreOptions{})}
	ex := exchange.New("billing", "providerA", "svcbus:", inbound, exchange.Group{}, nil)

	d := dispatch.New(nil, 3, nil)
	require.NoError(t, d.Initialize(ctx, ex))

	exec := New("providerA", d, verify, nil, nil, nil)
	return exec, b, ctx
}

func TestOnMessageInvokesResolvedHandlerAndSendsResponse(t *testing.T) {
	exec, b, ctx := newTestExecutor(t, nil)
	exec.Register("charge", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		return map[string]interface{}{"status": "charged"}, nil
	})

	req := newRequest("charge", "v1", "")
	exec.OnMessage(req)

	_, _, processed := exchange.QueueNames("svcbus:", "checkout", "callerA")
	raw, err := b.ListPopTailBlocking(ctx, processed, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	resp, err := message.FromJSON(raw)
	require.NoError(t, err)
	require.True(t, resp.Result.IsSuccessful)
	require.JSONEq(t, `{"status":"charged"}`, string(resp.Result.Payload))
}

func TestOnMessageResolvesGreatestVersionWhenUnspecified(t *testing.T) {
	exec, b, ctx := newTestExecutor(t, nil)
	for _, v := range []string{"v1", "v2", "v10"} {
		v := v
		exec.Register("charge", v, func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
			return map[string]string{"handled_by": v}, nil
		})
	}

	exec.OnMessage(newRequest("charge", "", ""))

	_, _, processed := exchange.QueueNames("svcbus:", "checkout", "callerA")
	raw, err := b.ListPopTailBlocking(ctx, processed, time.Second)
	require.NoError(t, err)
	resp, err := message.FromJSON(raw)
	require.NoError(t, err)
	require.True(t, resp.Result.IsSuccessful)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Result.Payload, &body))
	// lexicographically greatest among v1, v10, v2 is "v2"
	require.Equal(t, "v2", body["handled_by"])
}

func TestOnMessageRejectsUnauthorizedAccess(t *testing.T) {
	exec, b, ctx := newTestExecutor(t, func(authToken string, address message.ServiceAddress) error {
		return svcerr.New(svcerr.KindUnauthorizedAccess, "no token")
	})
	exec.Register("charge", "v1", func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (interface{}, error) {
		t.Fatal("handler must not run when access is denied")
		return nil, nil
	})

	exec.OnMessage(newRequest("charge", "v1", ""))

	_, _, processed := exchange.QueueNames("svcbus:", "checkout", "callerA")
	raw, err := b.ListPopTailBlocking(ctx, processed, time.Second)
	require.NoError(t, err)
	resp, err := message.FromJSON(raw)
	require.NoError(t, err)
	require.False(t, resp.Result.IsSuccessful)
	require.Equal(t, svcerr.KindUnauthorizedAccess, resp.Result.Exception.Kind)
}

func TestOnMessageResolvesExceptionLabelFromLabelsStore(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, b.HashSet(ctx, "svcbus:labels:de", string(svcerr.KindServiceNotFound), []byte("Dienst nicht gefunden")))

	inbound := exchange.Group{Sender: handler.NewSender("resp-out", b, false, "", handler.PayloadStoreOptions{})}
	ex := exchange.New("billing", "providerA", "svcbus:", inbound, exchange.Group{}, nil)
	d := dispatch.New(nil, 3, nil)
	require.NoError(t, d.Initialize(ctx, ex))

	exec := New("providerA", d, nil, nil, labels.New(b, "svcbus:", "de"), nil)
	exec.OnMessage(newRequest("refund", "v1", ""))

	_, _, processed := exchange.QueueNames("svcbus:", "checkout", "callerA")
	raw, err := b.ListPopTailBlocking(ctx, processed, time.Second)
	require.NoError(t, err)
	resp, err := message.FromJSON(raw)
	require.NoError(t, err)
	require.False(t, resp.Result.IsSuccessful)
	require.Equal(t, "Dienst nicht gefunden", resp.Result.Exception.Label)
}

func TestOnMessageReturnsServiceNotFoundForUnknownAlias(t *testing.T) {
	exec, b, ctx := newTestExecutor(t, nil)

	exec.OnMessage(newRequest("refund", "v1", ""))

	_, _, processed := exchange.QueueNames("svcbus:", "checkout", "callerA")
	raw, err := b.ListPopTailBlocking(ctx, processed, time.Second)
	require.NoError(t, err)
	resp, err := message.FromJSON(raw)
	require.NoError(t, err)
	require.False(t, resp.Result.IsSuccessful)
	require.Equal(t, svcerr.KindServiceNotFound, resp.Result.Exception.Kind)
}
