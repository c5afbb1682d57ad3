package handler

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/message"
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

type recordingObserver struct {
	messages chan *message.ServiceCall
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{messages: make(chan *message.ServiceCall, 8)}
}

func (o *recordingObserver) OnMessage(call *message.ServiceCall) { o.messages <- call }
func (o *recordingObserver) OnConnectionDisrupted()              {}
func (o *recordingObserver) OnConnectionRecovered()              {}

func newCall(route string) *message.ServiceCall {
	return &message.ServiceCall{
		Message: message.Message{
			MessageID:   message.NewMessageID(),
			ChainID:     message.NewMessageID(),
			Destination: message.Endpoint{Route: route},
		},
		CreatedOn: time.Now(),
	}
}

func TestReceiverDeliversPushedMessage(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewSender("sender1", b, false, "", PayloadStoreOptions{})
	require.NoError(t, sender.Enable(ctx))

	call := newCall("domain.svc")
	require.NoError(t, sender.Send(ctx, call, "pending:domain"))

	receiver := NewReceiver("recv1", b, "pending:domain", "", false, "", nil)
	obs := newRecordingObserver()
	receiver.AddObserver(obs)
	require.NoError(t, receiver.Enable(ctx))
	defer receiver.Disable(context.Background())

	select {
	case got := <-obs.messages:
		require.Equal(t, call.MessageID, got.MessageID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected message to be delivered")
	}
}

func TestReceiverMovesIntoProcessingQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewSender("sender1", b, false, "", PayloadStoreOptions{})
	require.NoError(t, sender.Enable(ctx))
	call := newCall("domain.svc")
	require.NoError(t, sender.Send(ctx, call, "pending:domain"))

	receiver := NewReceiver("recv1", b, "pending:domain", "processing:domain:inst1", false, "", nil)
	obs := newRecordingObserver()
	receiver.AddObserver(obs)
	require.NoError(t, receiver.Enable(ctx))
	defer receiver.Disable(context.Background())

	select {
	case <-obs.messages:
	case <-time.After(3 * time.Second):
		t.Fatal("expected message to be delivered")
	}
}

func TestReceiverDropsTamperedMessage(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewSender("sender1", b, true, "secret-key", PayloadStoreOptions{})
	require.NoError(t, sender.Enable(ctx))
	call := newCall("domain.svc")
	require.NoError(t, sender.Send(ctx, call, "pending:domain"))

	receiver := NewReceiver("recv1", b, "pending:domain", "", true, "wrong-key", nil)
	obs := newRecordingObserver()
	receiver.AddObserver(obs)
	require.NoError(t, receiver.Enable(ctx))
	defer receiver.Disable(context.Background())

	select {
	case <-obs.messages:
		t.Fatal("tampered message must not be delivered")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestReceiverResolvesPayloadRef(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := NewSender("sender1", b, false, "", PayloadStoreOptions{
		KeyPrefix:      "svcbus:",
		InlineMaxBytes: 4,
		TTLSeconds:     60,
	})
	require.NoError(t, sender.Enable(ctx))

	call := newCall("domain.svc")
	call.Payload = []byte(`{"big":"payload-bigger-than-four-bytes"}`)
	require.NoError(t, sender.Send(ctx, call, "pending:domain"))

	receiver := NewReceiver("recv1", b, "pending:domain", "", false, "", nil)
	obs := newRecordingObserver()
	receiver.AddObserver(obs)
	require.NoError(t, receiver.Enable(ctx))
	defer receiver.Disable(context.Background())

	select {
	case got := <-obs.messages:
		require.JSONEq(t, `{"big":"payload-bigger-than-four-bytes"}`, string(got.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("expected resolved payload to be delivered")
	}
}
