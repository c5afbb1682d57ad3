package handler

import (
	"context"
	"fmt"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

// PayloadStoreOptions configures the SPEC_FULL §3 payload-spillover
// behavior. InlineMaxBytes <= 0 disables spillover entirely: payloads
// are always sent inline, matching spec.md's original shape.
type PayloadStoreOptions struct {
	KeyPrefix      string
	InlineMaxBytes int
	TTLSeconds     int
}

// Sender push-writes ServiceCalls to a route queue. It is a thin
// specialization of Base: its only real behavior is Send, plus the
// enable/disable/connection-event bookkeeping every handler shares.
type Sender struct {
	Base

	br          broker.Broker
	hashEnabled bool
	hashKey     string
	payload     PayloadStoreOptions
}

// NewSender builds a Sender bound to br. hashKey is only used when
// hashEnabled is true (MESSAGE_EXCHANGE_SECURITY_HASH_ENABLED).
func NewSender(connectionID string, br broker.Broker, hashEnabled bool, hashKey string, payload PayloadStoreOptions) *Sender {
	return &Sender{
		Base:        NewBase(connectionID),
		br:          br,
		hashEnabled: hashEnabled,
		hashKey:     hashKey,
		payload:     payload,
	}
}

// Enable marks the sender available and starts tracking the broker's
// connection events.
func (s *Sender) Enable(ctx context.Context) error {
	s.br.AddConnectionObserver(s)
	s.setAvailable(true)
	return nil
}

// Disable marks the sender unavailable. It does not close the broker
// connection, which may be shared with other handlers.
func (s *Sender) Disable(ctx context.Context) error {
	s.setAvailable(false)
	return nil
}

// OnConnectionDisrupted implements broker.ConnectionObserver.
func (s *Sender) OnConnectionDisrupted(identifier string) {
	s.setAvailable(false)
	s.notifyDisrupted()
}

// OnConnectionRecovered implements broker.ConnectionObserver.
func (s *Sender) OnConnectionRecovered(identifier string) {
	s.setAvailable(true)
	s.notifyRecovered()
}

// payloadField is the single hash field every payload-store entry uses;
// one field per key keeps the ref a bare key string.
const payloadField = "data"

// Send spills an oversized payload to the payload store, signs (if
// integrity is enabled), and push-writes call to queue. Completion of
// the broker push is "sent" — it is not a delivery guarantee to any
// consumer.
func (s *Sender) Send(ctx context.Context, call *message.ServiceCall, queue string) error {
	if !s.IsAvailable() {
		return svcerr.New(svcerr.KindSenderUnavailable, "sender %s is unavailable", s.ConnectionID())
	}

	if err := s.spillPayloadIfNeeded(ctx, call); err != nil {
		return err
	}

	if s.hashEnabled {
		if err := call.SignHash(s.hashKey); err != nil {
			return svcerr.Wrap(err, "sign message before send")
		}
	}

	data, err := call.ToJSON()
	if err != nil {
		return svcerr.Wrap(err, "marshal service call")
	}

	if err := s.br.ListPush(ctx, queue, data); err != nil {
		return svcerr.Wrap(err, "push to queue %s", queue)
	}
	return nil
}

// spillPayloadIfNeeded moves call.Payload to the broker payload store
// and replaces it with a reference marker when it exceeds
// MESSAGE_EXCHANGE_INLINE_PAYLOAD_MAX_BYTES. A message already carrying
// a ref (e.g. a relayed message) is left untouched.
func (s *Sender) spillPayloadIfNeeded(ctx context.Context, call *message.ServiceCall) error {
	if s.payload.InlineMaxBytes <= 0 || len(call.Payload) <= s.payload.InlineMaxBytes {
		return nil
	}
	if _, _, ok := call.PayloadRef(); ok {
		return nil
	}

	key := fmt.Sprintf("%spayload:%s", s.payload.KeyPrefix, call.MessageID)
	size := len(call.Payload)
	if err := s.br.HashSet(ctx, key, payloadField, call.Payload); err != nil {
		return svcerr.Wrap(err, "spill payload for %s", call.MessageID)
	}
	if s.payload.TTLSeconds > 0 {
		if err := s.br.Expire(ctx, key, s.payload.TTLSeconds); err != nil {
			return svcerr.Wrap(err, "set payload ttl for %s", call.MessageID)
		}
	}
	return call.SetPayloadRef(key, size)
}
