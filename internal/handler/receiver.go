package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

// pollTimeout bounds each blocking pop so run notices ctx cancellation
// promptly even against a broker driver that ignores context on a
// blocking call.
const pollTimeout = 2 * time.Second

// Receiver runs an unbounded receive loop against one queue, verifying
// and resolving each message before fanning it out to observers. A
// failed verification or a transient broker error is logged and
// swallowed: the loop never terminates on its own, only via ctx or Disable.
type Receiver struct {
	Base

	br              broker.Broker
	receiveQueue    string
	processingQueue string // "" disables the atomic accept-into-processing step

	hashEnabled bool
	hashKey     string

	log *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReceiver builds a Receiver that pops from receiveQueue. When
// processingQueue is non-empty, pops move the raw message there
// atomically (ListPopTailPushHeadBlocking) instead of discarding it on
// pop (ListPopTailBlocking), so a crash between pop and full processing
// never silently drops work.
func NewReceiver(connectionID string, br broker.Broker, receiveQueue, processingQueue string, hashEnabled bool, hashKey string, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		Base:            NewBase(connectionID),
		br:              br,
		receiveQueue:    receiveQueue,
		processingQueue: processingQueue,
		hashEnabled:     hashEnabled,
		hashKey:         hashKey,
		log:             log,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Enable marks the receiver available and starts its receive loop.
// The loop exits once Disable is called or ctx is done.
func (r *Receiver) Enable(ctx context.Context) error {
	r.br.AddConnectionObserver(r)
	r.setAvailable(true)
	go r.run(ctx)
	return nil
}

// Disable stops the receive loop and marks the receiver unavailable.
// It blocks until the loop has actually exited.
func (r *Receiver) Disable(ctx context.Context) error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
	r.setAvailable(false)
	return nil
}

// OnConnectionDisrupted implements broker.ConnectionObserver.
func (r *Receiver) OnConnectionDisrupted(identifier string) {
	r.notifyDisrupted()
}

// OnConnectionRecovered implements broker.ConnectionObserver.
func (r *Receiver) OnConnectionRecovered(identifier string) {
	r.notifyRecovered()
}

func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		call, err := r.receiveOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("receiver pop failed", "connection", r.ConnectionID(), "error", err)
			continue
		}
		if call == nil {
			continue // poll timeout, nothing waiting
		}

		r.notifyMessage(call)
	}
}

// receiveOne pops and decodes a single message, or returns (nil, nil) on
// a poll timeout with nothing waiting.
func (r *Receiver) receiveOne(ctx context.Context) (*message.ServiceCall, error) {
	raw, err := r.pop(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	call, err := message.FromJSON(raw)
	if err != nil {
		r.log.Warn("dropping undecodable message", "connection", r.ConnectionID(), "error", err)
		return nil, nil
	}

	if r.hashEnabled {
		if !call.VerifyHash(r.hashKey) {
			r.log.Error("dropping tampered message",
				"connection", r.ConnectionID(),
				"message_id", call.MessageID,
				"error", svcerr.New(svcerr.KindMessageTampering, "hash mismatch for %s", call.MessageID))
			return nil, nil
		}
		call.StripHash()
	}

	if err := r.resolvePayload(ctx, call); err != nil {
		r.log.Warn("payload resolution failed", "connection", r.ConnectionID(), "message_id", call.MessageID, "error", err)
		return nil, nil
	}

	return call, nil
}

func (r *Receiver) pop(ctx context.Context) ([]byte, error) {
	if r.processingQueue != "" {
		return r.br.ListPopTailPushHeadBlocking(ctx, r.receiveQueue, r.processingQueue, pollTimeout)
	}
	return r.br.ListPopTailBlocking(ctx, r.receiveQueue, pollTimeout)
}

// resolvePayload replaces a payload-store reference with its resolved
// bytes, transparent to every observer downstream.
func (r *Receiver) resolvePayload(ctx context.Context, call *message.ServiceCall) error {
	key, _, ok := call.PayloadRef()
	if !ok {
		return nil
	}
	data, found, err := r.br.HashGet(ctx, key, payloadField)
	if err != nil {
		return svcerr.Wrap(err, "resolve payload ref %s", key)
	}
	if !found {
		return svcerr.New(svcerr.KindInternal, "payload ref %s expired before receive", key)
	}
	call.Payload = data
	return nil
}
