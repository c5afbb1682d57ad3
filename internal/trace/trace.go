// Package trace implements the Message Tracer (spec.md §4.8): it
// builds a privacy-scrubbed snapshot of a dispatch event and appends it
// to a broker-backed trace repository, falling back to a Set when the
// broker's JSON-path commands are unavailable. Every failure is logged
// and swallowed — tracer errors must never propagate to the
// dispatcher or caller.
//
// Called by: internal/dispatch, internal/exchange
// Calls: internal/broker, internal/labels, internal/message, internal/svcerr
package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/tenzoki/svcbus/internal/broker"
	"github.com/tenzoki/svcbus/internal/labels"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

// sensitiveKeyPattern matches the field names the snapshot must
// obscure rather than include verbatim.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)pin|pass|otp`)

const obscuredValue = "***"

// Tracer records trace entries to a broker-backed repository.
type Tracer struct {
	br                broker.Broker
	repositoryKey      string
	expirationSeconds int
	logEnabled        bool
	labels            *labels.Store
	log               *slog.Logger
}

// New builds a Tracer. expirationSeconds <= 0 means the repository key
// never expires. labelStore may be nil, in which case the dispatch
// event logged at each trace point is the untranslated event name.
func New(br broker.Broker, repositoryKey string, expirationSeconds int, logEnabled bool, labelStore *labels.Store, log *slog.Logger) *Tracer {
	if log == nil {
		log = slog.Default()
	}
	return &Tracer{
		br:                br,
		repositoryKey:     repositoryKey,
		expirationSeconds: expirationSeconds,
		logEnabled:        logEnabled,
		labels:            labelStore,
		log:               log,
	}
}

// RecordTraceEntry builds and appends one trace entry. It never
// returns an error: every failure is logged at warning level, and a
// recovered panic at error level.
func (t *Tracer) RecordTraceEntry(call *message.ServiceCall, msgType message.MessageType, event message.DispatchEvent, state message.MessageState) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("tracer panicked", "recover", r)
		}
	}()

	snap, err := buildSnapshot(call)
	if err != nil {
		t.log.Warn("failed to build trace snapshot", "message_id", call.MessageID, "error", err)
		return
	}

	entry := message.TraceEntry{
		TraceID:         message.NewMessageID(),
		ChainID:         call.ChainID,
		MessageID:       call.MessageID,
		MessageType:     msgType,
		DispatchEvent:   event,
		MessageState:    state,
		FromAddress:     formatAddress(call.Source),
		ToAddress:       formatAddress(call.Destination),
		MessageSnapshot: snap,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.log.Warn("failed to marshal trace entry", "message_id", call.MessageID, "error", err)
		return
	}

	ctx := context.Background()

	if t.logEnabled {
		label := string(event)
		if t.labels != nil {
			label = t.labels.Lookup(ctx, "dispatch_event."+string(event), label)
		}
		if event == message.EventFailed {
			t.log.Error("dispatch event", "chain_id", entry.ChainID, "message_id", entry.MessageID, "event", event, "state", state, "label", label)
		} else {
			t.log.Info("dispatch event", "chain_id", entry.ChainID, "message_id", entry.MessageID, "event", event, "state", state, "label", label)
		}
	}

	t.append(ctx, data)
}

func (t *Tracer) append(ctx context.Context, data []byte) {
	err := t.br.AppendJSONArrayPath(ctx, t.repositoryKey, "$.trace", data)
	if err != nil {
		if svcerr.Is(err, svcerr.KindFeatureUnsupported) {
			if addErr := t.br.SetAdd(ctx, t.repositoryKey, string(data)); addErr != nil {
				t.log.Warn("failed to append trace entry to fallback set", "error", addErr)
				return
			}
		} else {
			t.log.Warn("failed to append trace entry", "error", err)
			return
		}
	}

	if t.expirationSeconds > 0 {
		if err := t.br.Expire(ctx, t.repositoryKey, t.expirationSeconds); err != nil {
			t.log.Warn("failed to refresh trace repository expiry", "error", err)
		}
	}
}

func formatAddress(ep message.Endpoint) string {
	if ep.InstanceID == "" {
		return ep.Route
	}
	return ep.Route + "." + ep.InstanceID
}

// buildSnapshot deep-copies call via its own JSON encoding, strips
// payload/chainID/messageID, and obscures any sensitive-looking key.
func buildSnapshot(call *message.ServiceCall) (json.RawMessage, error) {
	data, err := call.ToJSON()
	if err != nil {
		return nil, svcerr.Wrap(err, "marshal call for snapshot")
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, svcerr.Wrap(err, "decode call for snapshot")
	}

	delete(tree, "payload")
	delete(tree, "chain_id")
	delete(tree, "message_id")
	obscureSensitive(tree)

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, svcerr.Wrap(err, "marshal snapshot")
	}
	return out, nil
}

func obscureSensitive(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, val := range node {
			if sensitiveKeyPattern.MatchString(k) {
				node[k] = obscuredValue
				continue
			}
			obscureSensitive(val)
		}
	case []interface{}:
		for _, item := range node {
			obscureSensitive(item)
		}
	}
}
