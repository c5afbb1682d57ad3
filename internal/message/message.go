// Package message defines the wire structures exchanged over the
// broker: the base Message envelope, the ServiceCall that extends it
// with call-level state, and the TraceEntry recorded for every dispatch
// event. All three are designed to be immutable after send except for
// the fields spec.md calls out explicitly (destination.instanceID, hash).
//
// Called by: handler, exchange, dispatch, caller, executor, trace
// Calls: encoding/json, crypto/hmac, github.com/google/uuid
package message

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/svcbus/internal/svcerr"
)

// Endpoint identifies one end of a Message: a route (domain name used as
// a queue selector) and, once accepted by a provider instance, the
// concrete instanceID that owns it.
type Endpoint struct {
	InstanceID string `json:"instance_id,omitempty"`
	Route      string `json:"route"`
}

// MessageType distinguishes a request from its response for tracing.
type MessageType string

const (
	MessageTypeRequest  MessageType = "REQUEST"
	MessageTypeResponse MessageType = "RESPONSE"
)

// DispatchEvent is one point in a message's journey through the dispatcher.
type DispatchEvent string

const (
	EventSent      DispatchEvent = "SENT"
	EventDelivered DispatchEvent = "DELIVERED"
	EventFailed    DispatchEvent = "FAILED"
	EventReceived  DispatchEvent = "RECEIVED"
)

// MessageState is whether the message is still awaiting processing or
// has been processed (i.e. is itself a response, or a request that has
// already produced one).
type MessageState string

const (
	StatePending   MessageState = "PENDING"
	StateProcessed MessageState = "PROCESSED"
)

// payloadRefMarker is the JSON shape a Sender substitutes for a payload
// that spilled to the broker-side payload store (SPEC_FULL §3). Receivers
// check for this shape before handing payload to an observer.
type payloadRefMarker struct {
	Ref  string `json:"$ref"`
	Size int    `json:"$size"`
}

// Message is the unit exchanged on every queue.
type Message struct {
	MessageID   string          `json:"message_id"`
	ChainID     string          `json:"chain_id"`
	ChainLevel  int             `json:"chain_level"`
	Source      Endpoint        `json:"source"`
	Destination Endpoint        `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Hash        string          `json:"hash,omitempty"`
}

// PayloadRef returns the payload-store handle carried by this message,
// if its payload was spilled rather than sent inline.
func (m *Message) PayloadRef() (key string, size int, ok bool) {
	var ref payloadRefMarker
	if len(m.Payload) == 0 {
		return "", 0, false
	}
	if err := json.Unmarshal(m.Payload, &ref); err != nil || ref.Ref == "" {
		return "", 0, false
	}
	return ref.Ref, ref.Size, true
}

// SetPayloadRef replaces Payload with a reference marker, used by the
// Sender when a payload exceeds the inline size threshold.
func (m *Message) SetPayloadRef(key string, size int) error {
	data, err := json.Marshal(payloadRefMarker{Ref: key, Size: size})
	if err != nil {
		return svcerr.Wrap(err, "marshal payload ref")
	}
	m.Payload = data
	return nil
}

// NewMessageID generates a globally-unique message identifier.
func NewMessageID() string { return uuid.New().String() }

// hashable returns the byte sequence the integrity hash is computed
// over: the whole call serialized with Hash always empty, so the hash
// never signs itself.
func (m ServiceCall) hashable() ([]byte, error) {
	m.Hash = ""
	return json.Marshal(m)
}

// SignHash computes and stores the integrity digest over everything but
// the hash field itself, keyed by key (MESSAGE_EXCHANGE_SECURITY_HASH_KEY).
func (m *ServiceCall) SignHash(key string) error {
	data, err := m.hashable()
	if err != nil {
		return svcerr.Wrap(err, "marshal message for signing")
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	m.Hash = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifyHash reports whether the message's stored Hash matches the
// digest computed over its current contents. A message with no hash
// always fails verification; callers should only call this when
// integrity is enabled.
func (m ServiceCall) VerifyHash(key string) bool {
	if m.Hash == "" {
		return false
	}
	want := m.Hash
	check := m
	data, err := check.hashable()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	got := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// StripHash clears the hash field after successful verification, since
// downstream observers should never see it.
func (m *Message) StripHash() { m.Hash = "" }

// ServiceAddress identifies a business service: a domain, an alias
// within that domain, and an optional version (when absent, the
// executor resolves the lexicographically greatest version present).
type ServiceAddress struct {
	ServiceDomainName string `json:"service_domain_name"`
	ServiceAlias      string `json:"service_alias"`
	ServiceVersion    string `json:"service_version,omitempty"`
}

// ServiceResult is the uniform response shape: { isSuccessful, exception?,
// payload? }. Per spec.md's "Open question" design note, this shape is
// used consistently regardless of which field the original put the
// success flag on.
type ServiceResult struct {
	IsSuccessful bool            `json:"is_successful"`
	Exception    *svcerr.Error   `json:"exception,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ServiceCall is a Message extended with call-level state.
type ServiceCall struct {
	Message

	AuthToken      string                 `json:"auth_token,omitempty"`
	ServiceAddress ServiceAddress         `json:"service_address"`
	ServiceParams  map[string]interface{} `json:"service_params,omitempty"`

	Predecessor string   `json:"predecessor,omitempty"`
	Successors  []string `json:"successors,omitempty"`

	CreatedOn     time.Time     `json:"created_on"`
	FinishedOn    time.Time     `json:"finished_on,omitempty"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
	IsCompleted   bool          `json:"is_completed"`

	Result ServiceResult `json:"result"`
}

// AddSuccessor lazily appends a messageID to Successors. Per spec.md's
// second open question, preparedServiceCall never pre-allocates this
// slice — it stays nil until a handler actually spawns a nested call.
func (c *ServiceCall) AddSuccessor(id string) {
	c.Successors = append(c.Successors, id)
}

// Finish stamps completion bookkeeping and stores the result, in one
// place so every caller of it (the Executor's OnMessage and
// NewResponse) keeps the three fields mutually consistent.
func (c *ServiceCall) Finish(result ServiceResult) {
	c.FinishedOn = time.Now()
	c.ExecutionTime = c.FinishedOn.Sub(c.CreatedOn)
	c.IsCompleted = true
	c.Result = result
}

// NewResponse builds the response ServiceCall for a request: source and
// destination are swapped, chain identity is preserved, and the result
// is attached.
func NewResponse(request *ServiceCall, responderInstanceID string, result ServiceResult) *ServiceCall {
	resp := &ServiceCall{
		Message: Message{
			MessageID:   NewMessageID(),
			ChainID:     request.ChainID,
			ChainLevel:  request.ChainLevel,
			Source:      Endpoint{InstanceID: responderInstanceID, Route: request.Destination.Route},
			Destination: Endpoint{InstanceID: request.Source.InstanceID, Route: request.Source.Route},
			Sequence:    request.Sequence + 1,
		},
		ServiceAddress: request.ServiceAddress,
		Predecessor:    request.MessageID,
		CreatedOn:      request.CreatedOn,
		Result:         result,
	}
	resp.Finish(result)
	return resp
}

// Clone returns a deep copy so observers can mutate their own view
// without racing other observers notified from the same fan-out.
func (c *ServiceCall) Clone() *ServiceCall {
	clone := *c
	if c.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.ServiceParams != nil {
		clone.ServiceParams = make(map[string]interface{}, len(c.ServiceParams))
		for k, v := range c.ServiceParams {
			clone.ServiceParams[k] = v
		}
	}
	if c.Successors != nil {
		clone.Successors = append([]string(nil), c.Successors...)
	}
	return &clone
}

// ToJSON serializes the call for transport.
func (c *ServiceCall) ToJSON() ([]byte, error) { return json.Marshal(c) }

// FromJSON deserializes a ServiceCall previously produced by ToJSON.
func FromJSON(data []byte) (*ServiceCall, error) {
	var call ServiceCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, svcerr.Wrap(err, "decode service call")
	}
	return &call, nil
}

// TraceEntry is a privacy-scrubbed snapshot of one dispatch event for
// one message, as appended to the trace repository by internal/trace.
type TraceEntry struct {
	TraceID        string          `json:"trace_id"`
	TraceTimestamp time.Time       `json:"trace_timestamp"`
	ChainID        string          `json:"chain_id"`
	MessageID      string          `json:"message_id"`
	MessageType    MessageType     `json:"message_type"`
	DispatchEvent  DispatchEvent   `json:"dispatch_event"`
	MessageState   MessageState    `json:"message_state"`
	FromAddress    string          `json:"from_address"`
	ToAddress      string          `json:"to_address"`
	MessageSnapshot json.RawMessage `json:"message_snapshot"`
}
