package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCall() *ServiceCall {
	return &ServiceCall{
		Message: Message{
			MessageID:   NewMessageID(),
			ChainID:     NewMessageID(),
			Source:      Endpoint{InstanceID: "caller-1", Route: "domain-a"},
			Destination: Endpoint{Route: "domain-b"},
			Payload:     json.RawMessage(`{"n":1}`),
		},
		ServiceAddress: ServiceAddress{ServiceDomainName: "domain-b", ServiceAlias: "svc1"},
		CreatedOn:      time.Now(),
	}
}

func TestSignAndVerifyHash(t *testing.T) {
	call := newCall()
	require.NoError(t, call.SignHash("secret"))
	assert.True(t, call.VerifyHash("secret"))

	call.ServiceParams = map[string]interface{}{"tampered": true}
	assert.False(t, call.VerifyHash("secret"), "mutated message must fail verification")
}

func TestVerifyHashWithoutSignature(t *testing.T) {
	call := newCall()
	assert.False(t, call.VerifyHash("secret"))
}

func TestPayloadRefRoundTrip(t *testing.T) {
	call := newCall()
	require.NoError(t, call.SetPayloadRef("prefixpayload:abc", 4096))

	key, size, ok := call.PayloadRef()
	require.True(t, ok)
	assert.Equal(t, "prefixpayload:abc", key)
	assert.Equal(t, 4096, size)
}

func TestInlinePayloadIsNotARef(t *testing.T) {
	call := newCall()
	_, _, ok := call.PayloadRef()
	assert.False(t, ok)
}

func TestNewResponseSwapsEndpointsAndPreservesChain(t *testing.T) {
	req := newCall()
	resp := NewResponse(req, "provider-1", ServiceResult{IsSuccessful: true, Payload: json.RawMessage(`{"ok":true}`)})

	assert.Equal(t, req.ChainID, resp.ChainID)
	assert.Equal(t, req.Source.InstanceID, resp.Destination.InstanceID)
	assert.Equal(t, req.Destination.Route, resp.Source.Route)
	assert.Equal(t, req.MessageID, resp.Predecessor)
	assert.True(t, resp.IsCompleted)
	assert.True(t, resp.CreatedOn.Equal(req.CreatedOn) || !resp.FinishedOn.Before(resp.CreatedOn))
}

func TestAddSuccessorIsLazy(t *testing.T) {
	call := newCall()
	assert.Nil(t, call.Successors)
	call.AddSuccessor("child-1")
	assert.Equal(t, []string{"child-1"}, call.Successors)
}

func TestFinishSetsExecutionTime(t *testing.T) {
	call := newCall()
	call.CreatedOn = time.Now().Add(-500 * time.Millisecond)
	call.Finish(ServiceResult{IsSuccessful: true})

	assert.True(t, call.IsCompleted)
	assert.GreaterOrEqual(t, call.ExecutionTime, 400*time.Millisecond)
	assert.False(t, call.FinishedOn.Before(call.CreatedOn))
}

func TestAssembleExecContextChaining(t *testing.T) {
	root := newCall()
	root.AuthToken = "tok"

	ctx := AssembleExecContext(root, nil)
	assert.Equal(t, root.ChainID, ctx.ChainID())
	assert.Equal(t, 1, ctx.ChainLevel())
	assert.Equal(t, root.MessageID, ctx.Predecessor())
	assert.Equal(t, "tok", ctx.AuthToken)
}

func TestCloneDeepCopiesMutableFields(t *testing.T) {
	call := newCall()
	call.ServiceParams = map[string]interface{}{"a": 1}
	call.AddSuccessor("x")

	clone := call.Clone()
	clone.ServiceParams["a"] = 2
	clone.Successors[0] = "y"

	assert.Equal(t, 1, call.ServiceParams["a"])
	assert.Equal(t, "x", call.Successors[0])
}
