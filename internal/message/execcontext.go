package message

// ServiceExecContext is handed to a Caller.ExecuteServiceCall caller and
// to a business handler invoked by the Executor. It threads chain
// identity through nested calls and gives long-running handlers a way
// to observe shutdown cooperatively (see spec.md §9, "cooperative
// cancellation").
type ServiceExecContext struct {
	// PreviousServiceCall is nil at the root of a chain. When set, a new
	// call built from this context inherits ChainID, increments
	// ChainLevel, and records Predecessor.
	PreviousServiceCall *ServiceCall

	// AuthToken is preserved across nested calls so a handler's own
	// outbound calls carry the same authorization as the request that
	// triggered them.
	AuthToken string

	// Cancel is closed when the owning instance begins graceful
	// shutdown; handlers invoked with this context should select on it
	// alongside their own work.
	Cancel <-chan struct{}
}

// ChainID returns the context's chain identity, generating a fresh one
// only when there is no predecessor.
func (c ServiceExecContext) ChainID() string {
	if c.PreviousServiceCall != nil {
		return c.PreviousServiceCall.ChainID
	}
	return NewMessageID()
}

// ChainLevel returns the next level in the chain: 0 at the root.
func (c ServiceExecContext) ChainLevel() int {
	if c.PreviousServiceCall != nil {
		return c.PreviousServiceCall.ChainLevel + 1
	}
	return 0
}

// Predecessor returns the messageID a new call spawned from this
// context should record as its predecessor, or "" at the root.
func (c ServiceExecContext) Predecessor() string {
	if c.PreviousServiceCall != nil {
		return c.PreviousServiceCall.MessageID
	}
	return ""
}

// AssembleExecContext builds the context handed to a handler invoked
// for call: it carries the original message as PreviousServiceCall so
// any nested calls the handler issues chain correctly, and preserves
// the original AuthToken.
func AssembleExecContext(call *ServiceCall, cancel <-chan struct{}) ServiceExecContext {
	return ServiceExecContext{
		PreviousServiceCall: call,
		AuthToken:           call.AuthToken,
		Cancel:              cancel,
	}
}
