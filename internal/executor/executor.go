// Package executor implements the Service Executor (spec.md §4.6): it
// receives request ServiceCalls forwarded by the dispatcher, resolves
// the registered ServiceHandler by alias and version, runs the
// authorization hook, invokes the handler, and dispatches the response.
//
// Called by: public/instance (Provider.onStart)
// Calls: internal/dispatch, internal/labels, internal/message, internal/svcerr
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/tenzoki/svcbus/internal/dispatch"
	"github.com/tenzoki/svcbus/internal/labels"
	"github.com/tenzoki/svcbus/internal/message"
	"github.com/tenzoki/svcbus/internal/svcerr"
)

// ServiceHandler is a business service implementation: given the
// request's params and an execution context (for issuing nested calls
// and honoring cooperative cancellation), it returns a payload or an
// error.
type ServiceHandler func(ctx context.Context, params map[string]interface{}, execCtx message.ServiceExecContext) (payload interface{}, err error)

// AccessVerifier authorizes a request before its handler runs.
type AccessVerifier func(authToken string, address message.ServiceAddress) error

// ServiceExecutor holds the alias/version handler registry and routes
// inbound requests to the right handler.
type ServiceExecutor struct {
	instanceID string
	dispatcher *dispatch.Dispatcher
	verify     AccessVerifier
	cancel     <-chan struct{}
	labels     *labels.Store
	log        *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]ServiceHandler
}

// New builds a ServiceExecutor. verify may be nil, in which case every
// request is authorized. cancel is passed through to every handler's
// ServiceExecContext for cooperative shutdown. labelStore may be nil,
// in which case failure responses carry only the untranslated message.
func New(instanceID string, dispatcher *dispatch.Dispatcher, verify AccessVerifier, cancel <-chan struct{}, labelStore *labels.Store, log *slog.Logger) *ServiceExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &ServiceExecutor{
		instanceID: instanceID,
		dispatcher: dispatcher,
		verify:     verify,
		cancel:     cancel,
		labels:     labelStore,
		log:        log,
		handlers:   make(map[string]map[string]ServiceHandler),
	}
}

// Register adds a handler for (alias, version). A later call with the
// same (alias, version) replaces the earlier one.
func (e *ServiceExecutor) Register(alias, version string, h ServiceHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	versions, ok := e.handlers[alias]
	if !ok {
		versions = make(map[string]ServiceHandler)
		e.handlers[alias] = versions
	}
	versions[version] = h
}

// AttachTo registers this executor as the dispatcher's inbound-request
// observer.
func (e *ServiceExecutor) AttachTo(d *dispatch.Dispatcher) {
	d.AddMessageObserverRequestsIn(e)
}

// OnConnectionDisrupted and OnConnectionRecovered are no-ops: the
// executor has no connection-scoped state.
func (e *ServiceExecutor) OnConnectionDisrupted() {}
func (e *ServiceExecutor) OnConnectionRecovered() {}

// OnMessage implements handler.Observer, treating every inbound message
// as a request to execute.
func (e *ServiceExecutor) OnMessage(call *message.ServiceCall) {
	ctx := context.Background()
	result := e.execute(ctx, call)
	call.Finish(result)

	resp := message.NewResponse(call, e.instanceID, result)
	if err := e.dispatcher.SendResponse(ctx, resp); err != nil {
		e.log.Error("failed to send service response",
			"message_id", call.MessageID, "service", call.ServiceAddress, "error", err)
	}
}

func (e *ServiceExecutor) execute(ctx context.Context, call *message.ServiceCall) message.ServiceResult {
	if e.verify != nil {
		if err := e.verify(call.AuthToken, call.ServiceAddress); err != nil {
			return e.failure(ctx, svcerr.New(svcerr.KindUnauthorizedAccess, "access denied for %s.%s: %v",
				call.ServiceAddress.ServiceDomainName, call.ServiceAddress.ServiceAlias, err))
		}
	}

	h, resolveErr := e.resolve(call.ServiceAddress)
	if resolveErr != nil {
		return e.failure(ctx, resolveErr)
	}

	execCtx := message.AssembleExecContext(call, e.cancel)
	payload, handlerErr := h(ctx, call.ServiceParams, execCtx)
	if handlerErr != nil {
		return e.failure(ctx, svcerr.Wrap(handlerErr, "handler for %s.%s failed",
			call.ServiceAddress.ServiceDomainName, call.ServiceAddress.ServiceAlias))
	}

	data, marshalErr := marshalPayload(payload)
	if marshalErr != nil {
		return e.failure(ctx, svcerr.Wrap(marshalErr, "marshal handler result for %s.%s",
			call.ServiceAddress.ServiceDomainName, call.ServiceAddress.ServiceAlias))
	}

	return message.ServiceResult{IsSuccessful: true, Payload: data}
}

// resolve picks the handler for address, choosing the
// lexicographically greatest version when none is specified.
func (e *ServiceExecutor) resolve(address message.ServiceAddress) (ServiceHandler, *svcerr.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	versions, ok := e.handlers[address.ServiceAlias]
	if !ok || len(versions) == 0 {
		return nil, svcerr.New(svcerr.KindServiceNotFound, "no handler registered for alias %s", address.ServiceAlias)
	}

	version := address.ServiceVersion
	if version == "" {
		version = greatestVersion(versions)
	}

	h, ok := versions[version]
	if !ok {
		return nil, svcerr.New(svcerr.KindServiceHandlerNotFound, "no handler for %s version %s", address.ServiceAlias, version)
	}
	return h, nil
}

func greatestVersion(versions map[string]ServiceHandler) string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[len(keys)-1]
}

// failure wraps err as a ServiceResult, resolving a locale-specific
// Label for it (keyed on the error's Kind) when a labels store is
// configured. A miss leaves Label empty and callers fall back to
// Message, same as labels.Store.Lookup's own fallback contract.
func (e *ServiceExecutor) failure(ctx context.Context, err *svcerr.Error) message.ServiceResult {
	if e.labels != nil && err != nil {
		err.Label = e.labels.Lookup(ctx, string(err.Kind), "")
	}
	return message.ServiceResult{IsSuccessful: false, Exception: err}
}

// marshalPayload accepts either a nil result, an already-encoded
// json.RawMessage, or any value encodable by encoding/json.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
