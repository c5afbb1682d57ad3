// Package svcerr defines the error taxonomy shared by every svcbus
// component. Every kind is a Kind value carried on the one *Error type,
// so callers branch on Error.Kind (see Is) instead of matching strings.
package svcerr

import "fmt"

// Kind identifies one of the error categories from the bus's error
// handling design: resolution failures, transport failures, and
// programming errors are never represented by the same Kind.
type Kind string

const (
	KindAbstractContract       Kind = "abstract_contract"
	KindSenderUnavailable      Kind = "sender_unavailable"
	KindRetryExceeded          Kind = "retry_exceeded"
	KindMessageTampering       Kind = "message_tampering"
	KindServiceNotRegistered   Kind = "service_not_registered"
	KindServiceNotFound        Kind = "service_not_found"
	KindServiceHandlerNotFound Kind = "service_handler_not_found"
	KindUnauthorizedAccess     Kind = "unauthorized_access"
	KindServiceExecTimeout     Kind = "service_exec_timeout"
	KindFeatureUnsupported     Kind = "feature_unsupported"
	KindInternal               Kind = "internal"
)

// Error is the concrete error type carried on ServiceCallResult.Exception
// and returned by internal components. Message is a developer-facing
// description; Label, when set, is the locale-resolved string a caller
// should prefer to show to a human (see internal/labels).
type Error struct {
	Kind    Kind
	Message string
	Label   string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Internal-kind Error around an underlying error unless
// the underlying error is already a *Error, in which case it is returned
// unchanged so kinds are never lost by double-wrapping.
func Wrap(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok {
		return se
	}
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}
