// Package bridge is the core of the invocation bridge: the call
// dispatcher, the host-affinity scheduler, the event and stream channels,
// and the session tying them together. The host registers handlers and
// emits events/frames; the scripting side invokes, subscribes and
// consumes. All failures surface as structured errors, never bare strings
// and never faults that tear down either runtime.
package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates every failure the bridge can report.
type ErrorKind string

const (
	ErrMarshal               ErrorKind = "MarshalError"
	ErrUnknownCall           ErrorKind = "UnknownCall"
	ErrArity                 ErrorKind = "ArityError"
	ErrHandler               ErrorKind = "HandlerError"
	ErrQueueOverflow         ErrorKind = "QueueOverflow"
	ErrUnknownEvent          ErrorKind = "UnknownEvent"
	ErrOverflowDropped       ErrorKind = "OverflowDropped"
	ErrStreamFull            ErrorKind = "StreamFull"
	ErrStreamClosed          ErrorKind = "StreamClosed"
	ErrCallTimeout           ErrorKind = "CallTimeout"
	ErrDuplicateRegistration ErrorKind = "DuplicateRegistration"
	ErrSessionClosing        ErrorKind = "SessionClosing"
	ErrSessionFaulted        ErrorKind = "SessionFaulted"
)

// Error is the structured error descriptor crossing the bridge. Detail
// carries optional structured context (counts, names) keyed by short
// strings.
type Error struct {
	Kind    ErrorKind         `cbor:"kind"`
	Message string            `cbor:"message"`
	Detail  map[string]string `cbor:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a bridge error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured detail entry and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the bridge error kind from an error chain, or "" when
// the error is not a bridge error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// EndOfStream is the sentinel returned by stream consumption after the
// emitter finished cleanly. It is a terminal condition, not a failure.
var EndOfStream = errors.New("end of stream")
