package bridge

import (
	"context"

	"github.com/halloway/gantry/wire"
)

// Affinity constrains where a handler may execute.
type Affinity uint8

const (
	// AffinityHost queues the handler for the host's designated thread.
	// Required for anything touching host-owned state.
	AffinityHost Affinity = iota
	// AffinityAny runs the handler inline on the calling thread. Only for
	// pure, stateless operations.
	AffinityAny
)

func (a Affinity) String() string {
	if a == AffinityAny {
		return "any-thread"
	}
	return "host-thread"
}

// Handler is a registered call implementation. Arguments arrive already
// decoded to their native forms in signature order.
type Handler func(ctx context.Context, args []any) (any, error)

// Signature declares a call's parameters and result.
type Signature struct {
	Params []wire.Type
	Result wire.Type
}

// CallRequest is one invocation crossing the bridge. Immutable after
// creation.
type CallRequest struct {
	ID     string       `cbor:"id"`
	Call   string       `cbor:"call"`
	Args   []wire.Value `cbor:"args,omitempty"`
	Notify bool         `cbor:"notify,omitempty"`
}

// CallResponse is the outcome of one invocation. Exactly one of Result
// and Err is set.
type CallResponse struct {
	ID     string      `cbor:"id"`
	Result *wire.Value `cbor:"result,omitempty"`
	Err    *Error      `cbor:"error,omitempty"`
}

// OK reports whether the response carries a result.
func (r CallResponse) OK() bool { return r.Err == nil }

func okResponse(id string, result wire.Value) CallResponse {
	return CallResponse{ID: id, Result: &result}
}

func errResponse(id string, err *Error) CallResponse {
	return CallResponse{ID: id, Err: err}
}
