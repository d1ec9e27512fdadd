package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halloway/gantry/wire"
)

// Dispatcher resolves named calls to registered handlers, validates and
// decodes arguments, routes execution per the handler's affinity, and
// always produces exactly one response per invocation.
type Dispatcher struct {
	registry  *Registry
	scheduler *HostScheduler
	handles   *HandleStore
}

// NewDispatcher wires a dispatcher to its registry, scheduler and handle
// store.
func NewDispatcher(registry *Registry, scheduler *HostScheduler, handles *HandleStore) *Dispatcher {
	return &Dispatcher{registry: registry, scheduler: scheduler, handles: handles}
}

// Invoke runs the named call with encoded arguments. Every failure is
// captured into the response; a handler fault never propagates past the
// boundary.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args []wire.Value) CallResponse {
	return d.invoke(ctx, uuid.NewString(), name, args)
}

// InvokeRequest runs a wire-level call request, preserving its ID.
func (d *Dispatcher) InvokeRequest(ctx context.Context, req CallRequest) CallResponse {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return d.invoke(ctx, id, req.Call, req.Args)
}

// InvokeTimeout layers the caller-side timeout policy over Invoke: when
// the duration elapses first, the caller sees CallTimeout and the real
// response, if it eventually arrives, is discarded. Queued or running
// work is not retracted.
func (d *Dispatcher) InvokeTimeout(ctx context.Context, name string, args []wire.Value, timeout time.Duration) CallResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Invoke(ctx, name, args)
}

// Notify is the explicit fire-and-forget call mode: the response is
// produced internally and discarded. Never a silent variant of Invoke.
func (d *Dispatcher) Notify(name string, args []wire.Value) {
	go d.Invoke(context.Background(), name, args)
}

func (d *Dispatcher) invoke(ctx context.Context, id, name string, args []wire.Value) CallResponse {
	reg, ok := d.registry.Lookup(name)
	if !ok {
		return errResponse(id, Errorf(ErrUnknownCall, "no call named %q", name))
	}

	params := reg.Signature.Params
	if len(args) != len(params) {
		return errResponse(id, Errorf(ErrArity, "call %q takes %d arguments, got %d", name, len(params), len(args)).
			WithDetail("call", name))
	}

	decoded := make([]any, len(args))
	for i, arg := range args {
		native, err := wire.Decode(arg, params[i], d.handles)
		if err != nil {
			return errResponse(id, marshalError(err).WithDetail("argument", fmt.Sprint(i)))
		}
		decoded[i] = native
	}

	var result any
	var err error
	switch reg.Affinity {
	case AffinityAny:
		result, err = runInline(ctx, reg.Handler, decoded)
	default:
		result, err = d.scheduler.Do(ctx, func() (any, error) {
			return reg.Handler(ctx, decoded)
		})
	}
	if err != nil {
		return errResponse(id, asCallError(name, err))
	}

	encoded, err := wire.Encode(result, reg.Signature.Result)
	if err != nil {
		return errResponse(id, marshalError(err).WithDetail("call", name))
	}
	return okResponse(id, encoded)
}

// runInline executes an any-thread handler on the calling thread with the
// same panic recovery the scheduler applies.
func runInline(ctx context.Context, handler Handler, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, args)
}

// asCallError maps an execution failure onto the taxonomy: bridge errors
// pass through, context expiry becomes CallTimeout, anything else from
// the handler becomes HandlerError.
func asCallError(name string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(ErrCallTimeout, "call %q timed out", name)
	}
	if errors.Is(err, context.Canceled) {
		return Errorf(ErrCallTimeout, "call %q cancelled before completion", name)
	}
	return Errorf(ErrHandler, "%s", err.Error()).WithDetail("call", name)
}

// marshalError wraps a codec failure as a MarshalError response error.
func marshalError(err error) *Error {
	return Errorf(ErrMarshal, "%s", err.Error())
}
