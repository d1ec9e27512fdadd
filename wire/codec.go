package wire

import (
	"fmt"
	"math"
)

// MarshalError reports a value that cannot cross the runtime boundary as
// declared: the runtime type does not match the signature, or a handle
// reference is unknown to the session.
type MarshalError struct {
	Declared Type
	Msg      string
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("wire: %s (declared %s)", e.Msg, e.Declared.Kind)
}

func marshalErrf(t Type, format string, args ...any) *MarshalError {
	return &MarshalError{Declared: t, Msg: fmt.Sprintf(format, args...)}
}

// HandleResolver answers whether a handle ID is known to the current
// session. A nil resolver skips the check.
type HandleResolver interface {
	ResolveHandle(id string) bool
}

// Encode converts a native value to its wire form under the declared type.
// The native type must match the declaration exactly, except that plain
// int and uint are accepted for i64/u64.
func Encode(native any, t Type) (Value, error) {
	switch t.Kind {
	case KindVoid:
		if native != nil {
			return Value{}, marshalErrf(t, "non-nil value %T for void", native)
		}
		return Void(), nil
	case KindBool:
		if b, ok := native.(bool); ok {
			return Bool(b), nil
		}
	case KindInt8:
		if v, ok := native.(int8); ok {
			return Int8(v), nil
		}
	case KindInt16:
		if v, ok := native.(int16); ok {
			return Int16(v), nil
		}
	case KindInt32:
		if v, ok := native.(int32); ok {
			return Int32(v), nil
		}
	case KindInt64:
		switch v := native.(type) {
		case int64:
			return Int64(v), nil
		case int:
			return Int64(int64(v)), nil
		}
	case KindUint8:
		if v, ok := native.(uint8); ok {
			return Uint8(v), nil
		}
	case KindUint16:
		if v, ok := native.(uint16); ok {
			return Uint16(v), nil
		}
	case KindUint32:
		if v, ok := native.(uint32); ok {
			return Uint32(v), nil
		}
	case KindUint64:
		switch v := native.(type) {
		case uint64:
			return Uint64(v), nil
		case uint:
			return Uint64(uint64(v)), nil
		}
	case KindFloat32:
		if v, ok := native.(float32); ok {
			return Float32(v), nil
		}
	case KindFloat64:
		if v, ok := native.(float64); ok {
			return Float64(v), nil
		}
	case KindFloat3:
		if v, ok := native.([3]float32); ok {
			return Float3(v[0], v[1], v[2]), nil
		}
	case KindString:
		if s, ok := native.(string); ok {
			return String(s), nil
		}
	case KindBytes:
		if b, ok := native.([]byte); ok {
			return Bytes(b), nil
		}
	case KindHandle:
		switch v := native.(type) {
		case Handle:
			return HandleRef(v), nil
		case string:
			return HandleRef(Handle(v)), nil
		}
	default:
		return Value{}, marshalErrf(t, "unsupported declared kind")
	}
	return Value{}, marshalErrf(t, "cannot encode %T", native)
}

// Decode converts a wire value back to its native form under the declared
// type. Handle references are checked against the resolver when one is
// given.
func Decode(v Value, t Type, handles HandleResolver) (any, error) {
	if v.Kind != t.Kind {
		return nil, marshalErrf(t, "wire value is %s", v.Kind)
	}
	if v.Kind == KindFloat3 && len(v.Vec) != 3 {
		return nil, marshalErrf(t, "float3 carries %d components", len(v.Vec))
	}
	if v.Kind == KindHandle {
		if handles != nil && !handles.ResolveHandle(v.Str) {
			return nil, marshalErrf(t, "unknown handle %q", v.Str)
		}
		return Handle(v.Str), nil
	}
	return v.Native(), nil
}

// FromNative infers a wire value from a native Go value. Used by callers
// that build arguments dynamically (the scripting bindings); declared
// signatures still gate decoding on the host side.
func FromNative(native any) (Value, error) {
	switch v := native.(type) {
	case nil:
		return Void(), nil
	case bool:
		return Bool(v), nil
	case int8:
		return Int8(v), nil
	case int16:
		return Int16(v), nil
	case int32:
		return Int32(v), nil
	case int64:
		return Int64(v), nil
	case int:
		return Int64(int64(v)), nil
	case uint8:
		return Uint8(v), nil
	case uint16:
		return Uint16(v), nil
	case uint32:
		return Uint32(v), nil
	case uint64:
		return Uint64(v), nil
	case uint:
		return Uint64(uint64(v)), nil
	case float32:
		return Float32(v), nil
	case float64:
		return Float64(v), nil
	case [3]float32:
		return Float3(v[0], v[1], v[2]), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case Handle:
		return HandleRef(v), nil
	case Value:
		return v, nil
	}
	return Value{}, marshalErrf(Type{}, "cannot infer wire kind for %T", native)
}

// Float32Bits exposes the exact bit pattern of a float32 payload; tests
// use it to assert bit-for-bit round trips.
func Float32Bits(v float32) uint32 { return math.Float32bits(v) }
