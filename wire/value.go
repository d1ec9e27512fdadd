// Package wire converts values between the two runtimes' native
// representations and a neutral wire form. The codec is pure and safe to
// call from any thread; nothing in this package touches host state.
package wire

import (
	"bytes"
	"fmt"
	"math"
)

// Kind identifies a wire value's shape.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindFloat3
	KindString
	KindBytes
	KindHandle
)

var kindNames = map[Kind]string{
	KindVoid:    "void",
	KindBool:    "bool",
	KindInt8:    "i8",
	KindInt16:   "i16",
	KindInt32:   "i32",
	KindInt64:   "i64",
	KindUint8:   "u8",
	KindUint16:  "u16",
	KindUint32:  "u32",
	KindUint64:  "u64",
	KindFloat32: "f32",
	KindFloat64: "f64",
	KindFloat3:  "float3",
	KindString:  "string",
	KindBytes:   "bytes",
	KindHandle:  "handle",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Type is the declared type of a call parameter, return value, event
// payload or stream frame.
type Type struct {
	Kind Kind `cbor:"kind"`
}

// Declared types for signatures.
var (
	VoidType    = Type{KindVoid}
	BoolType    = Type{KindBool}
	Int8Type    = Type{KindInt8}
	Int16Type   = Type{KindInt16}
	Int32Type   = Type{KindInt32}
	Int64Type   = Type{KindInt64}
	Uint8Type   = Type{KindUint8}
	Uint16Type  = Type{KindUint16}
	Uint32Type  = Type{KindUint32}
	Uint64Type  = Type{KindUint64}
	Float32Type = Type{KindFloat32}
	Float64Type = Type{KindFloat64}
	Float3Type  = Type{KindFloat3}
	StringType  = Type{KindString}
	BytesType   = Type{KindBytes}
	HandleType  = Type{KindHandle}
)

// Handle is an opaque reference to a host-owned object that cannot be
// copied into the scripting runtime.
type Handle string

// Value is the neutral wire representation. Exactly one payload field is
// meaningful, selected by Kind. Float payloads are stored as IEEE-754 bit
// patterns so round trips are bit-for-bit, NaN payloads included.
type Value struct {
	Kind Kind     `cbor:"k"`
	Bool bool     `cbor:"b,omitempty"`
	Int  int64    `cbor:"i,omitempty"`
	Uint uint64   `cbor:"u,omitempty"`
	F64  uint64   `cbor:"f,omitempty"` // float64 bits
	F32  uint32   `cbor:"w,omitempty"` // float32 bits
	Vec  []uint32 `cbor:"v,omitempty"` // float3, three float32 bit patterns
	Str  string   `cbor:"s,omitempty"` // string payload or handle ID
	Bin  []byte   `cbor:"x,omitempty"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func Void() Value               { return Value{Kind: KindVoid} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Int8(v int8) Value         { return Value{Kind: KindInt8, Int: int64(v)} }
func Int16(v int16) Value       { return Value{Kind: KindInt16, Int: int64(v)} }
func Int32(v int32) Value       { return Value{Kind: KindInt32, Int: int64(v)} }
func Int64(v int64) Value       { return Value{Kind: KindInt64, Int: v} }
func Uint8(v uint8) Value       { return Value{Kind: KindUint8, Uint: uint64(v)} }
func Uint16(v uint16) Value     { return Value{Kind: KindUint16, Uint: uint64(v)} }
func Uint32(v uint32) Value     { return Value{Kind: KindUint32, Uint: uint64(v)} }
func Uint64(v uint64) Value     { return Value{Kind: KindUint64, Uint: v} }
func Float32(v float32) Value   { return Value{Kind: KindFloat32, F32: math.Float32bits(v)} }
func Float64(v float64) Value   { return Value{Kind: KindFloat64, F64: math.Float64bits(v)} }
func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value      { return Value{Kind: KindBytes, Bin: b} }
func HandleRef(h Handle) Value  { return Value{Kind: KindHandle, Str: string(h)} }

// Float3 builds a three-component float vector. Each component is carried
// as its own scalar so decomposition round-trips bit-for-bit.
func Float3(x, y, z float32) Value {
	return Value{Kind: KindFloat3, Vec: []uint32{
		math.Float32bits(x), math.Float32bits(y), math.Float32bits(z),
	}}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Native returns the Go representation of the wire value: nil for void,
// int8..int64 / uint8..uint64 by width, float32/float64, [3]float32,
// bool, string, []byte, or Handle.
func (v Value) Native() any {
	switch v.Kind {
	case KindVoid:
		return nil
	case KindBool:
		return v.Bool
	case KindInt8:
		return int8(v.Int)
	case KindInt16:
		return int16(v.Int)
	case KindInt32:
		return int32(v.Int)
	case KindInt64:
		return v.Int
	case KindUint8:
		return uint8(v.Uint)
	case KindUint16:
		return uint16(v.Uint)
	case KindUint32:
		return uint32(v.Uint)
	case KindUint64:
		return v.Uint
	case KindFloat32:
		return math.Float32frombits(v.F32)
	case KindFloat64:
		return math.Float64frombits(v.F64)
	case KindFloat3:
		var out [3]float32
		for i := 0; i < 3 && i < len(v.Vec); i++ {
			out[i] = math.Float32frombits(v.Vec[i])
		}
		return out
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bin
	case KindHandle:
		return Handle(v.Str)
	}
	return nil
}

// Equal reports whether two wire values are identical, bit patterns
// included.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindFloat3:
		if len(v.Vec) != len(o.Vec) {
			return false
		}
		for i := range v.Vec {
			if v.Vec[i] != o.Vec[i] {
				return false
			}
		}
		return true
	case KindBytes:
		return bytes.Equal(v.Bin, o.Bin)
	default:
		return v.Bool == o.Bool && v.Int == o.Int && v.Uint == o.Uint &&
			v.F64 == o.F64 && v.F32 == o.F32 && v.Str == o.Str
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.Kind, v.Native())
}
