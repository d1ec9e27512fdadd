package luabind

import (
	"fmt"
	"math"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	luar "layeh.com/gopher-luar"

	"github.com/halloway/gantry/wire"
)

// vec3 is the shape accepted for float3 table literals, {x=..., y=...,
// z=...}.
type vec3 struct {
	X float64
	Y float64
	Z float64
}

// toWire converts a Lua value to its wire form. Untyped Lua numbers map
// to i64 when integral and f64 otherwise; the module's typed
// constructors (i32, u8, f32, ...) pin an exact kind when the call
// signature needs one.
func toWire(lv lua.LValue) (wire.Value, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return wire.Void(), nil
	case lua.LBool:
		return wire.Bool(bool(v)), nil
	case lua.LNumber:
		n := float64(v)
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return wire.Int64(int64(n)), nil
		}
		return wire.Float64(n), nil
	case lua.LString:
		return wire.String(string(v)), nil
	case *lua.LUserData:
		switch inner := v.Value.(type) {
		case wire.Value:
			return inner, nil
		case wire.Handle:
			return wire.HandleRef(inner), nil
		}
		return wire.Value{}, fmt.Errorf("userdata %T has no wire form", v.Value)
	case *lua.LTable:
		var vec vec3
		if err := gluamapper.Map(v, &vec); err != nil {
			return wire.Value{}, fmt.Errorf("table is not a float3: %w", err)
		}
		return wire.Float3(float32(vec.X), float32(vec.Y), float32(vec.Z)), nil
	}
	return wire.Value{}, fmt.Errorf("%s has no wire form", lv.Type())
}

// fromWire converts a wire value to its Lua form. Handles come back as
// opaque userdata so they round-trip with their kind intact; float3
// comes back as an {x, y, z} table.
func fromWire(L *lua.LState, v wire.Value) lua.LValue {
	switch v.Kind {
	case wire.KindVoid:
		return lua.LNil
	case wire.KindBool:
		return lua.LBool(v.Bool)
	case wire.KindInt8, wire.KindInt16, wire.KindInt32, wire.KindInt64:
		return lua.LNumber(v.Int)
	case wire.KindUint8, wire.KindUint16, wire.KindUint32, wire.KindUint64:
		return lua.LNumber(v.Uint)
	case wire.KindFloat32:
		return lua.LNumber(math.Float32frombits(v.F32))
	case wire.KindFloat64:
		return lua.LNumber(math.Float64frombits(v.F64))
	case wire.KindFloat3:
		xyz := v.Native().([3]float32)
		tbl := L.NewTable()
		L.SetField(tbl, "x", lua.LNumber(xyz[0]))
		L.SetField(tbl, "y", lua.LNumber(xyz[1]))
		L.SetField(tbl, "z", lua.LNumber(xyz[2]))
		return tbl
	case wire.KindString:
		return lua.LString(v.Str)
	case wire.KindBytes:
		return lua.LString(v.Bin)
	case wire.KindHandle:
		return luar.New(L, v)
	}
	return lua.LNil
}

// typedNumber builds a constructor that pins a Lua number to an exact
// numeric wire kind.
func typedNumber(t wire.Type) lua.LGFunction {
	return func(L *lua.LState) int {
		n := float64(L.CheckNumber(1))

		var v wire.Value
		switch t.Kind {
		case wire.KindInt8:
			v = wire.Int8(int8(n))
		case wire.KindInt16:
			v = wire.Int16(int16(n))
		case wire.KindInt32:
			v = wire.Int32(int32(n))
		case wire.KindInt64:
			v = wire.Int64(int64(n))
		case wire.KindUint8:
			v = wire.Uint8(uint8(n))
		case wire.KindUint16:
			v = wire.Uint16(uint16(n))
		case wire.KindUint32:
			v = wire.Uint32(uint32(n))
		case wire.KindUint64:
			v = wire.Uint64(uint64(n))
		case wire.KindFloat32:
			v = wire.Float32(float32(n))
		default:
			v = wire.Float64(n)
		}
		L.Push(luar.New(L, v))
		return 1
	}
}

// bytes(s) wraps a Lua string as a byte payload.
func luaBytes(L *lua.LState) int {
	s := L.CheckString(1)
	L.Push(luar.New(L, wire.Bytes([]byte(s))))
	return 1
}

// float3(x, y, z) builds an exact three-component vector.
func luaFloat3(L *lua.LState) int {
	x := float32(L.CheckNumber(1))
	y := float32(L.CheckNumber(2))
	z := float32(L.CheckNumber(3))
	L.Push(luar.New(L, wire.Float3(x, y, z)))
	return 1
}
