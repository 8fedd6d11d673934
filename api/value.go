package api

import "fmt"

// ValueType is the public, host-facing vocabulary of WebAssembly value
// types an import or export can carry (spec.md §3.1). It mirrors
// internal/wasm.ValueType but is kept independent so embedders never
// need to import the compiler internals.
type ValueType byte

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
	ValueTypeV128
	ValueTypeFuncref
	ValueTypeExternref
)

// String implements fmt.Stringer.
func (t ValueType) String() string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	default:
		return fmt.Sprintf("ValueType(%d)", t)
	}
}

// Value is a single host-representable WebAssembly value, tagged with
// its type so untyped host call sites (e.g. Function.Call's variadic
// arguments) can be validated against a signature.
type Value struct {
	Type ValueType
	// I64 stores i32/i64 payloads (i32 sign-extended to the full 64 bits).
	I64 int64
	// F64 stores f32/f64 payloads (f32 widened via float64()).
	F64 float64
	// Ref stores funcref/externref payloads; nil denotes a null reference.
	Ref interface{}
}

// ValueI32 constructs an i32 Value.
func ValueI32(v int32) Value { return Value{Type: ValueTypeI32, I64: int64(v)} }

// ValueI64 constructs an i64 Value.
func ValueI64(v int64) Value { return Value{Type: ValueTypeI64, I64: v} }

// ValueF32 constructs an f32 Value.
func ValueF32(v float32) Value { return Value{Type: ValueTypeF32, F64: float64(v)} }

// ValueF64 constructs an f64 Value.
func ValueF64(v float64) Value { return Value{Type: ValueTypeF64, F64: v} }

// I32 returns the value truncated to its i32 payload.
func (v Value) I32() int32 { return int32(v.I64) }
