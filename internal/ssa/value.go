package ssa

import (
	"fmt"
	"math"
)

// Variable is a unique identifier for a source-program variable (e.g.
// a Wasm local or the value of a stack slot at a program point) that
// the builder resolves to SSA Value(s) on demand (spec.md §4.3).
type Variable uint32

// String implements fmt.Stringer.
func (v Variable) String() string { return fmt.Sprintf("var%d", v) }

// Value is an SSA value reference: a def-site (instruction result or
// block parameter) plus its type, bit-packed into a single uint64 so
// Values are small, comparable, and cheap to pass around (spec.md §3.2).
//
// The low 32 bits are the ValueID; the high bits carry the Type.
type Value uint64

// ValueID is the type-erased identity of a Value.
type ValueID uint32

const (
	valueIDInvalid ValueID = math.MaxUint32
	// ValueInvalid marks an unset Value. It is not Go's zero Value,
	// which is v0 and valid; AllocateInstruction sets unset operands
	// and results to ValueInvalid explicitly.
	ValueInvalid Value = Value(valueIDInvalid)
)

// Valid reports whether v refers to a real definition.
func (v Value) Valid() bool { return v.ID() != valueIDInvalid }

// Type returns the type carried by v.
func (v Value) Type() Type { return Type(v >> 32) }

// ID returns the type-erased identity of v.
func (v Value) ID() ValueID { return ValueID(v) }

func (v Value) setType(t Type) Value { return v | Value(t)<<32 }

// String implements fmt.Stringer for debug output.
func (v Value) String() string {
	if !v.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("v%d", v.ID())
}

func (v Value) formatWithType() string {
	if !v.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("v%d:%s", v.ID(), v.Type())
}
