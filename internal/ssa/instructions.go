package ssa

import (
	"fmt"
	"math"
	"strings"
)

// Opcode identifies the operation performed by an Instruction
// (spec.md §3.2, §4.2).
type Opcode uint32

const (
	OpcodeInvalid Opcode = iota

	// Control flow.
	OpcodeJump
	OpcodeBrz
	OpcodeBrnz
	OpcodeBrTable
	OpcodeReturn
	OpcodeCall
	OpcodeCallIndirect
	// OpcodeExitWithCode lowers to a trap: it never falls through, and
	// its block behaves like a terminator for CFG purposes.
	OpcodeExitWithCode

	// Constants.
	OpcodeIconst
	OpcodeF32const
	OpcodeF64const
	OpcodeVconst

	// Memory.
	OpcodeLoad
	OpcodeStore
	OpcodeUload8
	OpcodeUload16
	OpcodeUload32
	OpcodeSload8
	OpcodeSload16
	OpcodeSload32
	OpcodeIstore8
	OpcodeIstore16
	OpcodeIstore32

	// Integer arithmetic.
	OpcodeIadd
	OpcodeIsub
	OpcodeImul
	OpcodeUdiv
	OpcodeSdiv
	OpcodeUrem
	OpcodeSrem
	OpcodeUmulhi
	OpcodeSmulhi

	// Bitwise / shifts.
	OpcodeBand
	OpcodeBor
	OpcodeBxor
	OpcodeBnot
	OpcodeIshl
	OpcodeUshr
	OpcodeSshr
	OpcodeRotl
	OpcodeRotr
	OpcodeClz
	OpcodeCtz
	OpcodePopcnt
	OpcodeBitrev

	// Comparisons.
	OpcodeIcmp
	OpcodeFcmp

	// Float arithmetic.
	OpcodeFadd
	OpcodeFsub
	OpcodeFmul
	OpcodeFdiv
	OpcodeSqrt
	OpcodeFneg
	OpcodeFabs
	OpcodeFcopysign
	OpcodeFmin
	OpcodeFmax
	OpcodeCeil
	OpcodeFloor
	OpcodeTrunc
	OpcodeNearest

	// Conversions.
	OpcodeBitcast
	OpcodeIreduce
	OpcodeSExtend
	OpcodeUExtend
	OpcodeFpromote
	OpcodeFdemote
	OpcodeFcvtToSint
	OpcodeFcvtToUint
	OpcodeFcvtToSintSat
	OpcodeFcvtToUintSat
	OpcodeFcvtFromSint
	OpcodeFcvtFromUint

	// Instance-state intrinsics: these read state the backend lowers to
	// an access through the current call context (spec.md §4.9: "compiled
	// code reads this to find memory bases, table bases"), keeping the
	// IR fully typed rather than modeling instance state as opaque calls.
	OpcodeMemoryBase  // () -> i64, base pointer of linear memory 0.
	OpcodeMemorySize  // () -> i64, current byte length of linear memory 0.
	OpcodeGlobalGet   // (u1 = global index) -> value of global's type.
	OpcodeGlobalSet   // (v = value, u1 = global index) -> ().
	OpcodeTableSize   // (u1 = table index) -> i32, current element count.
	OpcodeTableFuncAddr // (v = element index, u1 = table index) -> i64 code entry point, 0 if null.
	OpcodeTableFuncSig  // (v = element index, u1 = table index) -> i32 signature id of the table entry.

	// SIMD.
	OpcodeSplat
	OpcodeSwizzle
	OpcodeShuffle
	OpcodeInsertlane
	OpcodeExtractlane
	OpcodeVbor
	OpcodeVbxor
	OpcodeVband
	OpcodeVbnot
	OpcodeVbitselect
	OpcodeVIadd
	OpcodeVIsub
	OpcodeVImul
	OpcodeVFadd
	OpcodeVFsub
	OpcodeVFmul
	OpcodeVFdiv
	OpcodeVanyTrue
	OpcodeVallTrue
	OpcodeVhighBits
	OpcodeVselect

	opcodeMax
)

var opcodeNames = [...]string{
	OpcodeInvalid:       "Invalid",
	OpcodeJump:          "Jump",
	OpcodeBrz:           "Brz",
	OpcodeBrnz:          "Brnz",
	OpcodeBrTable:       "BrTable",
	OpcodeReturn:        "Return",
	OpcodeCall:          "Call",
	OpcodeCallIndirect:  "CallIndirect",
	OpcodeExitWithCode:  "ExitWithCode",
	OpcodeIconst:        "Iconst",
	OpcodeF32const:      "F32const",
	OpcodeF64const:      "F64const",
	OpcodeVconst:        "Vconst",
	OpcodeLoad:          "Load",
	OpcodeStore:         "Store",
	OpcodeUload8:        "Uload8",
	OpcodeUload16:       "Uload16",
	OpcodeUload32:       "Uload32",
	OpcodeSload8:        "Sload8",
	OpcodeSload16:       "Sload16",
	OpcodeSload32:       "Sload32",
	OpcodeIstore8:       "Istore8",
	OpcodeIstore16:      "Istore16",
	OpcodeIstore32:      "Istore32",
	OpcodeIadd:          "Iadd",
	OpcodeIsub:          "Isub",
	OpcodeImul:          "Imul",
	OpcodeUdiv:          "Udiv",
	OpcodeSdiv:          "Sdiv",
	OpcodeUrem:          "Urem",
	OpcodeSrem:          "Srem",
	OpcodeUmulhi:        "Umulhi",
	OpcodeSmulhi:        "Smulhi",
	OpcodeBand:          "Band",
	OpcodeBor:           "Bor",
	OpcodeBxor:          "Bxor",
	OpcodeBnot:          "Bnot",
	OpcodeIshl:          "Ishl",
	OpcodeUshr:          "Ushr",
	OpcodeSshr:          "Sshr",
	OpcodeRotl:          "Rotl",
	OpcodeRotr:          "Rotr",
	OpcodeClz:           "Clz",
	OpcodeCtz:           "Ctz",
	OpcodePopcnt:        "Popcnt",
	OpcodeBitrev:        "Bitrev",
	OpcodeIcmp:          "Icmp",
	OpcodeFcmp:          "Fcmp",
	OpcodeFadd:          "Fadd",
	OpcodeFsub:          "Fsub",
	OpcodeFmul:          "Fmul",
	OpcodeFdiv:          "Fdiv",
	OpcodeSqrt:          "Sqrt",
	OpcodeFneg:          "Fneg",
	OpcodeFabs:          "Fabs",
	OpcodeFcopysign:     "Fcopysign",
	OpcodeFmin:          "Fmin",
	OpcodeFmax:          "Fmax",
	OpcodeCeil:          "Ceil",
	OpcodeFloor:         "Floor",
	OpcodeTrunc:         "Trunc",
	OpcodeNearest:       "Nearest",
	OpcodeBitcast:       "Bitcast",
	OpcodeIreduce:       "Ireduce",
	OpcodeSExtend:       "SExtend",
	OpcodeUExtend:       "UExtend",
	OpcodeFpromote:      "Fpromote",
	OpcodeFdemote:       "Fdemote",
	OpcodeFcvtToSint:    "FcvtToSint",
	OpcodeFcvtToUint:    "FcvtToUint",
	OpcodeFcvtToSintSat: "FcvtToSintSat",
	OpcodeFcvtToUintSat: "FcvtToUintSat",
	OpcodeFcvtFromSint:  "FcvtFromSint",
	OpcodeFcvtFromUint:  "FcvtFromUint",
	OpcodeMemoryBase:    "MemoryBase",
	OpcodeMemorySize:    "MemorySize",
	OpcodeGlobalGet:     "GlobalGet",
	OpcodeGlobalSet:     "GlobalSet",
	OpcodeTableSize:     "TableSize",
	OpcodeTableFuncAddr: "TableFuncAddr",
	OpcodeTableFuncSig:  "TableFuncSig",
	OpcodeSplat:         "Splat",
	OpcodeSwizzle:       "Swizzle",
	OpcodeShuffle:       "Shuffle",
	OpcodeInsertlane:    "Insertlane",
	OpcodeExtractlane:   "Extractlane",
	OpcodeVbor:          "Vbor",
	OpcodeVbxor:         "Vbxor",
	OpcodeVband:         "Vband",
	OpcodeVbnot:         "Vbnot",
	OpcodeVbitselect:    "Vbitselect",
	OpcodeVIadd:         "VIadd",
	OpcodeVIsub:         "VIsub",
	OpcodeVImul:         "VImul",
	OpcodeVFadd:         "VFadd",
	OpcodeVFsub:         "VFsub",
	OpcodeVFmul:         "VFmul",
	OpcodeVFdiv:         "VFdiv",
	OpcodeVanyTrue:      "VanyTrue",
	OpcodeVallTrue:      "VallTrue",
	OpcodeVhighBits:     "VhighBits",
	OpcodeVselect:       "Vselect",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", o)
}

// IntegerCmpCond is the condition carried by an Icmp instruction.
type IntegerCmpCond byte

const (
	IntEqual IntegerCmpCond = iota
	IntNotEqual
	IntSignedLessThan
	IntSignedGreaterThanOrEqual
	IntSignedGreaterThan
	IntSignedLessThanOrEqual
	IntUnsignedLessThan
	IntUnsignedGreaterThanOrEqual
	IntUnsignedGreaterThan
	IntUnsignedLessThanOrEqual
)

// FloatCmpCond is the condition carried by an Fcmp instruction.
type FloatCmpCond byte

const (
	FloatEqual FloatCmpCond = iota
	FloatNotEqual
	FloatLessThan
	FloatLessThanOrEqual
	FloatGreaterThan
	FloatGreaterThanOrEqual
)

// MemArg carries the static offset and required alignment (in bytes,
// log2-encoded per the Wasm binary format) for a memory instruction.
type MemArg struct {
	Offset uint32
	Align  byte
}

// Instruction is a single SSA operation. Only the fields relevant to
// its Opcode are populated; the rest are left at their zero values.
// This mirrors the teacher's "one struct, opcode-dependent fields"
// layout rather than a sum type, trading type safety for allocation
// density (spec.md §3.2: "packed, pool-allocated").
type Instruction struct {
	opcode Opcode
	typ    Type

	// v, v2, v3 are the primary value operands.
	v, v2, v3 Value
	// vs holds variadic operands (call arguments, br_table values, shuffle lanes).
	vs []Value

	// rValue is the instruction's only result; no opcode produces more than one.
	rValue Value

	// u1, u2 carry opcode-specific immediates (constants, conditions, lane indices).
	u1, u2 uint64

	mem MemArg

	// blk is the jump/branch target for single-target branches.
	blk BasicBlock
	// targets holds the br_table jump targets, default included last.
	targets []BasicBlock

	sig *Signature

	prev, next *Instruction

	// sourceOffset is the originating Wasm code offset recorded by
	// SetSourceOffset (spec.md §5.2). No pass or backend code reads it.
	sourceOffset int64
}

// Opcode returns the instruction's opcode.
func (i *Instruction) Opcode() Opcode { return i.opcode }

// SetOpcode sets the instruction's opcode. Builders populate an
// Instruction returned by Builder.AllocateInstruction via these
// setters before calling Builder.InsertInstruction.
func (i *Instruction) SetOpcode(op Opcode) *Instruction { i.opcode = op; return i }

// SetResult assigns the instruction's result value.
func (i *Instruction) SetResult(v Value) *Instruction { i.rValue = v; return i }

// SetArg sets the first operand.
func (i *Instruction) SetArg(v Value) *Instruction { i.v = v; return i }

// SetArg2 sets the first two operands.
func (i *Instruction) SetArg2(a, b Value) *Instruction { i.v, i.v2 = a, b; return i }

// SetArg3 sets all three scalar operands.
func (i *Instruction) SetArg3(a, b, c Value) *Instruction { i.v, i.v2, i.v3 = a, b, c; return i }

// SetArgs sets the variadic operand list.
func (i *Instruction) SetArgs(vs []Value) *Instruction { i.vs = vs; return i }

// AppendArg appends a single value to the variadic operand list.
func (i *Instruction) AppendArg(v Value) *Instruction { i.vs = append(i.vs, v); return i }

// SetImm64 sets the first 64-bit immediate (constants, conditions, indices).
func (i *Instruction) SetImm64(u uint64) *Instruction { i.u1 = u; return i }

// SetImm2 sets the second 64-bit immediate.
func (i *Instruction) SetImm2(u uint64) *Instruction { i.u2 = u; return i }

// SetMemArg sets the memory-instruction immediate.
func (i *Instruction) SetMemArgs(m MemArg) *Instruction { i.mem = m; return i }

// SetBlockTarget sets the single branch target.
func (i *Instruction) SetBlockTarget(blk BasicBlock) *Instruction { i.blk = blk; return i }

// SetBrTableTargets sets the jump-table targets (last entry is the default).
func (i *Instruction) SetBrTableTargets(targets []BasicBlock) *Instruction {
	i.targets = targets
	return i
}

// SetSignature attaches a callee signature to a Call/CallIndirect instruction.
func (i *Instruction) SetSignature(sig *Signature) *Instruction { i.sig = sig; return i }

// SetSourceOffset records the originating Wasm code offset for diagnostics.
func (i *Instruction) SetSourceOffset(off int64) *Instruction { i.sourceOffset = off; return i }

// Return returns the primary result Value produced by this instruction.
func (i *Instruction) Return() Value { return i.rValue }

// Arg returns the first value operand.
func (i *Instruction) Arg() Value { return i.v }

// Arg2 returns the first and second value operands.
func (i *Instruction) Arg2() (Value, Value) { return i.v, i.v2 }

// Arg3 returns all three scalar value operands.
func (i *Instruction) Arg3() (Value, Value, Value) { return i.v, i.v2, i.v3 }

// Args returns the variadic operand list (e.g. call arguments).
func (i *Instruction) Args() []Value { return i.vs }

// MemArg returns the memory-instruction immediate.
func (i *Instruction) MemArg() MemArg { return i.mem }

// BlockTarget returns the single branch target.
func (i *Instruction) BlockTarget() BasicBlock { return i.blk }

// BrTableTargets returns the jump-table targets; the last entry is the default.
func (i *Instruction) BrTableTargets() []BasicBlock { return i.targets }

// IcmpCond returns the condition of an Icmp instruction.
func (i *Instruction) IcmpCond() IntegerCmpCond { return IntegerCmpCond(i.u1) }

// FcmpCond returns the condition of an Fcmp instruction.
func (i *Instruction) FcmpCond() FloatCmpCond { return FloatCmpCond(i.u1) }

// ConstantI64 returns the raw bit pattern of an Iconst/F32const/F64const.
func (i *Instruction) ConstantI64() int64 { return int64(i.u1) }

// Signature returns the callee signature for Call/CallIndirect.
func (i *Instruction) Signature() *Signature { return i.sig }

// Next returns the next instruction in the containing block, or nil.
func (i *Instruction) Next() *Instruction { return i.next }

// Prev returns the previous instruction in the containing block, or nil.
func (i *Instruction) Prev() *Instruction { return i.prev }

// IsBranching reports whether the instruction is a control-flow terminator.
func (i *Instruction) IsBranching() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeBrTable, OpcodeReturn, OpcodeExitWithCode:
		return true
	default:
		return false
	}
}

// Format returns a debug string for the instruction.
func (i *Instruction) Format(b Builder) string {
	var sb strings.Builder
	if i.rValue.Valid() {
		sb.WriteString(i.rValue.formatWithType())
		sb.WriteString(" = ")
	}
	sb.WriteString(i.opcode.String())

	switch i.opcode {
	case OpcodeIconst:
		fmt.Fprintf(&sb, " %d", int64(i.u1))
	case OpcodeF32const:
		fmt.Fprintf(&sb, " %v", math.Float32frombits(uint32(i.u1)))
	case OpcodeF64const:
		fmt.Fprintf(&sb, " %v", math.Float64frombits(i.u1))
	case OpcodeJump:
		fmt.Fprintf(&sb, " %s", i.blk)
	case OpcodeBrz, OpcodeBrnz:
		fmt.Fprintf(&sb, " %s, %s", i.v, i.blk)
	case OpcodeBrTable:
		fmt.Fprintf(&sb, " %s, [", i.v)
		for idx, t := range i.targets {
			if idx != 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s", t)
		}
		sb.WriteString("]")
	case OpcodeCall, OpcodeCallIndirect:
		for idx, a := range i.vs {
			if idx != 0 {
				sb.WriteString(", ")
			} else {
				sb.WriteString(" ")
			}
			sb.WriteString(a.String())
		}
	default:
		if i.v.Valid() {
			fmt.Fprintf(&sb, " %s", i.v)
		}
		if i.v2.Valid() {
			fmt.Fprintf(&sb, ", %s", i.v2)
		}
		if i.v3.Valid() {
			fmt.Fprintf(&sb, ", %s", i.v3)
		}
	}
	return sb.String()
}
