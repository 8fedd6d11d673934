package frontend

import (
	"github.com/ignitewasm/ignite/api"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// lowerArithmetic handles every opcode whose effect is "pop N typed
// operands, push one typed result" with no control-flow shape beyond
// the occasional trap guard (division, overflow). It reports handled
// == false for any opcode it does not recognize, so the caller can
// fall through to an InvalidWasm error.
func (c *Compiler) lowerArithmetic(op wasm.Opcode) (handled bool, err error) {
	if op == wasm.OpcodeI32Eqz || op == wasm.OpcodeI64Eqz {
		t := ssa.TypeI32
		if op == wasm.OpcodeI64Eqz {
			t = ssa.TypeI64
		}
		if !c.unreachable() {
			a := c.pop()
			c.push(c.emitIcmp(ssa.IntEqual, a, c.emitIconst(t, 0)))
		}
		return true, nil
	}
	if c.unreachable() {
		if _, ok := arithmeticUnary[op]; ok {
			return true, nil
		}
		if _, ok := arithmeticBinary[op]; ok {
			return true, nil
		}
		if _, ok := arithmeticCompare[op]; ok {
			return true, nil
		}
		if _, ok := arithmeticConvert[op]; ok {
			return true, nil
		}
	}

	if e, ok := arithmeticUnary[op]; ok {
		a := c.pop()
		c.push(c.emitUnary(e.op, e.result, a))
		return true, nil
	}
	if e, ok := arithmeticBinary[op]; ok {
		b := c.pop()
		a := c.pop()
		c.push(c.lowerBinaryWithTraps(op, e, a, b))
		return true, nil
	}
	if e, ok := arithmeticCompare[op]; ok {
		b := c.pop()
		a := c.pop()
		if e.float {
			c.push(c.emitFcmp(e.fcond, a, b))
		} else {
			c.push(c.emitIcmp(e.icond, a, b))
		}
		return true, nil
	}
	if e, ok := arithmeticConvert[op]; ok {
		a := c.pop()
		c.push(c.emitUnary(e.op, e.result, a))
		return true, nil
	}
	return false, nil
}

type unaryEntry struct {
	op     ssa.Opcode
	result ssa.Type
}

var arithmeticUnary = map[wasm.Opcode]unaryEntry{
	wasm.OpcodeI32Clz:    {ssa.OpcodeClz, ssa.TypeI32},
	wasm.OpcodeI32Ctz:    {ssa.OpcodeCtz, ssa.TypeI32},
	wasm.OpcodeI32Popcnt: {ssa.OpcodePopcnt, ssa.TypeI32},
	wasm.OpcodeI64Clz:    {ssa.OpcodeClz, ssa.TypeI64},
	wasm.OpcodeI64Ctz:    {ssa.OpcodeCtz, ssa.TypeI64},
	wasm.OpcodeI64Popcnt: {ssa.OpcodePopcnt, ssa.TypeI64},

	wasm.OpcodeF32Abs:   {ssa.OpcodeFabs, ssa.TypeF32},
	wasm.OpcodeF32Neg:   {ssa.OpcodeFneg, ssa.TypeF32},
	wasm.OpcodeF32Ceil:  {ssa.OpcodeCeil, ssa.TypeF32},
	wasm.OpcodeF32Floor: {ssa.OpcodeFloor, ssa.TypeF32},
	wasm.OpcodeF32Trunc: {ssa.OpcodeTrunc, ssa.TypeF32},
	wasm.OpcodeF32Nearest: {ssa.OpcodeNearest, ssa.TypeF32},
	wasm.OpcodeF32Sqrt:  {ssa.OpcodeSqrt, ssa.TypeF32},
	wasm.OpcodeF64Abs:   {ssa.OpcodeFabs, ssa.TypeF64},
	wasm.OpcodeF64Neg:   {ssa.OpcodeFneg, ssa.TypeF64},
	wasm.OpcodeF64Ceil:  {ssa.OpcodeCeil, ssa.TypeF64},
	wasm.OpcodeF64Floor: {ssa.OpcodeFloor, ssa.TypeF64},
	wasm.OpcodeF64Trunc: {ssa.OpcodeTrunc, ssa.TypeF64},
	wasm.OpcodeF64Nearest: {ssa.OpcodeNearest, ssa.TypeF64},
	wasm.OpcodeF64Sqrt:  {ssa.OpcodeSqrt, ssa.TypeF64},
}

type binEntry struct {
	op       ssa.Opcode
	result   ssa.Type
	signedDiv, unsignedDiv, signedRem, unsignedRem bool
}

var arithmeticBinary = map[wasm.Opcode]binEntry{
	wasm.OpcodeI32Add: {op: ssa.OpcodeIadd, result: ssa.TypeI32},
	wasm.OpcodeI32Sub: {op: ssa.OpcodeIsub, result: ssa.TypeI32},
	wasm.OpcodeI32Mul: {op: ssa.OpcodeImul, result: ssa.TypeI32},
	wasm.OpcodeI32DivS: {op: ssa.OpcodeSdiv, result: ssa.TypeI32, signedDiv: true},
	wasm.OpcodeI32DivU: {op: ssa.OpcodeUdiv, result: ssa.TypeI32, unsignedDiv: true},
	wasm.OpcodeI32RemS: {op: ssa.OpcodeSrem, result: ssa.TypeI32, signedRem: true},
	wasm.OpcodeI32RemU: {op: ssa.OpcodeUrem, result: ssa.TypeI32, unsignedRem: true},
	wasm.OpcodeI32And:  {op: ssa.OpcodeBand, result: ssa.TypeI32},
	wasm.OpcodeI32Or:   {op: ssa.OpcodeBor, result: ssa.TypeI32},
	wasm.OpcodeI32Xor:  {op: ssa.OpcodeBxor, result: ssa.TypeI32},
	wasm.OpcodeI32Shl:  {op: ssa.OpcodeIshl, result: ssa.TypeI32},
	wasm.OpcodeI32ShrS: {op: ssa.OpcodeSshr, result: ssa.TypeI32},
	wasm.OpcodeI32ShrU: {op: ssa.OpcodeUshr, result: ssa.TypeI32},
	wasm.OpcodeI32Rotl: {op: ssa.OpcodeRotl, result: ssa.TypeI32},
	wasm.OpcodeI32Rotr: {op: ssa.OpcodeRotr, result: ssa.TypeI32},

	wasm.OpcodeI64Add: {op: ssa.OpcodeIadd, result: ssa.TypeI64},
	wasm.OpcodeI64Sub: {op: ssa.OpcodeIsub, result: ssa.TypeI64},
	wasm.OpcodeI64Mul: {op: ssa.OpcodeImul, result: ssa.TypeI64},
	wasm.OpcodeI64DivS: {op: ssa.OpcodeSdiv, result: ssa.TypeI64, signedDiv: true},
	wasm.OpcodeI64DivU: {op: ssa.OpcodeUdiv, result: ssa.TypeI64, unsignedDiv: true},
	wasm.OpcodeI64RemS: {op: ssa.OpcodeSrem, result: ssa.TypeI64, signedRem: true},
	wasm.OpcodeI64RemU: {op: ssa.OpcodeUrem, result: ssa.TypeI64, unsignedRem: true},
	wasm.OpcodeI64And:  {op: ssa.OpcodeBand, result: ssa.TypeI64},
	wasm.OpcodeI64Or:   {op: ssa.OpcodeBor, result: ssa.TypeI64},
	wasm.OpcodeI64Xor:  {op: ssa.OpcodeBxor, result: ssa.TypeI64},
	wasm.OpcodeI64Shl:  {op: ssa.OpcodeIshl, result: ssa.TypeI64},
	wasm.OpcodeI64ShrS: {op: ssa.OpcodeSshr, result: ssa.TypeI64},
	wasm.OpcodeI64ShrU: {op: ssa.OpcodeUshr, result: ssa.TypeI64},
	wasm.OpcodeI64Rotl: {op: ssa.OpcodeRotl, result: ssa.TypeI64},
	wasm.OpcodeI64Rotr: {op: ssa.OpcodeRotr, result: ssa.TypeI64},

	wasm.OpcodeF32Add: {op: ssa.OpcodeFadd, result: ssa.TypeF32},
	wasm.OpcodeF32Sub: {op: ssa.OpcodeFsub, result: ssa.TypeF32},
	wasm.OpcodeF32Mul: {op: ssa.OpcodeFmul, result: ssa.TypeF32},
	wasm.OpcodeF32Div: {op: ssa.OpcodeFdiv, result: ssa.TypeF32},
	wasm.OpcodeF32Min: {op: ssa.OpcodeFmin, result: ssa.TypeF32},
	wasm.OpcodeF32Max: {op: ssa.OpcodeFmax, result: ssa.TypeF32},
	wasm.OpcodeF32Copysign: {op: ssa.OpcodeFcopysign, result: ssa.TypeF32},

	wasm.OpcodeF64Add: {op: ssa.OpcodeFadd, result: ssa.TypeF64},
	wasm.OpcodeF64Sub: {op: ssa.OpcodeFsub, result: ssa.TypeF64},
	wasm.OpcodeF64Mul: {op: ssa.OpcodeFmul, result: ssa.TypeF64},
	wasm.OpcodeF64Div: {op: ssa.OpcodeFdiv, result: ssa.TypeF64},
	wasm.OpcodeF64Min: {op: ssa.OpcodeFmin, result: ssa.TypeF64},
	wasm.OpcodeF64Max: {op: ssa.OpcodeFmax, result: ssa.TypeF64},
	wasm.OpcodeF64Copysign: {op: ssa.OpcodeFcopysign, result: ssa.TypeF64},
}

type cmpEntry struct {
	float bool
	icond ssa.IntegerCmpCond
	fcond ssa.FloatCmpCond
}

var arithmeticCompare = map[wasm.Opcode]cmpEntry{
	wasm.OpcodeI32Eq:  {icond: ssa.IntEqual},
	wasm.OpcodeI32Ne:  {icond: ssa.IntNotEqual},
	wasm.OpcodeI32LtS: {icond: ssa.IntSignedLessThan},
	wasm.OpcodeI32LtU: {icond: ssa.IntUnsignedLessThan},
	wasm.OpcodeI32GtS: {icond: ssa.IntSignedGreaterThan},
	wasm.OpcodeI32GtU: {icond: ssa.IntUnsignedGreaterThan},
	wasm.OpcodeI32LeS: {icond: ssa.IntSignedLessThanOrEqual},
	wasm.OpcodeI32LeU: {icond: ssa.IntUnsignedLessThanOrEqual},
	wasm.OpcodeI32GeS: {icond: ssa.IntSignedGreaterThanOrEqual},
	wasm.OpcodeI32GeU: {icond: ssa.IntUnsignedGreaterThanOrEqual},

	wasm.OpcodeI64Eq:  {icond: ssa.IntEqual},
	wasm.OpcodeI64Ne:  {icond: ssa.IntNotEqual},
	wasm.OpcodeI64LtS: {icond: ssa.IntSignedLessThan},
	wasm.OpcodeI64LtU: {icond: ssa.IntUnsignedLessThan},
	wasm.OpcodeI64GtS: {icond: ssa.IntSignedGreaterThan},
	wasm.OpcodeI64GtU: {icond: ssa.IntUnsignedGreaterThan},
	wasm.OpcodeI64LeS: {icond: ssa.IntSignedLessThanOrEqual},
	wasm.OpcodeI64LeU: {icond: ssa.IntUnsignedLessThanOrEqual},
	wasm.OpcodeI64GeS: {icond: ssa.IntSignedGreaterThanOrEqual},
	wasm.OpcodeI64GeU: {icond: ssa.IntUnsignedGreaterThanOrEqual},

	wasm.OpcodeF32Eq: {float: true, fcond: ssa.FloatEqual},
	wasm.OpcodeF32Ne: {float: true, fcond: ssa.FloatNotEqual},
	wasm.OpcodeF32Lt: {float: true, fcond: ssa.FloatLessThan},
	wasm.OpcodeF32Gt: {float: true, fcond: ssa.FloatGreaterThan},
	wasm.OpcodeF32Le: {float: true, fcond: ssa.FloatLessThanOrEqual},
	wasm.OpcodeF32Ge: {float: true, fcond: ssa.FloatGreaterThanOrEqual},
	wasm.OpcodeF64Eq: {float: true, fcond: ssa.FloatEqual},
	wasm.OpcodeF64Ne: {float: true, fcond: ssa.FloatNotEqual},
	wasm.OpcodeF64Lt: {float: true, fcond: ssa.FloatLessThan},
	wasm.OpcodeF64Gt: {float: true, fcond: ssa.FloatGreaterThan},
	wasm.OpcodeF64Le: {float: true, fcond: ssa.FloatLessThanOrEqual},
	wasm.OpcodeF64Ge: {float: true, fcond: ssa.FloatGreaterThanOrEqual},
}

var arithmeticConvert = map[wasm.Opcode]unaryEntry{
	wasm.OpcodeI32WrapI64:    {ssa.OpcodeIreduce, ssa.TypeI32},
	wasm.OpcodeI64ExtendI32S: {ssa.OpcodeSExtend, ssa.TypeI64},
	wasm.OpcodeI64ExtendI32U: {ssa.OpcodeUExtend, ssa.TypeI64},

	wasm.OpcodeI32TruncF32S: {ssa.OpcodeFcvtToSint, ssa.TypeI32},
	wasm.OpcodeI32TruncF32U: {ssa.OpcodeFcvtToUint, ssa.TypeI32},
	wasm.OpcodeI32TruncF64S: {ssa.OpcodeFcvtToSint, ssa.TypeI32},
	wasm.OpcodeI32TruncF64U: {ssa.OpcodeFcvtToUint, ssa.TypeI32},
	wasm.OpcodeI64TruncF32S: {ssa.OpcodeFcvtToSint, ssa.TypeI64},
	wasm.OpcodeI64TruncF32U: {ssa.OpcodeFcvtToUint, ssa.TypeI64},
	wasm.OpcodeI64TruncF64S: {ssa.OpcodeFcvtToSint, ssa.TypeI64},
	wasm.OpcodeI64TruncF64U: {ssa.OpcodeFcvtToUint, ssa.TypeI64},

	wasm.OpcodeF32ConvertI32S: {ssa.OpcodeFcvtFromSint, ssa.TypeF32},
	wasm.OpcodeF32ConvertI32U: {ssa.OpcodeFcvtFromUint, ssa.TypeF32},
	wasm.OpcodeF32ConvertI64S: {ssa.OpcodeFcvtFromSint, ssa.TypeF32},
	wasm.OpcodeF32ConvertI64U: {ssa.OpcodeFcvtFromUint, ssa.TypeF32},
	wasm.OpcodeF64ConvertI32S: {ssa.OpcodeFcvtFromSint, ssa.TypeF64},
	wasm.OpcodeF64ConvertI32U: {ssa.OpcodeFcvtFromUint, ssa.TypeF64},
	wasm.OpcodeF64ConvertI64S: {ssa.OpcodeFcvtFromSint, ssa.TypeF64},
	wasm.OpcodeF64ConvertI64U: {ssa.OpcodeFcvtFromUint, ssa.TypeF64},

	wasm.OpcodeF32DemoteF64:  {ssa.OpcodeFdemote, ssa.TypeF32},
	wasm.OpcodeF64PromoteF32: {ssa.OpcodeFpromote, ssa.TypeF64},

	wasm.OpcodeI32ReinterpretF32: {ssa.OpcodeBitcast, ssa.TypeI32},
	wasm.OpcodeI64ReinterpretF64: {ssa.OpcodeBitcast, ssa.TypeI64},
	wasm.OpcodeF32ReinterpretI32: {ssa.OpcodeBitcast, ssa.TypeF32},
	wasm.OpcodeF64ReinterpretI64: {ssa.OpcodeBitcast, ssa.TypeF64},

	wasm.OpcodeI32Extend8S:  {ssa.OpcodeSExtend, ssa.TypeI32},
	wasm.OpcodeI32Extend16S: {ssa.OpcodeSExtend, ssa.TypeI32},
	wasm.OpcodeI64Extend8S:  {ssa.OpcodeSExtend, ssa.TypeI64},
	wasm.OpcodeI64Extend16S: {ssa.OpcodeSExtend, ssa.TypeI64},
	wasm.OpcodeI64Extend32S: {ssa.OpcodeSExtend, ssa.TypeI64},
}

// lowerBinaryWithTraps emits the division/remainder trap guards
// required by spec.md §4.2 ("division by zero and overflowing integer
// division are explicit trap instructions emitted by the translator")
// before the arithmetic op itself.
func (c *Compiler) lowerBinaryWithTraps(op wasm.Opcode, e binEntry, a, b ssa.Value) ssa.Value {
	if e.signedDiv || e.unsignedDiv || e.signedRem || e.unsignedRem {
		zero := c.emitIconst(e.result, 0)
		isZero := c.emitIcmp(ssa.IntEqual, b, zero)
		c.emitTrapIf(isZero, byte(api.TrapIntegerDivisionByZero))

		if e.signedDiv {
			var minVal uint64
			if e.result == ssa.TypeI32 {
				minVal = uint64(uint32(1 << 31))
			} else {
				minVal = 1 << 63
			}
			isMin := c.emitIcmp(ssa.IntEqual, a, c.emitIconst(e.result, minVal))
			isNegOne := c.emitIcmp(ssa.IntEqual, b, c.emitIconst(e.result, ^uint64(0)))
			overflow := c.emitBinary(ssa.OpcodeBand, ssa.TypeI32, isMin, isNegOne)
			c.emitTrapIf(overflow, byte(api.TrapIntegerOverflow))
		}
	}
	return c.emitBinary(e.op, e.result, a, b)
}
