package amd64

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// scratchRAX/scratchRDX/scratchRCX name the three registers reg.go
// reserves out of the allocator's pool (see its regInfo comment),
// used throughout this file as guaranteed-free temporaries for
// encoding sequences that need more working registers than the
// instruction's own operands provide.
var (
	scratchRAX = regalloc.FromRealReg(RAX, regalloc.RegTypeInt)
	scratchRDX = regalloc.FromRealReg(RDX, regalloc.RegTypeInt)
	scratchRCX = regalloc.FromRealReg(RCX, regalloc.RegTypeInt)
)

// emitRexByteOp emits a REX prefix for an instruction that accesses an
// 8-bit GPR by its ModRM.reg field. Besides the usual extension-bit
// need (encoding 8-15), an 8-bit register access with encoding 4-7
// means SPL/BPL/SIL/DIL only in the presence of a REX prefix --
// without one, 4-7 instead select the legacy AH/CH/DH/BH high-byte
// registers. rmEnc only ever needs the ordinary extension-bit check
// since our addressing never makes the r/m side an 8-bit register
// (byte stores always target memory, never a byte register operand).
func (c *codeBuf) emitRexByteOp(w bool, byteRegEnc, rmEnc byte) {
	force := w || byteRegEnc >= 4 || rmEnc >= 8
	if !force {
		return
	}
	b := byte(rexBase)
	if w {
		b |= rexW
	}
	if byteRegEnc >= 8 {
		b |= rexR
	}
	if rmEnc >= 8 {
		b |= rexB
	}
	c.u8(b)
}

// storeMem stores src into [baseEnc+disp], memSize bytes wide (1, 2,
// 4, or 8).
func (c *codeBuf) storeMem(src regalloc.VReg, baseEnc byte, disp int32, memSize byte, isFloat bool) {
	s := ienc(src)
	if isFloat {
		if memSize == 4 {
			c.u8(0xF3) // MOVSS m32, xmm
		} else {
			c.u8(0xF2) // MOVSD m64, xmm
		}
		c.emitRex(false, s, 0, baseEnc)
		c.u8(0x0F)
		c.u8(0x11)
		c.modrmMemBase(s, baseEnc, disp)
		return
	}
	switch memSize {
	case 1:
		c.emitRexByteOp(false, s, baseEnc)
		c.u8(0x88) // MOV r/m8, r8
	case 2:
		c.u8(0x66)
		c.emitRex(false, s, 0, baseEnc)
		c.u8(0x89)
	case 4:
		c.emitRex(false, s, 0, baseEnc)
		c.u8(0x89)
	default: // 8
		c.emitRex(true, s, 0, baseEnc)
		c.u8(0x89)
	}
	c.modrmMemBase(s, baseEnc, disp)
}

// loadMem loads memSize bytes from [baseEnc+disp] into dst. For the
// sub-8-byte integer widths, signed/destWide pick between a plain
// 32-bit load (the processor zero-extends to 64 bits on its own),
// MOVZX, MOVSX, or MOVSXD, matching the sign/zero-extension the
// originating ssa.Value's type demands.
func (c *codeBuf) loadMem(dst regalloc.VReg, baseEnc byte, disp int32, memSize byte, signed, destWide, isFloat bool) {
	d := ienc(dst)
	if isFloat {
		if memSize == 4 {
			c.u8(0xF3)
		} else {
			c.u8(0xF2)
		}
		c.emitRex(false, d, 0, baseEnc)
		c.u8(0x0F)
		c.u8(0x10)
		c.modrmMemBase(d, baseEnc, disp)
		return
	}
	switch {
	case memSize == 1:
		c.emitRex(destWide, d, 0, baseEnc)
		c.u8(0x0F)
		if signed {
			c.u8(0xBE) // MOVSX
		} else {
			c.u8(0xB6) // MOVZX
		}
	case memSize == 2:
		c.emitRex(destWide, d, 0, baseEnc)
		c.u8(0x0F)
		if signed {
			c.u8(0xBF)
		} else {
			c.u8(0xB7)
		}
	case memSize == 4 && signed && destWide:
		c.emitRex(true, d, 0, baseEnc)
		c.u8(0x63) // MOVSXD r64, r/m32
	case memSize == 4:
		c.emitRex(false, d, 0, baseEnc) // MOV r32, r/m32 zero-extends to r64
		c.u8(0x8B)
	default: // 8
		c.emitRex(true, d, 0, baseEnc)
		c.u8(0x8B)
	}
	c.modrmMemBase(d, baseEnc, disp)
}

// leaSelfAddr materializes this instruction's own runtime address into
// dst via a RIP-relative LEA, rather than an immediate baked in at
// compile time. A trap site's PC has to survive being copied into
// whatever address internal/linker (C8) ultimately places this
// function's code at, and RIP-relative addressing resolves against the
// program counter at run time, so the value is correct regardless of
// where the surrounding code image ends up -- no relocation entry
// needed. REX is unconditionally emitted here (w=true forces it), so
// the instruction is always exactly 7 bytes: the displacement that
// lands back on its own first byte is a constant -7.
func (c *codeBuf) leaSelfAddr(dst regalloc.VReg) {
	d := ienc(dst)
	c.emitRex(true, d, 0, 5)
	c.u8(0x8D) // LEA r64, m
	c.u8(0x00 | (d&7)<<3 | 5) // modrm: mod=00, rm=101 -> rip-relative
	c.i32(-7)
}

// gprToXmm/xmmToGpr move a value's raw bits between a GPR and an XMM
// register (MOVD/MOVQ) with no numeric conversion -- used to
// materialize float immediates and to implement the sign-bit tricks
// behind Fneg/Fabs/Fcopysign.
func (c *codeBuf) gprToXmm(dst, src regalloc.VReg, wide bool) {
	d, s := ienc(dst), ienc(src)
	c.u8(0x66)
	c.emitRex(wide, d, 0, s)
	c.u8(0x0F)
	c.u8(0x6E)
	c.modrmReg(d, s)
}

func (c *codeBuf) xmmToGpr(dst, src regalloc.VReg, wide bool) {
	d, s := ienc(dst), ienc(src)
	c.u8(0x66)
	c.emitRex(wide, s, 0, d)
	c.u8(0x0F)
	c.u8(0x7E)
	c.modrmReg(s, d)
}

// cmpRegImm32 emits CMP r/m32, imm32 against r's 32-bit view, leaving
// flags for a following Jcc -- BrTable's dense equality ladder.
func (c *codeBuf) cmpRegImm32(r regalloc.VReg, imm int32) {
	e := ienc(r)
	c.emitRex(false, 0, 0, e)
	c.u8(0x81)
	c.modrmReg(7, e)
	c.i32(imm)
}

// movzxByte zero-extends src's low 8 bits into dst's 32-bit view --
// the common tail of every SETcc-based comparison encoding.
func (c *codeBuf) movzxByte(dst, src regalloc.VReg) {
	d, s := ienc(dst), ienc(src)
	c.emitRex(false, d, 0, s)
	c.u8(0x0F)
	c.u8(0xB6)
	c.modrmReg(d, s)
}

// shift1 emits a single-bit shift/rotate (0xD1 /ext): SHL=4, SHR=5,
// RCL=2, RCR=3.
func (c *codeBuf) shift1(r regalloc.VReg, ext byte, w bool) {
	e := ienc(r)
	c.emitRex(w, 0, 0, e)
	c.u8(0xD1)
	c.modrmReg(ext, e)
}

// shiftImm emits an imm8-count shift/rotate (0xC1 /ext ib).
func (c *codeBuf) shiftImm(r regalloc.VReg, ext byte, imm byte, w bool) {
	e := ienc(r)
	c.emitRex(w, 0, 0, e)
	c.u8(0xC1)
	c.modrmReg(ext, e)
	c.u8(imm)
}

// bitTestImm emits a bit-test-and-{complement,reset} against an
// immediate bit index (0F BA /ext ib): BTR=6, BTC=7.
func (c *codeBuf) bitTestImm(r regalloc.VReg, ext byte, bit byte, w bool) {
	e := ienc(r)
	c.emitRex(w, 0, 0, e)
	c.u8(0x0F)
	c.u8(0xBA)
	c.modrmReg(ext, e)
	c.u8(bit)
}

// leaBaseIndex emits LEA dst, [baseEnc + idxEnc*scale + disp].
func (c *codeBuf) leaBaseIndex(dst regalloc.VReg, baseEnc, idxEnc, scale byte, disp int32) {
	d := ienc(dst)
	c.emitRex(true, d, idxEnc, baseEnc)
	c.u8(0x8D)
	c.modrmMemBaseIndex(d, baseEnc, idxEnc, scale, disp)
}

// sseAluRR emits a destructive scalar SSE ALU op: dst = dst OP src,
// ModRM.reg=dst/ModRM.rm=src (the opposite operand convention from
// aluRR's integer "op r/m,r" forms).
func (c *codeBuf) sseAluRR(prefix, opcode byte, dst, src regalloc.VReg) {
	d, s := ienc(dst), ienc(src)
	c.u8(prefix)
	c.emitRex(false, d, 0, s)
	c.u8(0x0F)
	c.u8(opcode)
	c.modrmReg(d, s)
}

func (c *codeBuf) encodeLoad(in *instr) error {
	isFloat := in.def.RegType() == regalloc.RegTypeFloat
	destWide := in.size == 8
	baseEnc := ienc(in.uses[0])
	c.loadMem(in.def, baseEnc, 0, in.memSize, in.signed, destWide, isFloat)
	return nil
}

func (c *codeBuf) encodeStore(in *instr) error {
	isFloat := in.uses[1].RegType() == regalloc.RegTypeFloat
	baseEnc := ienc(in.uses[0])
	c.storeMem(in.uses[1], baseEnc, 0, in.memSize, isFloat)
	return nil
}

func (c *codeBuf) encodeSimpleAlu(in *instr, w bool) error {
	a, b := in.uses[0], in.uses[1]
	needMovA, swapped, err := binaryOperands(in.op, in.def, a, b)
	if err != nil {
		return err
	}
	rhs := b
	if swapped {
		rhs = a
	} else if needMovA {
		c.movRR(in.def, a, w, false)
	}
	c.aluRR(aluOpcodes[in.op], in.def, rhs, w)
	return nil
}

func (c *codeBuf) encodeImul(in *instr, w bool) error {
	a, b := in.uses[0], in.uses[1]
	needMovA, swapped, err := binaryOperands(in.op, in.def, a, b)
	if err != nil {
		return err
	}
	rhs := b
	if swapped {
		rhs = a
	} else if needMovA {
		c.movRR(in.def, a, w, false)
	}
	d, s := ienc(in.def), ienc(rhs)
	c.emitRex(w, d, 0, s)
	c.u8(0x0F)
	c.u8(0xAF)
	c.modrmReg(d, s)
	return nil
}

// encodeDivRem stages the dividend into rax, sign/zero-extends into
// rdx, runs DIV/IDIV against b's own register (never rax/rdx, since
// reg.go excludes both from the allocatable pool), and copies the
// quotient or remainder out of rax/rdx into the result vreg only after
// b has already been read -- safe even if the allocator colored b into
// the same physical register as the destination.
func (c *codeBuf) encodeDivRem(in *instr, w bool) error {
	a, b := in.uses[0], in.uses[1]
	unsigned := in.op == ssa.OpcodeUdiv || in.op == ssa.OpcodeUrem
	c.movRR(scratchRAX, a, w, false)
	if unsigned {
		e := ienc(scratchRDX)
		c.emitRex(w, e, 0, e)
		c.u8(0x31) // XOR rdx, rdx
		c.modrmReg(e, e)
	} else {
		if w {
			c.emitRex(true, 0, 0, 0)
		}
		c.u8(0x99) // CDQ / CQO
	}
	bEnc := ienc(b)
	c.emitRex(w, 0, 0, bEnc)
	c.u8(0xF7)
	ext := byte(6) // DIV
	if in.op == ssa.OpcodeSdiv || in.op == ssa.OpcodeSrem {
		ext = 7 // IDIV
	}
	c.modrmReg(ext, bEnc)
	if in.op == ssa.OpcodeUdiv || in.op == ssa.OpcodeSdiv {
		c.movRR(in.def, scratchRAX, w, false)
	} else {
		c.movRR(in.def, scratchRDX, w, false)
	}
	return nil
}

// encodeShift stages the count into CL before touching the destination
// register, so a count operand the allocator happened to color into
// the same register as the destination is read safely either way.
func (c *codeBuf) encodeShift(in *instr, w bool) error {
	a, b := in.uses[0], in.uses[1]
	c.movRR(scratchRCX, b, false, false)
	c.movRR(in.def, a, w, false)
	var ext byte
	switch in.op {
	case ssa.OpcodeIshl:
		ext = 4
	case ssa.OpcodeUshr:
		ext = 5
	case ssa.OpcodeSshr:
		ext = 7
	case ssa.OpcodeRotl:
		ext = 0
	case ssa.OpcodeRotr:
		ext = 1
	}
	d := ienc(in.def)
	c.emitRex(w, 0, 0, d)
	c.u8(0xD3) // shift/rotate group, count in CL
	c.modrmReg(ext, d)
	return nil
}

func (c *codeBuf) encodeIcmp(in *instr) error {
	a, b := in.uses[0], in.uses[1]
	w := in.size == 8
	cc, ok := intCC[ssa.IntegerCmpCond(in.cond)]
	if !ok {
		return fmt.Errorf("amd64: unhandled integer comparison condition %d", in.cond)
	}
	c.movRR(scratchRAX, a, w, false)
	c.aluRR(0x39, scratchRAX, b, w) // CMP rax, b
	c.setcc(cc, encoding(RAX))
	c.movzxByte(in.def, scratchRAX)
	return nil
}

// encodeFcmp compares with UCOMISS/UCOMISD and combines the two flag
// bits IEEE754 ordered comparisons need (one of the six conditions can
// never be decided from a single SETcc, since an unordered result --
// either operand NaN -- must independently clear every "ordered"
// condition and set only FloatNotEqual). GreaterThan/GreaterThanOrEqual
// reuse the LessThan/LessThanOrEqual condition codes by swapping which
// operand is compared first rather than needing their own cc pair.
func (c *codeBuf) encodeFcmp(in *instr) error {
	a, b := in.uses[0], in.uses[1]
	double := in.size == 8
	cond := ssa.FloatCmpCond(in.cond)
	x, y := a, b
	if cond == ssa.FloatGreaterThan || cond == ssa.FloatGreaterThanOrEqual {
		x, y = b, a
	}
	xe, ye := ienc(x), ienc(y)
	if double {
		c.u8(0x66)
	}
	c.emitRex(false, xe, 0, ye)
	c.u8(0x0F)
	c.u8(0x2E) // UCOMISS/UCOMISD
	c.modrmReg(xe, ye)

	var cc1, cc2 byte
	useOr := false
	switch cond {
	case ssa.FloatEqual:
		cc1, cc2 = ccE, ccNP
	case ssa.FloatNotEqual:
		cc1, cc2, useOr = ccNE, ccP, true
	case ssa.FloatLessThan, ssa.FloatGreaterThan:
		cc1, cc2 = ccB, ccNP
	case ssa.FloatLessThanOrEqual, ssa.FloatGreaterThanOrEqual:
		cc1, cc2 = ccBE, ccNP
	default:
		return fmt.Errorf("amd64: unhandled float comparison condition %d", in.cond)
	}
	c.setcc(cc1, encoding(RAX))
	c.setcc(cc2, encoding(RDX))
	if useOr {
		c.u8(0x08) // OR al, dl
	} else {
		c.u8(0x20) // AND al, dl
	}
	c.modrmReg(encoding(RDX), encoding(RAX))
	c.movzxByte(in.def, scratchRAX)
	return nil
}

var floatAluOps = map[ssa.Opcode]byte{
	ssa.OpcodeFadd: 0x58,
	ssa.OpcodeFsub: 0x5C,
	ssa.OpcodeFmul: 0x59,
	ssa.OpcodeFdiv: 0x5E,
	ssa.OpcodeFmin: 0x5D,
	ssa.OpcodeFmax: 0x5F,
}

func (c *codeBuf) encodeFloatAlu(in *instr) error {
	a, b := in.uses[0], in.uses[1]
	needMovA, swapped, err := binaryOperands(in.op, in.def, a, b)
	if err != nil {
		return err
	}
	prefix := byte(0xF3)
	if in.size == 8 {
		prefix = 0xF2
	}
	rhs := b
	if swapped {
		rhs = a
	} else if needMovA {
		c.movRR(in.def, a, true, true)
	}
	c.sseAluRR(prefix, floatAluOps[in.op], in.def, rhs)
	return nil
}

// encodeFcopysign clears a's sign bit, isolates b's sign bit in place
// via a shift-down/shift-up pair, and ORs the two together -- all
// through rax/rdx, so this never risks the destructive-instruction
// aliasing hazard binaryOperands otherwise has to guard against.
func (c *codeBuf) encodeFcopysign(in *instr) error {
	a, b := in.uses[0], in.uses[1]
	w := in.size == 8
	bit := byte(31)
	if w {
		bit = 63
	}
	c.xmmToGpr(scratchRAX, a, w)
	c.bitTestImm(scratchRAX, 6, bit, w) // BTR: clear a's sign bit
	c.xmmToGpr(scratchRDX, b, w)
	c.shiftImm(scratchRDX, 5, bit, w) // SHR: isolate b's sign bit at bit 0
	c.shiftImm(scratchRDX, 4, bit, w) // SHL: shift it back to the top
	c.aluRR(0x09, scratchRAX, scratchRDX, w)
	c.gprToXmm(in.def, scratchRAX, w)
	return nil
}

func (c *codeBuf) encodeUnaryGroupF7(in *instr, ext byte, w bool) error {
	c.movRR(in.def, in.uses[0], w, false)
	e := ienc(in.def)
	c.emitRex(w, 0, 0, e)
	c.u8(0xF7)
	c.modrmReg(ext, e)
	return nil
}

// encodeBitCount emits LZCNT/TZCNT/POPCNT directly; all three require
// the target CPU to advertise ABM/SSE4.2 (see DESIGN.md -- this
// compiler assumes a modern host and does not synthesize a software
// fallback).
func (c *codeBuf) encodeBitCount(in *instr, opcode byte, w bool) error {
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(0xF3)
	c.emitRex(w, d, 0, s)
	c.u8(0x0F)
	c.u8(opcode)
	c.modrmReg(d, s)
	return nil
}

// encodeBitrev reverses bit order with the classic shift-carry-rotate
// loop: each iteration shifts the least-significant bit of the source
// out through the carry flag and rotates it into the bottom of the
// accumulator, which has walked all the way to the top once the loop
// completes.
func (c *codeBuf) encodeBitrev(in *instr, w bool) error {
	bits := int32(32)
	if w {
		bits = 64
	}
	c.movRR(scratchRDX, in.uses[0], w, false)
	c.movImm(scratchRAX, 0, w)
	c.movImm(scratchRCX, uint64(bits), false)

	loopStart := c.pos()
	c.shift1(scratchRDX, 5, w) // SHR rdx, 1 -> CF = outgoing bit
	c.shift1(scratchRAX, 2, w) // RCL rax, 1 -> CF into bit0, rax <<= 1

	e := ienc(scratchRCX)
	c.emitRex(false, 0, 0, e)
	c.u8(0xFF) // group 5 /1: DEC r/m
	c.modrmReg(1, e)
	c.u8(0x0F)
	c.u8(0x85) // JNZ rel32
	at := c.pos()
	c.i32(int32(loopStart - (at + 4)))

	c.movRR(in.def, scratchRAX, w, false)
	return nil
}

// encodeFlipSignBit implements Fneg (BTC, ext=7) and Fabs (BTR,
// ext=6) by toggling or clearing the float's sign bit directly in its
// GPR bit pattern -- unlike a 0.0-a/abs-via-compare sequence, this
// preserves NaN payloads and -0.0 exactly.
func (c *codeBuf) encodeFlipSignBit(in *instr, ext byte) error {
	a := in.uses[0]
	w := in.size == 8
	bit := byte(31)
	if w {
		bit = 63
	}
	c.xmmToGpr(scratchRAX, a, w)
	c.bitTestImm(scratchRAX, ext, bit, w)
	c.gprToXmm(in.def, scratchRAX, w)
	return nil
}

func (c *codeBuf) encodeSqrt(in *instr) error {
	prefix := byte(0xF3)
	if in.size == 8 {
		prefix = 0xF2
	}
	c.sseAluRR(prefix, 0x51, in.def, in.uses[0])
	return nil
}

// encodeRound emits ROUNDSS/ROUNDSD (SSE4.1). mode matches the Intel
// immediate's rounding-mode bits directly (0=nearest, 1=floor,
// 2=ceil, 3=truncate); bit 3 is set to suppress the precision
// (inexact) exception, matching what every mainstream compiler emits
// for float.ceil/floor/trunc/nearest.
func (c *codeBuf) encodeRound(in *instr, mode byte) error {
	opcode := byte(0x0A) // ROUNDSS
	if in.size == 8 {
		opcode = 0x0B // ROUNDSD
	}
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(0x66)
	c.emitRex(false, d, 0, s)
	c.u8(0x0F)
	c.u8(0x3A)
	c.u8(opcode)
	c.modrmReg(d, s)
	c.u8(mode | 0x08)
	return nil
}

func (c *codeBuf) encodeBitcast(in *instr) error {
	w := in.size == 8
	if in.def.RegType() == regalloc.RegTypeFloat {
		c.gprToXmm(in.def, in.uses[0], w)
	} else {
		c.xmmToGpr(in.def, in.uses[0], w)
	}
	return nil
}

// encodeExtend implements SExtend/UExtend. in.size carries the
// source's width (lower.go sets it from the argument's type, not the
// result's, specifically so this can pick MOVSXD/MOVSX/MOVZX correctly
// regardless of how wide the destination ends up).
func (c *codeBuf) encodeExtend(in *instr, signed bool) error {
	d, s := ienc(in.def), ienc(in.uses[0])
	if in.size == 4 {
		if signed {
			c.emitRex(true, d, 0, s)
			c.u8(0x63) // MOVSXD r64, r/m32
		} else {
			c.emitRex(false, d, 0, s) // MOV r32, r/m32 zero-extends to r64
			c.u8(0x8B)
		}
		c.modrmReg(d, s)
		return nil
	}
	c.emitRex(true, d, 0, s)
	c.u8(0x0F)
	switch {
	case signed && in.size == 1:
		c.u8(0xBE)
	case signed:
		c.u8(0xBF)
	case in.size == 1:
		c.u8(0xB6)
	default:
		c.u8(0xB7)
	}
	c.modrmReg(d, s)
	return nil
}

// encodeFCvtWidth implements Fpromote (f32->f64, widen) and Fdemote
// (f64->f32, !widen) via CVTSS2SD/CVTSD2SS.
func (c *codeBuf) encodeFCvtWidth(in *instr, widen bool) error {
	prefix := byte(0xF3) // source is f32: promoting
	if !widen {
		prefix = 0xF2 // source is f64: demoting
	}
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(prefix)
	c.emitRex(false, d, 0, s)
	c.u8(0x0F)
	c.u8(0x5A)
	c.modrmReg(d, s)
	return nil
}

func (c *codeBuf) encodeFloatToSignedInt(in *instr) error {
	prefix := byte(0xF3)
	if in.argSize == 8 {
		prefix = 0xF2
	}
	w := in.size == 8
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(prefix)
	c.emitRex(w, d, 0, s)
	c.u8(0x0F)
	c.u8(0x2C) // CVTTSS2SI / CVTTSD2SI
	c.modrmReg(d, s)
	return nil
}

func (c *codeBuf) encodeSignedIntToFloat(in *instr) error {
	prefix := byte(0xF3)
	if in.size == 8 {
		prefix = 0xF2
	}
	w := in.argSize == 8
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(prefix)
	c.emitRex(w, d, 0, s)
	c.u8(0x0F)
	c.u8(0x2A) // CVTSI2SS / CVTSI2SD
	c.modrmReg(d, s)
	return nil
}

// encodeUnsignedIntToFloat only handles a u32 source: this compiler's
// invariant keeps i32 values zero-extended within their 64-bit
// register, so a plain signed 64-bit conversion from the full register
// reproduces the unsigned 32-bit value exactly. A u64 source needs a
// boundary-bias sequence this encoder does not implement.
func (c *codeBuf) encodeUnsignedIntToFloat(in *instr) error {
	if in.argSize == 8 {
		return fmt.Errorf("amd64: unsigned 64-bit to float conversion has no encoding in this compiler (requires a boundary-bias sequence not implemented here)")
	}
	prefix := byte(0xF3)
	if in.size == 8 {
		prefix = 0xF2
	}
	d, s := ienc(in.def), ienc(in.uses[0])
	c.u8(prefix)
	c.emitRex(true, d, 0, s)
	c.u8(0x0F)
	c.u8(0x2A)
	c.modrmReg(d, s)
	return nil
}

// encodeCall emits a direct CALL rel32 (recording a relocation the
// linker resolves once every function's final address is known) or an
// indirect CALL r/m64 against an already-resolved code pointer (the
// frontend has already emitted the table bounds/null/signature checks
// ahead of this instruction -- see internal/frontend/calls.go).
func (c *codeBuf) encodeCall(in *instr) error {
	if in.isIndirectCall {
		e := ienc(in.uses[0])
		c.emitRex(false, 0, 0, e)
		c.u8(0xFF) // group 5 /2: CALL r/m64
		c.modrmReg(2, e)
		return nil
	}
	c.u8(0xE8)
	at := c.pos()
	c.i32(0)
	c.relocs = append(c.relocs, backend.Relocation{
		Offset: at,
		Target: ssa.FuncRef(in.funcIdx),
		Kind:   backend.RelocFuncPCRel32,
	})
	return nil
}

// loadModuleField/storeModuleField access a field of the per-instance
// module context (internal/cctx) through the pinned ModuleCtxReg.
func (m *Machine) loadModuleField(c *codeBuf, dst regalloc.VReg, off cctx.Offset, memSize byte, isFloat bool) error {
	destWide := memSize == 8 && dst.RegType() == regalloc.RegTypeInt
	c.loadMem(dst, encoding(ModuleCtxReg), int32(off), memSize, false, destWide, isFloat)
	return nil
}

func (m *Machine) storeModuleField(c *codeBuf, src regalloc.VReg, off cctx.Offset, memSize byte, isFloat bool) error {
	c.storeMem(src, encoding(ModuleCtxReg), int32(off), memSize, isFloat)
	return nil
}

// loadTableEntry reads one field (fieldOffset: 0 for the code pointer,
// 8 for the signature id) of table in.funcIdx's element at the dynamic
// index in.uses[0]. It first loads the table's elements-array base
// pointer out of its descriptor, then reaches the indexed element by
// two chained idx*8 LEAs -- ModRM/SIB scale factors only go up to 8,
// but cctx.TableElemSize is 16, so two of them compose into the *16
// this needs without spending an extra scratch register.
func (m *Machine) loadTableEntry(c *codeBuf, in *instr, fieldOffset int32) error {
	descOff := m.layout.TableDescriptorOffset(in.funcIdx)
	d := in.def
	c.loadMem(d, encoding(ModuleCtxReg), int32(descOff), 8, false, true, false)
	dEnc, idxEnc := ienc(d), ienc(in.uses[0])
	c.leaBaseIndex(d, dEnc, idxEnc, 8, 0)
	c.leaBaseIndex(d, dEnc, idxEnc, 8, 0)
	c.loadMem(d, dEnc, fieldOffset, 8, false, true, false)
	return nil
}
