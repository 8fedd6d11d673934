package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// codeBuf is the growable byte sink encodeFunction writes into, plus
// the bookkeeping the linker (C8) needs: pending branch-displacement
// patches, relocations against other functions, trap sites, and a
// block-offset map used to resolve intra-function branches once every
// block has been encoded.
type codeBuf struct {
	b []byte

	blockOffsets map[*block]int
	pendingJumps []pendingJump

	relocs []backend.Relocation
	traps  []backend.TrapSite
}

type pendingJump struct {
	patchAt int // offset of the rel32 slot to patch
	target  *block
}

func (c *codeBuf) pos() int { return len(c.b) }

func (c *codeBuf) u8(v byte)     { c.b = append(c.b, v) }
func (c *codeBuf) u32(v uint32)  { c.b = binary.LittleEndian.AppendUint32(c.b, v) }
func (c *codeBuf) u64(v uint64)  { c.b = binary.LittleEndian.AppendUint64(c.b, v) }
func (c *codeBuf) i32(v int32)   { c.u32(uint32(v)) }
func (c *codeBuf) patch32(at int, v int32) {
	binary.LittleEndian.PutUint32(c.b[at:at+4], uint32(v))
}

// REX prefix bits, per the Intel SDM.
const (
	rexBase = 0x40
	rexW    = 0x08 // 64-bit operand size
	rexR    = 0x04 // extends ModRM.reg
	rexX    = 0x02 // extends SIB.index
	rexB    = 0x01 // extends ModRM.rm / SIB.base / opcode reg
)

func needsRex(w bool, regEnc, idxEnc, rmEnc byte) bool {
	return w || regEnc >= 8 || idxEnc >= 8 || rmEnc >= 8
}

// emitRex emits a REX prefix iff one of its inputs requires it. idxEnc
// is the SIB index register's encoding, or 0 when there is none.
func (c *codeBuf) emitRex(w bool, regEnc, idxEnc, rmEnc byte) {
	if !needsRex(w, regEnc, idxEnc, rmEnc) {
		return
	}
	b := byte(rexBase)
	if w {
		b |= rexW
	}
	if regEnc >= 8 {
		b |= rexR
	}
	if idxEnc >= 8 {
		b |= rexX
	}
	if rmEnc >= 8 {
		b |= rexB
	}
	c.u8(b)
}

// modrmReg emits a register-direct ModRM byte (mod=11).
func (c *codeBuf) modrmReg(regEnc, rmEnc byte) {
	c.u8(0xC0 | (regEnc&7)<<3 | (rmEnc & 7))
}

// modrmMemBase emits a [base+disp32] ModRM (and SIB, when base is RSP
// or R12, whose low 3 bits collide with the SIB-escape encoding).
// disp32 is always used (never the 8-bit disp form nor mod=00) so base
// == RBP/R13 never triggers the RIP-relative special case either.
func (c *codeBuf) modrmMemBase(regEnc, baseEnc byte, disp int32) {
	rm := baseEnc & 7
	if rm == 4 {
		c.u8(0x80 | (regEnc&7)<<3 | 4)
		c.u8(0x24) // SIB: scale=00, index=100 (none), base=100
	} else {
		c.u8(0x80 | (regEnc&7)<<3 | rm)
	}
	c.i32(disp)
}

var sibScale = map[byte]byte{1: 0, 2: 1, 4: 2, 8: 3}

// modrmMemBaseIndex emits a [base + index*scale + disp32] ModRM+SIB,
// used for the table-entry address computation in lowerTableAddr.
func (c *codeBuf) modrmMemBaseIndex(regEnc, baseEnc, idxEnc, scale byte, disp int32) {
	c.u8(0x80 | (regEnc&7)<<3 | 4)
	c.u8(sibScale[scale]<<6 | (idxEnc&7)<<3 | (baseEnc & 7))
	c.i32(disp)
}

func ienc(r regalloc.VReg) byte { return encoding(r.RealReg()) }

// movRR copies src into dst (register-register, GP or SSE, per isFloat).
func (c *codeBuf) movRR(dst, src regalloc.VReg, w bool, isFloat bool) {
	d, s := ienc(dst), ienc(src)
	if d == s {
		return
	}
	if isFloat {
		// MOVSD xmm1, xmm2/m64 (0F 10) is a load-form opcode: unlike the
		// 0x89 store-form below, ModRM.reg names the destination and
		// ModRM.rm the source.
		c.u8(0xF2)
		c.emitRex(false, d, 0, s)
		c.u8(0x0F)
		c.u8(0x10)
		c.modrmReg(d, s)
		return
	}
	c.emitRex(w, s, 0, d)
	c.u8(0x89) // MOV r/m, r
	c.modrmReg(s, d)
}

// movImm materializes a constant into dst, choosing the form by w, not
// by the value: w false emits MOV r32, imm32 (5 bytes, plus a REX
// prefix for r8-r15), which zero-extends into the full register; w true
// always emits the 10-byte MOV r64, imm64.
func (c *codeBuf) movImm(dst regalloc.VReg, imm uint64, w bool) {
	d := ienc(dst)
	if !w {
		c.emitRex(false, 0, 0, d)
		c.u8(0xB8 | (d & 7))
		c.u32(uint32(imm))
		return
	}
	c.emitRex(true, 0, 0, d)
	c.u8(0xB8 | (d & 7))
	c.u64(imm)
}

// aluOpcodes maps the single-byte "op r/m64, r64" forms this encoder
// uses for every register-register ALU instruction.
var aluOpcodes = map[ssa.Opcode]byte{
	ssa.OpcodeIadd: 0x01,
	ssa.OpcodeBand: 0x21,
	ssa.OpcodeBor:  0x09,
	ssa.OpcodeBxor: 0x31,
	ssa.OpcodeIsub: 0x29,
}

var commutative = map[ssa.Opcode]bool{
	ssa.OpcodeIadd: true, ssa.OpcodeBand: true, ssa.OpcodeBor: true, ssa.OpcodeBxor: true,
	ssa.OpcodeImul: true,
	ssa.OpcodeFadd: true, ssa.OpcodeFmul: true, ssa.OpcodeFmin: true, ssa.OpcodeFmax: true,
}

// encodeFunction turns m.order's register-allocated machine IR into a
// backend.CompiledFunction. It assumes m.layout has already been set
// and that the allocator has run (m.order's instr values carry real
// registers, not virtual ones, in def/uses).
func (m *Machine) encodeFunction(sig *ssa.Signature) (*backend.CompiledFunction, error) {
	argStackSize := m.maxArgStackSize
	spillSize := align8(m.nextSpillSlot)
	nCalleeSaved := m.countCalleeSaved()

	base := spillSize + argStackSize
	target := int64(0)
	if nCalleeSaved%2 == 1 {
		target = 8
	}
	pad := (target - base%16 + 16) % 16
	frameSize := base + pad

	c := &codeBuf{blockOffsets: map[*block]int{}}

	for _, blk := range m.order {
		c.blockOffsets[blk] = -1
	}

	for _, blk := range m.order {
		c.blockOffsets[blk] = c.pos()
		for in := blk.root; in != nil; in = in.next {
			if err := m.encodeInstr(c, in, frameSize, argStackSize); err != nil {
				return nil, fmt.Errorf("amd64: %w", err)
			}
		}
	}

	for _, pj := range c.pendingJumps {
		target, ok := c.blockOffsets[pj.target]
		if !ok {
			return nil, fmt.Errorf("amd64: branch to unknown block")
		}
		disp := int32(target - (pj.patchAt + 4))
		c.patch32(pj.patchAt, disp)
	}

	unwind := backend.UnwindRecord{FrameSize: frameSize + 8*int64(nCalleeSaved) + 8}
	return &backend.CompiledFunction{
		Code:        c.b,
		Relocations: c.relocs,
		TrapSites:   c.traps,
		Unwind:      unwind,
	}, nil
}

func align8(v int64) int64 { return (v + 7) &^ 7 }

// countCalleeSaved reports how many of the callee-saved registers this
// function's coloring actually used, derived from the spill-slot map's
// companion m.usedCalleeSaved set (populated by selectInstructions'
// caller after allocation -- see machine.go's Compile).
func (m *Machine) countCalleeSaved() int {
	return len(m.usedCalleeSaved)
}

// calleeSavedRegs lists System V callee-saved registers the prologue
// preserves when a function's code uses them. RBX and R12 are in the
// allocatable integer class; R15 is reserved as ModuleCtxReg and is
// never handed out by the allocator.
var calleeSavedRegs = map[regalloc.RealReg]bool{RBX: true, R12: true, R15: true}
