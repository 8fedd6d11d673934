package amd64

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// Pseudo-opcodes used only within machine IR, past ssa's own opcode
// range, for the instructions regalloc.Function's spill hooks splice
// in after allocation has already picked physical registers for
// everything else.
const (
	opSpillStore ssa.Opcode = 1<<20 + iota
	opSpillReload
	opCopy
	opPrologue
	opEpilogue
	// opArgStore/opArgLoad move a value to/from an ABI stack-argument
	// slot -- distinct pseudo-ops from opSpillStore/opSpillReload even
	// though both carry a frame offset in imm, since the two address
	// different regions of the frame (see encode.go's frame layout).
	opArgStore
	opArgLoad
)

// instr is one machine-IR instruction. Rather than a distinct Go type
// per x86-64 mnemonic, it carries the originating ssa.Opcode plus
// virtual-register operand slots; encode.go's switch on op does the
// final mnemonic selection. This is a narrower instruction-selection
// model than a true multi-instruction pattern matcher (most SSA
// opcodes lower 1:1 to one instr), traded for breadth across the
// opcode set within the scope of this module — see DESIGN.md.
type instr struct {
	op ssa.Opcode

	def  regalloc.VReg
	uses [3]regalloc.VReg
	nUse int

	imm uint64
	// size is the operand/result register width in bytes (4 or 8) for
	// arithmetic, compare, and extend ops; for loads it is the
	// destination register's width and for stores the source value's
	// width. memSize additionally carries the narrower width actually
	// touched in linear memory for the sub-word load/store family,
	// since that can differ from the register width (e.g. an i64
	// sign-extending 1-byte load has size=8, memSize=1).
	size    byte
	memSize byte
	// argSize is the source operand's width for the int<->float
	// conversion family, where neither the opcode nor the destination
	// size alone determines it (e.g. i32.trunc_f32_s and i32.trunc_f64_s
	// share an opcode and a size=4 destination but read a 4- or 8-byte
	// float register respectively).
	argSize byte
	signed  bool
	cond    byte // IntegerCmpCond or FloatCmpCond, depending on op.

	// funcIdx is the direct-call callee index (OpcodeCall) or the
	// global/table index for instance intrinsics.
	funcIdx uint32

	isCall, isIndirectCall, isReturn, isCopy bool
	trapReason                               byte

	target  *block
	targets []*block

	sourceOffset int64

	prev, next *instr
}

func (i *instr) Defs() []regalloc.VReg {
	if !i.def.Valid() {
		return nil
	}
	return []regalloc.VReg{i.def}
}

func (i *instr) Uses() []regalloc.VReg { return i.uses[:i.nUse] }

func (i *instr) AssignUses(vs []regalloc.VReg) {
	for idx := range vs {
		i.uses[idx] = vs[idx]
	}
}

func (i *instr) AssignDef(v regalloc.VReg) { i.def = v }

func (i *instr) IsCopy() bool           { return i.isCopy }
func (i *instr) IsCall() bool           { return i.isCall }
func (i *instr) IsIndirectCall() bool   { return i.isIndirectCall }
func (i *instr) IsReturn() bool         { return i.isReturn }

func (i *instr) String() string {
	return fmt.Sprintf("%s def=%v uses=%v", i.op, i.def, i.Uses())
}

// block is one machine-IR basic block: an ordered instr list plus the
// predecessor edges regalloc.Allocator's liveness pass needs.
type block struct {
	id    int
	entry bool
	root  *instr
	tail  *instr
	cur   *instr
	preds []*block

	iter *instr
}

func (b *block) ID() int    { return b.id }
func (b *block) Entry() bool { return b.entry }

func (b *block) Preds() []regalloc.Block {
	out := make([]regalloc.Block, len(b.preds))
	for i, p := range b.preds {
		out[i] = p
	}
	return out
}

func (b *block) append(in *instr) {
	if b.root == nil {
		b.root, b.tail = in, in
		return
	}
	in.prev = b.tail
	b.tail.next = in
	b.tail = in
}

func (b *block) InstrIteratorBegin() regalloc.Instr {
	b.iter = b.root
	return b.iterCurrent()
}

func (b *block) InstrIteratorNext() regalloc.Instr {
	if b.iter != nil {
		b.iter = b.iter.next
	}
	return b.iterCurrent()
}

func (b *block) iterCurrent() regalloc.Instr {
	if b.iter == nil {
		return nil
	}
	return b.iter
}

// insertAfter/insertBefore splice a spill store/reload next to an
// existing instruction, used by regalloc.Function's StoreRegisterAfter
// / ReloadRegisterBefore hooks.
func (b *block) insertAfter(at, in *instr) {
	in.prev, in.next = at, at.next
	if at.next != nil {
		at.next.prev = in
	} else {
		b.tail = in
	}
	at.next = in
}

func (b *block) insertBefore(at, in *instr) {
	in.next, in.prev = at, at.prev
	if at.prev != nil {
		at.prev.next = in
	} else {
		b.root = in
	}
	at.prev = in
}
