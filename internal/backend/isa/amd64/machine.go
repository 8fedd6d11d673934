package amd64

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// Machine is the amd64 implementation of backend.Machine: one value
// is reused across every function in a module (Compile resets its
// per-function state at the start of each call).
type Machine struct {
	abi    backend.FunctionABI[*Machine]
	layout cctx.ModuleContextLayout

	blocks   map[ssa.BasicBlockID]*block
	order    []*block
	vregs    map[ssa.ValueID]regalloc.VReg
	nextVReg regalloc.VRegID

	spillSlots    map[regalloc.VRegID]int64
	nextSpillSlot int64

	// maxArgStackSize is the largest outgoing-call argument area any
	// call site in this function needs, set while lowering calls;
	// encodeFunction reserves it below the callee-saved pushes.
	maxArgStackSize int64
	// usedCalleeSaved is populated after allocation by scanning the
	// colored machine IR for the callee-saved registers it actually
	// assigned, so the prologue/epilogue only push/pop what this
	// function's coloring needs.
	usedCalleeSaved map[regalloc.RealReg]bool
}

// SetModuleLayout implements backend.Machine.
func (m *Machine) SetModuleLayout(l cctx.ModuleContextLayout) { m.layout = l }

// NewMachine constructs a fresh amd64 backend.Machine.
func NewMachine() *Machine {
	m := &Machine{}
	m.abi = backend.NewFunctionABI[*Machine](m)
	return m
}

func (m *Machine) reset() {
	m.blocks = map[ssa.BasicBlockID]*block{}
	m.order = nil
	m.vregs = map[ssa.ValueID]regalloc.VReg{}
	m.nextVReg = 0
	m.spillSlots = map[regalloc.VRegID]int64{}
	m.nextSpillSlot = 0
	m.maxArgStackSize = 0
	m.usedCalleeSaved = map[regalloc.RealReg]bool{}
}

// Compile implements backend.Machine.
func (m *Machine) Compile(fn ssa.Builder, sig *ssa.Signature) (*backend.CompiledFunction, error) {
	m.reset()
	m.abi.Init(sig)

	if err := m.selectInstructions(fn, sig); err != nil {
		return nil, err
	}

	mf := &machineFunc{m: m}
	alloc := regalloc.NewAllocator(regInfo)
	if err := alloc.Run(mf); err != nil {
		return nil, fmt.Errorf("amd64: register allocation failed: %w", err)
	}
	m.scanCalleeSaved()

	return m.encodeFunction(sig)
}

// scanCalleeSaved records which callee-saved registers the completed
// coloring actually assigned, by walking every instruction's def/uses
// now that they carry real registers.
func (m *Machine) scanCalleeSaved() {
	mark := func(r regalloc.VReg) {
		if !r.Valid() || !r.IsRealReg() {
			return
		}
		if calleeSavedRegs[r.RealReg()] {
			m.usedCalleeSaved[r.RealReg()] = true
		}
	}
	for _, blk := range m.order {
		for in := blk.root; in != nil; in = in.next {
			mark(in.def)
			for i := 0; i < in.nUse; i++ {
				mark(in.uses[i])
			}
		}
	}
}

// calleeSavedOrder returns the callee-saved registers this function's
// coloring used, in a fixed push/pop order.
func (m *Machine) calleeSavedOrder() []regalloc.RealReg {
	var out []regalloc.RealReg
	for _, r := range []regalloc.RealReg{RBX, R12, R15} {
		if m.usedCalleeSaved[r] {
			out = append(out, r)
		}
	}
	return out
}

// regTypeFor classifies an SSA type into the allocator's register
// class; reference and SIMD values are carried as plain integer-class
// registers (a 64-bit tagged word / a pointer to an out-of-line 128-bit
// slot respectively) since this target does not implement a vector
// register class — see DESIGN.md.
func regTypeFor(t ssa.Type) regalloc.RegType {
	if t.IsFloat() {
		return regalloc.RegTypeFloat
	}
	return regalloc.RegTypeInt
}

func (m *Machine) vregFor(v ssa.Value) regalloc.VReg {
	if vr, ok := m.vregs[v.ID()]; ok {
		return vr
	}
	id := m.nextVReg
	m.nextVReg++
	vr := regalloc.VRegOf(id, regTypeFor(v.Type()))
	m.vregs[v.ID()] = vr
	return vr
}

func (m *Machine) blockFor(b ssa.BasicBlock) *block {
	if blk, ok := m.blocks[b.ID()]; ok {
		return blk
	}
	blk := &block{id: int(b.ID()), entry: b.EntryBlock()}
	m.blocks[b.ID()] = blk
	return blk
}
