package amd64

import "github.com/ignitewasm/ignite/internal/backend/regalloc"

// machineFunc adapts *Machine's block list to regalloc.Function.
type machineFunc struct {
	m       *Machine
	poIdx   int
	rpoIdx  int
	clobber []regalloc.VReg
}

func (f *machineFunc) ReversePostOrderBlockIteratorBegin() regalloc.Block {
	f.rpoIdx = 0
	return f.rpoCurrent()
}

func (f *machineFunc) ReversePostOrderBlockIteratorNext() regalloc.Block {
	f.rpoIdx++
	return f.rpoCurrent()
}

func (f *machineFunc) rpoCurrent() regalloc.Block {
	if f.rpoIdx >= len(f.m.order) {
		return nil
	}
	return f.m.order[f.rpoIdx]
}

func (f *machineFunc) PostOrderBlockIteratorBegin() regalloc.Block {
	f.poIdx = len(f.m.order) - 1
	return f.poCurrent()
}

func (f *machineFunc) PostOrderBlockIteratorNext() regalloc.Block {
	f.poIdx--
	return f.poCurrent()
}

func (f *machineFunc) poCurrent() regalloc.Block {
	if f.poIdx < 0 {
		return nil
	}
	return f.m.order[f.poIdx]
}

func (f *machineFunc) ClobberedRegisters(regs []regalloc.VReg) { f.clobber = regs }

func (f *machineFunc) StoreRegisterAfter(v regalloc.VReg, at regalloc.Instr) {
	target := at.(*instr)
	blk := f.blockOwning(target)
	slot := f.m.spillSlotFor(v)
	spill := &instr{op: opSpillStore, uses: [3]regalloc.VReg{v}, nUse: 1, imm: uint64(slot)}
	blk.insertAfter(target, spill)
}

func (f *machineFunc) ReloadRegisterBefore(v regalloc.VReg, at regalloc.Instr) {
	target := at.(*instr)
	blk := f.blockOwning(target)
	slot := f.m.spillSlotFor(v)
	reload := &instr{op: opSpillReload, def: v, imm: uint64(slot)}
	blk.insertBefore(target, reload)
}

func (f *machineFunc) blockOwning(target *instr) *block {
	for _, b := range f.m.order {
		for cur := b.root; cur != nil; cur = cur.next {
			if cur == target {
				return b
			}
		}
	}
	panic("amd64: instruction not found in any block")
}

func (f *machineFunc) Done() {}

func (m *Machine) spillSlotFor(v regalloc.VReg) int64 {
	if s, ok := m.spillSlots[v.ID()]; ok {
		return s
	}
	s := m.nextSpillSlot
	m.nextSpillSlot += 8
	m.spillSlots[v.ID()] = s
	return s
}
