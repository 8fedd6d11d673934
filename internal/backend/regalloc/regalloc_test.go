package regalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeInstr/fakeBlock/fakeFunction are a minimal, hand-rolled CFG
// implementing the Function/Block/Instr interfaces directly -- there is
// no ISA backend small enough to drive the allocator through for a unit
// test, so this stands in for one, the same way builder_test.go in
// internal/ssa drives the SSA builder through hand-assembled
// instructions rather than a full frontend.
type fakeInstr struct {
	name      string
	defs      []VReg
	uses      []VReg
	isCopy    bool
	isCall    bool
	isReturn  bool
}

func (i *fakeInstr) String() string       { return i.name }
func (i *fakeInstr) Defs() []VReg         { return i.defs }
func (i *fakeInstr) Uses() []VReg         { return i.uses }
func (i *fakeInstr) AssignUses(v []VReg)  { i.uses = v }
func (i *fakeInstr) AssignDef(v VReg)     { i.defs = []VReg{v} }
func (i *fakeInstr) IsCopy() bool         { return i.isCopy }
func (i *fakeInstr) IsCall() bool         { return i.isCall }
func (i *fakeInstr) IsIndirectCall() bool { return false }
func (i *fakeInstr) IsReturn() bool       { return i.isReturn }

type fakeBlock struct {
	id      int
	instrs  []*fakeInstr
	preds   []*fakeBlock
	entry   bool
	iterPos int
}

func (b *fakeBlock) ID() int       { return b.id }
func (b *fakeBlock) Entry() bool   { return b.entry }
func (b *fakeBlock) Preds() []Block {
	out := make([]Block, len(b.preds))
	for i, p := range b.preds {
		out[i] = p
	}
	return out
}
func (b *fakeBlock) InstrIteratorBegin() Instr {
	b.iterPos = 0
	return b.instrAt(0)
}
func (b *fakeBlock) InstrIteratorNext() Instr {
	b.iterPos++
	return b.instrAt(b.iterPos)
}
func (b *fakeBlock) instrAt(i int) Instr {
	if i >= len(b.instrs) {
		return nil
	}
	return b.instrs[i]
}

// fakeFunction drives the allocator over a fixed slice of blocks,
// recording everything Run calls back with so the test can assert on
// the final coloring without an ISA backend to observe it through.
type fakeFunction struct {
	blocks    []*fakeBlock
	iterPos   int
	clobbered []VReg
	stores    int
	reloads   int
	done      bool
}

func (f *fakeFunction) ReversePostOrderBlockIteratorBegin() Block {
	f.iterPos = 0
	return f.blockAt(f.iterPos)
}
func (f *fakeFunction) ReversePostOrderBlockIteratorNext() Block {
	f.iterPos++
	return f.blockAt(f.iterPos)
}
func (f *fakeFunction) PostOrderBlockIteratorBegin() Block {
	f.iterPos = len(f.blocks) - 1
	return f.blockAt(f.iterPos)
}
func (f *fakeFunction) PostOrderBlockIteratorNext() Block {
	f.iterPos--
	return f.blockAt(f.iterPos)
}
func (f *fakeFunction) blockAt(i int) Block {
	if i < 0 || i >= len(f.blocks) {
		return nil
	}
	return f.blocks[i]
}
func (f *fakeFunction) ClobberedRegisters(regs []VReg) { f.clobbered = regs }
func (f *fakeFunction) StoreRegisterAfter(v VReg, instr Instr)   { f.stores++ }
func (f *fakeFunction) ReloadRegisterBefore(v VReg, instr Instr) { f.reloads++ }
func (f *fakeFunction) Done()                                    { f.done = true }

func vreg(id uint32) VReg { return VRegOf(VRegID(id), RegTypeInt) }

// threeRegs is enough register pressure to exercise ordinary coloring
// without ever forcing a spill.
var threeRegs = RegInfo{
	ClassRegs: map[RegType][]RealReg{RegTypeInt: {1, 2, 3}},
}

func instr(name string, defs, uses []VReg) *fakeInstr {
	return &fakeInstr{name: name, defs: defs, uses: uses}
}

// linearChain builds one block defining v0..v{n-1} in sequence, each
// used immediately by the next def and nowhere else -- no two are ever
// simultaneously live, so every n should color with a single register.
func linearChain(n int) *fakeFunction {
	blk := &fakeBlock{id: 0, entry: true}
	var prev VReg
	for i := 0; i < n; i++ {
		v := vreg(uint32(i))
		uses := []VReg{}
		if i > 0 {
			uses = []VReg{prev}
		}
		blk.instrs = append(blk.instrs, instr(fmt.Sprintf("def%d", i), []VReg{v}, uses))
		prev = v
	}
	blk.instrs = append(blk.instrs, &fakeInstr{name: "ret", uses: []VReg{prev}, isReturn: true})
	return &fakeFunction{blocks: []*fakeBlock{blk}}
}

func TestAllocator_NoInterferenceColorsWithOneRegister(t *testing.T) {
	f := linearChain(5)
	a := NewAllocator(threeRegs)
	require.NoError(t, a.Run(f))
	require.True(t, f.done)
	require.Zero(t, f.stores, "no spilling should be needed when live ranges never overlap")
	for _, i := range f.blocks[0].instrs {
		for _, d := range i.Defs() {
			require.Equal(t, RealReg(1), d.RealReg(), "every value in the chain reuses the first register")
		}
	}
}

// allLiveTogether builds one block where v0..v{n-1} are all defined
// first and then all used at the very end -- every range overlaps every
// other, so coloring needs exactly n distinct registers, and n > len
// (ClassRegs) must force a spill.
func allLiveTogether(n int) *fakeFunction {
	blk := &fakeBlock{id: 0, entry: true}
	vs := make([]VReg, n)
	for i := 0; i < n; i++ {
		vs[i] = vreg(uint32(i))
		blk.instrs = append(blk.instrs, instr(fmt.Sprintf("def%d", i), []VReg{vs[i]}, nil))
	}
	blk.instrs = append(blk.instrs, &fakeInstr{name: "ret", uses: vs, isReturn: true})
	return &fakeFunction{blocks: []*fakeBlock{blk}}
}

func TestAllocator_OverlappingRangesGetDistinctRegisters(t *testing.T) {
	f := allLiveTogether(3)
	a := NewAllocator(threeRegs)
	require.NoError(t, a.Run(f))

	seen := map[RealReg]bool{}
	for _, i := range f.blocks[0].instrs {
		for _, d := range i.Defs() {
			require.True(t, d.IsRealReg(), "every def must be colored")
			require.False(t, seen[d.RealReg()], "two simultaneously live values must not share a register")
			seen[d.RealReg()] = true
		}
	}
}

// TestAllocator_SpillsWhenDemandExceedsSupply exercises step 5-6
// directly (buildLiveRanges+color, not the full Run loop): 4
// simultaneously-live values against a 3-register pool must leave
// exactly one uncolored rather than erroring or silently double
// booking a register. Run's outer loop re-drives buildLiveRanges after
// every spill round expecting the backend's StoreRegisterAfter /
// ReloadRegisterBefore splice to shrink the victim's range on the next
// pass; a fake Function with no-op hooks can't reproduce that splice,
// so driving color() directly is the deterministic way to check this
// property without depending on a real ISA backend's spill-slot
// machinery (see DESIGN.md).
func TestAllocator_SpillsWhenDemandExceedsSupply(t *testing.T) {
	f := allLiveTogether(4) // 4 simultaneously-live values, only 3 registers.
	a := NewAllocator(threeRegs)
	blocks := a.collectBlocks(f)
	a.computeLiveness(blocks)
	ranges := a.buildLiveRanges(blocks)
	require.Len(t, ranges, 4)

	coloring, spilled := a.color(ranges)
	require.Len(t, spilled, 1, "exactly one of 4 live values must miss a register out of 3")
	require.Len(t, coloring, 3)

	seen := map[RealReg]bool{}
	for _, rr := range coloring {
		require.False(t, seen[rr], "two simultaneously live values must not share a register")
		seen[rr] = true
	}
}

// diamond builds entry -> {left, right} -> merge, with a value defined
// in entry and used only in merge, live across both paths -- this
// exercises the liveness fixed-point over a real join rather than a
// single straight-line block.
func diamond() *fakeFunction {
	entry := &fakeBlock{id: 0, entry: true}
	left := &fakeBlock{id: 1, preds: []*fakeBlock{entry}}
	right := &fakeBlock{id: 2, preds: []*fakeBlock{entry}}
	merge := &fakeBlock{id: 3, preds: []*fakeBlock{left, right}}

	v := vreg(0)
	w := vreg(1)
	entry.instrs = append(entry.instrs, instr("defv", []VReg{v}, nil))
	left.instrs = append(left.instrs, instr("defw_left", []VReg{w}, nil))
	right.instrs = append(right.instrs, instr("defw_right", []VReg{w}, nil))
	merge.instrs = append(merge.instrs, &fakeInstr{name: "ret", uses: []VReg{v, w}, isReturn: true})

	return &fakeFunction{blocks: []*fakeBlock{entry, left, right, merge}}
}

func TestAllocator_LiveAcrossJoin(t *testing.T) {
	f := diamond()
	a := NewAllocator(threeRegs)
	require.NoError(t, a.Run(f))
	require.True(t, f.done)

	merge := f.blocks[3]
	ret := merge.instrs[len(merge.instrs)-1]
	require.Len(t, ret.Uses(), 2)
	require.True(t, ret.Uses()[0].IsRealReg())
	require.True(t, ret.Uses()[1].IsRealReg())
	require.NotEqual(t, ret.Uses()[0].RealReg(), ret.Uses()[1].RealReg())
}

func TestAllocator_ReservedRegisterNeverChosen(t *testing.T) {
	info := RegInfo{
		ClassRegs: map[RegType][]RealReg{RegTypeInt: {1, 2}},
		Reserved:  map[RealReg]bool{1: true},
	}
	f := linearChain(3)
	a := NewAllocator(info)
	require.NoError(t, a.Run(f))
	for _, i := range f.blocks[0].instrs {
		for _, d := range i.Defs() {
			require.Equal(t, RealReg(2), d.RealReg())
		}
	}
}
