package ssa

import (
	"fmt"
	"strings"
)

// BasicBlock is a sequence of instructions ending in exactly one
// terminator, with a list of typed block parameters that stand in for
// the SSA phi discipline (spec.md §3.2/§3.3): predecessors supply the
// arguments on their branch instructions, rather than the block
// containing explicit phi nodes.
type BasicBlock interface {
	// ID returns the unique ID of this block.
	ID() BasicBlockID
	// Name returns a debug name for this block.
	Name() string
	// AddParam adds a typed parameter to the block and returns its Value.
	AddParam(b Builder, t Type) Value
	// Params returns the number of parameters on this block.
	Params() int
	// Param returns the Value bound to the i-th parameter.
	Param(i int) Value
	// InsertInstruction appends an instruction to the block.
	InsertInstruction(instr *Instruction)
	// Root returns the first instruction in the block.
	Root() *Instruction
	// Tail returns the terminator instruction of the block.
	Tail() *Instruction
	// EntryBlock reports whether this is the function's entry block.
	EntryBlock() bool
	// ReturnBlock reports whether this is the function's designated
	// return block.
	ReturnBlock() bool
	// FormatHeader returns a debug string for the block, excluding its
	// instructions.
	FormatHeader(b Builder) string
	// Valid reports whether the block is still live (not pruned by an
	// optimization pass).
	Valid() bool
	// Preds returns the number of predecessors.
	Preds() int
	// Pred returns the i-th predecessor block.
	Pred(i int) BasicBlock
	// Sealed reports whether all predecessors of this block are known.
	Sealed() bool
}

type (
	basicBlock struct {
		id                      BasicBlockID
		rootInstr, currentInstr *Instruction
		params                  []blockParam
		preds                   []basicBlockPredecessorInfo
		succs                   []*basicBlock
		singlePred              *basicBlock
		lastDefinitions         map[Variable]Value
		unknownValues           map[Variable]Value
		invalid                 bool
		sealed                  bool
		loopHeader              bool
		reversePostOrder        int
	}

	// BasicBlockID is the unique, dense identifier of a basicBlock.
	BasicBlockID uint32

	blockParam struct {
		value Value
		typ   Type
	}

	basicBlockPredecessorInfo struct {
		blk    *basicBlock
		branch *Instruction
	}
)

const basicBlockIDReturnBlock = 0xffff_ffff

func (bb *basicBlock) Name() string {
	if bb.id == basicBlockIDReturnBlock {
		return "blk_ret"
	}
	return fmt.Sprintf("blk%d", bb.id)
}

func (bid BasicBlockID) String() string {
	if bid == basicBlockIDReturnBlock {
		return "blk_ret"
	}
	return fmt.Sprintf("blk%d", uint32(bid))
}

func (bb *basicBlock) ID() BasicBlockID { return bb.id }

func (bb *basicBlock) EntryBlock() bool  { return bb.id == 0 }
func (bb *basicBlock) ReturnBlock() bool { return bb.id == basicBlockIDReturnBlock }
func (bb *basicBlock) Valid() bool       { return !bb.invalid }
func (bb *basicBlock) Sealed() bool      { return bb.sealed }

func (bb *basicBlock) AddParam(b Builder, typ Type) Value {
	v := b.allocateValue(typ)
	bb.params = append(bb.params, blockParam{typ: typ, value: v})
	return v
}

func (bb *basicBlock) addParamOn(typ Type, value Value) {
	bb.params = append(bb.params, blockParam{typ: typ, value: value})
}

func (bb *basicBlock) Params() int      { return len(bb.params) }
func (bb *basicBlock) Param(i int) Value { return bb.params[i].value }

func (bb *basicBlock) InsertInstruction(next *Instruction) {
	current := bb.currentInstr
	if current != nil {
		current.next = next
		next.prev = current
	} else {
		bb.rootInstr = next
	}
	bb.currentInstr = next

	switch next.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		target := next.blk.(*basicBlock)
		target.addPred(bb, next)
	case OpcodeBrTable:
		for _, target := range next.targets {
			target.(*basicBlock).addPred(bb, next)
		}
	}
}

func (bb *basicBlock) Preds() int             { return len(bb.preds) }
func (bb *basicBlock) Pred(i int) BasicBlock  { return bb.preds[i].blk }
func (bb *basicBlock) Root() *Instruction     { return bb.rootInstr }
func (bb *basicBlock) Tail() *Instruction     { return bb.currentInstr }

func (bb *basicBlock) reset() {
	bb.params = bb.params[:0]
	bb.rootInstr, bb.currentInstr = nil, nil
	bb.preds = bb.preds[:0]
	bb.succs = bb.succs[:0]
	bb.invalid, bb.sealed, bb.loopHeader = false, false, false
	bb.singlePred = nil
	bb.unknownValues = make(map[Variable]Value)
	bb.lastDefinitions = make(map[Variable]Value)
}

func (bb *basicBlock) addPred(blk BasicBlock, branch *Instruction) {
	if bb.sealed {
		panic("BUG: adding predecessor to sealed block " + bb.Name())
	}
	pred := blk.(*basicBlock)
	for _, p := range bb.preds {
		if p.blk == pred && p.branch == branch {
			return
		}
	}
	bb.preds = append(bb.preds, basicBlockPredecessorInfo{blk: pred, branch: branch})
	pred.succs = append(pred.succs, bb)
}

func (bb *basicBlock) FormatHeader(b Builder) string {
	ps := make([]string, len(bb.params))
	for i, p := range bb.params {
		ps[i] = p.value.formatWithType()
	}
	if len(bb.preds) == 0 {
		return fmt.Sprintf("blk%d: (%s)", bb.id, strings.Join(ps, ", "))
	}
	preds := make([]string, 0, len(bb.preds))
	for _, p := range bb.preds {
		if p.blk.invalid {
			continue
		}
		preds = append(preds, fmt.Sprintf("blk%d", p.blk.id))
	}
	return fmt.Sprintf("blk%d: (%s) <-- (%s)", bb.id, strings.Join(ps, ", "), strings.Join(preds, ", "))
}

func (bb *basicBlock) String() string { return bb.Name() }
