package ssa

import (
	"fmt"
	"strings"

	"github.com/ignitewasm/ignite/internal/pool"
)

// Builder constructs a Function's SSA IR directly in the form
// described by Braun et al., "Simple and Efficient Construction of
// SSA Form" (spec.md §3.3): variables are defined per-block, reads
// from unsealed blocks install a placeholder Value.(...)
// that is patched into a block parameter once every predecessor is
// known, and reads that turn out to have only one predecessor are
// resolved directly without ever materializing a parameter.
type Builder interface {
	// Init resets the builder to begin building a new function with
	// the given signature.
	Init(sig *Signature)

	// Signature returns the signature of the function under construction.
	Signature() *Signature

	// DeclareSignature registers a callee signature for later Call/CallIndirect use.
	DeclareSignature(sig *Signature)
	// ResolveSignature returns a previously declared signature by ID.
	ResolveSignature(id SignatureID) *Signature

	// AllocateBasicBlock creates a new, unsealed, empty BasicBlock.
	AllocateBasicBlock() BasicBlock
	// EntryBlock returns the function's entry block.
	EntryBlock() BasicBlock
	// ReturnBlock returns the function's designated return block.
	ReturnBlock() BasicBlock
	// SetCurrentBlock directs subsequent instruction insertion at blk.
	SetCurrentBlock(blk BasicBlock)
	// CurrentBlock returns the block instructions are currently inserted into.
	CurrentBlock() BasicBlock
	// Seal marks a block's predecessor set as final, resolving any
	// placeholder reads left pending against it.
	Seal(blk BasicBlock)
	// BlockIDs returns every block ID created so far, for iteration.
	BlockIDs() []BasicBlockID
	// BasicBlock looks up a block by ID.
	BasicBlock(id BasicBlockID) BasicBlock

	// DeclareVariable introduces a new source-level variable of type t.
	DeclareVariable(t Type) Variable
	// DefineVariable records that v holds the Value for variable at
	// the end of block blk.
	DefineVariable(v Variable, value Value, blk BasicBlock)
	// FindValue resolves the live Value of v at the end of blk,
	// recursing through predecessors and inserting block parameters
	// as needed.
	FindValue(v Variable, blk BasicBlock) Value

	// AllocateInstruction returns a fresh, unattached Instruction for
	// the caller to populate and then insert via InsertInstruction.
	AllocateInstruction() *Instruction
	// InsertInstruction appends instr to the current block, wiring up
	// CFG edges for terminators.
	InsertInstruction(instr *Instruction)
	// AllocateResultValue mints a fresh Value of type t for use as an
	// Instruction's result, to be assigned to Instruction.rValue by the
	// caller before InsertInstruction.
	AllocateResultValue(t Type) Value
	// allocateValue mints a fresh Value of type t; used internally by
	// BasicBlock.AddParam and instruction lowering.
	allocateValue(t Type) Value

	// UsedSignatures returns every signature referenced by a Call or
	// CallIndirect instruction in this function.
	UsedSignatures() []*Signature

	// Idom returns the immediate dominator of blk, computed by RunPasses.
	Idom(blk BasicBlock) BasicBlock
	// Dominates reports whether a dominates b.
	Dominates(a, b BasicBlock) bool

	// RunPasses computes reverse-post-order, dominance, and applies the
	// block-layout heuristics described in spec.md §4.1.
	RunPasses()
	// ReversePostOrder returns blocks in the layout order chosen by RunPasses.
	ReversePostOrder() []BasicBlock

	// Format renders the whole function for debugging.
	Format() string

	// Reset clears all builder state for reuse on the next function.
	Reset()
}

type builder struct {
	sig *Signature

	signatures map[SignatureID]*Signature
	usedSigs   map[SignatureID]*Signature

	instPool  pool.Pool[Instruction]
	blkPool   pool.Pool[basicBlock]
	blocks    []*basicBlock
	blockByID map[BasicBlockID]*basicBlock
	nextBlkID uint32

	currentBlk *basicBlock

	varTypes []Type // index: Variable

	// nextValueID is the counter allocateValue mints ValueIDs from; the
	// Type rides in each Value's own high bits.
	nextValueID ValueID

	// unresolved placeholder reads pending sealing, per block.
	incompletePhis map[BasicBlockID]map[Variable]*Instruction

	idoms map[BasicBlockID]*basicBlock
	rpo   []*basicBlock
}

// NewBuilder constructs an empty Builder ready for Init.
func NewBuilder() Builder {
	b := &builder{}
	b.Reset()
	return b
}

func (b *builder) Reset() {
	b.sig = nil
	b.signatures = make(map[SignatureID]*Signature)
	b.usedSigs = make(map[SignatureID]*Signature)
	b.instPool = pool.New[Instruction]()
	b.blkPool = pool.New[basicBlock]()
	b.blocks = nil
	b.blockByID = make(map[BasicBlockID]*basicBlock)
	b.nextBlkID = 0
	b.currentBlk = nil
	b.varTypes = nil
	b.nextValueID = 0
	b.incompletePhis = make(map[BasicBlockID]map[Variable]*Instruction)
	b.idoms = make(map[BasicBlockID]*basicBlock)
	b.rpo = nil
}

func (b *builder) Init(sig *Signature) {
	b.Reset()
	b.sig = sig
	entry := b.AllocateBasicBlock().(*basicBlock)
	if entry.id != 0 {
		panic("BUG: entry block must be the first allocated")
	}
	b.currentBlk = entry
}

func (b *builder) Signature() *Signature { return b.sig }

func (b *builder) DeclareSignature(sig *Signature) { b.signatures[sig.ID] = sig }

func (b *builder) ResolveSignature(id SignatureID) *Signature {
	s, ok := b.signatures[id]
	if !ok {
		panic(fmt.Sprintf("BUG: signature %d not declared", id))
	}
	return s
}

func (b *builder) UsedSignatures() []*Signature {
	out := make([]*Signature, 0, len(b.usedSigs))
	for _, s := range b.usedSigs {
		out = append(out, s)
	}
	return out
}

func (b *builder) AllocateBasicBlock() BasicBlock {
	blk := b.blkPool.Allocate()
	blk.reset()
	blk.id = BasicBlockID(b.nextBlkID)
	b.nextBlkID++
	b.blocks = append(b.blocks, blk)
	b.blockByID[blk.id] = blk
	return blk
}

func (b *builder) EntryBlock() BasicBlock { return b.blockByID[0] }

func (b *builder) ReturnBlock() BasicBlock {
	blk, ok := b.blockByID[basicBlockIDReturnBlock]
	if !ok {
		blk = b.blkPool.Allocate()
		blk.reset()
		blk.id = basicBlockIDReturnBlock
		blk.sealed = true
		b.blockByID[blk.id] = blk
	}
	return blk
}

func (b *builder) SetCurrentBlock(blk BasicBlock) { b.currentBlk = blk.(*basicBlock) }
func (b *builder) CurrentBlock() BasicBlock        { return b.currentBlk }

func (b *builder) BlockIDs() []BasicBlockID {
	ids := make([]BasicBlockID, len(b.blocks))
	for i, blk := range b.blocks {
		ids[i] = blk.id
	}
	return ids
}

func (b *builder) BasicBlock(id BasicBlockID) BasicBlock { return b.blockByID[id] }

func (b *builder) AllocateResultValue(t Type) Value { return b.allocateValue(t) }

func (b *builder) allocateValue(t Type) Value {
	id := b.nextValueID
	b.nextValueID++
	return Value(id).setType(t)
}

func (b *builder) DeclareVariable(t Type) Variable {
	v := Variable(len(b.varTypes))
	b.varTypes = append(b.varTypes, t)
	return v
}

func (b *builder) DefineVariable(v Variable, value Value, blk BasicBlock) {
	bb := blk.(*basicBlock)
	if bb.lastDefinitions == nil {
		bb.lastDefinitions = make(map[Variable]Value)
	}
	bb.lastDefinitions[v] = value
}

func (b *builder) FindValue(v Variable, blk BasicBlock) Value {
	return b.findValue(v, blk.(*basicBlock))
}

func (b *builder) findValue(v Variable, blk *basicBlock) Value {
	if val, ok := blk.lastDefinitions[v]; ok {
		return val
	}
	if !blk.sealed {
		// Predecessors aren't fully known yet: install a block
		// parameter as a placeholder, to be patched with real
		// arguments once the block is sealed.
		val := blk.AddParam(b, b.varTypes[v])
		if blk.unknownValues == nil {
			blk.unknownValues = make(map[Variable]Value)
		}
		blk.unknownValues[v] = val
		b.DefineVariable(v, val, blk)
		return val
	}
	switch len(blk.preds) {
	case 0:
		// Unreachable block, or the entry block reading a variable it
		// never defined: a fresh Value with no defining instruction
		// stands in for it.
		val := b.allocateValue(b.varTypes[v])
		b.DefineVariable(v, val, blk)
		return val
	case 1:
		val := b.findValue(v, blk.preds[0].blk)
		b.DefineVariable(v, val, blk)
		return val
	default:
		// Multiple predecessors: add a block parameter up front to
		// break reference cycles in loops, then fill in each
		// predecessor's argument.
		val := blk.AddParam(b, b.varTypes[v])
		b.DefineVariable(v, val, blk)
		b.addBlockParamFromPreds(v, blk, val)
		return val
	}
}

func (b *builder) addBlockParamFromPreds(v Variable, blk *basicBlock, param Value) {
	for _, pred := range blk.preds {
		arg := b.findValue(v, pred.blk)
		pred.branch.vs = append(pred.branch.vs, arg)
	}
}

func (b *builder) Seal(blk BasicBlock) {
	bb := blk.(*basicBlock)
	bb.sealed = true
	// Any param installed speculatively while unsealed must now be
	// wired to real predecessor arguments, mirroring the >1-pred path.
	for v, param := range bb.unknownValues {
		b.addBlockParamFromPreds(v, bb, param)
	}
	bb.unknownValues = nil
}

func (b *builder) AllocateInstruction() *Instruction {
	i := b.instPool.Allocate()
	*i = Instruction{}
	i.rValue = ValueInvalid
	i.v, i.v2, i.v3 = ValueInvalid, ValueInvalid, ValueInvalid
	return i
}

func (b *builder) InsertInstruction(instr *Instruction) {
	if instr.sig != nil {
		b.usedSigs[instr.sig.ID] = instr.sig
	}
	b.currentBlk.InsertInstruction(instr)
}

func (b *builder) Idom(blk BasicBlock) BasicBlock {
	idom, ok := b.idoms[blk.ID()]
	if !ok {
		return nil
	}
	return idom
}

func (b *builder) Dominates(a, bb BasicBlock) bool {
	cur := bb
	for cur != nil {
		if cur.ID() == a.ID() {
			return true
		}
		next := b.Idom(cur)
		if next == nil || next.ID() == cur.ID() {
			// The entry block is recorded as its own idom.
			return false
		}
		cur = next
	}
	return false
}

func (b *builder) ReversePostOrder() []BasicBlock {
	out := make([]BasicBlock, len(b.rpo))
	for i, blk := range b.rpo {
		out[i] = blk
	}
	return out
}

func (b *builder) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", b.sig)
	order := b.rpo
	if order == nil {
		order = b.blocks
	}
	for _, blk := range order {
		if !blk.Valid() {
			continue
		}
		sb.WriteString(blk.FormatHeader(b))
		sb.WriteString("\n")
		for instr := blk.rootInstr; instr != nil; instr = instr.next {
			sb.WriteString("\t")
			sb.WriteString(instr.Format(b))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
