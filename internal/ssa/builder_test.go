package ssa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildDiamond constructs:
//
//	blk0 (entry): brz cond, blk2; jump blk1
//	blk1: v := c1; jump blk3
//	blk2: v := c2; jump blk3
//	blk3 (merge): reads variable v -> must resolve to a block param fed
//	              by both blk1's and blk2's definitions.
func buildDiamond(t *testing.T) (Builder, Variable) {
	t.Helper()
	b := NewBuilder()
	b.Init(&Signature{ID: 0, Params: []Type{TypeI32}, Results: []Type{TypeI32}})

	entry := b.EntryBlock()
	blk1 := b.AllocateBasicBlock()
	blk2 := b.AllocateBasicBlock()
	blk3 := b.AllocateBasicBlock()

	vVar := b.DeclareVariable(TypeI32)

	b.SetCurrentBlock(entry)
	cond := allocateValueForTest(b, TypeI32)
	brz := b.AllocateInstruction()
	brz.opcode = OpcodeBrz
	brz.v = cond
	brz.blk = blk2
	b.InsertInstruction(brz)
	jmp0 := b.AllocateInstruction()
	jmp0.opcode = OpcodeJump
	jmp0.blk = blk1
	b.InsertInstruction(jmp0)
	b.Seal(entry)

	b.SetCurrentBlock(blk1)
	c1 := allocateValueForTest(b, TypeI32)
	b.DefineVariable(vVar, c1, blk1)
	j1 := b.AllocateInstruction()
	j1.opcode = OpcodeJump
	j1.blk = blk3
	b.InsertInstruction(j1)
	b.Seal(blk1)

	b.SetCurrentBlock(blk2)
	c2 := allocateValueForTest(b, TypeI32)
	b.DefineVariable(vVar, c2, blk2)
	j2 := b.AllocateInstruction()
	j2.opcode = OpcodeJump
	j2.blk = blk3
	b.InsertInstruction(j2)
	b.Seal(blk2)

	b.SetCurrentBlock(blk3)
	// blk3 is sealed only after both preds are wired; its reachability
	// through entry's two branches is already fully known.
	b.Seal(blk3)

	return b, vVar
}

// allocateValueForTest exposes the unexported allocateValue to this
// package's own tests.
func allocateValueForTest(b Builder, t Type) Value { return b.allocateValue(t) }

func TestFindValueAcrossDiamondMerge(t *testing.T) {
	b, vVar := buildDiamond(t)
	blk3 := b.BasicBlock(3)

	merged := b.FindValue(vVar, blk3)
	require.True(t, merged.Valid())
	require.Equal(t, TypeI32, merged.Type())
	// blk3 must have gained exactly one block parameter to carry the
	// merged value, since it has two predecessors.
	require.Equal(t, 1, blk3.Params())
}

func TestFindValueSinglePredecessorDoesNotAddParam(t *testing.T) {
	b := NewBuilder()
	b.Init(&Signature{ID: 0, Results: []Type{TypeI32}})
	entry := b.EntryBlock()
	next := b.AllocateBasicBlock()

	v := b.DeclareVariable(TypeI64)
	b.SetCurrentBlock(entry)
	val := allocateValueForTest(b, TypeI64)
	b.DefineVariable(v, val, entry)
	j := b.AllocateInstruction()
	j.opcode = OpcodeJump
	j.blk = next
	b.InsertInstruction(j)
	b.Seal(entry)
	b.Seal(next)

	got := b.FindValue(v, next)
	require.Equal(t, val, got)
	require.Equal(t, 0, next.Params())
}

func TestRunPassesComputesDominators(t *testing.T) {
	b, _ := buildDiamond(t)
	b.RunPasses()

	entry := b.EntryBlock()
	blk1 := b.BasicBlock(1)
	blk3 := b.BasicBlock(3)

	require.True(t, b.Dominates(entry, blk1))
	require.True(t, b.Dominates(entry, blk3))
	require.False(t, b.Dominates(blk1, blk3)) // blk3 also reachable via blk2.

	order := b.ReversePostOrder()
	require.NotEmpty(t, order)
	require.Equal(t, entry.ID(), order[0].ID())
}
