package frontend

import (
	"fmt"

	"github.com/ignitewasm/ignite/api"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// lowerBody drives the per-opcode translation loop until the function
// body's matching `end` for the implicit outer frame is consumed
// (spec.md §4.4's control-frame-stack algorithm).
func (c *Compiler) lowerBody(r *reader) error {
	for !r.done() {
		op, err := r.byte()
		if err != nil {
			return err
		}
		if err := c.lowerOne(r, wasm.Opcode(op)); err != nil {
			return err
		}
		if len(c.ctrl) == 0 {
			// The implicit function frame's `end` was just consumed.
			break
		}
	}
	return nil
}

func (c *Compiler) lowerOne(r *reader, op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeNop:
		return nil

	case wasm.OpcodeUnreachable:
		if !c.unreachable() {
			c.emitTrap(byte(api.TrapUnreachableCodeReached))
		}
		c.markUnreachable()
		return nil

	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		return c.lowerStructured(r, op)
	case wasm.OpcodeElse:
		return c.lowerElse()
	case wasm.OpcodeEnd:
		return c.lowerEnd()

	case wasm.OpcodeBr:
		n, err := r.u32()
		if err != nil {
			return err
		}
		return c.lowerBr(wasm.Index(n))
	case wasm.OpcodeBrIf:
		n, err := r.u32()
		if err != nil {
			return err
		}
		return c.lowerBrIf(wasm.Index(n))
	case wasm.OpcodeBrTable:
		return c.lowerBrTable(r)
	case wasm.OpcodeReturn:
		return c.lowerReturn()

	case wasm.OpcodeCall:
		n, err := r.u32()
		if err != nil {
			return err
		}
		return c.lowerCall(wasm.Index(n))
	case wasm.OpcodeCallIndirect:
		return c.lowerCallIndirect(r)

	case wasm.OpcodeDrop:
		if !c.unreachable() {
			c.pop()
		}
		return nil
	case wasm.OpcodeSelect:
		return c.lowerSelect()

	case wasm.OpcodeLocalGet:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if c.unreachable() {
			return nil
		}
		c.push(c.b.FindValue(c.locals[n], c.b.CurrentBlock()))
		return nil
	case wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if c.unreachable() {
			return nil
		}
		v := c.pop()
		c.b.DefineVariable(c.locals[n], v, c.b.CurrentBlock())
		if op == wasm.OpcodeLocalTee {
			c.push(v)
		}
		return nil

	case wasm.OpcodeGlobalGet:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if c.unreachable() {
			return nil
		}
		c.push(c.emitGlobalGet(wasm.Index(n)))
		return nil
	case wasm.OpcodeGlobalSet:
		n, err := r.u32()
		if err != nil {
			return err
		}
		if c.unreachable() {
			return nil
		}
		v := c.pop()
		c.emitGlobalSet(wasm.Index(n), v)
		return nil

	case wasm.OpcodeI32Const:
		v, err := r.i32()
		if err != nil {
			return err
		}
		if !c.unreachable() {
			c.push(c.emitIconst(ssa.TypeI32, uint64(uint32(v))))
		}
		return nil
	case wasm.OpcodeI64Const:
		v, err := r.i64()
		if err != nil {
			return err
		}
		if !c.unreachable() {
			c.push(c.emitIconst(ssa.TypeI64, uint64(v)))
		}
		return nil
	case wasm.OpcodeF32Const:
		v, err := r.f32()
		if err != nil {
			return err
		}
		if !c.unreachable() {
			c.push(c.emitF32const(v))
		}
		return nil
	case wasm.OpcodeF64Const:
		v, err := r.f64()
		if err != nil {
			return err
		}
		if !c.unreachable() {
			c.push(c.emitF64const(v))
		}
		return nil

	case wasm.OpcodeMemorySize:
		if _, err := r.byte(); err != nil { // reserved memory index
			return err
		}
		if !c.unreachable() {
			bytes := c.memorySize()
			pages := c.emitBinary(ssa.OpcodeUshr, ssa.TypeI64, bytes, c.emitIconst(ssa.TypeI64, 16))
			c.push(c.emitUnary(ssa.OpcodeIreduce, ssa.TypeI32, pages))
		}
		return nil
	case wasm.OpcodeMemoryGrow:
		if _, err := r.byte(); err != nil {
			return err
		}
		if !c.unreachable() {
			c.pop()
			// Growing linear memory at AOT-compiled call sites requires
			// re-basing every live memoryBase/memorySize read, which this
			// translator does not yet support; report failure the same
			// way as growth refusal (-1), matching the embedding contract
			// for a memory that cannot grow.
			c.push(c.emitIconst(ssa.TypeI32, 0xffffffff)) // i32 -1
		}
		return nil
	}

	if isLoadOpcode(op) {
		return c.lowerLoad(r, op)
	}
	if isStoreOpcode(op) {
		return c.lowerStore(r, op)
	}
	if handled, err := c.lowerArithmetic(op); handled || err != nil {
		return err
	}

	return fmt.Errorf("frontend: unsupported opcode 0x%x: %w", op, ErrInvalidWasm)
}

func (c *Compiler) lowerSelect() error {
	if c.unreachable() {
		return nil
	}
	cond := c.pop()
	b := c.pop()
	a := c.pop()
	nz := c.emitIcmp(ssa.IntNotEqual, cond, c.emitIconst(ssa.TypeI32, 0))
	// select(a, b, cond) realized with a branch rather than a cmov; the
	// backend lowers this diamond as ordinary branches and does not
	// turn it into a conditional move.
	thenBlk := c.b.AllocateBasicBlock()
	elseBlk := c.b.AllocateBasicBlock()
	join := c.b.AllocateBasicBlock()

	br := c.b.AllocateInstruction()
	br.SetOpcode(ssa.OpcodeBrnz).SetArg(nz).SetBlockTarget(thenBlk)
	c.b.InsertInstruction(br)
	toElse := c.b.AllocateInstruction()
	toElse.SetOpcode(ssa.OpcodeJump).SetBlockTarget(elseBlk)
	c.b.InsertInstruction(toElse)

	c.b.Seal(thenBlk)
	c.b.SetCurrentBlock(thenBlk)
	jThen := c.b.AllocateInstruction()
	jThen.SetOpcode(ssa.OpcodeJump).SetBlockTarget(join).AppendArg(a)
	c.b.InsertInstruction(jThen)

	c.b.Seal(elseBlk)
	c.b.SetCurrentBlock(elseBlk)
	jElse := c.b.AllocateInstruction()
	jElse.SetOpcode(ssa.OpcodeJump).SetBlockTarget(join).AppendArg(b)
	c.b.InsertInstruction(jElse)

	c.b.Seal(join)
	c.b.SetCurrentBlock(join)
	param := join.AddParam(c.b, a.Type())
	c.push(param)
	return nil
}
