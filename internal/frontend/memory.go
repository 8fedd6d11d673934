package frontend

import (
	"github.com/ignitewasm/ignite/api"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// loadKinds and storeKinds give each memory opcode its access width
// and sign-extension behavior (spec.md §4.2: "typed loads and stores
// over linear memory with base+offset and alignment hints").
type memAccess struct {
	op     ssa.Opcode
	result ssa.Type
	size   int64
}

var loadKinds = map[wasm.Opcode]memAccess{
	wasm.OpcodeI32Load:    {ssa.OpcodeLoad, ssa.TypeI32, 4},
	wasm.OpcodeI64Load:    {ssa.OpcodeLoad, ssa.TypeI64, 8},
	wasm.OpcodeF32Load:    {ssa.OpcodeLoad, ssa.TypeF32, 4},
	wasm.OpcodeF64Load:    {ssa.OpcodeLoad, ssa.TypeF64, 8},
	wasm.OpcodeI32Load8S:  {ssa.OpcodeSload8, ssa.TypeI32, 1},
	wasm.OpcodeI32Load8U:  {ssa.OpcodeUload8, ssa.TypeI32, 1},
	wasm.OpcodeI32Load16S: {ssa.OpcodeSload16, ssa.TypeI32, 2},
	wasm.OpcodeI32Load16U: {ssa.OpcodeUload16, ssa.TypeI32, 2},
	wasm.OpcodeI64Load8S:  {ssa.OpcodeSload8, ssa.TypeI64, 1},
	wasm.OpcodeI64Load8U:  {ssa.OpcodeUload8, ssa.TypeI64, 1},
	wasm.OpcodeI64Load16S: {ssa.OpcodeSload16, ssa.TypeI64, 2},
	wasm.OpcodeI64Load16U: {ssa.OpcodeUload16, ssa.TypeI64, 2},
	wasm.OpcodeI64Load32S: {ssa.OpcodeSload32, ssa.TypeI64, 4},
	wasm.OpcodeI64Load32U: {ssa.OpcodeUload32, ssa.TypeI64, 4},
}

var storeKinds = map[wasm.Opcode]memAccess{
	wasm.OpcodeI32Store:   {ssa.OpcodeStore, ssa.TypeI32, 4},
	wasm.OpcodeI64Store:   {ssa.OpcodeStore, ssa.TypeI64, 8},
	wasm.OpcodeF32Store:   {ssa.OpcodeStore, ssa.TypeF32, 4},
	wasm.OpcodeF64Store:   {ssa.OpcodeStore, ssa.TypeF64, 8},
	wasm.OpcodeI32Store8:  {ssa.OpcodeIstore8, ssa.TypeI32, 1},
	wasm.OpcodeI32Store16: {ssa.OpcodeIstore16, ssa.TypeI32, 2},
	wasm.OpcodeI64Store8:  {ssa.OpcodeIstore8, ssa.TypeI64, 1},
	wasm.OpcodeI64Store16: {ssa.OpcodeIstore16, ssa.TypeI64, 2},
	wasm.OpcodeI64Store32: {ssa.OpcodeIstore32, ssa.TypeI64, 4},
}

func isLoadOpcode(op wasm.Opcode) bool  { _, ok := loadKinds[op]; return ok }
func isStoreOpcode(op wasm.Opcode) bool { _, ok := storeKinds[op]; return ok }

// effectiveAddress zero-extends the Wasm i32 address, adds the static
// offset, bounds-checks it against the current memory size (trapping
// MemoryOutOfBounds), and returns base+addr as an i64 suitable for the
// backend's addressing-mode recognition (spec.md §4.9's guard-page
// design means this explicit check is redundant in the common case,
// but the IR always carries it so interpretation/verification and
// targets without committed guard pages stay correct).
func (c *Compiler) effectiveAddress(addr ssa.Value, offset uint32, size int64) ssa.Value {
	addr64 := c.emitUnary(ssa.OpcodeUExtend, ssa.TypeI64, addr)
	off := c.emitIconst(ssa.TypeI64, uint64(offset))
	idx := c.emitBinary(ssa.OpcodeIadd, ssa.TypeI64, addr64, off)

	memSize := c.memorySize()
	limit := c.emitBinary(ssa.OpcodeIsub, ssa.TypeI64, memSize, c.emitIconst(ssa.TypeI64, uint64(size)))
	// limit can go negative (as an i64) when the memory is smaller than
	// the access size; Icmp's signed-greater-than still does the right
	// thing since idx is always non-negative.
	oob := c.emitIcmp(ssa.IntSignedGreaterThan, idx, limit)
	c.emitTrapIf(oob, byte(api.TrapMemoryOutOfBounds))

	base := c.memoryBase()
	return c.emitBinary(ssa.OpcodeIadd, ssa.TypeI64, base, idx)
}

func (c *Compiler) lowerLoad(r *reader, op wasm.Opcode) error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	offset, err := r.u32()
	if err != nil {
		return err
	}
	if c.unreachable() {
		return nil
	}
	k := loadKinds[op]
	addr := c.pop()
	ea := c.effectiveAddress(addr, offset, k.size)

	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(k.result)
	i.SetOpcode(k.op).SetResult(res).SetArg(ea).SetMemArgs(ssa.MemArg{Offset: offset, Align: byte(align)})
	c.b.InsertInstruction(i)
	c.push(res)
	return nil
}

func (c *Compiler) lowerStore(r *reader, op wasm.Opcode) error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	offset, err := r.u32()
	if err != nil {
		return err
	}
	if c.unreachable() {
		return nil
	}
	k := storeKinds[op]
	val := c.pop()
	addr := c.pop()
	ea := c.effectiveAddress(addr, offset, k.size)

	i := c.b.AllocateInstruction()
	i.SetOpcode(k.op).SetArg2(ea, val).SetMemArgs(ssa.MemArg{Offset: offset, Align: byte(align)})
	c.b.InsertInstruction(i)
	return nil
}

func (c *Compiler) emitGlobalGet(idx wasm.Index) ssa.Value {
	gt := c.mod.GlobalSection[idx].Type
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(toSSAType(gt.ValType))
	i.SetOpcode(ssa.OpcodeGlobalGet).SetResult(res).SetImm64(uint64(idx))
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitGlobalSet(idx wasm.Index, v ssa.Value) {
	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeGlobalSet).SetArg(v).SetImm64(uint64(idx))
	c.b.InsertInstruction(i)
}
