package amd64

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// selectInstructions walks every block of fn in reverse postorder and
// lowers each ssa.Instruction to zero or more machine instr values,
// building m.order/m.blocks for the register allocator to consume.
// Per DESIGN.md, this is a one-opcode-to-one-instr selector (no
// multi-instruction tree fusion), which is a real scope reduction from
// the teacher's reverse-order, lookahead-fusing selector.
func (m *Machine) selectInstructions(fn ssa.Builder, sig *ssa.Signature) error {
	rpo := fn.ReversePostOrder()
	for _, b := range rpo {
		blk := m.blockFor(b)
		m.order = append(m.order, blk)
	}
	for _, b := range rpo {
		blk := m.blocks[b.ID()]
		for p := 0; p < b.Preds(); p++ {
			blk.preds = append(blk.preds, m.blockFor(b.Pred(p)))
		}
	}

	// Lower the ABI prologue into the entry block: move incoming
	// argument registers/stack slots into fresh vregs bound to the
	// entry block's parameters.
	entry := fn.EntryBlock()
	eb := m.blocks[entry.ID()]
	eb.append(&instr{op: opPrologue})
	for i := 0; i < entry.Params(); i++ {
		p := entry.Param(i)
		arg := m.abi.Args[i]
		dst := m.vregFor(p)
		mv := &instr{op: opCopy, def: dst, isCopy: true}
		if arg.Kind == backend.ABIArgKindReg {
			mv.uses[0], mv.nUse = arg.Reg, 1
		} else {
			mv.op = opArgLoad // load from the caller's incoming stack-arg slot.
			mv.imm = uint64(arg.Offset)
		}
		eb.append(mv)
	}

	for _, b := range rpo {
		blk := m.blocks[b.ID()]
		for cur := b.Root(); cur != nil; cur = cur.Next() {
			if err := m.lowerOne(blk, cur); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) lowerOne(blk *block, i *ssa.Instruction) error {
	switch i.Opcode() {
	case ssa.OpcodeJump:
		blk.append(&instr{op: ssa.OpcodeJump, target: m.blockFor(i.BlockTarget())})
		m.lowerBranchArgs(blk, i.Args(), i.BlockTarget())
		return nil

	case ssa.OpcodeBrz, ssa.OpcodeBrnz:
		cond := m.vregFor(i.Arg())
		in := &instr{op: i.Opcode(), target: m.blockFor(i.BlockTarget())}
		in.uses[0], in.nUse = cond, 1
		blk.append(in)
		m.lowerBranchArgs(blk, i.Args(), i.BlockTarget())
		return nil

	case ssa.OpcodeBrTable:
		sel := m.vregFor(i.Arg())
		in := &instr{op: ssa.OpcodeBrTable}
		in.uses[0], in.nUse = sel, 1
		for _, t := range i.BrTableTargets() {
			in.targets = append(in.targets, m.blockFor(t))
		}
		blk.append(in)
		return nil

	case ssa.OpcodeReturn:
		blk.append(&instr{op: opEpilogue, isReturn: true})
		return nil

	case ssa.OpcodeExitWithCode:
		blk.append(&instr{op: ssa.OpcodeExitWithCode, trapReason: byte(i.ConstantI64())})
		return nil

	case ssa.OpcodeIconst, ssa.OpcodeF32const, ssa.OpcodeF64const:
		blk.append(&instr{
			op: i.Opcode(), def: m.vregFor(i.Return()),
			imm: uint64(i.ConstantI64()), size: i.Return().Type().Size(),
		})
		return nil

	case ssa.OpcodeLoad, ssa.OpcodeUload8, ssa.OpcodeUload16, ssa.OpcodeUload32,
		ssa.OpcodeSload8, ssa.OpcodeSload16, ssa.OpcodeSload32:
		signed := i.Opcode() == ssa.OpcodeSload8 || i.Opcode() == ssa.OpcodeSload16 || i.Opcode() == ssa.OpcodeSload32
		in := &instr{
			op: i.Opcode(), def: m.vregFor(i.Return()),
			size:    i.Return().Type().Size(),
			memSize: memoryAccessSize(i.Opcode(), i.Return().Type()),
			signed:  signed,
		}
		in.uses[0], in.nUse = m.vregFor(i.Arg()), 1
		blk.append(in)
		return nil

	case ssa.OpcodeStore, ssa.OpcodeIstore8, ssa.OpcodeIstore16, ssa.OpcodeIstore32:
		addr, val := i.Arg2()
		in := &instr{op: i.Opcode(), size: val.Type().Size(), memSize: memoryAccessSize(i.Opcode(), val.Type())}
		in.uses[0], in.uses[1], in.nUse = m.vregFor(addr), m.vregFor(val), 2
		blk.append(in)
		return nil

	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeImul, ssa.OpcodeUdiv, ssa.OpcodeSdiv,
		ssa.OpcodeUrem, ssa.OpcodeSrem, ssa.OpcodeBand, ssa.OpcodeBor, ssa.OpcodeBxor,
		ssa.OpcodeIshl, ssa.OpcodeUshr, ssa.OpcodeSshr, ssa.OpcodeRotl, ssa.OpcodeRotr,
		ssa.OpcodeFadd, ssa.OpcodeFsub, ssa.OpcodeFmul, ssa.OpcodeFdiv,
		ssa.OpcodeFcopysign, ssa.OpcodeFmin, ssa.OpcodeFmax:
		a, b := i.Arg2()
		in := &instr{op: i.Opcode(), def: m.vregFor(i.Return()), size: i.Return().Type().Size()}
		in.uses[0], in.uses[1], in.nUse = m.vregFor(a), m.vregFor(b), 2
		blk.append(in)
		return nil

	case ssa.OpcodeBnot, ssa.OpcodeClz, ssa.OpcodeCtz, ssa.OpcodePopcnt, ssa.OpcodeBitrev,
		ssa.OpcodeFneg, ssa.OpcodeFabs, ssa.OpcodeSqrt, ssa.OpcodeCeil, ssa.OpcodeFloor,
		ssa.OpcodeTrunc, ssa.OpcodeNearest,
		ssa.OpcodeBitcast, ssa.OpcodeIreduce,
		ssa.OpcodeFpromote, ssa.OpcodeFdemote,
		ssa.OpcodeFcvtToSint, ssa.OpcodeFcvtToUint, ssa.OpcodeFcvtToSintSat, ssa.OpcodeFcvtToUintSat,
		ssa.OpcodeFcvtFromSint, ssa.OpcodeFcvtFromUint:
		in := &instr{
			op: i.Opcode(), def: m.vregFor(i.Return()),
			size:    i.Return().Type().Size(),
			argSize: i.Arg().Type().Size(),
		}
		in.uses[0], in.nUse = m.vregFor(i.Arg()), 1
		blk.append(in)
		return nil

	case ssa.OpcodeSExtend, ssa.OpcodeUExtend:
		arg := i.Arg()
		in := &instr{op: i.Opcode(), def: m.vregFor(i.Return()), size: arg.Type().Size(), signed: i.Opcode() == ssa.OpcodeSExtend}
		in.uses[0], in.nUse = m.vregFor(arg), 1
		blk.append(in)
		return nil

	case ssa.OpcodeIcmp:
		a, b := i.Arg2()
		in := &instr{op: ssa.OpcodeIcmp, def: m.vregFor(i.Return()), cond: byte(i.IcmpCond()), size: a.Type().Size()}
		in.uses[0], in.uses[1], in.nUse = m.vregFor(a), m.vregFor(b), 2
		blk.append(in)
		return nil

	case ssa.OpcodeFcmp:
		a, b := i.Arg2()
		in := &instr{op: ssa.OpcodeFcmp, def: m.vregFor(i.Return()), cond: byte(i.FcmpCond()), size: a.Type().Size()}
		in.uses[0], in.uses[1], in.nUse = m.vregFor(a), m.vregFor(b), 2
		blk.append(in)
		return nil

	case ssa.OpcodeCall:
		return m.lowerCall(blk, i, false)
	case ssa.OpcodeCallIndirect:
		return m.lowerCall(blk, i, true)

	case ssa.OpcodeMemoryBase, ssa.OpcodeMemorySize:
		blk.append(&instr{op: i.Opcode(), def: m.vregFor(i.Return())})
		return nil

	case ssa.OpcodeGlobalGet:
		blk.append(&instr{op: ssa.OpcodeGlobalGet, def: m.vregFor(i.Return()), funcIdx: uint32(i.ConstantI64())})
		return nil

	case ssa.OpcodeGlobalSet:
		in := &instr{op: ssa.OpcodeGlobalSet, funcIdx: uint32(i.ConstantI64())}
		in.uses[0], in.nUse = m.vregFor(i.Arg()), 1
		blk.append(in)
		return nil

	case ssa.OpcodeTableSize:
		blk.append(&instr{op: ssa.OpcodeTableSize, def: m.vregFor(i.Return()), funcIdx: uint32(i.ConstantI64())})
		return nil

	case ssa.OpcodeTableFuncAddr, ssa.OpcodeTableFuncSig:
		in := &instr{op: i.Opcode(), def: m.vregFor(i.Return()), funcIdx: uint32(i.ConstantI64())}
		in.uses[0], in.nUse = m.vregFor(i.Arg()), 1
		blk.append(in)
		return nil

	default:
		return fmt.Errorf("amd64: no lowering for opcode %s", i.Opcode())
	}
}

// memoryAccessSize returns the width, in bytes, that a load/store
// opcode actually reads/writes in linear memory -- distinct from the
// SSA value's own type width for the sub-word Uload8/Sload16/Istore8
// family, where the register result is wider than the bytes touched.
func memoryAccessSize(op ssa.Opcode, valType ssa.Type) byte {
	switch op {
	case ssa.OpcodeUload8, ssa.OpcodeSload8, ssa.OpcodeIstore8:
		return 1
	case ssa.OpcodeUload16, ssa.OpcodeSload16, ssa.OpcodeIstore16:
		return 2
	case ssa.OpcodeUload32, ssa.OpcodeSload32, ssa.OpcodeIstore32:
		return 4
	default: // Load/Store: full value width.
		return valType.Size()
	}
}

// lowerBranchArgs emits a move per block-parameter argument ahead of a
// branch; these become ordinary copies the allocator may coalesce
// away, rather than a dedicated phi-resolution step, since
// internal/ssa's critical-edge splitting already guarantees each
// argument list lands on a private edge.
func (m *Machine) lowerBranchArgs(blk *block, args []ssa.Value, target ssa.BasicBlock) {
	for idx, a := range args {
		dst := m.vregFor(target.Param(idx))
		mv := &instr{op: opCopy, def: dst, isCopy: true}
		mv.uses[0], mv.nUse = m.vregFor(a), 1
		blk.append(mv)
	}
}

func (m *Machine) lowerCall(blk *block, i *ssa.Instruction, indirect bool) error {
	sig := i.Signature()
	callABI := backend.NewFunctionABI[*Machine](m)
	callABI.Init(sig)
	if callABI.ArgStackSize > m.maxArgStackSize {
		m.maxArgStackSize = callABI.ArgStackSize
	}

	args := i.Args()
	for idx, a := range args {
		arg := callABI.Args[idx]
		mv := &instr{op: opCopy, isCopy: true}
		mv.uses[0], mv.nUse = m.vregFor(a), 1
		if arg.Kind == backend.ABIArgKindReg {
			mv.def = arg.Reg
		} else {
			mv.op = opArgStore
			mv.imm = uint64(arg.Offset)
		}
		blk.append(mv)
	}

	in := &instr{op: ssa.OpcodeCall, isCall: true, isIndirectCall: indirect}
	if indirect {
		in.uses[0], in.nUse = m.vregFor(i.Arg()), 1
	} else {
		in.funcIdx = uint32(i.ConstantI64())
	}
	blk.append(in)

	if ret := i.Return(); ret.Valid() {
		dst := m.vregFor(ret)
		mv := &instr{op: opCopy, def: dst, isCopy: true}
		mv.uses[0], mv.nUse = regalloc.FromRealReg(RAX, regTypeFor(ret.Type())), 1
		if ret.Type().IsFloat() {
			mv.uses[0] = regalloc.FromRealReg(XMM0, regalloc.RegTypeFloat)
		}
		blk.append(mv)
	}
	return nil
}
