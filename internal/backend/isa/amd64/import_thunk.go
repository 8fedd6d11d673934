package amd64

import (
	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/hostcall"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// CompileImportThunk compiles a direct-call target for one imported
// function: machine code that looks exactly like any other function to
// a caller using this signature (ordinary FunctionABI args in, result
// in the usual place), but whose body crosses back into Go through
// internal/hostcall's bridge rather than running wasm-compiled
// instructions.
//
// slot identifies this import's position in the per-instance host
// function table internal/instance.Instantiate registers with
// internal/hostcall and installs at the module context's HostTable
// slot -- one compiled image can back many instances, each with its
// own registered closures, so the thunk reads the handle out of the
// module context at call time rather than baking one in.
//
// Grounded the same way CompileEntryPreamble is: a hand-encoded,
// signature-specific marshaling stub rather than one assembly variant
// per arity, the teacher's own reason for generating entry trampolines
// instead of hand-writing them.
func (m *Machine) CompileImportThunk(sig *ssa.Signature, slot uint32) []byte {
	abi := backend.NewFunctionABI[*Machine](m)
	abi.Init(sig)

	c := &codeBuf{blockOffsets: map[*block]int{}}

	rsp := regalloc.FromRealReg(RSP, regalloc.RegTypeInt)
	rbp := regalloc.FromRealReg(RBP, regalloc.RegTypeInt)
	argsPtrReg := regalloc.FromRealReg(R10, regalloc.RegTypeInt)
	resultsPtrReg := regalloc.FromRealReg(R11, regalloc.RegTypeInt)
	handleReg := scratchRAX
	addrReg := scratchRDX
	tmpReg := scratchRCX

	paramCount := int32(len(sig.Params))
	resultCount := int32(len(sig.Results))
	// Scratch layout, relative to this frame's rsp (low to high address):
	//   [0, 8)    reserved only for the nested CALL's own return-address
	//             push a moment before it happens -- never written by us
	//   [8, 48)   the 40-byte argument frame callBridge's ABI0 entry
	//             expects (handle, slot, argsPtr, resultsPtr, paramCount,
	//             resultCount)
	//   [48, ...) the flat params-then-results array, sized to this
	//             signature, matching internal/trap.Call's paramResult
	//             convention
	scratchSize := (paramCount + resultCount) * 8
	frameSize := align16(int64(48 + scratchSize))

	c.pushReg(rbp)
	c.movRR(rbp, rsp, true, false)
	c.addSubRspImm32(frameSize, true)

	// Spill every incoming argument into the params half of the scratch
	// array.
	for i := range abi.Args {
		arg := &abi.Args[i]
		isFloat := arg.Type.IsFloat()
		var src regalloc.VReg
		if arg.Kind == backend.ABIArgKindReg {
			src = arg.Reg
		} else {
			tmp := tmpReg
			if isFloat {
				tmp = regalloc.FromRealReg(XMM8, regalloc.RegTypeFloat)
			}
			// +16: past this thunk's own pushed rbp and return address,
			// into the caller's outgoing-stack-argument area.
			c.loadMem(tmp, encoding(RBP), int32(16+arg.Offset), 8, false, true, isFloat)
			src = tmp
		}
		c.storeMem(src, encoding(RSP), 48+int32(i)*8, 8, isFloat)
	}

	// The instance's registered-import-table handle lives in the module
	// context, not baked into this thunk -- one compiled image can back
	// any number of instances.
	c.loadMem(handleReg, encoding(ModuleCtxReg), int32(m.layout.HostTable), 8, false, true, false)

	c.leaMemBase(argsPtrReg, encoding(RSP), 48)
	if resultCount > 0 {
		c.leaMemBase(resultsPtrReg, encoding(RSP), 48+paramCount*8)
	} else {
		c.movRR(resultsPtrReg, argsPtrReg, true, false)
	}

	c.storeMem(handleReg, encoding(RSP), 8, 8, false)
	c.movImm(tmpReg, uint64(slot), false)
	c.storeMem(tmpReg, encoding(RSP), 16, 4, false)
	c.storeMem(argsPtrReg, encoding(RSP), 24, 8, false)
	c.storeMem(resultsPtrReg, encoding(RSP), 32, 8, false)
	c.movImm(tmpReg, uint64(uint32(paramCount)), false)
	c.storeMem(tmpReg, encoding(RSP), 40, 4, false)
	c.movImm(tmpReg, uint64(uint32(resultCount)), false)
	c.storeMem(tmpReg, encoding(RSP), 44, 4, false)

	// Point the real rsp at the argument frame's base (rsp+8) just long
	// enough for the CALL: its implicit return-address push then lands
	// in the 8 bytes reserved below, landing callBridge's FP exactly on
	// what was just written.
	c.leaMemBase(tmpReg, encoding(RSP), 8)
	c.movRR(rsp, tmpReg, true, false)

	c.movImm(addrReg, uint64(hostcall.CallBridgeAddr), true)
	ae := ienc(addrReg)
	c.emitRex(false, 0, 0, ae)
	c.u8(0xFF) // CALL r/m64 (opcode extension /2)
	c.modrmReg(2, ae)

	c.addSubRspImm32(8, true) // undo the rsp+8 shift above

	for i := range abi.Rets {
		ret := &abi.Rets[i]
		isFloat := ret.Type.IsFloat()
		off := 48 + paramCount*8 + int32(i)*8
		if ret.Kind == backend.ABIArgKindReg {
			c.loadMem(ret.Reg, encoding(RSP), off, 8, false, true, isFloat)
			continue
		}
		// A result never spills to the stack under this target's ABI
		// (see CompileEntryPreamble's identical note): unreached code.
	}

	c.addSubRspImm32(frameSize, false)
	c.popReg(rbp)
	c.u8(0xC3) // ret
	return c.b
}

// leaMemBase emits LEA dst, [baseEnc+disp] -- the no-index form of
// leaBaseIndex, used here to turn a scratch-array offset into an
// actual pointer value rather than dereferencing through it.
func (c *codeBuf) leaMemBase(dst regalloc.VReg, baseEnc byte, disp int32) {
	d := ienc(dst)
	c.emitRex(true, d, 0, baseEnc)
	c.u8(0x8D) // LEA r64, m
	c.modrmMemBase(d, baseEnc, disp)
}
