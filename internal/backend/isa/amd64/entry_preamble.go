package amd64

import (
	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// CompileEntryPreamble compiles a tiny, signature-specific marshaling
// stub that internal/trap's hand-written assembly entrypoint calls
// into once per host-to-wasm call, rather than this package hand-coding
// one assembly variant per arity/signature the way an older,
// interpreter-era compiler would. The preamble itself runs under the
// plain System V convention (nothing here is reached from Go code
// directly, so there is no Go ABI to match):
//
//	rdi = execution context pointer   (loaded into ExecCtxReg)
//	rsi = module context pointer      (loaded into ModuleCtxReg)
//	rdx = target function's entry address
//	rcx = pointer to a flat []uint64 array: sig.Params on entry,
//	      overwritten with sig.Results before return
//	r8  = top of a Go-allocated byte slice this call should run on
//	      instead of the host goroutine's own stack, 16-byte aligned
//
// Compiled wasm code runs on its own stack rather than the calling
// goroutine's, matching the teacher's wazevo engine (its
// callEngine.execCtx carries exactly the same original-RSP/RBP save
// slots cctx does, for exactly this handoff) -- a raw JIT frame with no
// Go frame-pointer metadata sitting underneath live Go frames would
// leave the runtime's stack growth (and its stack scanner) unable to
// cope if the goroutine's own stack ever needed to move. The preamble
// therefore saves the incoming rsp/rbp into the execution context,
// switches onto the caller-supplied stack, and restores them again
// immediately before returning.
func (m *Machine) CompileEntryPreamble(sig *ssa.Signature) []byte {
	abi := backend.NewFunctionABI[*Machine](m)
	abi.Init(sig)

	c := &codeBuf{blockOffsets: map[*block]int{}}

	rsp := regalloc.FromRealReg(RSP, regalloc.RegTypeInt)
	rbp := regalloc.FromRealReg(RBP, regalloc.RegTypeInt)
	rdi := regalloc.FromRealReg(RDI, regalloc.RegTypeInt)
	rsi := regalloc.FromRealReg(RSI, regalloc.RegTypeInt)
	rdx := regalloc.FromRealReg(RDX, regalloc.RegTypeInt)
	rcx := regalloc.FromRealReg(RCX, regalloc.RegTypeInt)
	newStackTop := regalloc.FromRealReg(R8, regalloc.RegTypeInt)
	// r10/r11 hold the array pointer and target address once rcx/rdx
	// are needed back as the callee's own 4th/3rd integer argument
	// registers; xmm8 is the equivalent overflow scratch for a
	// stack-passed float argument, since xmm0-7 are all live ABI
	// argument registers by the time a float spills to the stack.
	arrayBase := regalloc.FromRealReg(R10, regalloc.RegTypeInt)
	target := regalloc.FromRealReg(R11, regalloc.RegTypeInt)
	scratchXMM8 := regalloc.FromRealReg(XMM8, regalloc.RegTypeFloat)
	execReg := regalloc.FromRealReg(ExecCtxReg, regalloc.RegTypeInt)
	modReg := regalloc.FromRealReg(ModuleCtxReg, regalloc.RegTypeInt)

	// Save the host's rsp/rbp before touching either -- rdi (the
	// execution-context pointer) is still untouched at this point.
	c.storeMem(rsp, encoding(RDI), int32(cctx.OriginalStackPointer), 8, false)
	c.storeMem(rbp, encoding(RDI), int32(cctx.OriginalFramePointer), 8, false)

	c.movRR(rsp, newStackTop, true, false) // switch onto the wasm-side stack

	c.u8(0x55) // push rbp
	c.emitRex(true, 0, 0, 0)
	c.u8(0x89)
	c.modrmReg(ienc(rsp), ienc(rbp))

	c.movRR(target, rdx, true, false)
	c.movRR(arrayBase, rcx, true, false)
	c.movRR(execReg, rdi, true, false)
	c.movRR(modReg, rsi, true, false)

	c.pushReg(arrayBase) // survive the call; r10 itself is caller-saved

	// Two pushes since the stack switch (rbp, then the array pointer)
	// leave rsp 16-aligned again (newStackTop is handed in pre-aligned),
	// so the outgoing-argument area only needs rounding up, no extra
	// 8-byte parity pad the way a normal call site needs.
	subAmt := align16(abi.ArgStackSize)
	if subAmt > 0 {
		c.addSubRspImm32(subAmt, true)
	}

	for i := range abi.Args {
		arg := &abi.Args[i]
		isFloat := arg.Type.IsFloat()
		if arg.Kind == backend.ABIArgKindReg {
			c.loadMem(arg.Reg, encoding(R10), int32(i*8), 8, false, true, isFloat)
			continue
		}
		tmp := scratchRAX
		if isFloat {
			tmp = scratchXMM8
		}
		c.loadMem(tmp, encoding(R10), int32(i*8), 8, false, true, isFloat)
		c.storeMem(tmp, encoding(RSP), int32(arg.Offset), 8, isFloat)
	}

	c.emitRex(false, 0, 0, encoding(R11))
	c.u8(0xFF) // CALL r/m64 (opcode extension /2)
	c.modrmReg(2, ienc(target))

	if subAmt > 0 {
		c.addSubRspImm32(subAmt, false)
	}
	c.popReg(arrayBase) // r10 is clobbered by the call; reload the array pointer

	for i := range abi.Rets {
		ret := &abi.Rets[i]
		isFloat := ret.Type.IsFloat()
		if ret.Kind == backend.ABIArgKindReg {
			c.storeMem(ret.Reg, encoding(R10), int32(i*8), 8, isFloat)
			continue
		}
		// A result never spills to the stack under this target's ABI:
		// the frontend only emits single-result signatures (see
		// DESIGN.md's internal/backend entry), so retIntRegs/retFloatRegs
		// always has room. Multi-value stack results are unreached code.
	}

	c.popReg(rbp) // undo the wasm-stack's own push rbp
	// ExecCtxReg (r13) was never clobbered by anything above (the
	// callee's own register pool excludes it entirely), so it is still
	// valid here to fetch the host rsp/rbp this preamble saved first.
	c.loadMem(rbp, encoding(ExecCtxReg), int32(cctx.OriginalFramePointer), 8, false, true, false)
	c.loadMem(rsp, encoding(ExecCtxReg), int32(cctx.OriginalStackPointer), 8, false, true, false)
	c.u8(0xC3) // ret -- pops the return address still sitting on the host stack
	return c.b
}

func align16(v int64) int64 { return (v + 15) &^ 15 }

// pushReg/popReg emit a single-register PUSH/POP, used by the entry
// preamble to save the array pointer across the one indirect call it
// issues (codeBuf's other helpers all assume a ModRM operand, which
// PUSH r64/POP r64's opcode+reg encoding doesn't use).
func (c *codeBuf) pushReg(r regalloc.VReg) {
	enc := ienc(r)
	if enc >= 8 {
		c.emitRex(false, 0, 0, enc)
	}
	c.u8(0x50 | (enc & 7))
}

func (c *codeBuf) popReg(r regalloc.VReg) {
	enc := ienc(r)
	if enc >= 8 {
		c.emitRex(false, 0, 0, enc)
	}
	c.u8(0x58 | (enc & 7))
}

// addSubRspImm32 emits ADD rsp, imm32 (sub=false) or SUB rsp, imm32
// (sub=true), reused by the preamble to open and close its outgoing
// stack-argument area.
func (c *codeBuf) addSubRspImm32(imm int64, sub bool) {
	rspEnc := encoding(RSP)
	c.emitRex(true, 0, 0, rspEnc)
	c.u8(0x81)
	ext := byte(0) // ADD r/m64, imm32
	if sub {
		ext = 5 // SUB r/m64, imm32
	}
	c.modrmReg(ext, rspEnc)
	c.i32(int32(imm))
}
