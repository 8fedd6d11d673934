// Package amd64 is the single concrete backend target this compiler
// supports (spec.md §9's Open Question on multi-ISA scope is resolved
// in DESIGN.md: amd64-only). It implements backend.Machine via
// one-instr-per-SSA-instruction selection (no tree fusion, see
// lower.go) over the typed SSA IR, System V
// AMD64 ABI lowering, and direct byte-level x86-64 encoding (no
// external assembler, per spec.md §9's "pattern-rule path exclusively"
// resolution).
package amd64

import "github.com/ignitewasm/ignite/internal/backend/regalloc"

// Integer general-purpose registers. regalloc.RealRegInvalid is 0, so
// these start at 1 and encoding() subtracts 1 to get the real 4-bit
// x86-64 ModRM/REX encoding (the REX.B/REX.R/REX.X extension bit is
// bit 3 of that 4-bit value).
const (
	RAX regalloc.RealReg = iota + 1
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Scalar SSE registers, same offset-by-one scheme, in the separate
// RegTypeFloat class so they never collide with the integer numbering
// above inside the allocator's per-class pools (ClassRegs). Reserved
// and CallerSaved are keyed by the number alone, though, so an XMM
// register whose number matches a reserved integer register (XMM0-2,
// XMM4-5, XMM12-14) is skipped by the allocator as well.
const (
	XMM0 regalloc.RealReg = iota + 1
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// encoding returns r's 4-bit x86-64 register encoding (0-15).
func encoding(r regalloc.RealReg) byte { return byte(r - 1) }

// ExecCtxReg and ModuleCtxReg are pinned for the lifetime of a call
// into compiled code (the entry preamble, CompileEntryPreamble, loads
// them from the values internal/trap's entrypoint passes in): R13 -> *cctx execution context, R15 -> *cctx
// module context for the callee's instance. R14 is deliberately never
// used for either purpose, nor handed to the allocator (see Reserved
// below): the Go runtime keeps the current goroutine's *g permanently
// resident in R14 on amd64 (its "registerized g" invariant, relied on
// by asynchronous-preemption signal handling and stack-growth checks
// regardless of which calling convention the currently executing code
// follows), so compiled wasm code must never repurpose it.
const (
	ExecCtxReg   = R13
	ModuleCtxReg = R15
)

var intRegNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

var floatRegNames = [...]string{"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15"}

func intRegName(r regalloc.RealReg) string   { return intRegNames[encoding(r)] }
func floatRegName(r regalloc.RealReg) string { return floatRegNames[encoding(r)] }

// regInfo is the System V AMD64 register inventory and calling
// convention consulted by both backend.FunctionABI and
// regalloc.Allocator.
var regInfo = regalloc.RegInfo{
	ClassRegs: map[regalloc.RegType][]regalloc.RealReg{
		// RAX/RDX/RCX are deliberately excluded from the general pool:
		// IDIV/DIV implicitly consume and clobber RAX:RDX (dividend in,
		// quotient/remainder out) and SHL/SHR/SAR/ROL/ROR require their
		// count in CL. Reserving the trio outright as encoder scratch is
		// simpler and safer than teaching the allocator per-operand
		// fixed-register constraints, which regalloc.Function has no
		// model for. They remain usable as explicit ABI argument/return
		// locations (backend.FunctionABI assigns them directly via
		// FromRealReg, bypassing coloring) -- see DESIGN.md.
		regalloc.RegTypeInt:   {RBX, RSI, RDI, R8, R9, R10, R11, R12},
		regalloc.RegTypeFloat: {XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13, XMM14, XMM15},
	},
	Reserved: map[regalloc.RealReg]bool{
		RSP: true,
		RBP: true,
		RAX: true,
		RDX: true,
		RCX: true,
		// R13/R15 are pinned to the execution-context and module-context
		// pointers (internal/cctx) for the whole call; R14 is reserved
		// for the unrelated reason explained above (Go's registerized
		// g). None of the three is ever handed to the allocator.
		R13: true,
		R14: true,
		R15: true,
	},
	// XMM6/XMM7 share their numbers with RSI/RDI, so those two entries
	// cover them.
	CallerSaved: map[regalloc.RealReg]bool{
		RSI: true, RDI: true,
		R8: true, R9: true, R10: true, R11: true,
		XMM0: true, XMM1: true, XMM2: true, XMM3: true, XMM4: true,
		XMM5: true,
	},
}

// argIntRegs/argFloatRegs are the System V integer/SSE argument
// registers in order; retIntRegs/retFloatRegs the corresponding
// result registers (rax:rdx for wide integer multi-value,
// xmm0:xmm1 for float, though this compiler's single-result-only
// frontend only ever uses the first of each).
var (
	argIntRegs    = []regalloc.RealReg{RDI, RSI, RDX, RCX, R8, R9}
	argFloatRegs  = []regalloc.RealReg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
	retIntRegs    = []regalloc.RealReg{RAX, RDX}
	retFloatRegs  = []regalloc.RealReg{XMM0, XMM1}
)

// ArgsResultsRegs implements backend.FunctionABIRegInfo.
func (m *Machine) ArgsResultsRegs() (argInts, argFloats, resultInts, resultFloats []regalloc.RealReg) {
	return argIntRegs, argFloatRegs, retIntRegs, retFloatRegs
}
