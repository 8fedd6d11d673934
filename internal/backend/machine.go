// Package backend holds the ISA-independent half of instruction
// selection (spec.md §4.5/C5): generic ABI lowering (abi.go) and the
// Machine interface each concrete target (internal/backend/isa/amd64)
// implements. The actual pattern rules that turn one ssa.Instruction
// into one or more machine instructions are necessarily ISA-specific
// and live in the isa package; this package defines the contract and
// the shared result types the linker and trap subsystem consume.
package backend

import (
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// Machine lowers one already-built, already-RunPasses'd SSA function
// into a finished, register-allocated, encoded machine-code blob.
type Machine interface {
	FunctionABIRegInfo

	// SetModuleLayout installs the module-wide field-offset contract
	// (globals/tables/memory) that instance-intrinsic opcodes
	// (GlobalGet, TableSize, ...) lower against. Called once per module,
	// before the first Compile.
	SetModuleLayout(cctx.ModuleContextLayout)

	// Compile runs instruction selection, register allocation, and
	// encoding for fn, whose signature is sig. The returned
	// CompiledFunction's Code is ready to be copied into executable
	// memory once Relocations are resolved by the linker (C8).
	Compile(fn ssa.Builder, sig *ssa.Signature) (*CompiledFunction, error)
}

// RelocKind distinguishes the few relocation shapes the linker (C8)
// must be able to resolve.
type RelocKind byte

const (
	// RelocFuncPCRel32 is a 32-bit PC-relative displacement to another
	// compiled function's entry point (a direct call/br target).
	RelocFuncPCRel32 RelocKind = iota
)

// Relocation records one unresolved reference inside a function's
// encoded bytes, per spec.md §4.7 ("add_reloc(site, symbol, kind, addend)").
type Relocation struct {
	Offset  int
	Target  ssa.FuncRef
	Kind    RelocKind
	Addend  int64
}

// TrapSite attaches a machine-code offset to a trap reason, consulted
// by the host-boundary fault handler (C10) when code faults or
// executes an explicit trap instruction (spec.md §4.7's trap_site).
type TrapSite struct {
	Offset int
	Reason byte
}

// UnwindRecord captures enough prologue/epilogue shape to reconstruct
// the caller's frame pointer and return address during a stack walk
// (spec.md §4.7's unwind_record / §4.10's stack walker).
type UnwindRecord struct {
	// FrameSize is the constant distance from this function's stack
	// pointer at any instruction after the prologue back to its
	// caller's return address.
	FrameSize int64
	// CalleeSavedOffsets maps a saved physical register to its byte
	// offset from the frame's base, for a stack walker to recover
	// caller-saved register values while unwinding through a trap.
	CalleeSavedOffsets map[byte]int64
}

// CompiledFunction is one function's finished machine code plus the
// metadata the linker and trap subsystem need, mirroring spec.md
// §4.7's finalization artifact scoped to a single function (the code
// buffer in internal/codebuffer aggregates these across a module).
type CompiledFunction struct {
	Code        []byte
	Relocations []Relocation
	TrapSites   []TrapSite
	Unwind      UnwindRecord
}
