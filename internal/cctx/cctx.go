// Package cctx describes the byte layout of the two small structs that
// compiled code and the Go runtime share across the host/compiled
// boundary: the per-call execution context (C10, trap/unwind state)
// and the per-module context (C9, memory/table/global bases). Both the
// backend (which emits field accesses as base+offset loads) and the
// instance/trap packages (which allocate and populate the structs)
// import these offsets from one place so the two sides can never drift.
//
// Grounded on wazero's wazevoapi.ExecutionContextOffsetData /
// ModuleContextOffsetData, which exist for exactly this reason: giving
// the compiler numeric field offsets into host-side Go structs it
// cannot otherwise see the layout of.
package cctx

// Offset is a byte offset of a field within one of this package's
// context structs.
type Offset int32

func (o Offset) I64() int64   { return int64(o) }
func (o Offset) U32() uint32  { return uint32(o) }

// Execution context: one per call into compiled code, referenced by a
// fixed register (amd64.ExecCtxReg, the sibling of amd64.ModuleCtxReg)
// for the duration of the call. Populated by internal/trap
// before entering compiled code.
const (
	// ExitCode is written by compiled code immediately before it leaves
	// through its normal return path: the reason the call is unwinding.
	ExitCode Offset = 0
	// TrapPC is the absolute runtime address of the trapping
	// instruction, materialized in place via a RIP-relative LEA rather
	// than baked in as a function-local offset at compile time (a
	// constant offset would be meaningless once internal/linker has
	// copied the function to its final address). Resolving it back to
	// a TrapSite subtracts the executable mapping's base address (see
	// internal/linker's TrapSiteFor).
	TrapPC Offset = 8
	// OriginalFramePointer/OriginalStackPointer save the host's
	// registers at entry so the trap trampoline can restore them
	// without unwinding compiled frames one at a time.
	OriginalFramePointer Offset = 16
	OriginalStackPointer Offset = 24
	// StackLimit is compared against rsp by the prologue's stack check;
	// going below it trips TrapStackOverflow rather than a guard page,
	// since the Go-allocated stack has no adjacent unmapped region.
	StackLimit Offset = 32

	ExecutionContextSize = 40
)

// Module context: one per instantiated module, referenced by a fixed
// register for the duration of a call into that module's code.
type ModuleContextLayout struct {
	TotalSize int32

	// HostTable holds an 8-byte opaque handle (not a pointer -- see
	// internal/hostcall) identifying this instance's registered
	// imported-function table, so an import call thunk can reach back
	// into Go through nothing but the module context pointer it is
	// already handed in ModuleCtxReg.
	HostTable Offset

	// MemoryBase/MemoryLen are adjacent 8-byte fields: the linear
	// memory's base pointer and byte length. Both are written once at
	// instantiation; linear memory does not grow afterwards.
	MemoryBase, MemoryLen Offset

	// GlobalsBase is the start of a dense array of 8-byte global slots.
	GlobalsBase Offset

	// TablesBase is the start of a dense array of table descriptors,
	// each TableEntrySize bytes: {elementsBase *uint64 pair, length uint32, pad}.
	TablesBase Offset
}

// TableEntrySize is the byte size of one table's descriptor within the
// TablesBase array: elementsBase pointer (8) + length (4, padded to 8).
const TableEntrySize = 16

// TableElemSize is the byte size of one table slot: a code entry point
// (8 bytes, 0 for null) followed by the element's signature id (4
// bytes, padded to 8) used for the indirect-call signature check.
const TableElemSize = 16

func (l *ModuleContextLayout) GlobalOffset(idx uint32) Offset {
	return l.GlobalsBase + Offset(idx)*8
}

func (l *ModuleContextLayout) TableDescriptorOffset(table uint32) Offset {
	return l.TablesBase + Offset(table)*TableEntrySize
}

// NewModuleContextLayout computes the layout for a module declaring
// numGlobals globals and numTables tables; one linear memory is always
// present (spec.md §4.9 scopes multi-memory out implicitly by only
// ever describing "a set of linear-memory regions" addressed through
// this single base/len pair per instance, matching the frontend's
// OpcodeMemoryBase/OpcodeMemorySize which carry no memory index).
func NewModuleContextLayout(numGlobals, numTables uint32) ModuleContextLayout {
	l := ModuleContextLayout{}
	off := Offset(0)
	l.HostTable = off
	off += 8
	l.MemoryBase = off
	off += 8
	l.MemoryLen = off
	off += 8
	l.GlobalsBase = off
	off += Offset(numGlobals) * 8
	l.TablesBase = off
	off += Offset(numTables) * TableEntrySize
	l.TotalSize = int32(off)
	return l
}
