// Package trap implements the host-to-compiled-code call boundary
// (spec.md's C10): the execution context compiled code shares with the
// host through the pinned ExecCtxReg, the hand-written assembly
// entrypoint that is the only place raw machine code is ever reached
// from Go, and the cooperative dispatch that turns an abnormal return
// into an *api.Trap.
//
// Grounded throughout on the teacher's wazevo engine: callEngine's
// executionContext struct, its entrypoint/callWithStack pair, and its
// decision to run compiled code on a separate Go-allocated stack rather
// than the calling goroutine's own.
package trap

import (
	"fmt"
	"unsafe"

	"github.com/ignitewasm/ignite/internal/cctx"
)

// ExecutionContext is the host-visible half of internal/cctx's
// execution-context layout: the same bytes compiled code addresses
// through ExecCtxReg, described here as a Go struct so this package can
// populate and inspect it without raw pointer arithmetic. Field order,
// widths, and padding are load-bearing -- they must match cctx's
// offsets exactly, checked once at package init rather than trusted.
type ExecutionContext struct {
	// ExitCode is 0 (api.TrapReason's reserved zero value) after a
	// normal return; compiled code writes a nonzero api.TrapReason here
	// immediately before taking the trap exit instead.
	ExitCode uint32
	_        uint32 // pad: keeps TrapPC 8-byte aligned, matching cctx.TrapPC's offset

	// TrapPC is the absolute runtime address of the trapping site,
	// materialized by compiled code via a RIP-relative LEA (see
	// DESIGN.md) rather than looked up after the fact.
	TrapPC uint64

	// OriginalFramePointer/OriginalStackPointer hold the calling
	// goroutine's rbp/rsp for the duration of the call, saved and
	// restored by the entry preamble as it switches onto and back off
	// of the wasm-side stack.
	OriginalFramePointer uint64
	OriginalStackPointer uint64

	// StackLimit is populated by Call before every entry: every
	// function's prologue cooperatively traps with TrapStackOverflow
	// once rsp (on the wasm-side stack) falls below it.
	StackLimit uint64
}

func init() {
	var e ExecutionContext
	type mismatch struct {
		field    string
		got, want uintptr
	}
	checks := []mismatch{
		{"ExitCode", unsafe.Offsetof(e.ExitCode), uintptr(cctx.ExitCode)},
		{"TrapPC", unsafe.Offsetof(e.TrapPC), uintptr(cctx.TrapPC)},
		{"OriginalFramePointer", unsafe.Offsetof(e.OriginalFramePointer), uintptr(cctx.OriginalFramePointer)},
		{"OriginalStackPointer", unsafe.Offsetof(e.OriginalStackPointer), uintptr(cctx.OriginalStackPointer)},
		{"StackLimit", unsafe.Offsetof(e.StackLimit), uintptr(cctx.StackLimit)},
	}
	for _, c := range checks {
		if c.got != c.want {
			panic(fmt.Sprintf("trap: ExecutionContext.%s at offset %d, internal/cctx expects %d", c.field, c.got, c.want))
		}
	}
	if unsafe.Sizeof(e) != uintptr(cctx.ExecutionContextSize) {
		panic(fmt.Sprintf("trap: ExecutionContext size %d, internal/cctx expects %d", unsafe.Sizeof(e), cctx.ExecutionContextSize))
	}
}

// StackSize is the fixed size of the Go-allocated stack each call
// switches onto. spec.md leaves the stack-growth policy an open
// question; this resolves it as a single generously-sized, non-growing
// region (rather than wazevo's grow-and-retry loop) since the
// cooperative StackLimit check already converts the one failure mode a
// fixed bound adds -- deep-but-legitimate recursion -- into an ordinary
// TrapStackOverflow rather than a crash, and a fixed region avoids
// needing to safely relocate live raw-machine-code frames mid-call (see
// DESIGN.md).
const StackSize = 8 << 20

// stackGuard is reserved at the low end of the call stack so
// StackLimit trips before a function's own prologue write (pushes,
// spill-slot stores) would otherwise run off the end of the
// allocation; it does not need to be large, just larger than any one
// frame's footprint.
const stackGuard = 4096
