package trap

import (
	"runtime"
	"unsafe"

	"github.com/ignitewasm/ignite/api"
)

// Call invokes a compiled function's entry preamble, marshaling
// paramResult in place (sig.Params on entry, overwritten with
// sig.Results on a normal return, per CompileEntryPreamble's contract)
// and turning a nonzero post-call ExitCode into an *api.Trap.
//
// preamble and target are the code addresses of, respectively, the
// signature-specific marshaling stub (internal/backend/isa/amd64's
// CompileEntryPreamble output, already linked into an executable
// mapping by internal/linker) and the target function itself.
// moduleCtx is the module instance's context pointer, passed straight
// through to ModuleCtxReg.
//
// Every call gets its own freshly allocated Go-side stack rather than
// one pooled per instance: a byte slice is ordinary heap memory the
// garbage collector can find and move like any other object as long as
// compiled code is not actively running on it, and pooling would need
// its own freelist/locking discipline for a benefit (cutting one
// allocation per call) spec.md never asks for.
//
// symbolicate resolves a trapping absolute PC into a human-readable
// frame list; it is supplied by the caller (internal/instance) rather
// than owned here, since only the instance holding the linked
// executable knows how to map a PC back to a function and name -- this
// package's own job stops at the register/stack boundary. A nil
// symbolicate is fine and yields a Trap with no Frames.
func Call(preamble, target, moduleCtx unsafe.Pointer, paramResult []uint64, symbolicate func(pc uint64) []string) *api.Trap {
	stack := make([]byte, StackSize)
	// The stack grows down; newStackTop is the address one past the
	// last usable byte, minus a guard region so StackLimit trips before
	// any function's own prologue could write past the allocation.
	base := unsafe.Pointer(&stack[0])
	top := uintptr(base) + uintptr(len(stack))

	var execCtx ExecutionContext
	execCtx.StackLimit = uint64(uintptr(base) + stackGuard)

	var paramResultPtr *uint64
	if len(paramResult) > 0 {
		paramResultPtr = &paramResult[0]
	}

	entrypoint(preamble, &execCtx, moduleCtx, target, paramResultPtr, top)
	// stack must stay reachable and unmoved until entrypoint returns:
	// compiled code addresses it directly as rsp/rbp, not through any
	// Go value the runtime's stack-copying machinery would rewrite.
	runtime.KeepAlive(stack)

	if execCtx.ExitCode == 0 {
		return nil
	}
	var frames []string
	if symbolicate != nil {
		frames = symbolicate(execCtx.TrapPC)
	}
	return &api.Trap{
		Reason: api.TrapReason(execCtx.ExitCode),
		Frames: frames,
	}
}
