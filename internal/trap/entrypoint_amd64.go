package trap

import "unsafe"

// entrypoint is the one hand-written assembly function compiled code is
// ever reached through. It exists only to get off Go's ABIInternal
// register convention and onto the plain System V convention the
// compiled entry preamble expects, the way the teacher's wazevo engine
// uses its own asm entrypoint for the identical reason -- a bodyless Go
// declaration defaults to ABI0 (stack-resident, FP-relative arguments),
// so entrypoint_amd64.s can move each argument into the right register
// explicitly rather than relying on ABIInternal's (unstable, Go-version
// -dependent) register assignment.
//
//go:noescape
func entrypoint(preamble unsafe.Pointer, execCtx *ExecutionContext, moduleCtx unsafe.Pointer, target unsafe.Pointer, paramResult *uint64, newStackTop uintptr)
