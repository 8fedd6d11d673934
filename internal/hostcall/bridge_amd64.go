package hostcall

import "unsafe"

// callBridge is the one hand-written assembly function a compiled
// import-call thunk ever reaches Go through. Like internal/trap's
// entrypoint, declaring it with no body forces it onto ABI0 (plain
// FP-relative stack arguments) -- the only convention a hand-generated
// caller that isn't the Go compiler can reliably target, since
// ABIInternal's register assignment is unstable across Go versions.
//
// A thunk calls it the same way Go's own compiler would call any
// bodyless ABI0 function: write the six arguments into the stack slots
// right above where the CALL instruction's implicit return-address
// push will land, then CALL. bridge_amd64.s forwards that same frame
// straight into dispatch unmodified.
//
//go:noescape
func callBridge(handle uint64, slot uint32, argsPtr, resultsPtr unsafe.Pointer, paramCount, resultCount uint32)

// funcAddr recovers f's entry address. f must be a bodyless (ABI0)
// declaration like callBridge -- taking the address of an ordinary Go
// function this way is not guaranteed stable, since such a function's
// primary entry point uses ABIInternal, not ABI0.
func funcAddr(f func(handle uint64, slot uint32, argsPtr, resultsPtr unsafe.Pointer, paramCount, resultCount uint32)) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
