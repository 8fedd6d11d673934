// Package hostcall implements the host-function-import side of C9's
// call boundary: the registry a compiled import-call thunk reaches
// through to invoke the Go closure an embedder registered for that
// import, and the one hand-written assembly bridge that gets it there.
//
// This is internal/trap's boundary run in reverse. trap.entrypoint
// lets Go call into raw machine code; callBridge (bridge_amd64.s) lets
// raw machine code call back into Go, the way the teacher's wazevo
// engine's moduleContextOpaque carries a pointer its own generated
// import-call stubs dereference to reach a host function's Go closure.
package hostcall

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Func is a host function bound to one import slot: it receives its
// wasm-side arguments already flattened to i64 bit patterns (matching
// internal/trap.Call's paramResult convention) and returns its results
// the same way.
type Func func(params []uint64) []uint64

var (
	mu     sync.RWMutex
	tables = map[uint64][]Func{}
	nextID uint64
)

// Register publishes fns under a fresh handle, for an instance's
// ModuleContextLayout.HostTable slot to carry. The handle -- not a raw
// pointer -- is what crosses into compiled-code-visible memory, so nothing
// here needs to keep a Go pointer alive across a boundary the garbage
// collector cannot see through.
func Register(fns []Func) uint64 {
	id := atomic.AddUint64(&nextID, 1)
	mu.Lock()
	tables[id] = fns
	mu.Unlock()
	return id
}

// Unregister drops a handle once its instance is no longer reachable
// from compiled code. Calling an import thunk with a stale handle after
// this panics rather than silently dispatching into reused memory.
func Unregister(handle uint64) {
	mu.Lock()
	delete(tables, handle)
	mu.Unlock()
}

// dispatch is reached only through callBridge's asm shim, which jumps
// here with the argument frame the import thunk laid out. It is the
// one place this package actually touches a registered closure, and
// the one place a bad handle or out-of-range slot surfaces as a panic
// instead of reading through a dangling or out-of-bounds pointer.
// internal/trap.Call installs no recover, so such a panic is not
// turned into a Trap.
func dispatch(handle uint64, slot uint32, argsPtr, resultsPtr unsafe.Pointer, paramCount, resultCount uint32) {
	mu.RLock()
	fns := tables[handle]
	mu.RUnlock()
	if fns == nil {
		panic(fmt.Sprintf("hostcall: unknown instance handle %d", handle))
	}
	if int(slot) >= len(fns) || fns[slot] == nil {
		panic(fmt.Sprintf("hostcall: no host function registered for import slot %d", slot))
	}
	var params []uint64
	if paramCount > 0 {
		params = unsafe.Slice((*uint64)(argsPtr), paramCount)
	}
	results := fns[slot](params)
	if resultCount > 0 {
		out := unsafe.Slice((*uint64)(resultsPtr), resultCount)
		copy(out, results)
	}
}

// CallBridgeAddr is the process-local code address
// internal/backend/isa/amd64's import thunks embed as an immediate and
// CALL directly. Computed once via funcAddr, which reads the entry
// address out of the func value -- stable here specifically because callBridge is declared with no body and is
// therefore ABI0 only, unlike an ordinary Go function which may also
// have a separate ABIInternal entry a thunk could not safely call into
// with raw stack-based arguments.
var CallBridgeAddr = funcAddr(callBridge)
