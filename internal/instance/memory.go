package instance

import "unsafe"

const (
	wasmPageSize = 1 << 16

	// memoryGuardSize is the unmapped region appended after a memory's
	// committed pages, matching spec.md §4.9's "2 GiB on 64-bit
	// targets when 32-bit Wasm pointers are used": comfortably larger
	// than any offset a 32-bit effective address plus a static access
	// size could reach past the committed end, so an out-of-range
	// load/store always faults instead of wandering into adjacent,
	// unrelated heap.
	memoryGuardSize = 1 << 31
)

// Memory is one instance's linear memory: a committed, read-write
// prefix of committedLen bytes immediately followed by an unmapped
// guard region reaching to the end of region. Unlike Table, this never
// changes size after NewMemory returns: internal/frontend's
// OpcodeMemoryGrow lowering always reports growth refusal (see
// lower.go's comment on why), so there is no reachable wasm-side
// operation that would ever need it to.
type Memory struct {
	region       []byte
	committedLen int
}

// Base returns the committed region's start address, the value
// Instantiate installs at a module context's MemoryBase field.
func (m *Memory) Base() uintptr { return addrOfBytes(m.region) }

// Len returns the number of committed, accessible bytes.
func (m *Memory) Len() uint32 { return uint32(m.committedLen) }

// Bytes exposes the committed region for host-side inspection (e.g. an
// imported function reading/writing wasm memory directly).
func (m *Memory) Bytes() []byte {
	if m.committedLen == 0 {
		return nil
	}
	return m.region[:m.committedLen]
}

func addrOfBytes(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
