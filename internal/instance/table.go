package instance

import (
	"encoding/binary"

	"github.com/ignitewasm/ignite/internal/cctx"
)

// Table is one instance's table of opaque references, laid out as a
// flat array of cctx.TableElemSize-byte entries: a code entry point (8
// bytes, 0 for null) followed by the element's signature id (8 bytes,
// holding a zero-extended wasm TypeSection index -- see
// internal/frontend/calls.go's lowerCallIndirect, which compares this
// field directly against a call site's own declared type index, not
// any backend-internal signature numbering).
//
// Like Memory, this never grows after NewTable returns: no table.grow
// opcode exists in internal/ssa, so a declared max beyond min is
// unreachable from compiled code.
type Table struct {
	elems []byte
}

// NewTable allocates a table of minElems null entries.
func NewTable(minElems uint32) *Table {
	return &Table{elems: make([]byte, uint64(minElems)*cctx.TableElemSize)}
}

// Len returns the table's element count.
func (t *Table) Len() uint32 { return uint32(len(t.elems) / cctx.TableElemSize) }

// Base returns the elements array's start address, the value a table
// descriptor's elementsBase field carries.
func (t *Table) Base() uintptr { return addrOfBytes(t.elems) }

// Set installs funcAddr (0 for null) and its wasm type-section
// signature id at table index idx.
func (t *Table) Set(idx uint32, funcAddr uint64, typeIdx uint32) {
	off := uint64(idx) * cctx.TableElemSize
	binary.LittleEndian.PutUint64(t.elems[off:], funcAddr)
	binary.LittleEndian.PutUint64(t.elems[off+8:], uint64(typeIdx))
}
