// Package linker implements C8: turning a codebuffer.Image into live,
// executable memory -- allocating pages, copying bytes, resolving
// relocations against final addresses, and publishing the mapping
// read+execute.
//
// Grounded on the only mmap/mprotect JIT-publish idiom present in the
// retrieved pack, golang.org/x/sys/unix's Mmap/Mprotect as used by the
// tinyrange-cc example's createAssemblyTrampoline: allocate RW
// anonymous pages, copy the code in, then mprotect to RX before
// anything calls into it. The teacher's own wazevo engine does the
// same thing through its internal, unretrieved platform package
// (engine_cache.go's MmapCodeSegment/MprotectRX calls are the precedent
// this package's Link/Close pair mirrors) -- x/sys/unix is already the
// teacher's own dependency for this concern (its go.mod requires it
// directly, for the POSIX syscalls its own internal/platform package
// wraps), so using it here keeps the same library doing the same job
// rather than introducing a new one.
package linker

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/codebuffer"
)

// Executable is a published, read+execute mapping of one codebuffer.Image.
// Callers resolve a function's address with FuncAddr and must Close the
// mapping once every instance referencing it is gone.
type Executable struct {
	mem          []byte
	entryOffsets []int
	trapSites    []codebuffer.Trap
}

// FuncAddr returns the absolute runtime entry address of the idx'th
// locally-defined function in the image Link built this Executable
// from.
func (e *Executable) FuncAddr(idx int) uintptr {
	return addrOf(e.mem) + uintptr(e.entryOffsets[idx])
}

// Base returns the mapping's starting address, the reference point
// internal/instance's symbolicate subtracts a trapping PC against to
// recover an in-image offset.
func (e *Executable) Base() uintptr { return addrOf(e.mem) }

// TrapSiteFor returns the TrapSite whose offset matches pc (an absolute
// address, as produced by leaSelfAddr) and reports whether one was
// found.
func (e *Executable) TrapSiteFor(pc uintptr) (codebuffer.Trap, bool) {
	off := int(pc - e.Base())
	for _, t := range e.trapSites {
		if t.Offset == off {
			return t, true
		}
	}
	return codebuffer.Trap{}, false
}

// relocate rewrites every recorded relocation in mem against the
// addresses entryOffsets (within the same mem) resolve to.
func relocate(mem []byte, img *codebuffer.Image) error {
	base := addrOf(mem)
	for _, r := range img.Relocations {
		if int(r.Symbol) >= len(img.EntryOffsets) {
			return fmt.Errorf("linker: relocation references unknown function %d", r.Symbol)
		}
		targetAddr := base + uintptr(img.EntryOffsets[r.Symbol])
		switch r.Kind {
		case backend.RelocFuncPCRel32:
			siteAddr := base + uintptr(r.Offset)
			// The displacement is measured from the byte immediately
			// following the 4-byte disp32 field itself, matching every
			// x86-64 PC-relative operand this encoder emits elsewhere.
			disp := int64(targetAddr) - int64(siteAddr+4) + r.Addend
			if disp < -(1<<31) || disp >= (1<<31) {
				return fmt.Errorf("linker: relocation at offset %d out of 32-bit PC-relative range", r.Offset)
			}
			putLE32(mem[r.Offset:], uint32(int32(disp)))
		default:
			return fmt.Errorf("linker: unsupported relocation kind %d", r.Kind)
		}
	}
	return nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
