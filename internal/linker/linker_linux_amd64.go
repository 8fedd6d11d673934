package linker

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ignitewasm/ignite/internal/codebuffer"
)

// Link allocates an anonymous RW mapping sized to img.Text, copies the
// code in, resolves relocations against the mapping's final address,
// and publishes it read+execute. No instruction-cache flush is issued:
// x86-64's self-modifying-code semantics make the freshly-written
// instructions visible to this core's own fetch unit once the
// mprotect's memory barrier has completed, per spec.md §4.8's explicit
// no-op carve-out for this architecture (unlike AArch64, whose
// non-coherent I/D caches require one -- left unimplemented here since
// this backend targets amd64 only; see DESIGN.md).
func Link(img *codebuffer.Image) (*Executable, error) {
	if len(img.Text) == 0 {
		return nil, fmt.Errorf("linker: empty image")
	}
	mem, err := unix.Mmap(-1, 0, len(img.Text), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("linker: mmap code region: %w", err)
	}
	copy(mem, img.Text)

	if err := relocate(mem, img); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("linker: mprotect code region: %w", err)
	}

	return &Executable{mem: mem, entryOffsets: img.EntryOffsets, trapSites: img.TrapSites}, nil
}

// Close unmaps the executable region. Every instance referencing this
// Executable must have been torn down first; nothing here waits on
// in-flight calls.
func (e *Executable) Close() error {
	return unix.Munmap(e.mem)
}

func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
