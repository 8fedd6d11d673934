//go:build linux && amd64

package instance

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewMemory reserves a PROT_NONE virtual range large enough for
// minPages committed pages plus the architecture guard region, then
// mprotects the committed prefix read-write. Mirrors internal/linker's
// mmap-then-mprotect idiom for the identical underlying reason: one
// syscall cheaply reserves address space the processor itself will
// fault on, behind the explicit bounds check compiled code performs
// before every access (internal/frontend's effectiveAddress).
func NewMemory(minPages uint32) (*Memory, error) {
	committed := int(minPages) * wasmPageSize
	total := committed + memoryGuardSize
	region, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("instance: reserve memory region: %w", err)
	}
	if committed > 0 {
		if err := unix.Mprotect(region[:committed], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			_ = unix.Munmap(region)
			return nil, fmt.Errorf("instance: commit memory pages: %w", err)
		}
	}
	return &Memory{region: region, committedLen: committed}, nil
}

// Close unmaps the memory's whole reservation, committed bytes and
// guard region alike.
func (m *Memory) Close() error {
	if len(m.region) == 0 {
		return nil
	}
	return unix.Munmap(m.region)
}
