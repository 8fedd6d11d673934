//go:build !(linux && amd64)

package linker

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/codebuffer"
)

// Link is unimplemented outside linux/amd64: the only backend
// (internal/backend/isa/amd64) targets that pair, and the mmap/mprotect
// sequence Link needs is itself platform-specific (spec.md §4.8 names
// Windows/Darwin variants this repo does not implement -- see
// DESIGN.md). A build running on another GOOS/GOARCH gets a clear error
// at link time rather than a silently wrong trampoline.
func Link(img *codebuffer.Image) (*Executable, error) {
	return nil, fmt.Errorf("linker: unsupported platform, only linux/amd64 is implemented")
}

func (e *Executable) Close() error { return nil }

func addrOf(mem []byte) uintptr { return 0 }
