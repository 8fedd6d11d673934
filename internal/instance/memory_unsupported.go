//go:build !(linux && amd64)

package instance

import "fmt"

// NewMemory is unimplemented outside linux/amd64, matching
// internal/linker's identical platform restriction (the only backend
// this repo ships targets that pair; see DESIGN.md).
func NewMemory(minPages uint32) (*Memory, error) {
	return nil, fmt.Errorf("instance: unsupported platform, only linux/amd64 is implemented")
}

func (m *Memory) Close() error { return nil }
