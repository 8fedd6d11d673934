package ignite

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ignitewasm/ignite/internal/codebuffer"
	"github.com/ignitewasm/ignite/internal/instance"
	"github.com/ignitewasm/ignite/internal/linker"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// Serialize encodes c for later Deserialize, bit-exact per spec.md §6
// for the inner codebuffer.Image section (magic "WCMP", version,
// isa_id, flags, text, relocations, trap sites, unwind). That format
// alone carries no Wasm section metadata (imports, exports, types,
// globals, tables) -- internal/instance.Instantiate needs all of it,
// and re-deriving it without the original module would mean persisting
// a second, parallel description of the same information. Instead this
// envelope prefixes the WCMP image with the original Wasm bytes
// themselves: `[u32 wasm_len][wasm bytes][WCMP image]`. Deserialize
// re-decodes those bytes (cheap: no recompilation, just the binary
// decoder) and rebuilds everything else with internal/instance.FromImage,
// which is pure index arithmetic over the decoded module's section
// lengths.
func (c *CompiledModule) Serialize() ([]byte, error) {
	img := codebuffer.Serialize(c.cm.Image)
	out := make([]byte, 0, 4+len(c.wasmBytes)+len(img))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(c.wasmBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, c.wasmBytes...)
	out = append(out, img...)
	return out, nil
}

// Deserialize reloads a CompiledModule previously produced by
// (*CompiledModule).Serialize, re-linking its code image without
// rerunning the frontend or backend.
func Deserialize(b []byte) (*CompiledModule, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("ignite: truncated envelope")
	}
	wasmLen := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < wasmLen {
		return nil, fmt.Errorf("ignite: truncated envelope: want %d wasm bytes, have %d", wasmLen, len(b))
	}
	wasmBytes := b[:wasmLen]
	imgBytes := b[wasmLen:]

	mod, err := wasm.Decode(bytes.NewReader(wasmBytes))
	if err != nil {
		return nil, fmt.Errorf("ignite: decoding envelope's module: %w", err)
	}
	img, err := codebuffer.Deserialize(imgBytes)
	if err != nil {
		return nil, fmt.Errorf("ignite: decoding image: %w", err)
	}
	exec, err := linker.Link(img)
	if err != nil {
		return nil, fmt.Errorf("ignite: linking image: %w", err)
	}
	cm, err := instance.FromImage(mod, img, exec)
	if err != nil {
		return nil, fmt.Errorf("ignite: %w", err)
	}
	return &CompiledModule{cm: cm, target: decodeTargetOptions(img.Flags), wasmBytes: append([]byte(nil), wasmBytes...)}, nil
}
