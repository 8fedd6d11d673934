// Package codebuffer implements C7: aggregating the per-function
// machine code backend.Machine.Compile produces into one contiguous
// image, with every offset-bearing piece of metadata (relocations, trap
// sites) rebased from function-local to whole-image coordinates, plus
// the persisted WCMP container format (spec.md §6) the root package's
// CompiledModule.Serialize/Deserialize round-trips through.
//
// Grounded on the teacher's wazevo engine/engine_cache.go, which
// assembles per-function offsets and a flat executable blob the same
// way and serializes it with the same magic+version+length-prefixed-
// sections shape, using encoding/binary and its own u32/u64 little-
// endian helpers rather than a general-purpose serialization library.
package codebuffer

import (
	"encoding/binary"
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
)

// funcAlign is the alignment every function's entry offset is rounded
// up to inside the assembled image. 16 matches the teacher's codegen
// assumptions about branch/call target alignment on both amd64 and
// arm64 and keeps each function's own internal alignment-sensitive
// instructions (movaps loads of SIMD constants, were V128 in scope)
// undisturbed by its start offset.
const funcAlign = 16

// Reloc and Trap are the whole-image-relative counterparts of
// backend.Relocation/backend.TrapSite: Offset has been rebased from
// "from the start of this one function" to "from the start of Text".
type Reloc struct {
	Offset int
	Kind   backend.RelocKind
	Symbol uint32 // locally-defined function index (ssa.FuncRef)
	Addend int64
}

type Trap struct {
	Offset int
	Reason byte
}

// Image is the immutable artifact finalization yields: the aggregated
// code plus every piece of metadata needed to link and, later, to
// field a trap.
type Image struct {
	ISAID uint32
	Flags uint32

	Text        []byte
	Relocations []Reloc
	TrapSites   []Trap
	// Unwind holds one backend.UnwindRecord per function, in the same
	// order as EntryOffsets, encoded by encodeUnwind/decodeUnwind
	// rather than kept as Go values, so it round-trips through
	// Serialize/Deserialize as the single opaque "unwind…" section the
	// wire format calls for.
	Unwind []byte

	// EntryOffsets maps a locally-defined function index to its offset
	// into Text. Resolved Open Question: the top-level wire format
	// (spec.md §6) has no section of its own for this, so each
	// function's entry offset rides along as the first field of its
	// record inside the (otherwise opaque, per spec's own description)
	// "unwind…" blob -- see encodeUnwind/decodeUnwind -- rather than
	// adding a whole new top-level section that would duplicate
	// information the unwind records already walk function-by-function.
	EntryOffsets []int
}

// Assemble lays out fns (in locally-defined function index order) back
// to back with funcAlign padding between them, rebasing every
// relocation and trap site from function-local to image-relative
// offsets and recording each function's starting offset.
func Assemble(fns []*backend.CompiledFunction, isaID, flags uint32) *Image {
	img := &Image{ISAID: isaID, Flags: flags, EntryOffsets: make([]int, len(fns))}

	unwind := make([]backend.UnwindRecord, len(fns))
	for i, fn := range fns {
		base := align(len(img.Text), funcAlign)
		if pad := base - len(img.Text); pad > 0 {
			img.Text = append(img.Text, make([]byte, pad)...)
		}
		img.EntryOffsets[i] = base
		img.Text = append(img.Text, fn.Code...)

		for _, r := range fn.Relocations {
			img.Relocations = append(img.Relocations, Reloc{
				Offset: base + r.Offset,
				Kind:   r.Kind,
				Symbol: uint32(r.Target),
				Addend: r.Addend,
			})
		}
		for _, t := range fn.TrapSites {
			img.TrapSites = append(img.TrapSites, Trap{Offset: base + t.Offset, Reason: t.Reason})
		}
		unwind[i] = fn.Unwind
	}
	img.Unwind = encodeUnwind(img.EntryOffsets, unwind)
	return img
}

func align(v, to int) int { return (v + to - 1) &^ (to - 1) }

const magic = "WCMP"
const wireVersion = 1

// Serialize encodes img per spec.md §6's bit-exact persisted layout.
func Serialize(img *Image) []byte {
	var b []byte
	b = append(b, magic...)
	b = appendU32(b, wireVersion)
	b = appendU32(b, img.ISAID)
	b = appendU32(b, img.Flags)
	b = appendU64(b, uint64(len(img.Text)))
	b = append(b, img.Text...)

	b = appendU32(b, uint32(len(img.Relocations)))
	for _, r := range img.Relocations {
		b = appendU32(b, uint32(r.Offset))
		b = append(b, byte(r.Kind))
		b = appendU32(b, r.Symbol)
		b = appendI32(b, int32(r.Addend))
	}

	b = appendU32(b, uint32(len(img.TrapSites)))
	for _, t := range img.TrapSites {
		b = appendU32(b, uint32(t.Offset))
		b = append(b, t.Reason)
	}

	b = appendU32(b, uint32(len(img.Unwind)))
	b = append(b, img.Unwind...)
	return b
}

// Deserialize decodes a previously Serialize'd image, rebuilding
// EntryOffsets from the decoded Unwind section (see Image.EntryOffsets).
func Deserialize(b []byte) (*Image, error) {
	r := &reader{b: b}
	var hdr [4]byte
	if !r.bytes(hdr[:]) || string(hdr[:]) != magic {
		return nil, fmt.Errorf("codebuffer: bad magic")
	}
	version, ok := r.u32()
	if !ok {
		return nil, fmt.Errorf("codebuffer: truncated header")
	}
	if version != wireVersion {
		return nil, fmt.Errorf("codebuffer: unsupported version %d", version)
	}
	img := &Image{}
	var ok2 bool
	if img.ISAID, ok2 = r.u32(); !ok2 {
		return nil, fmt.Errorf("codebuffer: truncated header")
	}
	if img.Flags, ok2 = r.u32(); !ok2 {
		return nil, fmt.Errorf("codebuffer: truncated header")
	}
	textSize, ok3 := r.u64()
	if !ok3 {
		return nil, fmt.Errorf("codebuffer: truncated header")
	}
	img.Text = make([]byte, textSize)
	if !r.bytes(img.Text) {
		return nil, fmt.Errorf("codebuffer: truncated text (want %d bytes)", textSize)
	}

	relocCount, ok4 := r.u32()
	if !ok4 {
		return nil, fmt.Errorf("codebuffer: truncated reloc count")
	}
	img.Relocations = make([]Reloc, relocCount)
	for i := range img.Relocations {
		off, o1 := r.u32()
		kind, o2 := r.u8()
		sym, o3 := r.u32()
		addend, o4 := r.i32()
		if !o1 || !o2 || !o3 || !o4 {
			return nil, fmt.Errorf("codebuffer: truncated relocation %d", i)
		}
		img.Relocations[i] = Reloc{Offset: int(off), Kind: backend.RelocKind(kind), Symbol: sym, Addend: int64(addend)}
	}

	trapCount, ok5 := r.u32()
	if !ok5 {
		return nil, fmt.Errorf("codebuffer: truncated trap count")
	}
	img.TrapSites = make([]Trap, trapCount)
	for i := range img.TrapSites {
		off, o1 := r.u32()
		reason, o2 := r.u8()
		if !o1 || !o2 {
			return nil, fmt.Errorf("codebuffer: truncated trap site %d", i)
		}
		img.TrapSites[i] = Trap{Offset: int(off), Reason: reason}
	}

	unwindSize, ok6 := r.u32()
	if !ok6 {
		return nil, fmt.Errorf("codebuffer: truncated unwind size")
	}
	img.Unwind = make([]byte, unwindSize)
	if !r.bytes(img.Unwind) {
		return nil, fmt.Errorf("codebuffer: truncated unwind section (want %d bytes)", unwindSize)
	}

	entryOffsets, _, err := decodeUnwind(img.Unwind)
	if err != nil {
		return nil, err
	}
	img.EntryOffsets = entryOffsets
	return img, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI32(b []byte, v int32) []byte { return appendU32(b, uint32(v)) }

type reader struct {
	b   []byte
	pos int
}

func (r *reader) bytes(dst []byte) bool {
	if len(r.b)-r.pos < len(dst) {
		return false
	}
	copy(dst, r.b[r.pos:])
	r.pos += len(dst)
	return true
}

func (r *reader) u8() (byte, bool) {
	if len(r.b)-r.pos < 1 {
		return 0, false
	}
	v := r.b[r.pos]
	r.pos++
	return v, true
}

func (r *reader) u32() (uint32, bool) {
	if len(r.b)-r.pos < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, true
}

func (r *reader) i32() (int32, bool) {
	v, ok := r.u32()
	return int32(v), ok
}

func (r *reader) u64() (uint64, bool) {
	if len(r.b)-r.pos < 8 {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, true
}
