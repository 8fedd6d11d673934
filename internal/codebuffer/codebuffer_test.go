package codebuffer

import (
	"testing"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/stretchr/testify/require"
)

func fn(codeLen int, relocs []backend.Relocation, traps []backend.TrapSite, frameSize int64) *backend.CompiledFunction {
	return &backend.CompiledFunction{
		Code:        make([]byte, codeLen),
		Relocations: relocs,
		TrapSites:   traps,
		Unwind:      backend.UnwindRecord{FrameSize: frameSize, CalleeSavedOffsets: map[byte]int64{}},
	}
}

func TestAssemble_AlignsFunctionsAndRebasesOffsets(t *testing.T) {
	fns := []*backend.CompiledFunction{
		fn(5, nil, []backend.TrapSite{{Offset: 2, Reason: 7}}, 16),
		fn(20, []backend.Relocation{{Offset: 3, Target: 0, Addend: -4}}, nil, 32),
	}
	img := Assemble(fns, 1, 0)

	require.Equal(t, []int{0, 16}, img.EntryOffsets, "the first function is 5 bytes, padded up to the next 16-byte boundary")
	require.Len(t, img.Text, 16+20)
	require.Equal(t, 16+3, img.Relocations[0].Offset, "relocation offset rebased by the second function's base")
	require.Equal(t, 2, img.TrapSites[0].Offset, "trap in the first function is unaffected by later functions")
}

func TestAssemble_PacksFunctionsWithNoPaddingWhenAlreadyAligned(t *testing.T) {
	fns := []*backend.CompiledFunction{fn(16, nil, nil, 8), fn(16, nil, nil, 8)}
	img := Assemble(fns, 1, 0)
	require.Equal(t, []int{0, 16}, img.EntryOffsets)
	require.Len(t, img.Text, 32)
}

func TestSerializeDeserialize_RoundTripsEveryField(t *testing.T) {
	fns := []*backend.CompiledFunction{
		fn(7, []backend.Relocation{{Offset: 1, Target: 2, Kind: backend.RelocFuncPCRel32, Addend: 10}},
			[]backend.TrapSite{{Offset: 3, Reason: byte(9)}}, 24),
		fn(9, nil, []backend.TrapSite{{Offset: 0, Reason: byte(1)}}, 40),
	}
	want := Assemble(fns, 0xCAFEBABE, 0x2A)

	got, err := Deserialize(Serialize(want))
	require.NoError(t, err)

	require.Equal(t, want.ISAID, got.ISAID)
	require.Equal(t, want.Flags, got.Flags)
	require.Equal(t, want.Text, got.Text)
	require.Equal(t, want.Relocations, got.Relocations)
	require.Equal(t, want.TrapSites, got.TrapSites)
	require.Equal(t, want.EntryOffsets, got.EntryOffsets)
}

// TestTrapSites_LocalizeToTheRightFunction checks the property a fault
// handler actually depends on: given only a faulting Text offset, the
// trap site recovered at that offset must belong to the function that
// was really executing there, never a neighbor shifted by alignment
// padding.
func TestTrapSites_LocalizeToTheRightFunction(t *testing.T) {
	fns := []*backend.CompiledFunction{
		fn(1, nil, []backend.TrapSite{{Offset: 0, Reason: 1}}, 8),          // padded to 16
		fn(18, nil, []backend.TrapSite{{Offset: 17, Reason: 2}}, 8),        // padded to 32
		fn(4, nil, []backend.TrapSite{{Offset: 3, Reason: 3}}, 8),
	}
	img := Assemble(fns, 1, 0)

	byOffset := map[int]byte{}
	for _, tr := range img.TrapSites {
		byOffset[tr.Offset] = tr.Reason
	}
	require.Equal(t, byte(1), byOffset[img.EntryOffsets[0]+0])
	require.Equal(t, byte(2), byOffset[img.EntryOffsets[1]+17])
	require.Equal(t, byte(3), byOffset[img.EntryOffsets[2]+3])

	roundTripped, err := Deserialize(Serialize(img))
	require.NoError(t, err)
	require.Equal(t, img.TrapSites, roundTripped.TrapSites)
}

func TestDeserialize_RejectsBadMagic(t *testing.T) {
	_, err := Deserialize([]byte("XXXXrestofbytes"))
	require.Error(t, err)
}

func TestDeserialize_RejectsTruncatedInput(t *testing.T) {
	img := Assemble([]*backend.CompiledFunction{fn(16, nil, nil, 8)}, 1, 0)
	full := Serialize(img)
	_, err := Deserialize(full[:len(full)-5])
	require.Error(t, err)
}
