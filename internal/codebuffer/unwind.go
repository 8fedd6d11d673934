package codebuffer

import (
	"encoding/binary"
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
)

// encodeUnwind packs one record per function -- its entry offset into
// Text, its frame size, and its callee-saved register/offset pairs --
// into the single opaque blob Image.Unwind/the wire format's
// "unwind…" section holds. Per-function encoding:
//
//	u64 entry_offset, u64 frame_size, u16 callee_saved_count,
//	callee_saved_count * { u8 reg, i64 offset }
func encodeUnwind(entryOffsets []int, records []backend.UnwindRecord) []byte {
	var b []byte
	for i, rec := range records {
		b = appendU64(b, uint64(entryOffsets[i]))
		b = appendU64(b, uint64(rec.FrameSize))
		b = append(b, 0, 0) // placeholder, filled below
		countOff := len(b) - 2
		count := 0
		for reg, off := range rec.CalleeSavedOffsets {
			b = append(b, reg)
			b = append(b, encodeI64(off)...)
			count++
		}
		binary.LittleEndian.PutUint16(b[countOff:], uint16(count))
	}
	return b
}

func encodeI64(v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return tmp[:]
}

// decodeUnwind is encodeUnwind's inverse, returning each function's
// entry offset (in record order, i.e. by locally-defined function
// index) and its full UnwindRecord.
func decodeUnwind(b []byte) ([]int, []backend.UnwindRecord, error) {
	var offsets []int
	var records []backend.UnwindRecord
	pos := 0
	for pos < len(b) {
		if len(b)-pos < 18 {
			return nil, nil, fmt.Errorf("codebuffer: truncated unwind record header")
		}
		entryOffset := binary.LittleEndian.Uint64(b[pos:])
		frameSize := binary.LittleEndian.Uint64(b[pos+8:])
		count := binary.LittleEndian.Uint16(b[pos+16:])
		pos += 18

		saved := make(map[byte]int64, count)
		for i := uint16(0); i < count; i++ {
			if len(b)-pos < 9 {
				return nil, nil, fmt.Errorf("codebuffer: truncated callee-saved entry")
			}
			reg := b[pos]
			off := int64(binary.LittleEndian.Uint64(b[pos+1:]))
			saved[reg] = off
			pos += 9
		}

		offsets = append(offsets, int(entryOffset))
		records = append(records, backend.UnwindRecord{FrameSize: int64(frameSize), CalleeSavedOffsets: saved})
	}
	return offsets, records, nil
}
