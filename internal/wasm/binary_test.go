package wasm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildAddModule hand-assembles the binary for:
//
//	(module
//	  (func (export "add") (param i32 i32) (result i32)
//	    local.get 0
//	    local.get 1
//	    i32.add))
func buildAddModule(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	// Type section: one type (i32,i32)->i32.
	typeSec := []byte{0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f}
	writeSection(&b, 1, typeSec)

	// Function section: one function using type 0.
	writeSection(&b, 3, []byte{0x01, 0x00})

	// Export section: export func 0 as "add".
	exportSec := []byte{0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00}
	writeSection(&b, 7, exportSec)

	// Code section: one body, no locals, local.get 0, local.get 1, i32.add, end.
	body := []byte{0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}
	codeSec := append([]byte{0x01, byte(len(body))}, body...)
	writeSection(&b, 10, codeSec)

	return b.Bytes()
}

func writeSection(b *bytes.Buffer, id byte, payload []byte) {
	b.WriteByte(id)
	b.Write(uleb(uint32(len(payload))))
	b.Write(payload)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func TestDecodeAddModule(t *testing.T) {
	m, err := Decode(bytes.NewReader(buildAddModule(t)))
	require.NoError(t, err)
	require.Len(t, m.TypeSection, 1)
	require.Equal(t, []ValueType{ValueTypeI32, ValueTypeI32}, m.TypeSection[0].Params)
	require.Equal(t, []ValueType{ValueTypeI32}, m.TypeSection[0].Results)
	require.Len(t, m.FunctionSection, 1)
	require.Equal(t, Index(0), m.FunctionSection[0])
	require.Len(t, m.ExportSection, 1)
	require.Equal(t, "add", m.ExportSection[0].Name)
	require.Len(t, m.CodeSection, 1)
	require.Equal(t, []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}, m.CodeSection[0].Body)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3, 4, 1, 0, 0, 0}))
	require.ErrorIs(t, err, ErrInvalidWasm)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	full := buildAddModule(t)
	_, err := Decode(bytes.NewReader(full[:len(full)-3]))
	require.Error(t, err)
}

func TestTypeOfFunctionWithImports(t *testing.T) {
	m := &Module{
		TypeSection: []FunctionType{{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI32}}},
		ImportSection: []Import{
			{Kind: ImportKindFunc, DescFunc: 0},
		},
		FunctionSection: []Index{0},
	}
	require.NotNil(t, m.TypeOfFunction(0))
	require.NotNil(t, m.TypeOfFunction(1))
	require.Equal(t, Index(1), m.ImportedFunctionCount())
}
