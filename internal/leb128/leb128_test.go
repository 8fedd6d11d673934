package leb128

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeInt32(t *testing.T) {
	for _, c := range []struct {
		input    int32
		expected []byte
	}{
		{input: -165675008, expected: []byte{0x80, 0x80, 0x80, 0xb1, 0x7f}},
		{input: -624485, expected: []byte{0x9b, 0xf1, 0x59}},
		{input: -16256, expected: []byte{0x80, 0x81, 0x7f}},
		{input: -4, expected: []byte{0x7c}},
		{input: -1, expected: []byte{0x7f}},
		{input: 0, expected: []byte{0x00}},
		{input: 1, expected: []byte{0x01}},
		{input: 4, expected: []byte{0x04}},
		{input: 16256, expected: []byte{0x80, 0xff, 0x0}},
		{input: 624485, expected: []byte{0xe5, 0x8e, 0x26}},
		{input: 165675008, expected: []byte{0x80, 0x80, 0x80, 0xcf, 0x0}},
		{input: int32(math.MaxInt32), expected: []byte{0xff, 0xff, 0xff, 0xff, 0x7}},
	} {
		require.Equal(t, c.expected, EncodeInt32(c.input))
		decoded, n, err := LoadInt32(c.expected)
		require.NoError(t, err)
		require.Equal(t, c.input, decoded)
		require.Equal(t, uint64(len(c.expected)), n)
	}
}

func TestEncodeDecodeInt64(t *testing.T) {
	for _, c := range []int64{
		0, 1, -1, 4, -4, math.MaxInt64, math.MinInt64, 624485, -624485,
	} {
		enc := EncodeInt64(c)
		decoded, n, err := LoadInt64(enc)
		require.NoError(t, err)
		require.Equal(t, c, decoded)
		require.Equal(t, uint64(len(enc)), n)
	}
}

func TestEncodeDecodeUint32(t *testing.T) {
	for _, c := range []uint32{0, 1, 127, 128, 16384, math.MaxUint32} {
		enc := EncodeUint32(c)
		decoded, n, err := LoadUint32(enc)
		require.NoError(t, err)
		require.Equal(t, c, decoded)
		require.Equal(t, uint64(len(enc)), n)
	}
}

func TestDecodeReaderMatchesLoad(t *testing.T) {
	enc := EncodeUint64(123456789)
	r := bytes.NewReader(enc)
	v, err := DecodeUint64(r)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), v)
}

func TestLoadTruncatedErrors(t *testing.T) {
	_, _, err := LoadUint32([]byte{0x80, 0x80})
	require.Error(t, err)
}
