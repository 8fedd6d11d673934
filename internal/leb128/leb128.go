// Package leb128 implements the variable-length integer encoding used
// throughout the WebAssembly binary format.
package leb128

import (
	"fmt"
	"io"
)

// EncodeInt32 encodes v as a signed LEB128 byte sequence.
func EncodeInt32(v int32) []byte {
	return encodeSigned(int64(v))
}

// EncodeInt64 encodes v as a signed LEB128 byte sequence.
func EncodeInt64(v int64) []byte {
	return encodeSigned(v)
}

// EncodeUint32 encodes v as an unsigned LEB128 byte sequence.
func EncodeUint32(v uint32) []byte {
	return encodeUnsigned(uint64(v))
}

// EncodeUint64 encodes v as an unsigned LEB128 byte sequence.
func EncodeUint64(v uint64) []byte {
	return encodeUnsigned(v)
}

func encodeSigned(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

func encodeUnsigned(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// LoadInt32 decodes a signed 32-bit LEB128 value from buf, returning the
// value, the number of bytes consumed, and an error if buf is malformed.
func LoadInt32(buf []byte) (int32, uint64, error) {
	v, n, err := loadSigned(buf, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed 64-bit LEB128 value from buf.
func LoadInt64(buf []byte) (int64, uint64, error) {
	return loadSigned(buf, 64)
}

// LoadUint32 decodes an unsigned 32-bit LEB128 value from buf.
func LoadUint32(buf []byte) (uint32, uint64, error) {
	v, n, err := loadUnsigned(buf, 32)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned 64-bit LEB128 value from buf.
func LoadUint64(buf []byte) (uint64, uint64, error) {
	return loadUnsigned(buf, 64)
}

func loadSigned(buf []byte, width uint) (int64, uint64, error) {
	var result int64
	var shift uint
	var n uint64
	for {
		if int(n) >= len(buf) {
			return 0, n, io.ErrUnexpectedEOF
		}
		b := buf[n]
		n++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < width && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, n, nil
		}
		if shift >= 64 {
			return 0, n, fmt.Errorf("leb128: signed value overflows %d bits", width)
		}
	}
}

func loadUnsigned(buf []byte, width uint) (uint64, uint64, error) {
	var result uint64
	var shift uint
	var n uint64
	for {
		if int(n) >= len(buf) {
			return 0, n, io.ErrUnexpectedEOF
		}
		b := buf[n]
		n++
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return result, n, nil
		}
		if shift >= 64 {
			return 0, n, fmt.Errorf("leb128: unsigned value overflows %d bits", width)
		}
	}
}

// DecodeUint32 reads an unsigned 32-bit LEB128 value from r.
func DecodeUint32(r io.ByteReader) (uint32, error) {
	v, err := decodeUnsignedReader(r, 32)
	return uint32(v), err
}

// DecodeUint64 reads an unsigned 64-bit LEB128 value from r.
func DecodeUint64(r io.ByteReader) (uint64, error) {
	return decodeUnsignedReader(r, 64)
}

// DecodeInt32 reads a signed 32-bit LEB128 value from r.
func DecodeInt32(r io.ByteReader) (int32, error) {
	v, err := decodeSignedReader(r, 32)
	return int32(v), err
}

// DecodeInt64 reads a signed 64-bit LEB128 value from r.
func DecodeInt64(r io.ByteReader) (int64, error) {
	return decodeSignedReader(r, 64)
}

func decodeUnsignedReader(r io.ByteReader, width uint) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return result, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("leb128: unsigned value overflows %d bits", width)
		}
	}
}

func decodeSignedReader(r io.ByteReader, width uint) (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < width && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("leb128: signed value overflows %d bits", width)
		}
	}
}
