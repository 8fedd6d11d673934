package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ignitewasm/ignite/internal/leb128"
)

// ErrInvalidWasm is the sentinel wrapped by every structural decode
// error. It corresponds to spec.md §7's CompileError.InvalidWasm.
var ErrInvalidWasm = fmt.Errorf("invalid wasm binary")

const (
	wasmMagic   = uint32(0x6d736100) // "\0asm" (00 61 73 6d) read as a little-endian u32; Decode compares the four bytes directly.
	wasmVersion = uint32(1)
)

type sectionID byte

const (
	sectionCustom sectionID = iota
	sectionType
	sectionImport
	sectionFunction
	sectionTable
	sectionMemory
	sectionGlobal
	sectionExport
	sectionStart
	sectionElement
	sectionCode
	sectionData
)

// Decode parses a binary-format WebAssembly module. It assumes the
// input already passed upstream semantic validation; it only performs
// the structural checks necessary to decode without panicking.
func Decode(r io.Reader) (*Module, error) {
	br := bufReader{r: r}

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrInvalidWasm, err)
	}
	if !bytes.Equal(magic[:], []byte{0x00, 0x61, 0x73, 0x6d}) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidWasm)
	}
	var version [4]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrInvalidWasm, err)
	}
	if binary.LittleEndian.Uint32(version[:]) != wasmVersion {
		return nil, fmt.Errorf("%w: unsupported version %x", ErrInvalidWasm, version)
	}

	m := &Module{}
	for {
		id, ok, err := br.readByteOK()
		if err != nil {
			return nil, fmt.Errorf("%w: reading section id: %v", ErrInvalidWasm, err)
		}
		if !ok {
			break
		}
		size, err := leb128.DecodeUint32(&br)
		if err != nil {
			return nil, fmt.Errorf("%w: reading section size: %v", ErrInvalidWasm, err)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: reading section payload: %v", ErrInvalidWasm, err)
		}
		if err := decodeSection(m, sectionID(id), payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// bufReader adapts an io.Reader to io.ByteReader for the LEB128 codec.
type bufReader struct {
	r    io.Reader
	one  [1]byte
}

func (b *bufReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.one[:]); err != nil {
		return 0, err
	}
	return b.one[0], nil
}

func (b *bufReader) readByteOK() (byte, bool, error) {
	n, err := b.r.Read(b.one[:])
	if n == 0 {
		if err == io.EOF {
			return 0, false, nil
		}
		return 0, false, err
	}
	return b.one[0], true, nil
}

func decodeSection(m *Module, id sectionID, payload []byte) error {
	r := bytes.NewReader(payload)
	switch id {
	case sectionCustom:
		return decodeCustomSection(m, r)
	case sectionType:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.TypeSection = make([]FunctionType, n)
		for i := range m.TypeSection {
			ft, err := decodeFuncType(r)
			if err != nil {
				return err
			}
			m.TypeSection[i] = ft
		}
	case sectionImport:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.ImportSection = make([]Import, n)
		for i := range m.ImportSection {
			imp, err := decodeImport(r)
			if err != nil {
				return err
			}
			m.ImportSection[i] = imp
		}
	case sectionFunction:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.FunctionSection = make([]Index, n)
		for i := range m.FunctionSection {
			v, err := leb128.DecodeUint32(r)
			if err != nil {
				return err
			}
			m.FunctionSection[i] = v
		}
	case sectionTable:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.TableSection = make([]TableType, n)
		for i := range m.TableSection {
			tt, err := decodeTableType(r)
			if err != nil {
				return err
			}
			m.TableSection[i] = tt
		}
	case sectionMemory:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.MemorySection = make([]MemoryType, n)
		for i := range m.MemorySection {
			lim, err := decodeLimits(r)
			if err != nil {
				return err
			}
			m.MemorySection[i] = MemoryType{Lim: lim}
		}
	case sectionGlobal:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.GlobalSection = make([]GlobalInit, n)
		for i := range m.GlobalSection {
			gt, err := decodeGlobalType(r)
			if err != nil {
				return err
			}
			ce, err := decodeConstExpr(r)
			if err != nil {
				return err
			}
			m.GlobalSection[i] = GlobalInit{Type: gt, Expr: ce}
		}
	case sectionExport:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.ExportSection = make([]Export, n)
		for i := range m.ExportSection {
			e, err := decodeExport(r)
			if err != nil {
				return err
			}
			m.ExportSection[i] = e
		}
	case sectionStart:
		v, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		m.StartSection = v
		m.HasStart = true
	case sectionElement:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.ElementSection = make([]ElementSegment, n)
		for i := range m.ElementSection {
			es, err := decodeElementSegment(r)
			if err != nil {
				return err
			}
			m.ElementSection[i] = es
		}
	case sectionCode:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.CodeSection = make([]Code, n)
		for i := range m.CodeSection {
			c, err := decodeCode(r)
			if err != nil {
				return err
			}
			m.CodeSection[i] = c
		}
	case sectionData:
		n, err := readU32Count(r)
		if err != nil {
			return err
		}
		m.DataSection = make([]DataSegment, n)
		for i := range m.DataSection {
			d, err := decodeDataSegment(r)
			if err != nil {
				return err
			}
			m.DataSection[i] = d
		}
	default:
		return fmt.Errorf("%w: unknown section id %d", ErrInvalidWasm, id)
	}
	return nil
}

func readU32Count(r *bytes.Reader) (uint32, error) {
	return leb128.DecodeUint32(r)
}

func decodeValueType(r *bytes.Reader) (ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: reading value type: %v", ErrInvalidWasm, err)
	}
	switch ValueType(b) {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeV128, ValueTypeFuncref, ValueTypeExtRef:
		return ValueType(b), nil
	default:
		return 0, fmt.Errorf("%w: unknown value type 0x%x", ErrInvalidWasm, b)
	}
}

func decodeFuncType(r *bytes.Reader) (FunctionType, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return FunctionType{}, err
	}
	if tag != 0x60 {
		return FunctionType{}, fmt.Errorf("%w: expected func type tag 0x60, got 0x%x", ErrInvalidWasm, tag)
	}
	pn, err := readU32Count(r)
	if err != nil {
		return FunctionType{}, err
	}
	params := make([]ValueType, pn)
	for i := range params {
		if params[i], err = decodeValueType(r); err != nil {
			return FunctionType{}, err
		}
	}
	rn, err := readU32Count(r)
	if err != nil {
		return FunctionType{}, err
	}
	results := make([]ValueType, rn)
	for i := range results {
		if results[i], err = decodeValueType(r); err != nil {
			return FunctionType{}, err
		}
	}
	return FunctionType{Params: params, Results: results}, nil
}

func decodeName(r *bytes.Reader) (string, error) {
	n, err := readU32Count(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: reading name: %v", ErrInvalidWasm, err)
	}
	return string(buf), nil
}

func decodeLimits(r *bytes.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := leb128.DecodeUint32(r)
	if err != nil {
		return Limits{}, err
	}
	lim := Limits{Min: min, Shared: flags&0x2 != 0}
	if flags&0x1 != 0 {
		max, err := leb128.DecodeUint32(r)
		if err != nil {
			return Limits{}, err
		}
		lim.Max, lim.HasMax = max, true
	}
	return lim, nil
}

func decodeTableType(r *bytes.Reader) (TableType, error) {
	et, err := decodeValueType(r)
	if err != nil {
		return TableType{}, err
	}
	lim, err := decodeLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: et, Lim: lim}, nil
}

func decodeGlobalType(r *bytes.Reader) (GlobalType, error) {
	vt, err := decodeValueType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func decodeImport(r *bytes.Reader) (Import, error) {
	mod, err := decodeName(r)
	if err != nil {
		return Import{}, err
	}
	name, err := decodeName(r)
	if err != nil {
		return Import{}, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return Import{}, err
	}
	imp := Import{Module: mod, Name: name, Kind: ImportKind(kind)}
	switch imp.Kind {
	case ImportKindFunc:
		v, err := leb128.DecodeUint32(r)
		if err != nil {
			return Import{}, err
		}
		imp.DescFunc = v
	case ImportKindTable:
		tt, err := decodeTableType(r)
		if err != nil {
			return Import{}, err
		}
		imp.DescTable = tt
	case ImportKindMemory:
		lim, err := decodeLimits(r)
		if err != nil {
			return Import{}, err
		}
		imp.DescMem = MemoryType{Lim: lim}
	case ImportKindGlobal:
		gt, err := decodeGlobalType(r)
		if err != nil {
			return Import{}, err
		}
		imp.DescGlobal = gt
	default:
		return Import{}, fmt.Errorf("%w: unknown import kind %d", ErrInvalidWasm, kind)
	}
	return imp, nil
}

func decodeExport(r *bytes.Reader) (Export, error) {
	name, err := decodeName(r)
	if err != nil {
		return Export{}, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return Export{}, err
	}
	idx, err := leb128.DecodeUint32(r)
	if err != nil {
		return Export{}, err
	}
	return Export{Name: name, Kind: ImportKind(kind), Index: idx}, nil
}

// constExpr opcodes, restricted to what's legal in an initializer.
const (
	opI32Const  = 0x41
	opI64Const  = 0x42
	opF32Const  = 0x43
	opF64Const  = 0x44
	opGlobalGet = 0x23
	opRefNull   = 0xd0
	opRefFunc   = 0xd2
	opEnd       = 0x0b
)

func decodeConstExpr(r *bytes.Reader) (ConstExpr, error) {
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	ce := ConstExpr{Opcode: op}
	switch op {
	case opI32Const:
		v, err := leb128.DecodeInt32(r)
		if err != nil {
			return ConstExpr{}, err
		}
		ce.ValueI = int64(v)
	case opI64Const:
		v, err := leb128.DecodeInt64(r)
		if err != nil {
			return ConstExpr{}, err
		}
		ce.ValueI = v
	case opF32Const:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return ConstExpr{}, err
		}
		ce.ValueF = uint64(binary.LittleEndian.Uint32(buf[:]))
	case opF64Const:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return ConstExpr{}, err
		}
		ce.ValueF = binary.LittleEndian.Uint64(buf[:])
	case opGlobalGet, opRefFunc:
		v, err := leb128.DecodeUint32(r)
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Index = v
	case opRefNull:
		if _, err := decodeValueType(r); err != nil {
			return ConstExpr{}, err
		}
	default:
		return ConstExpr{}, fmt.Errorf("%w: unsupported const expr opcode 0x%x", ErrInvalidWasm, op)
	}
	end, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	if end != opEnd {
		return ConstExpr{}, fmt.Errorf("%w: const expr missing end opcode", ErrInvalidWasm)
	}
	return ce, nil
}

func decodeElementSegment(r *bytes.Reader) (ElementSegment, error) {
	flags, err := leb128.DecodeUint32(r)
	if err != nil {
		return ElementSegment{}, err
	}
	es := ElementSegment{}
	switch flags {
	case 0:
		off, err := decodeConstExpr(r)
		if err != nil {
			return ElementSegment{}, err
		}
		es.Offset = off
		n, err := readU32Count(r)
		if err != nil {
			return ElementSegment{}, err
		}
		es.Init = make([]Index, n)
		for i := range es.Init {
			if es.Init[i], err = leb128.DecodeUint32(r); err != nil {
				return ElementSegment{}, err
			}
		}
	case 1:
		es.Passive = true
		if _, err := r.ReadByte(); err != nil { // elemkind
			return ElementSegment{}, err
		}
		n, err := readU32Count(r)
		if err != nil {
			return ElementSegment{}, err
		}
		es.Init = make([]Index, n)
		for i := range es.Init {
			if es.Init[i], err = leb128.DecodeUint32(r); err != nil {
				return ElementSegment{}, err
			}
		}
	default:
		return ElementSegment{}, fmt.Errorf("%w: unsupported element segment flags %d", ErrInvalidWasm, flags)
	}
	return es, nil
}

func decodeCode(r *bytes.Reader) (Code, error) {
	size, err := readU32Count(r)
	if err != nil {
		return Code{}, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Code{}, err
	}
	br := bytes.NewReader(body)
	localsGroups, err := readU32Count(br)
	if err != nil {
		return Code{}, err
	}
	var locals []ValueType
	for i := uint32(0); i < localsGroups; i++ {
		count, err := leb128.DecodeUint32(br)
		if err != nil {
			return Code{}, err
		}
		vt, err := decodeValueType(br)
		if err != nil {
			return Code{}, err
		}
		for j := uint32(0); j < count; j++ {
			locals = append(locals, vt)
		}
	}
	rest := body[len(body)-br.Len():]
	return Code{LocalTypes: locals, Body: rest}, nil
}

func decodeDataSegment(r *bytes.Reader) (DataSegment, error) {
	flags, err := leb128.DecodeUint32(r)
	if err != nil {
		return DataSegment{}, err
	}
	d := DataSegment{}
	switch flags {
	case 0:
		off, err := decodeConstExpr(r)
		if err != nil {
			return DataSegment{}, err
		}
		d.Offset = off
	case 1:
		d.Passive = true
	case 2:
		mi, err := leb128.DecodeUint32(r)
		if err != nil {
			return DataSegment{}, err
		}
		d.MemoryIndex = mi
		off, err := decodeConstExpr(r)
		if err != nil {
			return DataSegment{}, err
		}
		d.Offset = off
	default:
		return DataSegment{}, fmt.Errorf("%w: unsupported data segment flags %d", ErrInvalidWasm, flags)
	}
	n, err := readU32Count(r)
	if err != nil {
		return DataSegment{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DataSegment{}, err
	}
	d.Init = buf
	return d, nil
}

func decodeCustomSection(m *Module, r *bytes.Reader) error {
	name, err := decodeName(r)
	if err != nil {
		return err
	}
	if name != "name" {
		return nil // other custom sections are diagnostic-only; ignored.
	}
	ns := &NameSection{FunctionNames: map[Index]string{}}
	for r.Len() > 0 {
		subID, err := r.ReadByte()
		if err != nil {
			break
		}
		size, err := readU32Count(r)
		if err != nil {
			return err
		}
		sub := make([]byte, size)
		if _, err := io.ReadFull(r, sub); err != nil {
			return err
		}
		sr := bytes.NewReader(sub)
		switch subID {
		case 0: // module name
			if n, err := decodeName(sr); err == nil {
				ns.ModuleName = n
			}
		case 1: // function names
			count, err := readU32Count(sr)
			if err != nil {
				continue
			}
			for i := uint32(0); i < count; i++ {
				idx, err := leb128.DecodeUint32(sr)
				if err != nil {
					break
				}
				n, err := decodeName(sr)
				if err != nil {
					break
				}
				ns.FunctionNames[idx] = n
			}
		}
	}
	m.NameSection = ns
	return nil
}

// f32FromBits / f64FromBits are small helpers used by callers
// translating ConstExpr float payloads.
func f32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }
func f64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
