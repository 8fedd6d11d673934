// Package wasm holds the in-memory representation of a decoded
// WebAssembly binary module, and the decoder that produces it.
//
// This package assumes its input already passed upstream validation
// (spec.md §4.4): it performs only the structural checks needed to
// avoid panicking on truncated or malformed byte streams, not full
// Wasm validation (stack typing, import/export name uniqueness, etc).
package wasm

// ValueType is the binary encoding of a WebAssembly value type.
type ValueType byte

const (
	ValueTypeI32     ValueType = 0x7f
	ValueTypeI64     ValueType = 0x7e
	ValueTypeF32     ValueType = 0x7d
	ValueTypeF64     ValueType = 0x7c
	ValueTypeV128    ValueType = 0x7b
	ValueTypeFuncref ValueType = 0x70
	ValueTypeExtRef  ValueType = 0x6f
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExtRef:
		return "externref"
	default:
		return "unknown"
	}
}

// Index is a zero-based index into one of a module's index spaces.
type Index = uint32

// FunctionType is a Wasm function signature.
type FunctionType struct {
	Params, Results []ValueType
}

// Limits describes the min/max bounds of a table or memory.
type Limits struct {
	Min     uint32
	Max     uint32
	HasMax  bool
	Shared  bool
}

// TableType describes a table.
type TableType struct {
	ElemType ValueType
	Lim      Limits
}

// MemoryType describes a linear memory, expressed in 64KiB pages.
type MemoryType struct {
	Lim Limits
}

// GlobalType describes a global variable.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Import describes one imported entity.
type Import struct {
	Module, Name string
	Kind         ImportKind
	// DescFunc indexes TypeSection when Kind == ImportKindFunc.
	DescFunc   Index
	DescTable  TableType
	DescMem    MemoryType
	DescGlobal GlobalType
}

// ImportKind distinguishes the four importable entity kinds.
type ImportKind byte

const (
	ImportKindFunc ImportKind = iota
	ImportKindTable
	ImportKindMemory
	ImportKindGlobal
)

// Export describes one exported entity.
type Export struct {
	Name  string
	Kind  ImportKind
	Index Index
}

// GlobalInit is a global's initializer: a constant expression.
type GlobalInit struct {
	Type  GlobalType
	Expr  ConstExpr
}

// ConstExpr is a restricted constant expression: a single instruction
// producing a value (i32.const, i64.const, f32.const, f64.const,
// global.get, ref.null, ref.func), as permitted for initializers.
type ConstExpr struct {
	Opcode byte
	ValueI int64
	ValueF uint64
	Index  Index // for global.get / ref.func
}

// ElementSegment initializes a range of a table with function indices.
type ElementSegment struct {
	TableIndex Index
	Offset     ConstExpr
	Init       []Index
	Passive    bool
	Declarative bool
}

// DataSegment initializes a range of linear memory.
type DataSegment struct {
	MemoryIndex Index
	Offset      ConstExpr
	Init        []byte
	Passive     bool
}

// Code is the decoded function body: declared locals plus raw
// instruction bytes, handed to the frontend translator unparsed.
type Code struct {
	LocalTypes []ValueType
	Body       []byte
}

// Module is the fully decoded form of a WebAssembly binary module.
type Module struct {
	TypeSection   []FunctionType
	ImportSection []Import

	// FunctionSection maps a defined (non-imported) function's index
	// (offset by the number of imported functions) to its signature
	// index in TypeSection.
	FunctionSection []Index
	TableSection    []TableType
	MemorySection   []MemoryType
	GlobalSection   []GlobalInit
	ExportSection   []Export

	StartSection    Index
	HasStart        bool

	ElementSection []ElementSegment
	CodeSection    []Code
	DataSection    []DataSegment

	// NameSection holds the optional custom "name" section, used only
	// for diagnostics (trap stack traces, Format() debug output).
	NameSection *NameSection
}

// NameSection is the subset of the custom "name" section this module
// cares about: the module name and per-function names, for diagnostics.
type NameSection struct {
	ModuleName    string
	FunctionNames map[Index]string
}

// ImportedFunctionCount returns the number of functions imported
// (these occupy the low indices of the function index space).
func (m *Module) ImportedFunctionCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Kind == ImportKindFunc {
			n++
		}
	}
	return
}

// ImportedMemoryCount returns the number of imported memories.
func (m *Module) ImportedMemoryCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Kind == ImportKindMemory {
			n++
		}
	}
	return
}

// ImportedTableCount returns the number of imported tables.
func (m *Module) ImportedTableCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Kind == ImportKindTable {
			n++
		}
	}
	return
}

// ImportedGlobalCount returns the number of imported globals.
func (m *Module) ImportedGlobalCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Kind == ImportKindGlobal {
			n++
		}
	}
	return
}

// TypeOfFunction resolves the FunctionType of the function at the
// given index in the combined (imports + defined) function index space.
func (m *Module) TypeOfFunction(idx Index) *FunctionType {
	importedCount := m.ImportedFunctionCount()
	if idx < importedCount {
		var seen Index
		for _, imp := range m.ImportSection {
			if imp.Kind != ImportKindFunc {
				continue
			}
			if seen == idx {
				return &m.TypeSection[imp.DescFunc]
			}
			seen++
		}
		return nil
	}
	defIdx := idx - importedCount
	if int(defIdx) >= len(m.FunctionSection) {
		return nil
	}
	return &m.TypeSection[m.FunctionSection[defIdx]]
}

// FunctionName returns a debug name for the function at idx, falling
// back to a synthesized "func[n]" when no name section entry exists.
func (m *Module) FunctionName(idx Index) string {
	if m.NameSection != nil {
		if n, ok := m.NameSection.FunctionNames[idx]; ok {
			return n
		}
	}
	return indexName("func", idx)
}

func indexName(prefix string, idx Index) string {
	return prefix + "[" + itoa(idx) + "]"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
