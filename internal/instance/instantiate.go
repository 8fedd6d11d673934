// instantiate.go implements C9's other half: turning an already-
// compiled, already-linked CompiledModule into a running Instance --
// allocating memories/tables/globals, resolving imports, copying
// data/element segments, and running the start function, in the order
// spec.md §4.9 lays out. A failure at any step releases whatever this
// call itself allocated and returns no Instance at all.
//
// Grounded on the teacher's wazevo module_engine.go (a moduleInstance
// holding resolved memory/table/global instances plus the
// moduleContextOpaque compiled code addresses) and its instantiation
// sequence in engine.go (allocate, resolve imports, run active element
// and data segments, run _start).
package instance

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ignitewasm/ignite/api"
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/hostcall"
	"github.com/ignitewasm/ignite/internal/trap"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// constExpr opcodes legal in the restricted initializers
// wasm.ConstExpr carries. Mirrors internal/wasm/binary.go's own
// unexported set; duplicated here rather than exported from wasm since
// evaluating one is this package's job, not the decoder's.
const (
	opI32Const  = 0x41
	opI64Const  = 0x42
	opF32Const  = 0x43
	opF64Const  = 0x44
	opGlobalGet = 0x23
	opRefNull   = 0xd0
	opRefFunc   = 0xd2
)

// Import is one binding an embedder supplies to satisfy a single
// module.name import, resolved as spec.md §4.9's "import bindings"
// step before Instantiate allocates anything the import itself doesn't
// already provide.
type Import struct {
	Module, Name string
	Kind         wasm.ImportKind

	// Func backs a function import: flattened i64/f64-bit-pattern
	// parameter/result slots, the same convention internal/hostcall's
	// dispatch and internal/trap.Call's paramResult both use.
	Func func(params []uint64) []uint64

	// Memory/Table back memory/table imports, and are installed
	// exactly as given (not copied) -- typically another instance's own
	// Export, so writes through one instance are visible through the
	// other, the reason spec.md describes these as shared regions
	// rather than by-value bindings.
	Memory *Memory
	Table  *Table

	// Global backs a global import: its value at the moment
	// Instantiate runs, as a flattened i64/f64 bit pattern. Unlike
	// Memory/Table this is a one-time snapshot, not a live binding --
	// see DESIGN.md on why cross-instance mutable global aliasing is
	// out of scope.
	Global uint64
}

// Global is one instantiated global variable, addressed through the
// instance's module context buffer the same way compiled code reads
// and writes it via OpcodeGlobalGet/OpcodeGlobalSet.
type Global struct {
	typ wasm.GlobalType
	ctx []byte
	off cctx.Offset
}

// Get returns the global's current flattened value.
func (g *Global) Get() uint64 { return binary.LittleEndian.Uint64(g.ctx[g.off:]) }

// Set overwrites a mutable global's value. Panics on an immutable
// global: spec.md §4.4 scopes full validation out of this repo, so
// this is the one remaining point that distinction would otherwise go
// unchecked.
func (g *Global) Set(v uint64) {
	if !g.typ.Mutable {
		panic("instance: write to immutable global")
	}
	binary.LittleEndian.PutUint64(g.ctx[g.off:], v)
}

// Function is one callable export or import-resolved function: a
// signature plus the two code addresses internal/trap.Call needs to
// cross into it.
type Function struct {
	inst         *Instance
	sig          wasm.Index // TypeSection index
	preambleAddr unsafe.Pointer
	targetAddr   unsafe.Pointer
}

// Call invokes the function, marshaling paramResult in place exactly
// as internal/trap.Call documents: sig.Params on entry, overwritten
// with sig.Results on a normal return.
func (f *Function) Call(paramResult []uint64) *api.Trap {
	t := trap.Call(f.preambleAddr, f.targetAddr, unsafe.Pointer(&f.inst.ctx[0]), paramResult, f.inst.symbolicate)
	// f.inst (and so its ctx buffer) must outlive the call: compiled
	// code addresses ctx directly through ModuleCtxReg, not through any
	// Go value the runtime's own liveness analysis would see.
	runtime.KeepAlive(f.inst)
	return t
}

// ParamCount/ResultCount report the function's arity, so a caller can
// size paramResult correctly before Call.
func (f *Function) ParamCount() int  { return len(f.inst.cm.Sigs[f.sig].Params) }
func (f *Function) ResultCount() int { return len(f.inst.cm.Sigs[f.sig].Results) }

// Export is one value an instance publishes under an export name, with
// exactly one of Func/Memory/Table/Global populated according to Kind.
type Export struct {
	Kind   wasm.ImportKind
	Func   *Function
	Memory *Memory
	Table  *Table
	Global *Global
}

// Instance is one running instantiation of a CompiledModule.
type Instance struct {
	cm *CompiledModule

	// ctx is the module context buffer itself (internal/cctx's layout
	// materialized as bytes): HostTable, MemoryBase/Len, the dense
	// globals array, and the dense table-descriptor array all live
	// inline in one allocation, addressed by cm.Layout's offsets.
	ctx []byte

	memory  *Memory
	ownsMem bool
	tables  []*Table
	globals []*Global

	hostHandle uint64
}

// Instantiate builds a running Instance from cm.
func Instantiate(cm *CompiledModule, imports []Import) (*Instance, error) {
	inst := &Instance{cm: cm, ctx: make([]byte, cm.Layout.TotalSize)}
	if err := instantiate(inst, cm.Module, imports); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

func instantiate(inst *Instance, mod *wasm.Module, imports []Import) error {
	cm := inst.cm

	// --- memory: at most one, per cctx.ModuleContextLayout's single
	// base/len pair (spec.md §4.9's "a set of linear-memory regions",
	// narrowed in SPEC_FULL.md's amd64/Linux concretization to exactly
	// one -- see DESIGN.md). ---
	if mod.ImportedMemoryCount() > 0 {
		for _, imp := range mod.ImportSection {
			if imp.Kind != wasm.ImportKindMemory {
				continue
			}
			src, err := findImport(imports, imp)
			if err != nil {
				return err
			}
			if src.Memory == nil {
				return fmt.Errorf("instance: import %s.%s: no memory supplied", imp.Module, imp.Name)
			}
			inst.memory = src.Memory
		}
	} else if len(mod.MemorySection) > 0 {
		mem, err := NewMemory(mod.MemorySection[0].Lim.Min)
		if err != nil {
			return fmt.Errorf("instance: allocating memory: %w", err)
		}
		inst.memory = mem
		inst.ownsMem = true
	}
	if inst.memory != nil {
		binary.LittleEndian.PutUint64(inst.ctx[cm.Layout.MemoryBase:], uint64(inst.memory.Base()))
		binary.LittleEndian.PutUint64(inst.ctx[cm.Layout.MemoryLen:], uint64(inst.memory.Len()))
	}

	// --- tables: imported first (combined index space), then one per
	// TableSection entry. ---
	numImportedTables := mod.ImportedTableCount()
	inst.tables = make([]*Table, numImportedTables+uint32(len(mod.TableSection)))
	{
		var seen uint32
		for _, imp := range mod.ImportSection {
			if imp.Kind != wasm.ImportKindTable {
				continue
			}
			src, err := findImport(imports, imp)
			if err != nil {
				return err
			}
			if src.Table == nil {
				return fmt.Errorf("instance: import %s.%s: no table supplied", imp.Module, imp.Name)
			}
			inst.tables[seen] = src.Table
			seen++
		}
	}
	for i, tt := range mod.TableSection {
		inst.tables[numImportedTables+uint32(i)] = NewTable(tt.Lim.Min)
	}
	for i, t := range inst.tables {
		descOff := cm.Layout.TableDescriptorOffset(uint32(i))
		binary.LittleEndian.PutUint64(inst.ctx[descOff:], uint64(t.Base()))
		binary.LittleEndian.PutUint32(inst.ctx[descOff+8:], t.Len())
	}

	// --- globals: every index (imported or defined) gets a ctx slot up
	// front, so a later global.get initializer can read an
	// already-resolved import regardless of which loop populated it. ---
	numImportedGlobals := mod.ImportedGlobalCount()
	inst.globals = make([]*Global, numImportedGlobals+uint32(len(mod.GlobalSection)))
	for i := range inst.globals {
		inst.globals[i] = &Global{ctx: inst.ctx, off: cm.Layout.GlobalOffset(uint32(i))}
	}
	{
		var seen uint32
		for _, imp := range mod.ImportSection {
			if imp.Kind != wasm.ImportKindGlobal {
				continue
			}
			src, err := findImport(imports, imp)
			if err != nil {
				return err
			}
			g := inst.globals[seen]
			g.typ = imp.DescGlobal
			binary.LittleEndian.PutUint64(inst.ctx[g.off:], src.Global)
			seen++
		}
	}
	for i, gi := range mod.GlobalSection {
		g := inst.globals[numImportedGlobals+uint32(i)]
		g.typ = gi.Type
		v, err := evalGlobalInit(inst, gi.Expr)
		if err != nil {
			return fmt.Errorf("instance: global %d initializer: %w", numImportedGlobals+uint32(i), err)
		}
		binary.LittleEndian.PutUint64(inst.ctx[g.off:], v)
	}

	// --- function imports: one hostcall.Register call over every
	// imported func's closure, installed at the module context's
	// HostTable slot so an import thunk can reach it (internal/hostcall,
	// internal/backend/isa/amd64's CompileImportThunk). ---
	var hostFns []hostcall.Func
	for _, imp := range mod.ImportSection {
		if imp.Kind != wasm.ImportKindFunc {
			continue
		}
		src, err := findImport(imports, imp)
		if err != nil {
			return err
		}
		if src.Func == nil {
			return fmt.Errorf("instance: import %s.%s: no function supplied", imp.Module, imp.Name)
		}
		hostFns = append(hostFns, hostcall.Func(src.Func))
	}
	if len(hostFns) > 0 {
		inst.hostHandle = hostcall.Register(hostFns)
		binary.LittleEndian.PutUint64(inst.ctx[cm.Layout.HostTable:], inst.hostHandle)
	}

	// --- active element segments. ---
	for si, seg := range mod.ElementSection {
		if seg.Passive || seg.Declarative {
			continue
		}
		if int(seg.TableIndex) >= len(inst.tables) {
			return fmt.Errorf("instance: element segment %d: table %d does not exist", si, seg.TableIndex)
		}
		base, err := evalOffsetExpr(inst, seg.Offset)
		if err != nil {
			return fmt.Errorf("instance: element segment %d: %w", si, err)
		}
		table := inst.tables[seg.TableIndex]
		if uint64(base)+uint64(len(seg.Init)) > uint64(table.Len()) {
			return fmt.Errorf("instance: element segment %d: out of bounds table init (offset %d, count %d, table length %d)",
				si, base, len(seg.Init), table.Len())
		}
		for i, funcIdx := range seg.Init {
			typeIdx, ok := typeIndexOfFunction(mod, funcIdx)
			if !ok {
				return fmt.Errorf("instance: element segment %d: unknown function %d", si, funcIdx)
			}
			table.Set(base+uint32(i), uint64(inst.funcAddr(funcIdx)), typeIdx)
		}
	}

	// --- active data segments. ---
	for si, seg := range mod.DataSection {
		if seg.Passive {
			continue
		}
		if inst.memory == nil {
			return fmt.Errorf("instance: data segment %d: module has no memory", si)
		}
		base, err := evalOffsetExpr(inst, seg.Offset)
		if err != nil {
			return fmt.Errorf("instance: data segment %d: %w", si, err)
		}
		mem := inst.memory.Bytes()
		if uint64(base)+uint64(len(seg.Init)) > uint64(len(mem)) {
			return fmt.Errorf("instance: data segment %d: out of bounds memory init (offset %d, count %d, memory length %d)",
				si, base, len(seg.Init), len(mem))
		}
		copy(mem[base:], seg.Init)
	}

	// --- start function. ---
	if mod.HasStart {
		fn, err := inst.function(mod.StartSection)
		if err != nil {
			return fmt.Errorf("instance: resolving start function: %w", err)
		}
		if t := fn.Call(nil); t != nil {
			return fmt.Errorf("instance: start function trapped: %s", t.Error())
		}
	}

	return nil
}

// Close releases everything this instance itself allocated: its
// registered host-call table, and its memory if this instance (rather
// than an import) owns it. An imported Memory/Table is left alone --
// closing it is the instance that allocated it's responsibility.
func (inst *Instance) Close() error {
	if inst.hostHandle != 0 {
		hostcall.Unregister(inst.hostHandle)
		inst.hostHandle = 0
	}
	if inst.ownsMem && inst.memory != nil {
		err := inst.memory.Close()
		inst.memory = nil
		return err
	}
	return nil
}

// Export resolves name against the module's export section.
func (inst *Instance) Export(name string) (Export, bool) {
	for _, e := range inst.cm.Module.ExportSection {
		if e.Name != name {
			continue
		}
		switch e.Kind {
		case wasm.ImportKindFunc:
			fn, err := inst.function(e.Index)
			if err != nil {
				return Export{}, false
			}
			return Export{Kind: e.Kind, Func: fn}, true
		case wasm.ImportKindMemory:
			return Export{Kind: e.Kind, Memory: inst.memory}, true
		case wasm.ImportKindTable:
			if int(e.Index) >= len(inst.tables) {
				return Export{}, false
			}
			return Export{Kind: e.Kind, Table: inst.tables[e.Index]}, true
		case wasm.ImportKindGlobal:
			if int(e.Index) >= len(inst.globals) {
				return Export{}, false
			}
			return Export{Kind: e.Kind, Global: inst.globals[e.Index]}, true
		}
	}
	return Export{}, false
}

func (inst *Instance) funcAddr(idx wasm.Index) uintptr {
	return inst.cm.exec.FuncAddr(inst.cm.FuncEntryIndex[idx])
}

func (inst *Instance) function(idx wasm.Index) (*Function, error) {
	typeIdx, ok := typeIndexOfFunction(inst.cm.Module, idx)
	if !ok {
		return nil, fmt.Errorf("instance: unknown function %d", idx)
	}
	return &Function{
		inst:         inst,
		sig:          typeIdx,
		preambleAddr: unsafe.Pointer(inst.cm.exec.FuncAddr(inst.cm.PreambleEntryIndex[typeIdx])),
		targetAddr:   unsafe.Pointer(inst.cm.exec.FuncAddr(inst.cm.FuncEntryIndex[idx])),
	}, nil
}

// symbolicate resolves a trapping PC to the single function it falls
// within. It never walks further than that one frame: a raw JIT frame
// underneath it carries no frame-pointer chain a host-side unwinder
// could follow (see DESIGN.md's note on the untracked compiled-code
// stack), so a deeper backtrace is unavailable.
func (inst *Instance) symbolicate(pc uint64) []string {
	if pc == 0 {
		return nil
	}
	name, ok := inst.funcNameForPC(pc)
	if !ok {
		return nil
	}
	return []string{name}
}

func (inst *Instance) funcNameForPC(pc uint64) (string, bool) {
	entries := inst.cm.Image.EntryOffsets
	off := int(pc) - int(inst.cm.exec.Base())
	numFuncs := len(inst.cm.FuncEntryIndex)
	for i := 0; i < numFuncs; i++ {
		lo := entries[i]
		hi := len(inst.cm.Image.Text)
		if i+1 < len(entries) {
			hi = entries[i+1]
		}
		if off >= lo && off < hi {
			return inst.cm.Module.FunctionName(wasm.Index(i)), true
		}
	}
	return "", false
}

func findImport(imports []Import, imp wasm.Import) (*Import, error) {
	for i := range imports {
		c := &imports[i]
		if c.Module == imp.Module && c.Name == imp.Name && c.Kind == imp.Kind {
			return c, nil
		}
	}
	return nil, fmt.Errorf("instance: missing import %s.%s", imp.Module, imp.Name)
}

// typeIndexOfFunction mirrors wasm.Module.TypeOfFunction but returns
// the raw TypeSection index rather than the resolved *FunctionType:
// element segments need the index itself to populate a table
// descriptor's signature-id field, compared directly against a call
// site's own declared type index by internal/frontend/calls.go's
// lowerCallIndirect.
func typeIndexOfFunction(mod *wasm.Module, idx wasm.Index) (wasm.Index, bool) {
	importedCount := mod.ImportedFunctionCount()
	if idx < importedCount {
		var seen wasm.Index
		for _, imp := range mod.ImportSection {
			if imp.Kind != wasm.ImportKindFunc {
				continue
			}
			if seen == idx {
				return imp.DescFunc, true
			}
			seen++
		}
		return 0, false
	}
	defIdx := idx - importedCount
	if int(defIdx) >= len(mod.FunctionSection) {
		return 0, false
	}
	return mod.FunctionSection[defIdx], true
}

func evalOffsetExpr(inst *Instance, expr wasm.ConstExpr) (uint32, error) {
	switch expr.Opcode {
	case opI32Const:
		return uint32(expr.ValueI), nil
	case opGlobalGet:
		if int(expr.Index) >= len(inst.globals) {
			return 0, fmt.Errorf("offset expr: global %d does not exist", expr.Index)
		}
		return uint32(inst.globals[expr.Index].Get()), nil
	default:
		return 0, fmt.Errorf("offset expr: unsupported opcode 0x%x", expr.Opcode)
	}
}

func evalGlobalInit(inst *Instance, expr wasm.ConstExpr) (uint64, error) {
	switch expr.Opcode {
	case opI32Const, opI64Const:
		return uint64(expr.ValueI), nil
	case opF32Const, opF64Const:
		return expr.ValueF, nil
	case opGlobalGet:
		if int(expr.Index) >= len(inst.globals) {
			return 0, fmt.Errorf("global init: global %d does not exist", expr.Index)
		}
		return inst.globals[expr.Index].Get(), nil
	case opRefNull:
		return 0, nil
	case opRefFunc:
		return uint64(inst.funcAddr(expr.Index)), nil
	default:
		return 0, fmt.Errorf("global init: unsupported opcode 0x%x", expr.Opcode)
	}
}
