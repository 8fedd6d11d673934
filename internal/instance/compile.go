// Package instance implements C9: turning a compiled module into a
// running instance -- allocating its linear memory/tables/globals,
// resolving imports, copying data/element segments, running the start
// function, and exposing its exports for Function.Call to reach
// through internal/trap's host boundary.
//
// Grounded on the teacher's wazevo engine/module_engine.go (instance-
// level state: memory/table/global instances plus a moduleContextOpaque
// the compiled code addresses) and engine.go (the compile-the-whole-
// module-then-link-once sequence Compile below follows).
package instance

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend"
	"github.com/ignitewasm/ignite/internal/backend/isa/amd64"
	"github.com/ignitewasm/ignite/internal/cctx"
	"github.com/ignitewasm/ignite/internal/codebuffer"
	"github.com/ignitewasm/ignite/internal/frontend"
	"github.com/ignitewasm/ignite/internal/linker"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// isaIDAMD64 is this image's isa_id wire tag (spec.md §6), kept private
// since only this package currently produces or consumes it.
const isaIDAMD64 = 1

// CompiledModule is the output of Compile: one module's worth of
// linked, executable machine code plus everything Instantiate needs to
// build a running instance from it, and everything
// CompiledModule.Serialize needs to persist it (the root package wraps
// this as spec.md §6's CompiledModule).
type CompiledModule struct {
	Module *wasm.Module
	Sigs   []*ssa.Signature

	Image *codebuffer.Image

	// FuncEntryIndex[i] is the index into Image.EntryOffsets/the linked
	// Executable's function table for function i in the module's
	// combined (imports-then-defined) function index space -- the same
	// index space ssa.OpcodeCall's funcIdx/codebuffer.Reloc.Symbol
	// already uses, so a direct call resolves correctly regardless of
	// whether its target is imported or defined. Imported slots hold an
	// import thunk (internal/backend/isa/amd64's CompileImportThunk)
	// rather than wasm-compiled code.
	FuncEntryIndex []int
	// PreambleEntryIndex[typeIdx] is the same, for the entry preamble
	// compiled against TypeSection[typeIdx] -- one preamble per distinct
	// signature shape, shared by every export/host call using it,
	// matching the teacher's per-type (not per-function) entryPreambles
	// cache in engine_cache.go.
	PreambleEntryIndex []int

	// ImportedFuncTypes[slot] is the type index an imported function's
	// thunk was compiled against, for Instantiate to validate a supplied
	// host function's arity/types against before registering it.
	ImportedFuncTypes []wasm.Index

	// Layout is the module context byte layout Instantiate allocates
	// its per-instance context buffer against; pure function of
	// mod's global/table counts, recomputed (not carried in the wire
	// format) on a Deserialize path.
	Layout cctx.ModuleContextLayout

	exec *linker.Executable
}

// signaturesOf builds one *ssa.Signature per entry of mod.TypeSection,
// indexed identically -- Signature.ID doubles as that type index
// throughout this package (see DESIGN.md on why this is load-bearing
// for indirect-call signature checks, not a coincidence of numbering).
func signaturesOf(mod *wasm.Module) []*ssa.Signature {
	sigs := make([]*ssa.Signature, len(mod.TypeSection))
	for i, ft := range mod.TypeSection {
		sigs[i] = &ssa.Signature{ID: ssa.SignatureID(i), Params: toSSATypes(ft.Params), Results: toSSATypes(ft.Results)}
	}
	return sigs
}

// deriveIndices computes a module's combined function index space
// (imports then defined, encounter order) and the one-preamble-per-
// type layout Compile lays functions out in, without compiling
// anything. Both Compile and Deserialize call this: the index
// arithmetic only depends on section lengths, so a deserialized
// CompiledModule can rebuild it from the re-decoded wasm.Module alone
// rather than needing it carried in the wire format.
func deriveIndices(mod *wasm.Module, sigs []*ssa.Signature) (importedFuncTypes []wasm.Index, funcEntryIndex, preambleEntryIndex []int, err error) {
	for i, imp := range mod.ImportSection {
		if imp.Kind != wasm.ImportKindFunc {
			continue
		}
		if int(imp.DescFunc) >= len(sigs) {
			return nil, nil, nil, fmt.Errorf("instance: import %d (%s.%s) references unknown type %d", i, imp.Module, imp.Name, imp.DescFunc)
		}
		importedFuncTypes = append(importedFuncTypes, imp.DescFunc)
	}

	funcEntryIndex = make([]int, len(importedFuncTypes)+len(mod.CodeSection))
	for i := range funcEntryIndex {
		funcEntryIndex[i] = i
	}

	preambleEntryIndex = make([]int, len(mod.TypeSection))
	base := len(funcEntryIndex)
	for i := range preambleEntryIndex {
		preambleEntryIndex[i] = base + i
	}
	return importedFuncTypes, funcEntryIndex, preambleEntryIndex, nil
}

// Compile runs the whole pipeline (C4 frontend -> C5/C6 backend -> C7
// codebuffer -> C8 linker) for every imported function (as a thunk) and
// every defined function in mod, plus one entry preamble per distinct
// type-section signature, and links the result into one executable
// mapping. Imported functions are compiled first, in the module's own
// import-section encounter order, so img.EntryOffsets lines up index-
// for-index with the combined function index space wasm's own
// Index/Import/Export encoding uses -- see DESIGN.md's note on why
// this ordering is load-bearing rather than cosmetic.
func Compile(mod *wasm.Module) (*CompiledModule, error) {
	fc := frontend.NewCompiler(mod)

	numGlobals := uint32(len(mod.GlobalSection)) + mod.ImportedGlobalCount()
	numTables := uint32(len(mod.TableSection)) + mod.ImportedTableCount()
	layout := cctx.NewModuleContextLayout(numGlobals, numTables)

	m := amd64.NewMachine()
	m.SetModuleLayout(layout)

	sigs := signaturesOf(mod)
	importedFuncTypes, funcEntryIndex, preambleEntryIndex, err := deriveIndices(mod, sigs)
	if err != nil {
		return nil, err
	}

	var fns []*backend.CompiledFunction
	for slot, typeIdx := range importedFuncTypes {
		fns = append(fns, &backend.CompiledFunction{Code: m.CompileImportThunk(sigs[typeIdx], uint32(slot))})
	}

	for i := range mod.CodeSection {
		b, err := fc.LowerFunction(wasm.Index(i))
		if err != nil {
			return nil, fmt.Errorf("instance: lowering function %d: %w", i, err)
		}
		typeIdx := mod.FunctionSection[i]
		cf, err := m.Compile(b, sigs[typeIdx])
		if err != nil {
			return nil, fmt.Errorf("instance: compiling function %d: %w", i, err)
		}
		fns = append(fns, cf)
	}

	for _, sig := range sigs {
		fns = append(fns, &backend.CompiledFunction{Code: m.CompileEntryPreamble(sig)})
	}

	img := codebuffer.Assemble(fns, isaIDAMD64, 0)
	exec, err := linker.Link(img)
	if err != nil {
		return nil, fmt.Errorf("instance: linking module: %w", err)
	}

	return &CompiledModule{
		Module:             mod,
		Sigs:               sigs,
		Image:              img,
		FuncEntryIndex:     funcEntryIndex,
		PreambleEntryIndex: preambleEntryIndex,
		ImportedFuncTypes:  importedFuncTypes,
		Layout:             layout,
		exec:               exec,
	}, nil
}

// FromImage rebuilds a CompiledModule around an already-linked image
// and its originating module, without rerunning the frontend/backend:
// the pairing codebuffer.Deserialize + linker.Link produces is exactly
// what Compile itself builds, and every other CompiledModule field is
// pure index arithmetic over mod's section lengths (see deriveIndices),
// so the root package's CompiledModule.Deserialize uses this instead
// of recompiling from wasm bytes.
func FromImage(mod *wasm.Module, img *codebuffer.Image, exec *linker.Executable) (*CompiledModule, error) {
	sigs := signaturesOf(mod)
	importedFuncTypes, funcEntryIndex, preambleEntryIndex, err := deriveIndices(mod, sigs)
	if err != nil {
		return nil, err
	}
	numGlobals := uint32(len(mod.GlobalSection)) + mod.ImportedGlobalCount()
	numTables := uint32(len(mod.TableSection)) + mod.ImportedTableCount()
	layout := cctx.NewModuleContextLayout(numGlobals, numTables)

	return &CompiledModule{
		Module:             mod,
		Sigs:               sigs,
		Image:              img,
		FuncEntryIndex:     funcEntryIndex,
		PreambleEntryIndex: preambleEntryIndex,
		ImportedFuncTypes:  importedFuncTypes,
		Layout:             layout,
		exec:               exec,
	}, nil
}

// Close releases the underlying executable mapping. Every Instance
// created from cm must be discarded first.
func (cm *CompiledModule) Close() error {
	return cm.exec.Close()
}

func toSSAType(v wasm.ValueType) ssa.Type {
	switch v {
	case wasm.ValueTypeI32:
		return ssa.TypeI32
	case wasm.ValueTypeI64:
		return ssa.TypeI64
	case wasm.ValueTypeF32:
		return ssa.TypeF32
	case wasm.ValueTypeF64:
		return ssa.TypeF64
	case wasm.ValueTypeV128:
		return ssa.TypeV128
	case wasm.ValueTypeFuncref:
		return ssa.TypeFuncref
	case wasm.ValueTypeExtRef:
		return ssa.TypeExternref
	default:
		panic(fmt.Sprintf("BUG: unknown value type %v", v))
	}
}

func toSSATypes(vs []wasm.ValueType) []ssa.Type {
	out := make([]ssa.Type, len(vs))
	for i, v := range vs {
		out[i] = toSSAType(v)
	}
	return out
}
