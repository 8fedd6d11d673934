package ignite

import (
	"context"
	"fmt"

	"github.com/ignitewasm/ignite/internal/instance"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// Import is one binding an embedder supplies to satisfy a single
// module.name import, mirroring internal/instance.Import at the public
// surface (spec.md §6's Instance.new(compiled, imports)).
type Import struct {
	Module, Name string

	// Exactly one of Func/Memory/Table/Global should be set, matching
	// the import's own declared kind; Instantiate reports a mismatch as
	// an error rather than silently picking one.
	Func   func(params []uint64) []uint64
	Memory *Memory
	Table  *Table
	Global uint64
}

// Memory and Table re-export internal/instance's allocation handles so
// an embedder can wire one instance's export into another instance's
// import (spec.md §5's "shared resources") without reaching into
// internal/.
type Memory = instance.Memory
type Table = instance.Table
type Global = instance.Global

// Instance is one running instantiation of a CompiledModule.
type Instance struct {
	inst *instance.Instance
}

// Instantiate builds a running Instance: allocating memories, tables,
// and globals, resolving every import against imports, copying active
// data/element segments, and running the start function if the module
// declares one -- spec.md §4.9's order, implemented in
// internal/instance.Instantiate. ctx is consulted only before
// instantiation starts, for the same reason noted on Compile.
func (c *CompiledModule) Instantiate(ctx context.Context, imports []Import) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	internalImports := make([]instance.Import, len(imports))
	for i, im := range imports {
		set := 0
		for _, isSet := range []bool{im.Func != nil, im.Memory != nil, im.Table != nil} {
			if isSet {
				set++
			}
		}
		if set > 1 {
			return nil, fmt.Errorf("ignite: import %s.%s: more than one of Func, Memory and Table is set", im.Module, im.Name)
		}
		internalImports[i] = instance.Import{
			Module: im.Module,
			Name:   im.Name,
			Func:   im.Func,
			Memory: im.Memory,
			Table:  im.Table,
			Global: im.Global,
		}
		switch {
		case im.Func != nil:
			internalImports[i].Kind = wasm.ImportKindFunc
		case im.Memory != nil:
			internalImports[i].Kind = wasm.ImportKindMemory
		case im.Table != nil:
			internalImports[i].Kind = wasm.ImportKindTable
		default:
			internalImports[i].Kind = wasm.ImportKindGlobal
		}
	}
	inst, err := instance.Instantiate(c.cm, internalImports)
	if err != nil {
		return nil, fmt.Errorf("ignite: instantiating module: %w", err)
	}
	return &Instance{inst: inst}, nil
}

// Close releases the instance's own memory (if it allocated one rather
// than importing it) and unregisters its host-call table.
func (i *Instance) Close() error { return i.inst.Close() }

// ExportValue is one value an instance publishes under an export name,
// with exactly one of Func/Memory/Table/Global populated.
type ExportValue struct {
	Func   *Function
	Memory *Memory
	Table  *Table
	Global *Global
}

// Export resolves name against the module's export section.
func (i *Instance) Export(name string) (ExportValue, bool) {
	e, ok := i.inst.Export(name)
	if !ok {
		return ExportValue{}, false
	}
	ev := ExportValue{Memory: e.Memory, Table: e.Table, Global: e.Global}
	if e.Func != nil {
		ev.Func = &Function{fn: e.Func}
	}
	return ev, true
}
