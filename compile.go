// Package ignite is the embedder-facing surface of this repository: an
// ahead-of-time WebAssembly compiler and runtime core. Compile turns
// binary Wasm into machine code once; the result can be serialized to
// disk, reloaded in a later process, and instantiated any number of
// times, each instantiation getting its own linear memory, tables, and
// globals backed by the same shared, read-execute code mapping.
//
// Everything under internal/ implements one component apiece (frontend
// translation, instruction selection and register allocation, image
// assembly, linking, the host call boundary, instance allocation); this
// package only wires them together and narrows their internal types to
// the small public vocabulary an embedder needs.
//
// Grounded on the teacher's top-level wazero.go/config.go, which play
// the identical role for wazero's own multi-engine runtime: a thin
// public package over an internal engine, configured with chainable
// functional options and a context.Context threaded through for
// cancellation and the start function's invocation.
package ignite

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ignitewasm/ignite/internal/instance"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// TargetOptions selects which optional instruction-set extensions the
// compiler may use. Accepted for interface completeness per spec.md
// §6's "Target-option flags"; internal/backend/isa/amd64's Machine
// currently emits a single fixed baseline unconditionally (see
// DESIGN.md), so these fields are recorded into a CompiledModule's
// persisted flags word but do not yet change what codegen produces.
type TargetOptions struct {
	HasSSE41  bool
	HasAVX    bool
	HasAVX2   bool
	HasBMI1   bool
	HasBMI2   bool
	HasPOPCNT bool
	HasLZCNT  bool
}

func (t TargetOptions) encode() uint32 {
	var f uint32
	if t.HasSSE41 {
		f |= 1 << 0
	}
	if t.HasAVX {
		f |= 1 << 1
	}
	if t.HasAVX2 {
		f |= 1 << 2
	}
	if t.HasBMI1 {
		f |= 1 << 3
	}
	if t.HasBMI2 {
		f |= 1 << 4
	}
	if t.HasPOPCNT {
		f |= 1 << 5
	}
	if t.HasLZCNT {
		f |= 1 << 6
	}
	return f
}

func decodeTargetOptions(f uint32) TargetOptions {
	return TargetOptions{
		HasSSE41:  f&(1<<0) != 0,
		HasAVX:    f&(1<<1) != 0,
		HasAVX2:   f&(1<<2) != 0,
		HasBMI1:   f&(1<<3) != 0,
		HasBMI2:   f&(1<<4) != 0,
		HasPOPCNT: f&(1<<5) != 0,
		HasLZCNT:  f&(1<<6) != 0,
	}
}

// compileConfig is the private backing store CompileOption closes over.
type compileConfig struct {
	target TargetOptions
	logger *slog.Logger
}

// CompileOption configures Compile. An omitted option leaves Compile's
// default for that setting in place.
type CompileOption func(*compileConfig)

// WithTargetOptions sets the ISA extensions Compile is permitted to
// assume are present on the machine that will run the result.
func WithTargetOptions(t TargetOptions) CompileOption {
	return func(c *compileConfig) { c.target = t }
}

// WithLogger attaches a structured logger for compilation diagnostics.
// The default logger uses this package's discardHandler, so Compile is
// silent unless a caller opts in.
func WithLogger(l *slog.Logger) CompileOption {
	return func(c *compileConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// CompiledModule is one module's worth of linked, executable machine
// code: spec.md §6's CompiledModule. It owns a read-execute memory
// mapping shared by every Instance created from it and must be Closed
// once every such Instance is gone.
type CompiledModule struct {
	cm     *instance.CompiledModule
	target TargetOptions

	// wasmBytes is retained only so Serialize can prefix its envelope
	// with the original module (see serialize.go); nothing in the
	// compiled pipeline itself consults it again.
	wasmBytes []byte
}

// Compile decodes wasmBytes and runs the full pipeline -- frontend
// translation, instruction selection, register allocation, image
// assembly, and linking -- producing one executable mapping shared by
// every future Instance. ctx is consulted only before compilation
// starts (there is no mechanism to interrupt an in-flight compilation
// or a running call; see DESIGN.md).
func Compile(ctx context.Context, wasmBytes []byte, opts ...CompileOption) (*CompiledModule, error) {
	cfg := &compileConfig{logger: slog.New(discardHandler{})}
	for _, o := range opts {
		o(cfg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mod, err := wasm.Decode(bytes.NewReader(wasmBytes))
	if err != nil {
		return nil, fmt.Errorf("ignite: decoding module: %w", err)
	}

	cfg.logger.DebugContext(ctx, "compiling module",
		slog.Int("functions", len(mod.CodeSection)),
		slog.Int("imports", len(mod.ImportSection)),
		slog.Int("exports", len(mod.ExportSection)))

	cm, err := instance.Compile(mod)
	if err != nil {
		return nil, fmt.Errorf("ignite: %w", err)
	}
	// Recorded into the persisted image's flags word so a later
	// Deserialize can recover the options compiled code was generated
	// under; not yet consulted by codegen itself (see TargetOptions).
	cm.Image.Flags = cfg.target.encode()
	return &CompiledModule{cm: cm, target: cfg.target, wasmBytes: append([]byte(nil), wasmBytes...)}, nil
}

// Close releases the underlying executable mapping. Every Instance
// created from this CompiledModule must be Closed first.
func (c *CompiledModule) Close() error { return c.cm.Close() }

// discardHandler is a slog.Handler that drops every record, the
// default when WithLogger is not supplied.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }
