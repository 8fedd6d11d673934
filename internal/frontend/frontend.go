// Package frontend implements the WebAssembly-to-IR translator (C4):
// it walks a validated function body's structured stack-machine
// encoding and emits the typed SSA IR described by internal/ssa,
// converting block/loop/if/br_table into a CFG with block parameters
// (spec.md §4.4).
package frontend

import (
	"errors"
	"fmt"
	"math"

	"github.com/ignitewasm/ignite/internal/leb128"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// ErrInvalidWasm is returned only for malformed input the upstream
// validator is assumed to have already rejected; its presence here is
// defense-in-depth, not the primary validation path (spec.md §4.4).
var ErrInvalidWasm = wasm.ErrInvalidWasm

// Compiler lowers one WebAssembly function body at a time into an
// ssa.Builder's function. It is reusable across functions via LowerFunction.
type Compiler struct {
	mod  *wasm.Module
	sigs []*ssa.Signature // one per wasm.Module.TypeSection entry

	b     ssa.Builder
	stack []ssa.Value

	locals     []ssa.Variable
	localTypes []ssa.Type

	ctrl []*controlFrame
}

type controlFrameKind byte

const (
	frameFunction controlFrameKind = iota
	frameBlock
	frameLoop
	frameIf
)

type controlFrame struct {
	kind      controlFrameKind
	blockType wasm.FunctionType

	// follow is the block reached on a normal `end` (and the branch
	// target of `br`/`br_if`/`br_table` for block/if/function frames).
	follow ssa.BasicBlock
	// loopHeader is the br target for a loop frame (header, not follow).
	loopHeader ssa.BasicBlock
	// elseBlock is where control goes if the `if` condition is false,
	// until a matching `else` is seen (then it becomes the else body).
	elseBlock ssa.BasicBlock
	sawElse   bool

	unreachable bool
	stackBase   int
}

func (f *controlFrame) branchTarget() ssa.BasicBlock {
	if f.kind == frameLoop {
		return f.loopHeader
	}
	return f.follow
}

func (f *controlFrame) branchArgTypes() []wasm.ValueType {
	if f.kind == frameLoop {
		return f.blockType.Params
	}
	return f.blockType.Results
}

// NewCompiler prepares a Compiler for repeated use against mod.
func NewCompiler(mod *wasm.Module) *Compiler {
	c := &Compiler{mod: mod, b: ssa.NewBuilder()}
	c.sigs = make([]*ssa.Signature, len(mod.TypeSection))
	for i, ft := range mod.TypeSection {
		c.sigs[i] = &ssa.Signature{ID: ssa.SignatureID(i), Params: toSSATypes(ft.Params), Results: toSSATypes(ft.Results)}
	}
	return c
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

// LowerFunction translates the defIdx-th defined function (0-based,
// i.e. not counting imported functions) into a fresh ssa.Builder.
func (c *Compiler) LowerFunction(defIdx wasm.Index) (ssa.Builder, error) {
	if int(defIdx) >= len(c.mod.CodeSection) {
		return nil, fmt.Errorf("frontend: function index %d out of range: %w", defIdx, ErrInvalidWasm)
	}
	typeIdx := c.mod.FunctionSection[defIdx]
	ft := c.mod.TypeSection[typeIdx]
	code := c.mod.CodeSection[defIdx]

	c.b.Reset()
	for _, sig := range c.sigs {
		c.b.DeclareSignature(sig)
	}
	sig := c.sigs[typeIdx]
	c.b.Init(sig)

	entry := c.b.EntryBlock()
	c.locals = c.locals[:0]
	c.localTypes = c.localTypes[:0]
	c.stack = c.stack[:0]
	c.ctrl = c.ctrl[:0]

	for i, pt := range ft.Params {
		typ := toSSAType(pt)
		v := c.b.DeclareVariable(typ)
		c.locals = append(c.locals, v)
		c.localTypes = append(c.localTypes, typ)
		c.b.DefineVariable(v, entry.Param(i), entry)
	}
	for _, lt := range code.LocalTypes {
		typ := toSSAType(lt)
		v := c.b.DeclareVariable(typ)
		c.locals = append(c.locals, v)
		c.localTypes = append(c.localTypes, typ)
		c.b.DefineVariable(v, c.emitIconst(typ, 0), entry)
	}

	c.ctrl = append(c.ctrl, &controlFrame{kind: frameFunction, blockType: ft, follow: c.b.ReturnBlock()})

	r := &reader{b: code.Body}
	if err := c.lowerBody(r); err != nil {
		return nil, err
	}

	c.b.Seal(entry)
	c.b.RunPasses()
	return c.b, nil
}

// --- value stack & frame helpers -------------------------------------------------

func (c *Compiler) push(v ssa.Value) { c.stack = append(c.stack, v) }

func (c *Compiler) pop() ssa.Value {
	if c.unreachable() && len(c.stack) <= c.currentFrame().stackBase {
		return ssa.ValueInvalid // polymorphic stack past an unreachable point.
	}
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v
}

func (c *Compiler) currentFrame() *controlFrame { return c.ctrl[len(c.ctrl)-1] }
func (c *Compiler) unreachable() bool            { return c.currentFrame().unreachable }

func (c *Compiler) markUnreachable() {
	f := c.currentFrame()
	f.unreachable = true
	if len(c.stack) > f.stackBase {
		c.stack = c.stack[:f.stackBase]
	}
}

// --- instruction emission helpers -------------------------------------------------

func (c *Compiler) emitIconst(t ssa.Type, v uint64) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(t)
	i.SetOpcode(ssa.OpcodeIconst).SetResult(res).SetImm64(v)
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitF32const(v float32) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeF32)
	i.SetOpcode(ssa.OpcodeF32const).SetResult(res).SetImm64(uint64(math.Float32bits(v)))
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitF64const(v float64) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeF64)
	i.SetOpcode(ssa.OpcodeF64const).SetResult(res).SetImm64(math.Float64bits(v))
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitUnary(op ssa.Opcode, t ssa.Type, a ssa.Value) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(t)
	i.SetOpcode(op).SetResult(res).SetArg(a)
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitBinary(op ssa.Opcode, t ssa.Type, a, b ssa.Value) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(t)
	i.SetOpcode(op).SetResult(res).SetArg2(a, b)
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitIcmp(cond ssa.IntegerCmpCond, a, b ssa.Value) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeI32)
	i.SetOpcode(ssa.OpcodeIcmp).SetResult(res).SetArg2(a, b).SetImm64(uint64(cond))
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) emitFcmp(cond ssa.FloatCmpCond, a, b ssa.Value) ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeI32)
	i.SetOpcode(ssa.OpcodeFcmp).SetResult(res).SetArg2(a, b).SetImm64(uint64(cond))
	c.b.InsertInstruction(i)
	return res
}

// emitTrap inserts an unconditional trap terminator.
func (c *Compiler) emitTrap(reason byte) {
	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeExitWithCode).SetImm64(uint64(reason))
	c.b.InsertInstruction(i)
}

// emitTrapIf inserts `if cond != 0 { trap(reason) }`, continuing in a
// fresh block that becomes the new current block.
func (c *Compiler) emitTrapIf(cond ssa.Value, reason byte) {
	trapBlk := c.b.AllocateBasicBlock()
	cont := c.b.AllocateBasicBlock()

	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeBrnz).SetArg(cond).SetBlockTarget(trapBlk)
	c.b.InsertInstruction(i)
	j := c.b.AllocateInstruction()
	j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(cont)
	c.b.InsertInstruction(j)

	c.b.Seal(trapBlk)
	c.b.SetCurrentBlock(trapBlk)
	c.emitTrap(reason)

	c.b.Seal(cont)
	c.b.SetCurrentBlock(cont)
}

func (c *Compiler) memoryBase() ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeI64)
	i.SetOpcode(ssa.OpcodeMemoryBase).SetResult(res)
	c.b.InsertInstruction(i)
	return res
}

func (c *Compiler) memorySize() ssa.Value {
	i := c.b.AllocateInstruction()
	res := c.b.AllocateResultValue(ssa.TypeI64)
	i.SetOpcode(ssa.OpcodeMemorySize).SetResult(res)
	c.b.InsertInstruction(i)
	return res
}

// --- reader ------------------------------------------------------------------

var errTruncated = fmt.Errorf("frontend: truncated function body: %w", ErrInvalidWasm)

type reader struct {
	b   []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errTruncated
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	v, n, err := leb128.LoadUint32(r.b[r.pos:])
	if err != nil {
		return 0, errors.Join(err, ErrInvalidWasm)
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, n, err := leb128.LoadInt32(r.b[r.pos:])
	if err != nil {
		return 0, errors.Join(err, ErrInvalidWasm)
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, n, err := leb128.LoadInt64(r.b[r.pos:])
	if err != nil {
		return 0, errors.Join(err, ErrInvalidWasm)
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) f32() (float32, error) {
	if r.pos+4 > len(r.b) {
		return 0, errTruncated
	}
	bits := uint32(r.b[r.pos]) | uint32(r.b[r.pos+1])<<8 | uint32(r.b[r.pos+2])<<16 | uint32(r.b[r.pos+3])<<24
	r.pos += 4
	return math.Float32frombits(bits), nil
}

func (r *reader) f64() (float64, error) {
	if r.pos+8 > len(r.b) {
		return 0, errTruncated
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(r.b[r.pos+i]) << (8 * i)
	}
	r.pos += 8
	return math.Float64frombits(bits), nil
}

func (r *reader) blockType(mod *wasm.Module) (wasm.FunctionType, error) {
	bt, n, err := leb128.LoadInt64(r.b[r.pos:])
	if err != nil {
		return wasm.FunctionType{}, errors.Join(err, ErrInvalidWasm)
	}
	r.pos += int(n)
	if bt == -0x40 {
		return wasm.FunctionType{}, nil
	}
	if bt < 0 {
		return wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueType(byte(bt & 0x7f))}}, nil
	}
	if int(bt) >= len(mod.TypeSection) {
		return wasm.FunctionType{}, fmt.Errorf("frontend: block type index %d out of range: %w", bt, ErrInvalidWasm)
	}
	return mod.TypeSection[bt], nil
}

func (r *reader) done() bool { return r.pos >= len(r.b) }
