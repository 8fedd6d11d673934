package ignite

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ignitewasm/ignite/api"
)

// No wat2wasm is available to this repository (or to anything in the
// retrieved pack -- internal/wasm/binary_test.go hand-assembles its own
// module for the identical reason), so every scenario below builds its
// binary the same way that file does: a small writeSection/uleb helper
// pair and a hand-picked byte sequence per function body, each checked
// against internal/wasm/binary.go's decoder by hand rather than any
// tool.
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

// sleb encodes a signed LEB128 value, used for i32.const/block-type
// immediates (the unsigned uleb above would mis-encode a negative or
// sign-bearing value).
func sleb(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func vec(n int, items ...[]byte) []byte {
	out := uleb(uint32(n))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

// funcType encodes a (params)->(results) functype payload, tag
// included.
func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, vec(len(params), byteSlices(params)...)...)
	out = append(out, vec(len(results), byteSlices(results)...)...)
	return out
}

func byteSlices(bs []byte) [][]byte {
	out := make([][]byte, len(bs))
	for i, b := range bs {
		out[i] = []byte{b}
	}
	return out
}

// body wraps a locals-free instruction stream into a CodeSection entry.
func body(instrs []byte) []byte {
	b := append([]byte{0x00}, instrs...) // 0 local-declaration groups
	return append(uleb(uint32(len(b))), b...)
}

// buildModule assembles one module from the given types (each a
// funcType payload), one function per entry in funcSigs (typeidx) with
// a matching body, an optional table/element pair, an optional 1-page
// memory, and the given exports.
type exportSpec struct {
	name string
	kind byte
	idx  uint32
}

type params struct {
	types    [][]byte
	funcSigs []uint32 // typeidx per function, in order
	bodies   [][]byte
	exports  []exportSpec
	withMem  bool
	table    *tableSpec
}

type tableSpec struct {
	min, max uint32
	elemFns  []uint32 // active element segment's function indices, offset 0
}

func buildModule(p params) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	typeItems := make([][]byte, len(p.types))
	copy(typeItems, p.types)
	writeSection(&b, 1, vec(len(typeItems), typeItems...))

	funcItems := make([][]byte, len(p.funcSigs))
	for i, t := range p.funcSigs {
		funcItems[i] = uleb(t)
	}
	writeSection(&b, 3, vec(len(funcItems), funcItems...))

	if p.table != nil {
		flags := byte(0x01)
		lim := append([]byte{flags}, uleb(p.table.min)...)
		lim = append(lim, uleb(p.table.max)...)
		tt := append([]byte{0x70}, lim...) // funcref
		writeSection(&b, 4, vec(1, tt))
	}

	if p.withMem {
		lim := append([]byte{0x00}, uleb(1)...) // no max, min=1 page
		writeSection(&b, 5, vec(1, lim))
	}

	if len(p.exports) > 0 {
		items := make([][]byte, len(p.exports))
		for i, e := range p.exports {
			items[i] = append(append(name(e.name), e.kind), uleb(e.idx)...)
		}
		writeSection(&b, 7, vec(len(items), items...))
	}

	if p.table != nil && len(p.table.elemFns) > 0 {
		offset := append([]byte{opI32Const}, sleb(0)...)
		offset = append(offset, opEnd)
		initItems := make([][]byte, len(p.table.elemFns))
		for i, fn := range p.table.elemFns {
			initItems[i] = uleb(fn)
		}
		seg := append(uleb(0), offset...) // flags=0 (active, table 0)
		seg = append(seg, vec(len(initItems), initItems...)...)
		writeSection(&b, 9, vec(1, seg))
	}

	codeItems := make([][]byte, len(p.bodies))
	for i, instrs := range p.bodies {
		codeItems[i] = body(instrs)
	}
	writeSection(&b, 10, vec(len(codeItems), codeItems...))

	return b.Bytes()
}

const (
	opI32Const = 0x41
	opEnd      = 0x0b
)

func mustInstantiate(t *testing.T, wasmBytes []byte) (*CompiledModule, *Instance) {
	t.Helper()
	ctx := context.Background()
	cm, err := Compile(ctx, wasmBytes)
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	inst, err := cm.Instantiate(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return cm, inst
}

func trapReason(t *testing.T, err error) api.TrapReason {
	t.Helper()
	var tr *api.Trap
	require.True(t, errors.As(err, &tr), "expected a *api.Trap, got %v (%T)", err, err)
	return tr.Reason
}

// TestE1_AddFunctionWrapsOnOverflow: (func (param i32 i32) (result
// i32) local.get 0 local.get 1 i32.add), exported "add".
func TestE1_AddFunctionWrapsOnOverflow(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32, i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}}, // local.get 0; local.get 1; i32.add; end
		exports:  []exportSpec{{"add", 0, 0}},
	})

	_, inst := mustInstantiate(t, wasmBytes)
	add, ok := inst.Export("add")
	require.True(t, ok)

	res, err := add.Func.Call(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, res)

	// INT_MAX + 1 wraps to INT_MIN's bit pattern, but the entry
	// preamble always writes a full 8-byte result slot and a 32-bit ALU
	// write zero-extends its destination register -- so the flattened
	// uint64 result carries the unsigned bit pattern, not a
	// sign-extended negative value.
	res, err = add.Func.Call(context.Background(), 0x7fffffff, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x80000000}, res)
}

// TestE2_MemoryLoadTrapsOutOfBounds: a 1-page memory and (func (param
// i32) (result i32) local.get 0 i32.load), exported "load".
func TestE2_MemoryLoadTrapsOutOfBounds(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x28, 0x02, 0x00, 0x0b}}, // local.get 0; i32.load align=2 offset=0; end
		exports:  []exportSpec{{"load", 0, 0}},
		withMem:  true,
	})

	_, inst := mustInstantiate(t, wasmBytes)
	load, ok := inst.Export("load")
	require.True(t, ok)

	res, err := load.Func.Call(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, res)

	// 65532 is the last address from which a 4-byte load still fits
	// inside a 65536-byte (1-page) memory.
	_, err = load.Func.Call(context.Background(), 65532)
	require.NoError(t, err)

	_, err = load.Func.Call(context.Background(), 65533)
	require.Error(t, err)
	require.Equal(t, api.TrapMemoryOutOfBounds, trapReason(t, err))
}

// TestE3_DivSTrapsOnZeroAndOverflow: (func (param i32 i32) (result
// i32) local.get 0 local.get 1 i32.div_s), exported "div".
func TestE3_DivSTrapsOnZeroAndOverflow(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32, i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b}}, // local.get 0; local.get 1; i32.div_s; end
		exports:  []exportSpec{{"div", 0, 0}},
	})

	_, inst := mustInstantiate(t, wasmBytes)
	div, ok := inst.Export("div")
	require.True(t, ok)

	_, err := div.Func.Call(context.Background(), 10, 0)
	require.Error(t, err)
	require.Equal(t, api.TrapIntegerDivisionByZero, trapReason(t, err))

	res, err := div.Func.Call(context.Background(), asI32Arg(-7), asI32Arg(2))
	require.NoError(t, err)
	require.Equal(t, int32(-3), asI32Result(res[0]))

	_, err = div.Func.Call(context.Background(), uint64(0x80000000), asI32Arg(-1))
	require.Error(t, err)
	require.Equal(t, api.TrapIntegerOverflow, trapReason(t, err))
}

// asI32Arg/asI32Result convert between a negative i32 and the
// flattened uint64 calling convention Function.Call uses -- a
// parameter's low 32 bits carry the two's-complement pattern, upper
// bits unused, matching how loadMem reads the whole 8-byte slot into a
// register that subsequent 32-bit ALU ops only ever read the low half
// of.
func asI32Arg(v int32) uint64     { return uint64(uint32(v)) }
func asI32Result(v uint64) int32 { return int32(uint32(v)) }

// TestE4_CallIndirectChecksSignatureAndBounds builds a table of size 2:
// slot 0 holds a function matching the call site's signature, slot 1
// holds one that doesn't (a different type index). Index 2 is out of
// the table's bounds entirely.
func TestE4_CallIndirectChecksSignatureAndBounds(t *testing.T) {
	i32, i64 := byte(0x7f), byte(0x7e)
	wasmBytes := buildModule(params{
		types: [][]byte{
			funcType([]byte{i32}, []byte{i32}), // type 0: callee + call site's expected signature
			funcType([]byte{i64}, []byte{i64}), // type 1: mismatched callee
		},
		funcSigs: []uint32{0, 1, 0},
		bodies: [][]byte{
			{0x41, 0x2a, 0x0b},             // func0 (type0): i32.const 42; end
			{0x20, 0x00, 0x0b},             // func1 (type1): local.get 0; end
			{0x20, 0x00, 0x11, 0x00, 0x00, 0x0b}, // func2 (type0, exported "run"): local.get 0; call_indirect (type0, table0); end
		},
		exports: []exportSpec{{"run", 0, 2}},
		table:   &tableSpec{min: 2, max: 2, elemFns: []uint32{0, 1}},
	})

	_, inst := mustInstantiate(t, wasmBytes)
	run, ok := inst.Export("run")
	require.True(t, ok)

	res, err := run.Func.Call(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)

	_, err = run.Func.Call(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, api.TrapIndirectCallSignatureMismatch, trapReason(t, err))

	_, err = run.Func.Call(context.Background(), 2)
	require.Error(t, err)
	require.Equal(t, api.TrapTableOutOfBounds, trapReason(t, err))
}

// TestE5_UnconditionalRecursionTrapsStackOverflow: a single-param
// function that unconditionally calls itself must eventually trap
// TrapStackOverflow rather than crash the host, since every compiled
// function's prologue checks cctx.StackLimit before touching the
// frame.
func TestE5_UnconditionalRecursionTrapsStackOverflow(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x10, 0x00, 0x0b}}, // local.get 0; call 0; end
		exports:  []exportSpec{{"recurse", 0, 0}},
	})

	_, inst := mustInstantiate(t, wasmBytes)
	recurse, ok := inst.Export("recurse")
	require.True(t, ok)

	_, err := recurse.Func.Call(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, api.TrapStackOverflow, trapReason(t, err))
}

// TestE6_BrTableDispatchesToEveryLabelIncludingDefault nests four void
// blocks (innermost to outermost: L0, L1, L2, L3) around a br_table
// whose three explicit targets are L0/L1/L2 and whose default is L3;
// each block's end falls straight into a distinct i32.const/return, so
// the returned value identifies which label was actually reached.
func TestE6_BrTableDispatchesToEveryLabelIncludingDefault(t *testing.T) {
	i32 := byte(0x7f)
	voidBlock := byte(0x40)
	body := []byte{
		0x02, voidBlock, // block (L3, outermost)
		0x02, voidBlock, //   block (L2)
		0x02, voidBlock, //     block (L1)
		0x02, voidBlock, //       block (L0, innermost)
		0x20, 0x00, //               local.get 0
		0x0e, 0x03, 0x00, 0x01, 0x02, 0x03, // br_table count=3 [0 1 2] default=3
	}
	body = append(body, 0x0b)       // end L0
	body = append(body, opI32Const) // i32.const 0; return
	body = append(body, sleb(0)...)
	body = append(body, 0x0f)
	body = append(body, 0x0b)       // end L1
	body = append(body, opI32Const) // i32.const 1; return
	body = append(body, sleb(1)...)
	body = append(body, 0x0f)
	body = append(body, 0x0b)       // end L2
	body = append(body, opI32Const) // i32.const 2; return
	body = append(body, sleb(2)...)
	body = append(body, 0x0f)
	body = append(body, 0x0b)       // end L3
	body = append(body, opI32Const) // i32.const 3; return
	body = append(body, sleb(3)...)
	body = append(body, 0x0f)
	body = append(body, 0x0b) // end (function)

	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{body},
		exports:  []exportSpec{{"dispatch", 0, 0}},
	})

	_, inst := mustInstantiate(t, wasmBytes)
	dispatch, ok := inst.Export("dispatch")
	require.True(t, ok)

	for selector, want := range map[uint64]uint64{0: 0, 1: 1, 2: 2, 3: 3, 4: 3} {
		res, err := dispatch.Func.Call(context.Background(), selector)
		require.NoError(t, err)
		require.Equal(t, []uint64{want}, res, "selector %d", selector)
	}
}

// TestCompile_IsIdempotent checks that compiling the same bytes twice
// produces byte-identical persisted images: the pipeline has no hidden
// nondeterminism (map iteration order feeding into codegen, time-based
// IDs, etc) that would make two builds of the same input diverge.
func TestCompile_IsIdempotent(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32, i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}},
		exports:  []exportSpec{{"add", 0, 0}},
	})

	ctx := context.Background()
	first, err := Compile(ctx, wasmBytes)
	require.NoError(t, err)
	defer first.Close()
	second, err := Compile(ctx, wasmBytes)
	require.NoError(t, err)
	defer second.Close()

	firstBytes, err := first.Serialize()
	require.NoError(t, err)
	secondBytes, err := second.Serialize()
	require.NoError(t, err)
	require.Equal(t, firstBytes, secondBytes)
}

// TestSerializeDeserialize_InstanceBehavesTheSame checks the round trip
// spec.md §6 actually cares about: a module reloaded from a serialized
// image, with no access to the original compile, must still run its
// exports identically to the instance compiled straight from source.
func TestSerializeDeserialize_InstanceBehavesTheSame(t *testing.T) {
	i32 := byte(0x7f)
	wasmBytes := buildModule(params{
		types:    [][]byte{funcType([]byte{i32, i32}, []byte{i32})},
		funcSigs: []uint32{0},
		bodies:   [][]byte{{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}},
		exports:  []exportSpec{{"add", 0, 0}},
	})

	ctx := context.Background()
	original, err := Compile(ctx, wasmBytes)
	require.NoError(t, err)
	defer original.Close()
	originalInst, err := original.Instantiate(ctx, nil)
	require.NoError(t, err)
	defer originalInst.Close()
	originalAdd, ok := originalInst.Export("add")
	require.True(t, ok)
	originalRes, err := originalAdd.Func.Call(ctx, 0x7fffffff, 1)
	require.NoError(t, err)

	serialized, err := original.Serialize()
	require.NoError(t, err)

	reloaded, err := Deserialize(serialized)
	require.NoError(t, err)
	defer reloaded.Close()
	reloadedInst, err := reloaded.Instantiate(ctx, nil)
	require.NoError(t, err)
	defer reloadedInst.Close()
	reloadedAdd, ok := reloadedInst.Export("add")
	require.True(t, ok)
	reloadedRes, err := reloadedAdd.Func.Call(ctx, 0x7fffffff, 1)
	require.NoError(t, err)

	require.Equal(t, originalRes, reloadedRes)

	reloadedRes2, err := reloadedAdd.Func.Call(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, reloadedRes2)
}
