package backend

import (
	"fmt"

	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/ignitewasm/ignite/internal/ssa"
)

// FunctionABIRegInfo is implemented by each ISA's Machine to report
// which physical registers the target's calling convention reserves
// for integer and floating-point argument/result passing.
type FunctionABIRegInfo interface {
	ArgsResultsRegs() (argInts, argFloats, resultInts, resultFloats []regalloc.RealReg)
}

// FunctionABI is the generic (ISA-parametric) ABI lowering described
// by spec.md §4.5 ("computes ABI-level call lowering"): given a
// signature, it assigns each parameter/result either a physical
// register or a stack-slot offset, following the target's
// register-then-stack-overflow convention.
type FunctionABI[R FunctionABIRegInfo] struct {
	r           R
	Initialized bool

	Args, Rets                 []ABIArg
	ArgStackSize, RetStackSize int64

	ArgRealRegs []regalloc.VReg
	RetRealRegs []regalloc.VReg
}

// ABIArg is one parameter or result's location, register or stack.
type ABIArg struct {
	Index  int
	Kind   ABIArgKind
	Reg    regalloc.VReg
	Offset int64
	Type   ssa.Type
}

type ABIArgKind byte

const (
	ABIArgKindReg ABIArgKind = iota
	ABIArgKindStack
)

func (a ABIArgKind) String() string {
	if a == ABIArgKindReg {
		return "reg"
	}
	return "stack"
}

func (a *ABIArg) String() string {
	return fmt.Sprintf("args[%d]: %s", a.Index, a.Kind)
}

// NewFunctionABI builds a FunctionABI bound to r's register inventory.
func NewFunctionABI[R FunctionABIRegInfo](r R) FunctionABI[R] {
	return FunctionABI[R]{r: r}
}

// Init assigns every parameter and result of sig a location, filling
// argument registers first (int class then float class, mirroring the
// System V AMD64 convention the single supported ISA target uses) and
// spilling the remainder to consecutive 8-byte-aligned stack slots.
func (a *FunctionABI[R]) Init(sig *ssa.Signature) {
	argInts, argFloats, resultInts, resultFloats := a.r.ArgsResultsRegs()

	if len(a.Rets) < len(sig.Results) {
		a.Rets = make([]ABIArg, len(sig.Results))
	}
	a.Rets = a.Rets[:len(sig.Results)]
	a.RetStackSize = setABIArgs(a.Rets, sig.Results, resultInts, resultFloats)

	if n := len(sig.Params); len(a.Args) < n {
		a.Args = make([]ABIArg, n)
	}
	a.Args = a.Args[:len(sig.Params)]
	a.ArgStackSize = setABIArgs(a.Args, sig.Params, argInts, argFloats)

	a.RetRealRegs = a.RetRealRegs[:0]
	for i := range a.Rets {
		if a.Rets[i].Kind == ABIArgKindReg {
			a.RetRealRegs = append(a.RetRealRegs, a.Rets[i].Reg)
		}
	}
	a.ArgRealRegs = a.ArgRealRegs[:0]
	for i := range a.Args {
		if a.Args[i].Kind == ABIArgKindReg {
			a.ArgRealRegs = append(a.ArgRealRegs, a.Args[i].Reg)
		}
	}
	a.Initialized = true
}

func setABIArgs(s []ABIArg, types []ssa.Type, ints, floats []regalloc.RealReg) (stackSize int64) {
	il, fl := len(ints), len(floats)
	var stackOffset int64
	intIdx, floatIdx := 0, 0
	for i, typ := range types {
		arg := &s[i]
		arg.Index, arg.Type = i, typ
		if typ.IsInt() || typ.IsRef() {
			if intIdx >= il {
				arg.Kind, arg.Offset = ABIArgKindStack, stackOffset
				stackOffset += 8
				continue
			}
			arg.Kind = ABIArgKindReg
			arg.Reg = regalloc.FromRealReg(ints[intIdx], regalloc.RegTypeInt)
			intIdx++
			continue
		}
		if floatIdx >= fl {
			arg.Kind, arg.Offset = ABIArgKindStack, stackOffset
			stackOffset += 8
			continue
		}
		arg.Kind = ABIArgKindReg
		arg.Reg = regalloc.FromRealReg(floats[floatIdx], regalloc.RegTypeFloat)
		floatIdx++
	}
	return stackOffset
}
