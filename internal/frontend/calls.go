package frontend

import (
	"github.com/ignitewasm/ignite/api"
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

func (c *Compiler) lowerCall(idx wasm.Index) error {
	ft := c.mod.TypeOfFunction(idx)
	if c.unreachable() {
		return nil
	}
	args := c.takeArgs(len(ft.Params))

	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeCall).SetImm64(uint64(idx)).SetArgs(args).SetSignature(c.signatureFor(*ft))

	results := make([]ssa.Value, len(ft.Results))
	for ri, rt := range ft.Results {
		results[ri] = c.b.AllocateResultValue(toSSAType(rt))
	}
	if len(results) > 0 {
		i.SetResult(results[0])
	}
	c.b.InsertInstruction(i)
	for _, rv := range results {
		c.push(rv)
	}
	return nil
}

func (c *Compiler) lowerCallIndirect(r *reader) error {
	typeIdx, err := r.u32()
	if err != nil {
		return err
	}
	tableIdx, err := r.u32()
	if err != nil {
		return err
	}
	ft := c.mod.TypeSection[typeIdx]
	if c.unreachable() {
		return nil
	}
	elemIdx := c.pop()
	args := c.takeArgs(len(ft.Params))

	sizeI := c.b.AllocateInstruction()
	sizeRes := c.b.AllocateResultValue(ssa.TypeI32)
	sizeI.SetOpcode(ssa.OpcodeTableSize).SetResult(sizeRes).SetImm64(uint64(tableIdx))
	c.b.InsertInstruction(sizeI)
	oob := c.emitIcmp(ssa.IntUnsignedGreaterThanOrEqual, elemIdx, sizeRes)
	c.emitTrapIf(oob, byte(api.TrapTableOutOfBounds))

	addrI := c.b.AllocateInstruction()
	addrRes := c.b.AllocateResultValue(ssa.TypeI64)
	addrI.SetOpcode(ssa.OpcodeTableFuncAddr).SetResult(addrRes).SetArg(elemIdx).SetImm64(uint64(tableIdx))
	c.b.InsertInstruction(addrI)
	isNull := c.emitIcmp(ssa.IntEqual, addrRes, c.emitIconst(ssa.TypeI64, 0))
	c.emitTrapIf(isNull, byte(api.TrapIndirectCallToNull))

	sigI := c.b.AllocateInstruction()
	sigRes := c.b.AllocateResultValue(ssa.TypeI32)
	sigI.SetOpcode(ssa.OpcodeTableFuncSig).SetResult(sigRes).SetArg(elemIdx).SetImm64(uint64(tableIdx))
	c.b.InsertInstruction(sigI)
	mismatched := c.emitIcmp(ssa.IntNotEqual, sigRes, c.emitIconst(ssa.TypeI32, uint64(typeIdx)))
	c.emitTrapIf(mismatched, byte(api.TrapIndirectCallSignatureMismatch))

	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeCallIndirect).SetArg(addrRes).SetArgs(args).SetSignature(c.signatureFor(ft))
	results := make([]ssa.Value, len(ft.Results))
	for ri, rt := range ft.Results {
		results[ri] = c.b.AllocateResultValue(toSSAType(rt))
	}
	if len(results) > 0 {
		i.SetResult(results[0])
	}
	c.b.InsertInstruction(i)
	for _, rv := range results {
		c.push(rv)
	}
	return nil
}

func (c *Compiler) signatureFor(ft wasm.FunctionType) *ssa.Signature {
	for _, s := range c.sigs {
		if sigMatches(s, ft) {
			return s
		}
	}
	return &ssa.Signature{Params: toSSATypes(ft.Params), Results: toSSATypes(ft.Results)}
}

func sigMatches(s *ssa.Signature, ft wasm.FunctionType) bool {
	if len(s.Params) != len(ft.Params) || len(s.Results) != len(ft.Results) {
		return false
	}
	for i, p := range ft.Params {
		if s.Params[i] != toSSAType(p) {
			return false
		}
	}
	for i, r := range ft.Results {
		if s.Results[i] != toSSAType(r) {
			return false
		}
	}
	return true
}
