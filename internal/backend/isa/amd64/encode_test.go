package amd64

import (
	"testing"

	"github.com/ignitewasm/ignite/internal/backend/regalloc"
	"github.com/stretchr/testify/require"
)

// These check codeBuf's byte-level primitives against their hand-
// verified Intel SDM encodings directly -- there is no disassembler in
// this repository to decode the bytes back (amd64 has none in the
// retrieved pack either; a linker resolves relocations, it does not
// decode opcodes), so "round-trip" here means encode once and compare
// against the literal bytes a real assembler would produce for the
// same instruction, the way encode.go's own REX/ModRM comments already
// cite the SDM bit layout they implement.
func vr(r regalloc.RealReg) regalloc.VReg { return regalloc.FromRealReg(r, regalloc.RegTypeInt) }

func TestEncode_MovImm32NoRexForLowRegister(t *testing.T) {
	c := &codeBuf{}
	c.movImm(vr(RAX), 0x12345678, false)
	require.Equal(t, []byte{0xB8, 0x78, 0x56, 0x34, 0x12}, c.b, "mov eax, 0x12345678")
}

func TestEncode_MovImm64NeedsRexBForExtendedRegister(t *testing.T) {
	c := &codeBuf{}
	c.movImm(vr(R8), 1, true)
	require.Equal(t, []byte{0x49, 0xB8, 1, 0, 0, 0, 0, 0, 0, 0}, c.b, "movabs r8, 1")
}

func TestEncode_MovRRSkipsNoOpSameRegisterMove(t *testing.T) {
	c := &codeBuf{}
	c.movRR(vr(RAX), vr(RAX), true, false)
	require.Empty(t, c.b, "moving a register into itself must not emit any bytes")
}

func TestEncode_MovRREmitsRexWAndModRM(t *testing.T) {
	c := &codeBuf{}
	c.movRR(vr(RCX), vr(RAX), true, false)
	require.Equal(t, []byte{0x48, 0x89, 0xC1}, c.b, "mov rcx, rax")
}

func TestEncode_MovRRFloatUsesMovsdNotMov(t *testing.T) {
	c := &codeBuf{}
	c.movRR(vr(XMM1), vr(XMM0), false, true)
	require.Equal(t, []byte{0xF2, 0x0F, 0x10, 0xC8}, c.b, "movsd xmm1, xmm0")
}

func TestEncode_ModrmMemBaseEscapesSIBForRsp(t *testing.T) {
	c := &codeBuf{}
	c.modrmMemBase(0, encoding(RSP), 8)
	require.Equal(t, []byte{0x84, 0x24, 8, 0, 0, 0}, c.b, "RSP as a base always needs a SIB byte, since ModRM rm=100 selects SIB addressing")
}

func TestEncode_ModrmMemBasePlainForOrdinaryRegister(t *testing.T) {
	c := &codeBuf{}
	c.modrmMemBase(0, encoding(RBX), -4)
	require.Equal(t, []byte{0x83, 0xFC, 0xFF, 0xFF, 0xFF}, c.b, "[rbx-4] needs no SIB byte")
}

func TestEncode_EmitRexOmittedWhenNothingRequiresIt(t *testing.T) {
	c := &codeBuf{}
	c.emitRex(false, 0, 0, 0)
	require.Empty(t, c.b, "no REX prefix when operand size is 32-bit and every register is in the low 8")
}
