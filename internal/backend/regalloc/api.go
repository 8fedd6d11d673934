package regalloc

import "fmt"

// Function, Block, and Instr abstract away the underlying ISA so the
// allocator below can run once and serve every backend target: a
// backend only has to expose its CFG, instruction defs/uses, and the
// ability to splice spill/reload instructions around a given point.
type (
	Function interface {
		// ReversePostOrderBlockIteratorBegin/Next walk every block in the
		// CFG in reverse post order, entry first. The allocator computes
		// liveness backward, so it also needs a matching post-order walk.
		ReversePostOrderBlockIteratorBegin() Block
		ReversePostOrderBlockIteratorNext() Block
		PostOrderBlockIteratorBegin() Block
		PostOrderBlockIteratorNext() Block

		// ClobberedRegisters reports the physical registers assigned by
		// this run, so the backend's prologue can save only what is used.
		ClobberedRegisters([]VReg)

		// StoreRegisterAfter/ReloadRegisterBefore splice a spill store or
		// reload load immediately after/before the given instruction.
		StoreRegisterAfter(v VReg, instr Instr)
		ReloadRegisterBefore(v VReg, instr Instr)

		// Done is called once allocation finishes, so the backend can
		// finalize its stack frame layout (spill slot count is now known).
		Done()
	}

	Block interface {
		ID() int
		InstrIteratorBegin() Instr
		InstrIteratorNext() Instr
		Preds() []Block
		Entry() bool
	}

	Instr interface {
		fmt.Stringer
		Defs() []VReg
		Uses() []VReg
		AssignUses([]VReg)
		AssignDef(VReg)
		IsCopy() bool
		IsCall() bool
		IsIndirectCall() bool
		IsReturn() bool
	}
)
