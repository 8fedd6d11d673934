package frontend

import (
	"github.com/ignitewasm/ignite/internal/ssa"
	"github.com/ignitewasm/ignite/internal/wasm"
)

// lowerStructured handles `block`, `loop`, and `if`: it reads the
// block-type immediate, pops the condition for `if`, and pushes a new
// controlFrame whose continuation/header block is prepared up front
// so forward branches (`br` out of the not-yet-closed body) have
// somewhere to target (spec.md §4.4).
func (c *Compiler) lowerStructured(r *reader, op wasm.Opcode) error {
	bt, err := r.blockType(c.mod)
	if err != nil {
		return err
	}

	outerUnreachable := c.unreachable()
	stackBase := len(c.stack) - len(bt.Params)
	if stackBase < 0 {
		stackBase = 0
	}

	switch op {
	case wasm.OpcodeBlock:
		follow := c.b.AllocateBasicBlock()
		c.ctrl = append(c.ctrl, &controlFrame{kind: frameBlock, blockType: bt, follow: follow, unreachable: outerUnreachable, stackBase: stackBase})
		// A plain block has no separate body block: its body runs
		// directly in the current block, `end` resolves into follow.
		_ = follow
		return nil

	case wasm.OpcodeLoop:
		header := c.b.AllocateBasicBlock()
		args := c.takeArgs(len(bt.Params))
		c.jumpTo(header, args...)
		c.b.SetCurrentBlock(header)
		params := make([]ssa.Value, len(bt.Params))
		for i, pt := range bt.Params {
			params[i] = header.AddParam(c.b, toSSAType(pt))
		}
		c.stack = c.stack[:stackBase]
		c.stack = append(c.stack, params...)

		follow := c.b.AllocateBasicBlock()
		c.ctrl = append(c.ctrl, &controlFrame{kind: frameLoop, blockType: bt, follow: follow, loopHeader: header, unreachable: outerUnreachable, stackBase: stackBase})
		return nil

	case wasm.OpcodeIf:
		cond := c.pop()
		thenBlk := c.b.AllocateBasicBlock()
		elseBlk := c.b.AllocateBasicBlock()
		follow := c.b.AllocateBasicBlock()

		if !outerUnreachable {
			i := c.b.AllocateInstruction()
			i.SetOpcode(ssa.OpcodeBrnz).SetArg(cond).SetBlockTarget(thenBlk)
			c.b.InsertInstruction(i)
			j := c.b.AllocateInstruction()
			j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(elseBlk)
			c.b.InsertInstruction(j)
		}
		c.b.Seal(thenBlk)
		c.b.SetCurrentBlock(thenBlk)

		c.ctrl = append(c.ctrl, &controlFrame{kind: frameIf, blockType: bt, follow: follow, elseBlock: elseBlk, unreachable: outerUnreachable, stackBase: stackBase})
		return nil
	}
	panic("BUG: unreachable")
}

// lowerElse closes an `if`'s then-body (falling through to the
// frame's follow block) and resumes lowering the else-body in the
// previously reserved elseBlock.
func (c *Compiler) lowerElse() error {
	f := c.currentFrame()
	f.sawElse = true

	if !f.unreachable {
		args := c.takeArgs(len(f.blockType.Results))
		c.jumpTo(f.follow, args...)
	}
	c.stack = c.stack[:f.stackBase]

	c.b.Seal(f.elseBlock)
	c.b.SetCurrentBlock(f.elseBlock)
	f.unreachable = c.ctrl[len(c.ctrl)-2].unreachable
	return nil
}

// lowerEnd closes the current frame: falls through to its follow
// block, pops the frame, seals follow, and resumes lowering there
// with the frame's declared result types pushed back on the stack.
func (c *Compiler) lowerEnd() error {
	f := c.currentFrame()

	if f.kind == frameLoop {
		// All of the loop's back-edges (br/br_if/br_table targeting
		// the header) have now been emitted; only now is the header's
		// predecessor set final.
		c.b.Seal(f.loopHeader)
	}

	if f.kind == frameIf && !f.sawElse {
		// An if with no else: the condition-false path already jumps
		// straight to elseBlock, which is now just an empty pass-through.
		c.b.Seal(f.elseBlock)
		c.b.SetCurrentBlock(f.elseBlock)
		j := c.b.AllocateInstruction()
		j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(f.follow)
		for _, a := range c.takeArgsFromBase(f.stackBase, len(f.blockType.Results)) {
			j.AppendArg(a)
		}
		c.b.InsertInstruction(j)
	}

	if !f.unreachable {
		args := c.takeArgs(len(f.blockType.Results))
		c.jumpTo(f.follow, args...)
	}
	c.stack = c.stack[:f.stackBase]

	c.ctrl = c.ctrl[:len(c.ctrl)-1]

	if f.kind == frameFunction {
		// The function's implicit outer frame ends with the return
		// block already sealed by every `return`/fallthrough jump.
		c.b.Seal(f.follow)
		return nil
	}

	c.b.Seal(f.follow)
	c.b.SetCurrentBlock(f.follow)
	for _, rt := range f.blockType.Results {
		c.push(f.follow.AddParam(c.b, toSSAType(rt)))
	}
	return nil
}

// takeArgs pops the top n stack values in program order (so
// args[0] is the deepest of the n), for use as branch arguments.
func (c *Compiler) takeArgs(n int) []ssa.Value {
	if c.unreachable() {
		return make([]ssa.Value, n)
	}
	base := len(c.stack) - n
	args := append([]ssa.Value(nil), c.stack[base:]...)
	c.stack = c.stack[:base]
	return args
}

func (c *Compiler) takeArgsFromBase(base, n int) []ssa.Value {
	if len(c.stack) < base+n {
		return make([]ssa.Value, n)
	}
	return append([]ssa.Value(nil), c.stack[base:base+n]...)
}

func (c *Compiler) jumpTo(target ssa.BasicBlock, args ...ssa.Value) {
	j := c.b.AllocateInstruction()
	j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(target).SetArgs(args)
	c.b.InsertInstruction(j)
}

func (c *Compiler) lowerBr(depth wasm.Index) error {
	if c.unreachable() {
		return nil
	}
	f := c.ctrl[len(c.ctrl)-1-int(depth)]
	args := c.takeArgsFromBase(len(c.stack)-len(f.branchArgTypes()), len(f.branchArgTypes()))
	j := c.b.AllocateInstruction()
	j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(f.branchTarget()).SetArgs(args)
	c.b.InsertInstruction(j)
	c.markUnreachable()
	return nil
}

func (c *Compiler) lowerBrIf(depth wasm.Index) error {
	if c.unreachable() {
		return nil
	}
	cond := c.pop()
	f := c.ctrl[len(c.ctrl)-1-int(depth)]
	argTypes := f.branchArgTypes()
	args := c.takeArgsFromBase(len(c.stack)-len(argTypes), len(argTypes))

	cont := c.b.AllocateBasicBlock()
	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeBrnz).SetArg(cond).SetBlockTarget(f.branchTarget()).SetArgs(args)
	c.b.InsertInstruction(i)
	j := c.b.AllocateInstruction()
	j.SetOpcode(ssa.OpcodeJump).SetBlockTarget(cont)
	c.b.InsertInstruction(j)
	// br_if's branch arguments are read, not popped: the untaken edge
	// falls through with the operand stack unchanged (the values are
	// still the top of c.stack, matching Wasm's stack-polymorphism rule
	// for br_if's operands being shared with the fallthrough path).

	c.b.Seal(cont)
	c.b.SetCurrentBlock(cont)
	return nil
}

func (c *Compiler) lowerBrTable(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	targets := make([]wasm.Index, count)
	for i := range targets {
		n, err := r.u32()
		if err != nil {
			return err
		}
		targets[i] = wasm.Index(n)
	}
	defIdx, err := r.u32()
	if err != nil {
		return err
	}
	if c.unreachable() {
		return nil
	}
	selector := c.pop()

	defFrame := c.ctrl[len(c.ctrl)-1-int(defIdx)]
	argTypes := defFrame.branchArgTypes()
	args := c.takeArgsFromBase(len(c.stack)-len(argTypes), len(argTypes))

	blocks := make([]ssa.BasicBlock, 0, len(targets)+1)
	for _, depth := range targets {
		f := c.ctrl[len(c.ctrl)-1-int(depth)]
		blocks = append(blocks, f.branchTarget())
	}
	blocks = append(blocks, defFrame.branchTarget())

	i := c.b.AllocateInstruction()
	i.SetOpcode(ssa.OpcodeBrTable).SetArg(selector).SetBrTableTargets(blocks).SetArgs(args)
	c.b.InsertInstruction(i)
	c.markUnreachable()
	return nil
}

func (c *Compiler) lowerReturn() error {
	return c.lowerBr(wasm.Index(len(c.ctrl) - 1))
}
