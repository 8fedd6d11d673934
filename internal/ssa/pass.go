package ssa

// RunPasses splits critical edges, computes the reverse-post-order
// block layout and the dominator tree, then marks trailing jumps whose
// target is the next block in that order (spec.md §4.1:
// "lay out blocks to maximize fallthrough and minimize inserted jumps").
func (b *builder) RunPasses() {
	b.splitCriticalEdges()
	b.computeReversePostOrder()
	b.computeDominators()
	b.markFallthroughs()
}

// splitCriticalEdges inserts a trampoline block on every edge whose
// source has more than one successor and whose destination has more
// than one predecessor, so later passes (and the register allocator)
// never need to insert a move on a shared edge (spec.md §4.1).
func (b *builder) splitCriticalEdges() {
	for _, pred := range append([]*basicBlock(nil), b.blocks...) {
		if !pred.Valid() || len(pred.succs) < 2 {
			continue
		}
		for si, succ := range pred.succs {
			if len(succ.preds) < 2 {
				continue
			}
			trampoline := b.AllocateBasicBlock().(*basicBlock)
			trampoline.sealed = true

			// Redirect the branch instruction on pred that targets succ
			// to target the trampoline instead, and have the trampoline
			// jump on to succ unconditionally.
			for instr := pred.rootInstr; instr != nil; instr = instr.next {
				if instr.blk != nil && instr.blk.ID() == succ.id {
					instr.blk = trampoline
				}
				for ti, t := range instr.targets {
					if t != nil && t.ID() == succ.id {
						instr.targets[ti] = trampoline
					}
				}
			}

			jump := b.AllocateInstruction()
			jump.opcode = OpcodeJump
			jump.blk = succ
			trampoline.rootInstr = jump
			trampoline.currentInstr = jump

			trampoline.addPred(pred, jump)
			for pi, p := range succ.preds {
				if p.blk == pred {
					succ.preds[pi] = basicBlockPredecessorInfo{blk: trampoline, branch: jump}
				}
			}
			pred.succs[si] = trampoline
		}
	}
}

func (b *builder) computeReversePostOrder() {
	seen := make(map[BasicBlockID]bool, len(b.blocks))
	var post []*basicBlock

	entry := b.blockByID[0]
	var visit func(blk *basicBlock)
	visit = func(blk *basicBlock) {
		if blk == nil || seen[blk.id] || !blk.Valid() {
			return
		}
		seen[blk.id] = true
		for _, s := range blk.succs {
			visit(s)
		}
		post = append(post, blk)
	}
	visit(entry)

	b.rpo = make([]*basicBlock, len(post))
	for i, blk := range post {
		idx := len(post) - 1 - i
		b.rpo[idx] = blk
		blk.reversePostOrder = idx
	}
}

// computeDominators implements the iterative algorithm of Cooper,
// Harvey & Kennedy, "A Simple, Fast Dominance Algorithm": it converges
// in a handful of passes over a reverse-post-ordered CFG without
// requiring a separate bitset-intersection data structure.
func (b *builder) computeDominators() {
	if len(b.rpo) == 0 {
		return
	}
	entry := b.rpo[0]
	b.idoms = make(map[BasicBlockID]*basicBlock, len(b.rpo))
	b.idoms[entry.id] = entry

	changed := true
	for changed {
		changed = false
		for _, blk := range b.rpo[1:] {
			var newIdom *basicBlock
			for _, p := range blk.preds {
				if !p.blk.Valid() {
					continue
				}
				if _, ok := b.idoms[p.blk.id]; !ok {
					continue
				}
				if newIdom == nil {
					newIdom = p.blk
					continue
				}
				newIdom = b.intersect(newIdom, p.blk)
			}
			if newIdom == nil {
				continue
			}
			if cur, ok := b.idoms[blk.id]; !ok || cur != newIdom {
				b.idoms[blk.id] = newIdom
				changed = true
			}
		}
	}
}

func (b *builder) intersect(a, c *basicBlock) *basicBlock {
	for a != c {
		for a.reversePostOrder > c.reversePostOrder {
			a = b.idoms[a.id]
		}
		for c.reversePostOrder > a.reversePostOrder {
			c = b.idoms[c.id]
		}
	}
	return a
}

// markFallthroughs sets u2 to fallthroughMarker on a block's trailing
// Jump, Brz or Brnz whose target is the next block in the chosen
// layout (spec.md §4.1). It never inverts a branch condition, and the
// backend does not read the marker.
func (b *builder) markFallthroughs() {
	for i, blk := range b.rpo {
		tail := blk.currentInstr
		if tail == nil {
			continue
		}
		var next *basicBlock
		if i+1 < len(b.rpo) {
			next = b.rpo[i+1]
		}
		switch tail.opcode {
		case OpcodeJump:
			if next != nil && tail.blk != nil && tail.blk.ID() == next.id {
				tail.u2 = fallthroughMarker
			}
		case OpcodeBrz, OpcodeBrnz:
			if next != nil && tail.blk != nil && tail.blk.ID() == next.id && tail.next == nil {
				// The taken branch already falls through; nothing to invert.
				tail.u2 = fallthroughMarker
			}
		}
	}
}

const fallthroughMarker = 1
