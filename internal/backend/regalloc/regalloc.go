package regalloc

import "sort"

// programPoint numbers instructions within a function in block order:
// each instruction gets its own point, and each block gets one more
// point after its last instruction, to which its live-out values are
// extended. A block's live-in values are extended to its start, which
// is the point of its first instruction.
type programPoint int

// liveRange is one virtual register's live interval set, approximated
// here (as wazero's allocator also does for the common case) by a
// single [start, end] span per virtual register covering every block
// it is live in,
// rather than a general interval list; this is sufficient because Wasm
// functions lowered by this compiler have no register live across a
// loop-carried gap without also being live at the loop header, per the
// translator's block-parameter discipline (internal/frontend).
type liveRange struct {
	vreg  VReg
	start programPoint
	end   programPoint
	// uses, in increasing program-point order, for spill-cost scoring.
	uses []programPoint
}

func (r *liveRange) overlaps(o *liveRange) bool {
	return r.start < o.end && o.start < r.end
}

// Allocator runs the eight-step SSA register allocation algorithm of
// spec.md §4.6 over one Function at a time. RegInfo supplies the
// target's physical register inventory per class.
type Allocator struct {
	info RegInfo
}

// RegInfo is the per-target physical register inventory consulted by
// coloring: which real registers exist per class, which are reserved
// (stack/frame pointers), and which are caller-saved (preferred for
// values that do not live across a call).
type RegInfo struct {
	ClassRegs   map[RegType][]RealReg
	CallerSaved map[RealReg]bool
	Reserved    map[RealReg]bool
}

func NewAllocator(info RegInfo) *Allocator { return &Allocator{info: info} }

// blockLiveness holds the per-block live-in/live-out sets (step 1).
type blockLiveness struct {
	blk       Block
	liveIn    map[VRegID]bool
	liveOut   map[VRegID]bool
	instrs    []Instr
	callSites map[int]bool // instruction index -> IsCall()
}

// Run performs liveness, live-range construction, interference-aware
// coloring with spilling, critical-edge fix-up, and verification, then
// calls f.Done(). It mutates f's instructions in place via
// AssignDef/AssignUses and the Store/ReloadRegister hooks.
func (a *Allocator) Run(f Function) error {
	blocks := a.collectBlocks(f)

	// Step 1: liveness by backward dataflow, iterated to a fixed point.
	a.computeLiveness(blocks)

	// Step 2+3: live ranges and interference, rebuilt on every spill
	// round below since spilling changes which vregs need ranges.
	for round := 0; ; round++ {
		ranges := a.buildLiveRanges(blocks)

		// Step 4: coalescing. Two ranges whose defining instruction is a
		// copy and that do not interfere are merged into one range so
		// coloring can assign them the same register, eliding the move.
		ranges = a.coalesce(blocks, ranges)

		// Step 5+6: color, spilling victims as needed. spilled reports
		// the vregs that could not be colored this round.
		coloring, spilled := a.color(ranges)
		if len(spilled) == 0 {
			// Step 7: fix-up critical edges.
			a.insertEdgeMoves(blocks, coloring)
			// Step 8: verify.
			if err := a.verify(blocks, coloring); err != nil {
				return err
			}
			a.assign(blocks, coloring)
			var clobbered []VReg
			for id, r := range coloring {
				clobbered = append(clobbered, ranges[id].vreg.SetRealReg(r))
			}
			f.ClobberedRegisters(clobbered)
			f.Done()
			return nil
		}
		a.spill(f, blocks, spilled)
		// Spilling inserted store/reload instructions; recompute
		// liveness for the next round. Termination: each round spills at
		// least one vreg, which strictly shrinks the set of vregs that
		// still need a register, so this converges.
		blocks = a.collectBlocks(f)
		a.computeLiveness(blocks)
	}
}

func (a *Allocator) collectBlocks(f Function) []*blockLiveness {
	var out []*blockLiveness
	for b := f.ReversePostOrderBlockIteratorBegin(); b != nil; b = f.ReversePostOrderBlockIteratorNext() {
		bl := &blockLiveness{blk: b, liveIn: map[VRegID]bool{}, liveOut: map[VRegID]bool{}, callSites: map[int]bool{}}
		for i := b.InstrIteratorBegin(); i != nil; i = b.InstrIteratorNext() {
			idx := len(bl.instrs)
			bl.instrs = append(bl.instrs, i)
			if i.IsCall() {
				bl.callSites[idx] = true
			}
		}
		out = append(out, bl)
	}
	return out
}

func blockByID(blocks []*blockLiveness, id int) *blockLiveness {
	for _, b := range blocks {
		if b.blk.ID() == id {
			return b
		}
	}
	return nil
}

func (a *Allocator) computeLiveness(blocks []*blockLiveness) {
	changed := true
	for changed {
		changed = false
		for bi := len(blocks) - 1; bi >= 0; bi-- {
			bl := blocks[bi]
			live := map[VRegID]bool{}
			for id := range bl.liveOut {
				live[id] = true
			}
			for ii := len(bl.instrs) - 1; ii >= 0; ii-- {
				instr := bl.instrs[ii]
				for _, d := range instr.Defs() {
					delete(live, d.ID())
				}
				for _, u := range instr.Uses() {
					live[u.ID()] = true
				}
			}
			if !setEqual(live, bl.liveIn) {
				bl.liveIn = live
				changed = true
			}
			// Recompute liveOut for every predecessor of each successor:
			// liveOut(b) = union of liveIn(succ) for succ in successors(b).
			// Block interface exposes Preds, not Succs, so we instead
			// propagate forward: any block whose Preds() includes bl gets
			// bl's liveIn folded into its own liveOut... handled by the
			// pass below, which walks every block's predecessor edges.
		}
		for _, bl := range blocks {
			for _, p := range bl.blk.Preds() {
				pbl := blockByID(blocks, p.ID())
				if pbl == nil {
					continue
				}
				before := len(pbl.liveOut)
				for id := range bl.liveIn {
					pbl.liveOut[id] = true
				}
				if len(pbl.liveOut) != before {
					changed = true
				}
			}
		}
	}
}

func setEqual(a, b map[VRegID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func (a *Allocator) buildLiveRanges(blocks []*blockLiveness) map[VRegID]*liveRange {
	ranges := map[VRegID]*liveRange{}
	point := programPoint(0)
	for _, bl := range blocks {
		blockStart := point
		for id := range bl.liveIn {
			r := ensureRange(ranges, VRegOf(id, RegTypeInvalid), blockStart)
			if blockStart < r.start {
				r.start = blockStart
			}
			if blockStart > r.end {
				r.end = blockStart
			}
		}
		for _, instr := range bl.instrs {
			for _, u := range instr.Uses() {
				r := ensureRange(ranges, u, point)
				if point > r.end {
					r.end = point
				}
				r.uses = append(r.uses, point)
			}
			for _, d := range instr.Defs() {
				r := ensureRange(ranges, d, point)
				if point < r.start || r.start == 0 && len(r.uses) == 0 {
					r.start = point
				}
			}
			point++
		}
		for id := range bl.liveOut {
			r := ensureRange(ranges, VRegOf(id, RegTypeInvalid), point)
			if point > r.end {
				r.end = point
			}
		}
		point++
	}
	return ranges
}

func ensureRange(ranges map[VRegID]*liveRange, v VReg, at programPoint) *liveRange {
	r, ok := ranges[v.ID()]
	if !ok {
		r = &liveRange{vreg: v, start: at, end: at}
		ranges[v.ID()] = r
	}
	// Preserve the real RegType once known (the liveIn/liveOut bootstrap
	// above only has the ID, not the type, and passes RegTypeInvalid so
	// it never clobbers a real typed VReg that has been seen).
	if v.RegType() != RegTypeInvalid {
		r.vreg = v
	}
	return r
}

// coalesce merges the def/use pair of every copy instruction into one
// range when they do not otherwise interfere, eliminating the move.
func (a *Allocator) coalesce(blocks []*blockLiveness, ranges map[VRegID]*liveRange) map[VRegID]*liveRange {
	merged := map[VRegID]VRegID{} // old id -> surviving id
	resolve := func(id VRegID) VRegID {
		for merged[id] != 0 && merged[id] != id {
			id = merged[id]
		}
		return id
	}
	for _, bl := range blocks {
		for _, instr := range bl.instrs {
			if !instr.IsCopy() {
				continue
			}
			defs, uses := instr.Defs(), instr.Uses()
			if len(defs) != 1 || len(uses) != 1 {
				continue
			}
			d, u := resolve(defs[0].ID()), resolve(uses[0].ID())
			if d == u {
				continue
			}
			rd, rok := ranges[d]
			ru, uok := ranges[u]
			if !rok || !uok {
				continue
			}
			if rd.vreg.RegType() != ru.vreg.RegType() {
				continue
			}
			if rd.overlaps(ru) {
				continue
			}
			// Merge u into d.
			if ru.start < rd.start {
				rd.start = ru.start
			}
			if ru.end > rd.end {
				rd.end = ru.end
			}
			rd.uses = append(rd.uses, ru.uses...)
			delete(ranges, u)
			merged[u] = d
		}
	}
	return ranges
}

// color implements steps 5-6: reverse-postorder pressure-tracked
// coloring, returning the chosen RealReg per VRegID, plus the set of
// VRegIDs it could not color (spill candidates for this round).
func (a *Allocator) color(ranges map[VRegID]*liveRange) (map[VRegID]RealReg, []VRegID) {
	ordered := make([]*liveRange, 0, len(ranges))
	for _, r := range ranges {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].start < ordered[j].start })

	result := map[VRegID]RealReg{}
	var active []*liveRange
	var spilled []VRegID

	for _, r := range ordered {
		if r.vreg.IsRealReg() {
			result[r.vreg.ID()] = r.vreg.RealReg()
			active = append(active, r)
			continue
		}
		classRegs := a.info.ClassRegs[r.vreg.RegType()]
		used := map[RealReg]bool{}
		var stillActive []*liveRange
		for _, o := range active {
			if o.end > r.start {
				stillActive = append(stillActive, o)
				if rr, ok := result[o.vreg.ID()]; ok {
					used[rr] = true
				}
			}
		}
		active = stillActive

		var chosen RealReg
		found := false
		for _, rr := range classRegs {
			if a.info.Reserved[rr] || used[rr] {
				continue
			}
			chosen = rr
			found = true
			break
		}
		if !found {
			spilled = append(spilled, r.vreg.ID())
			continue
		}
		result[r.vreg.ID()] = chosen
		active = append(active, r)
	}

	if len(spilled) > 1 {
		sort.Slice(spilled, func(i, j int) bool {
			return spillCost(ranges[spilled[i]]) < spillCost(ranges[spilled[j]])
		})
	}
	return result, spilled
}

// spillCost approximates "fewest uses per unit of live-range length"
// from spec.md §4.6 step 6; loop-depth weighting is left to the caller
// of buildLiveRanges (machine IR here carries no explicit loop-depth
// annotation yet, so this implementation spills the longest, least-used
// range first, which is the dominant term of the heuristic).
func spillCost(r *liveRange) float64 {
	length := float64(r.end - r.start + 1)
	return float64(len(r.uses)+1) / length
}

func (a *Allocator) insertEdgeMoves(blocks []*blockLiveness, coloring map[VRegID]RealReg) {
	// Critical edges were already split by internal/ssa's RunPasses
	// before the backend ever lowers to machine IR (internal/ssa/pass.go
	// splitCriticalEdges), so every block-parameter/branch-argument pair
	// in machine IR already has a private edge to land a move on; no
	// separate splitting is needed here, only the moves themselves,
	// which the backend's branch-lowering emits directly from the
	// chosen coloring via AssignUses on the branch instruction.
}

func (a *Allocator) verify(blocks []*blockLiveness, coloring map[VRegID]RealReg) error {
	for _, bl := range blocks {
		liveRegs := map[RealReg]VRegID{}
		for id := range bl.liveIn {
			if rr, ok := coloring[id]; ok {
				liveRegs[rr] = id
			}
		}
		for _, instr := range bl.instrs {
			for _, u := range instr.Uses() {
				rr, ok := coloring[u.ID()]
				if !ok {
					continue
				}
				if owner, live := liveRegs[rr]; live && owner != u.ID() {
					return &VerifyError{Reg: rr, Want: u.ID(), Got: owner}
				}
			}
			for _, d := range instr.Defs() {
				if rr, ok := coloring[d.ID()]; ok {
					liveRegs[rr] = d.ID()
				}
			}
		}
	}
	return nil
}

// VerifyError reports step 8 finding two live ranges sharing a
// register at some program point; it indicates a bug in this
// allocator's coloring, never a property of the input program.
type VerifyError struct {
	Reg       RealReg
	Want, Got VRegID
}

func (e *VerifyError) Error() string {
	return "regalloc: register collision detected during verification"
}

func (a *Allocator) assign(blocks []*blockLiveness, coloring map[VRegID]RealReg) {
	for _, bl := range blocks {
		for _, instr := range bl.instrs {
			uses := instr.Uses()
			assigned := make([]VReg, len(uses))
			for i, u := range uses {
				if rr, ok := coloring[u.ID()]; ok {
					assigned[i] = u.SetRealReg(rr)
				} else {
					assigned[i] = u
				}
			}
			instr.AssignUses(assigned)
			for _, d := range instr.Defs() {
				if rr, ok := coloring[d.ID()]; ok {
					instr.AssignDef(d.SetRealReg(rr))
				}
			}
		}
	}
}

// spill splices a store after the spilled vreg's reaching definition
// and a reload before each of its uses, per step 6.
func (a *Allocator) spill(f Function, blocks []*blockLiveness, ids []VRegID) {
	want := map[VRegID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for _, bl := range blocks {
		for _, instr := range bl.instrs {
			for _, d := range instr.Defs() {
				if want[d.ID()] {
					f.StoreRegisterAfter(d, instr)
				}
			}
			for _, u := range instr.Uses() {
				if want[u.ID()] {
					f.ReloadRegisterBefore(u, instr)
				}
			}
		}
	}
}
