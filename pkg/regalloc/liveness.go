package regalloc

import (
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// kills reports whether writing d through i replaces the whole register.
// Partial and predicated writes keep the old value alive; a call always
// delivers its results whole.
func kills(i *ir.Instruction, d ir.RegOperand) bool {
	return i.Op == ir.OpCall || i.Pred == nil && d.Mask == ir.MaskFull
}

// modeReg returns the register read by b's successor selection.
func modeReg(b *ir.Block) (ir.Reg, bool) {
	switch m := b.Mode.(type) {
	case ir.Conditional:
		return m.Pred, true
	case ir.Switch:
		return m.Selector, true
	}
	return ir.Reg{}, false
}

// blockUseDef computes the registers b reads before writing them (use) and
// the registers it overwrites completely (def).
func blockUseDef(s *ir.CompileState, b *ir.Block) (use, def ir.RegSet) {
	use, def = ir.NewRegSet(), ir.NewRegSet()
	if r, ok := modeReg(b); ok {
		use.Add(r)
	}
	instrs := s.Instrs(b)
	for k := len(instrs) - 1; k >= 0; k-- {
		i := instrs[k]
		for _, d := range i.DestRegs() {
			if kills(i, d) {
				use.Remove(d.Reg)
				def.Add(d.Reg)
			} else {
				use.Add(d.Reg)
			}
		}
		for _, u := range i.SrcRegs() {
			use.Add(u.Reg)
		}
	}
	return use, def
}

// Liveness computes LiveIn and LiveOut for every block in order, which must
// hold the blocks reachable from the entry. The function's results are live
// out of the exit block. Internal registers may not be live across a block
// boundary.
func Liveness(s *ir.CompileState, f *ir.Function, order []*ir.Block) error {
	use := make(map[ir.BlockID]ir.RegSet, len(order))
	def := make(map[ir.BlockID]ir.RegSet, len(order))
	for _, b := range order {
		use[b.ID], def[b.ID] = blockUseDef(s, b)
		b.LiveIn, b.LiveOut = ir.NewRegSet(), ir.NewRegSet()
	}

	c := f.CFG
	for changed := true; changed; {
		changed = false
		// Walk backwards so most successors are final before their predecessors.
		for k := len(order) - 1; k >= 0; k-- {
			b := order[k]
			out := ir.NewRegSet()
			for _, succ := range c.SuccBlocks(b) {
				out = out.Union(succ.LiveIn)
			}
			if b.ID == c.Exit {
				for _, r := range f.Results {
					out.Add(r)
				}
			}
			in := use[b.ID].Union(out.Minus(def[b.ID]))
			if !in.Equal(b.LiveIn) || !out.Equal(b.LiveOut) {
				b.LiveIn, b.LiveOut = in, out
				changed = true
			}
		}
	}

	for _, b := range order {
		for _, r := range b.LiveIn.Union(b.LiveOut).Sorted() {
			if r.Bank == ir.BankInternal {
				return diag.Malformed(0, "internal register %v is live across the boundary of block L%d", r, b.Label)
			}
		}
	}
	return nil
}
