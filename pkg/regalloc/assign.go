package regalloc

import (
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// writeBack stores the location of every register operand of order into
// the operand itself.
func writeBack(s *ir.CompileState, order []*ir.Block, locs map[ir.Reg]ir.Loc) {
	place := func(o ir.RegOperand) ir.RegOperand {
		o.Loc = locs[o.Reg]
		return o
	}
	operand := func(o ir.Operand) ir.Operand {
		switch o := o.(type) {
		case ir.RegOperand:
			return place(o)
		case ir.ArrayElem:
			if o.Index != nil {
				idx := place(*o.Index)
				o.Index = &idx
			}
			return o
		}
		return o
	}

	for _, b := range order {
		for _, i := range s.Instrs(b) {
			for k, o := range i.Dests {
				i.Dests[k] = operand(o)
			}
			for k, o := range i.Srcs {
				i.Srcs[k] = operand(o)
			}
			if i.Pred != nil {
				i.Pred.Loc = locs[i.Pred.Reg]
			}
		}
	}
}

// eliminateCopies deletes the moves of f whose two sides landed in the
// same physical register.
func eliminateCopies(s *ir.CompileState, f *ir.Function, locs map[ir.Reg]ir.Loc) int {
	n := 0
	s.ForEachOp(ir.OpMov, func(i *ir.Instruction) {
		dst, src, ok := i.IsCopy()
		if !ok {
			return
		}
		d, ok1 := locs[dst].(ir.Phys)
		c, ok2 := locs[src].(ir.Phys)
		if !ok1 || !ok2 || d != c {
			return
		}
		b := s.Block(i.Block())
		if b == nil || b.CFG() != f.CFG {
			return
		}
		b.InvalidateDeps()
		if s.Delete(i) {
			n++
		}
	})
	return n
}
