package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// A call jumps into code that shares the register file with its caller.
// The callee expects its params and leaves its results in the physical
// registers its own allocation chose, and it overwrites the registers in
// its Clobbers. Callees are allocated before their callers.

func calleeOf(s *ir.CompileState, i *ir.Instruction) (*ir.Function, error) {
	c, ok := i.Payload.(ir.CallPayload)
	if !ok {
		return nil, diag.ICE("call without a callee")
	}
	callee := s.FuncByName(c.Callee)
	if callee == nil || !callee.Allocated {
		return nil, diag.ICE("call to %v before it was allocated", c.Callee)
	}
	return callee, nil
}

// bindCalls moves every argument into a fresh register fixed to the
// callee's param register right before the call, and copies every result
// out of a fresh register fixed to the callee's result register right
// after it. The copies are usually coalesced away.
func bindCalls(s *ir.CompileState, f *ir.Function) (int, error) {
	var calls []*ir.Instruction
	for _, b := range f.CFG.Blocks() {
		for _, i := range s.Instrs(b) {
			if i.Op == ir.OpCall {
				calls = append(calls, i)
			}
		}
	}

	for _, i := range calls {
		callee, err := calleeOf(s, i)
		if err != nil {
			return 0, diag.AtLine(err, i.Line)
		}
		if len(i.Srcs) != len(callee.ParamLocs) || len(i.Dests) != len(callee.ResultLocs) {
			return 0, diag.Malformed(i.Line, "call to %v does not match its params and results", callee.Name)
		}
		s.Block(i.Block()).InvalidateDeps()

		for k, o := range i.Srcs {
			phys := callee.ParamLocs[k]
			if phys < 0 {
				continue
			}
			t := s.NewReg(callee.Params[k].Bank)
			if err := s.FixReg(t, phys); err != nil {
				return 0, err
			}
			s.InsertBefore(i, copyInstr(s, i, t, o))
			i.Srcs[k] = ir.Use(t)
		}

		pos := i
		for k, o := range i.Dests {
			phys := callee.ResultLocs[k]
			if phys < 0 {
				continue
			}
			u := s.NewReg(callee.Results[k].Bank)
			if err := s.FixReg(u, phys); err != nil {
				return 0, err
			}
			d := o.(ir.RegOperand)
			mv := copyInstr(s, i, d.Reg, ir.Use(u))
			s.InsertAfter(pos, mv)
			pos = mv
			i.Dests[k] = ir.RegOperand{Reg: u, Mask: ir.MaskFull}
		}
	}
	return len(calls), nil
}

// copyInstr builds "mov dst, src" guarded like the call.
func copyInstr(s *ir.CompileState, call *ir.Instruction, dst ir.Reg, src ir.Operand) *ir.Instruction {
	mv := s.NewInstr(ir.OpMov, ir.Regs(dst), []ir.Operand{src})
	mv.Line = call.Line
	if call.Pred != nil {
		g := *call.Pred
		mv.Pred = &g
	}
	return mv
}

// noteClobbers marks every interval that is live across a call with the
// registers the callee overwrites.
func noteClobbers(s *ir.CompileState, order []*ir.Block, ivs map[ir.Reg]*Interval) error {
	offsets := blockOffsets(order)
	for _, b := range order {
		off, n := offsets[b.ID], b.Len()
		for k, i := range s.Instrs(b) {
			if i.Op != ir.OpCall {
				continue
			}
			callee, err := calleeOf(s, i)
			if err != nil {
				return diag.AtLine(err, i.Line)
			}
			p := off + posPerInstr*(n-k)
			for r, iv := range ivs {
				if regs := callee.Clobbers[r.Bank]; len(regs) > 0 && iv.Covers(p) && iv.Covers(p-1) {
					iv.avoid(regs...)
				}
			}
		}
	}
	return nil
}

// publish records what callers of f need to know about its allocation.
func publish(s *ir.CompileState, f *ir.Function, order []*ir.Block, locs map[ir.Reg]ir.Loc) {
	physOf := func(regs []ir.Reg) []int {
		out := make([]int, len(regs))
		for k, r := range regs {
			out[k] = -1
			if p, ok := locs[r].(ir.Phys); ok {
				out[k] = p.N
			}
		}
		return out
	}
	f.ParamLocs = physOf(f.Params)
	f.ResultLocs = physOf(f.Results)

	written := make(map[ir.Bank]map[int]bool)
	add := func(bank ir.Bank, phys ...int) {
		if written[bank] == nil {
			written[bank] = make(map[int]bool)
		}
		for _, p := range phys {
			written[bank][p] = true
		}
	}
	for _, b := range order {
		for _, i := range s.Instrs(b) {
			for _, d := range i.DestRegs() {
				if p, ok := locs[d.Reg].(ir.Phys); ok {
					add(d.Reg.Bank, p.N)
				}
			}
			if i.Op == ir.OpCall {
				if callee, err := calleeOf(s, i); err == nil {
					for bank, regs := range callee.Clobbers {
						add(bank, regs...)
					}
				}
			}
		}
	}
	f.Clobbers = make(map[ir.Bank][]int, len(written))
	for bank, set := range written {
		regs := make([]int, 0, len(set))
		for p := range set {
			regs = append(regs, p)
		}
		slices.Sort(regs)
		f.Clobbers[bank] = regs
	}
	f.Allocated = true
}
