package regalloc

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/dom"
	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/stacking"
	"github.com/raymyers/ralph-usc/pkg/target"
)

func newState(temps int, opts target.Options) *ir.CompileState {
	desc := target.Default()
	desc.Regs.Temp = temps
	return ir.NewCompileState(desc, opts)
}

func r(n int) ir.Reg { return ir.Temp(n) }

func emit(s *ir.CompileState, b *ir.Block, op ir.Op, dests []ir.Reg, srcs ...ir.Operand) *ir.Instruction {
	i := s.NewInstr(op, ir.Regs(dests...), srcs)
	for _, d := range dests {
		s.NoteReg(d)
	}
	for _, o := range srcs {
		if ro, ok := o.(ir.RegOperand); ok {
			s.NoteReg(ro.Reg)
		}
	}
	s.Append(b, i)
	return i
}

func imm(v uint32) ir.Operand { return ir.Imm{Value: v} }

func use(rs ...ir.Reg) []ir.Operand { return ir.Regs(rs...) }

func movImm(s *ir.CompileState, b *ir.Block, d ir.Reg, v uint32) *ir.Instruction {
	return emit(s, b, ir.OpMov, []ir.Reg{d}, imm(v))
}

func store(s *ir.CompileState, b *ir.Block, addr, val ir.Reg) *ir.Instruction {
	return emit(s, b, ir.OpStore, nil, use(addr, val)...)
}

func allocate(t *testing.T, s *ir.CompileState, f *ir.Function) *Result {
	t.Helper()
	res, err := Function(s, f, stacking.ComputeLayout(s, f))
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	return res
}

func wantKind(t *testing.T, err error, kind diag.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got success", kind)
	}
	if got := diag.KindOf(err); got != kind {
		t.Fatalf("error kind = %v, want %v (%v)", got, kind, err)
	}
}

// checkAssignment recomputes intervals on the final code and fails if two
// registers of a bank that are live together share a physical register.
func checkAssignment(t *testing.T, s *ir.CompileState, f *ir.Function, res *Result) {
	t.Helper()
	order := dom.ReversePostorder(f.CFG)
	if err := Liveness(s, f, order); err != nil {
		t.Fatal(err)
	}
	ivs := BuildIntervals(s, order)
	for bank := ir.Bank(0); bank < ir.NumBanks; bank++ {
		bivs := bankIntervals(ivs, bank)
		for i, a := range bivs {
			la, ok := res.Locs[a.Reg].(ir.Phys)
			if !ok {
				t.Errorf("%v has no physical register (%v)", a.Reg, res.Locs[a.Reg])
				continue
			}
			for _, b := range bivs[i+1:] {
				if lb, ok := res.Locs[b.Reg].(ir.Phys); ok && la == lb && a.Overlaps(b) {
					t.Errorf("%v and %v are live together in %s%d", a.Reg, b.Reg, bank.Prefix(), la.N)
				}
			}
		}
	}
}
