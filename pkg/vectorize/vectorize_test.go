package vectorize

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/target"
)

type fixture struct {
	t *testing.T
	s *ir.CompileState
	f *ir.Function
	b *ir.Block
}

// newFixture groups r0-r3, r4-r7 and r8-r11 as three vec4 values.
func newFixture(t *testing.T) *fixture {
	s := ir.NewCompileState(target.Default(), target.DefaultOptions())
	f := s.NewFunction("main")
	for base := 0; base < 12; base += 4 {
		if _, err := s.MakeGroup(ir.Temp(base), ir.Temp(base+1), ir.Temp(base+2), ir.Temp(base+3)); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{t: t, s: s, f: f, b: f.CFG.EntryBlock()}
}

func (x *fixture) emit(op ir.Op, d int, srcs ...ir.Operand) *ir.Instruction {
	i := x.s.NewInstr(op, ir.Regs(ir.Temp(d)), srcs)
	x.s.Append(x.b, i)
	return i
}

func r(n int) ir.Operand { return ir.Use(ir.Temp(n)) }

func (x *fixture) run() int {
	x.t.Helper()
	n, err := Function(x.s, x.f)
	if err != nil {
		x.t.Fatal(err)
	}
	if err := x.s.Validate(x.f); err != nil {
		x.t.Fatalf("result does not validate: %v", err)
	}
	return n
}

func (x *fixture) listing() []string {
	var out []string
	for _, i := range x.s.Instrs(x.b) {
		out = append(out, ir.FormatInstr(i))
	}
	return out
}

func (x *fixture) expect(want ...string) {
	x.t.Helper()
	got := x.listing()
	if len(got) != len(want) {
		x.t.Fatalf("got %q, want %q", got, want)
	}
	for k := range want {
		if got[k] != want[k] {
			x.t.Errorf("instr %d = %q, want %q", k, got[k], want[k])
		}
	}
}

func TestAdjacentChannels(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFAdd, 5, r(1), r(9))
	x.emit(ir.OpFAdd, 6, r(2), r(10))
	if n := x.run(); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	x.expect("vadd.xyz r4, r5, r6, r0, r1, r2, r8, r9, r10 .xyz .xyz")
}

func TestSwizzle(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFMul, 5, r(1), r(8))
	x.emit(ir.OpFMul, 4, r(0), r(9))
	if n := x.run(); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	x.expect("vmul.xy r4, r5, r0, r1, r9, r8 .xy .yx")
}

func TestHazardBlocksMerge(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFMul, 9, r(12), r(12))
	x.emit(ir.OpFAdd, 5, r(1), r(9)) // reads the fmul result
	if n := x.run(); n != 0 {
		t.Fatalf("merged %d, want 0", n)
	}
	x.expect(
		"fadd r4, r0, r8",
		"fmul r9, r12, r12",
		"fadd r5, r1, r9",
	)
}

func TestMixedBasesDecline(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFAdd, 5, r(1), r(12)) // r12 is not part of r8's value
	if n := x.run(); n != 0 {
		t.Errorf("merged %d, want 0", n)
	}
}

func TestDifferentGroupsDecline(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFAdd, 8, r(1), r(9))
	if n := x.run(); n != 0 {
		t.Errorf("merged %d, want 0", n)
	}
}

func TestUngroupedGetGrouped(t *testing.T) {
	x := newFixture(t)
	one := ir.Imm{Value: 1}
	x.emit(ir.OpFAdd, 20, r(0), one)
	x.emit(ir.OpFAdd, 21, r(1), one)
	if n := x.run(); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	x.expect("vadd.xy r20, r21, r0, r1, #1, #1 .xy .xx")
	g, off := x.s.GroupOf(ir.Temp(21))
	if g == nil || off != 1 {
		t.Errorf("r21 should be lane 1 of a new group, got %v %d", g, off)
	}
}

func TestImmediateErratum(t *testing.T) {
	x := newFixture(t)
	x.s.Target.Errata.VecNoImmediate = true
	one := ir.Imm{Value: 1}
	x.emit(ir.OpFAdd, 20, r(0), one)
	x.emit(ir.OpFAdd, 21, r(1), one)
	if n := x.run(); n != 0 {
		t.Errorf("merged %d, want 0", n)
	}
}

func TestPredicatedStaysScalar(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	i := x.emit(ir.OpFAdd, 5, r(1), r(9))
	i.Pred = &ir.Guard{Reg: ir.PredReg(0)}
	if n := x.run(); n != 0 {
		t.Errorf("merged %d, want 0", n)
	}
}

func TestNoVectorTarget(t *testing.T) {
	x := newFixture(t)
	x.s.Target.Features.VectorOps = false
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFAdd, 5, r(1), r(9))
	if n := x.run(); n != 0 {
		t.Errorf("merged %d, want 0", n)
	}
}

func TestInterleavedWorkKeepsPosition(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFRcp, 12, r(13))
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	x.emit(ir.OpFRsq, 14, r(15))
	x.emit(ir.OpFAdd, 5, r(1), r(9))
	if n := x.run(); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	x.expect(
		"frcp r12, r13",
		"vadd.xy r4, r5, r0, r1, r8, r9 .xy .xy",
		"frsq r14, r15",
	)
}

func TestMergeBreaksCoIssuePairs(t *testing.T) {
	x := newFixture(t)
	x.emit(ir.OpFRcp, 12, r(13))
	x.emit(ir.OpFAdd, 4, r(0), r(8))
	rsq := x.emit(ir.OpFRsq, 14, r(15))
	rsq.Flags |= ir.FlagCoIssue
	x.emit(ir.OpFAdd, 5, r(1), r(9))
	mul := x.emit(ir.OpFMul, 16, r(17), r(18))
	mul.Flags |= ir.FlagCoIssue
	if n := x.run(); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	for _, i := range x.s.Instrs(x.b) {
		if i.Has(ir.FlagCoIssue) {
			t.Errorf("%s still co-issues after the merge", ir.FormatInstr(i))
		}
	}
}
