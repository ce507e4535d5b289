package depgraph

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/target"
)

func setup() (*ir.CompileState, *ir.Block) {
	s := ir.NewCompileState(target.Default(), target.DefaultOptions())
	f := s.NewFunction("main")
	return s, f.CFG.EntryBlock()
}

func add(s *ir.CompileState, b *ir.Block, d, x, y int) *ir.Instruction {
	i := s.NewInstr(ir.OpFAdd, ir.Regs(ir.Temp(d)), ir.Regs(ir.Temp(x), ir.Temp(y)))
	s.Append(b, i)
	return i
}

func edgeKind(g *Graph, from, to int) Kind {
	for _, e := range g.Preds(from) {
		if e.Dep == to {
			return e.Kind
		}
	}
	return 0
}

func TestHazards(t *testing.T) {
	s, b := setup()
	add(s, b, 1, 0, 0) // 0: r1 = r0 + r0
	add(s, b, 2, 1, 0) // 1: r2 = r1 + r0   RAW on 0
	add(s, b, 0, 3, 3) // 2: r0 = r3 + r3   WAR on 0 and 1
	add(s, b, 1, 3, 3) // 3: r1 = r3 + r3   WAW on 0, WAR on 1
	add(s, b, 4, 5, 5) // 4: independent
	g := Build(s, b)

	tests := []struct {
		from, to int
		want     Kind
	}{
		{1, 0, RAW},
		{2, 0, WAR},
		{2, 1, WAR},
		{3, 0, WAW},
		{3, 1, WAR},
		{4, 0, 0},
		{1, 2, 0},
	}
	for _, tt := range tests {
		if got := edgeKind(g, tt.from, tt.to); got != tt.want {
			t.Errorf("edge %d->%d = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if len(g.Preds(4)) != 0 {
		t.Errorf("independent node has deps %v", g.Preds(4))
	}
}

func TestGuardedWriteReadsOldValue(t *testing.T) {
	s, b := setup()
	add(s, b, 1, 0, 0)
	i := s.NewInstr(ir.OpMov, ir.Regs(ir.Temp(1)), ir.Regs(ir.Temp(2)))
	i.Pred = &ir.Guard{Reg: ir.PredReg(0)}
	s.Append(b, i)
	partial := s.NewInstr(ir.OpMov, []ir.Operand{ir.RegOperand{Reg: ir.Temp(1), Mask: 0x3}}, ir.Regs(ir.Temp(2)))
	s.Append(b, partial)
	g := Build(s, b)
	if edgeKind(g, 1, 0) != RAW {
		t.Errorf("guarded write should read the previous value: %v", g.Preds(1))
	}
	if edgeKind(g, 2, 1) != RAW {
		t.Errorf("partial write should read the previous value: %v", g.Preds(2))
	}
}

func TestArrays(t *testing.T) {
	s, b := setup()
	arr := s.NewArray(8)
	other := s.NewArray(8)
	idx := ir.Use(ir.Reg{Bank: ir.BankIndex, Num: 0})
	elem := func(a *ir.Array, off int, dyn bool) ir.ArrayElem {
		e := ir.ArrayElem{Array: a.ID, Offset: off, Mask: ir.MaskFull}
		if dyn {
			e.Index = &idx
		}
		return e
	}
	st := func(e ir.ArrayElem) {
		s.Append(b, s.NewInstr(ir.OpMov, []ir.Operand{e}, ir.Regs(ir.Temp(0))))
	}
	ld := func(e ir.ArrayElem, d int) {
		s.Append(b, s.NewInstr(ir.OpMov, ir.Regs(ir.Temp(d)), []ir.Operand{e}))
	}
	st(elem(arr, 0, false))   // 0
	st(elem(arr, 1, false))   // 1
	ld(elem(arr, 1, false), 1) // 2: RAW on 1 only
	ld(elem(arr, 0, true), 2)  // 3: dynamic read, RAW on 0 and 1
	st(elem(other, 0, true))  // 4: other array, independent
	st(elem(arr, 5, false))   // 5: WAR on 3 (dynamic read may hit 5)
	g := Build(s, b)

	if edgeKind(g, 2, 1) != RAW || edgeKind(g, 2, 0) != 0 {
		t.Errorf("constant offsets should be precise: %v", g.Preds(2))
	}
	if edgeKind(g, 3, 0) != RAW || edgeKind(g, 3, 1) != RAW {
		t.Errorf("dynamic read depends on every earlier write: %v", g.Preds(3))
	}
	if edgeKind(g, 3, 2) != 0 {
		t.Error("two reads never conflict")
	}
	if len(g.Preds(4)) != 0 {
		t.Errorf("other array is independent: %v", g.Preds(4))
	}
	if edgeKind(g, 5, 3) != WAR {
		t.Errorf("write after dynamic read: %v", g.Preds(5))
	}
}

func TestMemoryAndScratch(t *testing.T) {
	s, b := setup()
	ld := s.NewInstr(ir.OpLoad, ir.Regs(ir.Temp(1)), ir.Regs(ir.Temp(0)))
	st := s.NewInstr(ir.OpStore, nil, ir.Regs(ir.Temp(0), ir.Temp(2)))
	sp := s.NewInstr(ir.OpSpillSt, nil, ir.Regs(ir.Temp(3)))
	sp.Payload = ir.SpillPayload{Offset: 4}
	rl := s.NewInstr(ir.OpSpillLd, ir.Regs(ir.Temp(4)), nil)
	rl.Payload = ir.SpillPayload{Offset: 4}
	rl2 := s.NewInstr(ir.OpSpillLd, ir.Regs(ir.Temp(5)), nil)
	rl2.Payload = ir.SpillPayload{Offset: 8}
	for _, i := range []*ir.Instruction{ld, st, sp, rl, rl2} {
		s.Append(b, i)
	}
	g := Build(s, b)
	if edgeKind(g, 1, 0) != WAR {
		t.Errorf("store after load: %v", g.Preds(1))
	}
	if edgeKind(g, 3, 2) != RAW {
		t.Errorf("restore after save of the same slot: %v", g.Preds(3))
	}
	if edgeKind(g, 4, 2) != 0 {
		t.Error("different spill slots are independent")
	}
	if edgeKind(g, 2, 1) != 0 {
		t.Error("spill slots do not alias general memory")
	}
}

func TestTopoSortAndClosure(t *testing.T) {
	s, b := setup()
	add(s, b, 1, 0, 0) // 0
	add(s, b, 2, 1, 1) // 1 <- 0
	add(s, b, 3, 2, 2) // 2 <- 1
	add(s, b, 9, 8, 8) // 3
	g := Build(s, b)

	order, err := g.TopoSort()
	if err != nil {
		t.Fatal(err)
	}
	pos := make([]int, g.Len())
	for n, k := range order {
		pos[k] = n
	}
	for k := 0; k < g.Len(); k++ {
		for _, e := range g.Preds(k) {
			if pos[e.Dep] >= pos[k] {
				t.Errorf("node %d sorted before its dependency %d", k, e.Dep)
			}
		}
	}
	if !g.Reaches(2, 0) || g.DependsOn(2, 0) {
		t.Error("closure should add the transitive 2->0")
	}
	if g.Reaches(3, 0) || g.Reaches(0, 2) {
		t.Error("closure has spurious entries")
	}
	if g.Ancestors(2) != 2 {
		t.Errorf("Ancestors(2) = %d, want 2", g.Ancestors(2))
	}
}

func TestWorklist(t *testing.T) {
	s, b := setup()
	add(s, b, 1, 0, 0) // 0
	add(s, b, 2, 0, 0) // 1
	add(s, b, 3, 1, 2) // 2 <- 0, 1
	g := Build(s, b)

	if got := g.Available(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("Available = %v", got)
	}
	if err := g.Commit(2); diag.KindOf(err) != diag.Internal {
		t.Errorf("committing a blocked node: %v", err)
	}
	if err := g.Commit(1); err != nil {
		t.Fatal(err)
	}
	if len(g.Available()) != 1 {
		t.Errorf("node 2 still waits for 0: %v", g.Available())
	}
	if err := g.Commit(0); err != nil {
		t.Fatal(err)
	}
	if got := g.Available(); len(got) != 1 || got[0] != 2 {
		t.Errorf("Available = %v, want [2]", got)
	}
	if g.Remaining() != 1 {
		t.Errorf("Remaining = %d", g.Remaining())
	}
}

func TestCaching(t *testing.T) {
	s, b := setup()
	i := add(s, b, 1, 0, 0)
	g := Get(s, b)
	if Get(s, b) != g {
		t.Error("unchanged block should reuse its graph")
	}
	if !g.Contains(i.ID) {
		t.Error("graph should contain the block's instruction")
	}
	if s.Remove(i) {
		t.Error("removal must fail while the graph is cached")
	}
	b.InvalidateDeps()
	if !s.Remove(i) {
		t.Fatal("removal after invalidation failed")
	}
	if Get(s, b) == g {
		t.Error("changed block should get a fresh graph")
	}
}
