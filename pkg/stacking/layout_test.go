package stacking

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/target"
)

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int
	}{
		{0, 8, 0},
		{1, 8, 8},
		{7, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{15, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{5, 0, 5},
	}

	for _, tt := range tests {
		got := alignUp(tt.n, tt.align)
		if got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}

func newFunc() (*ir.CompileState, *ir.Function) {
	s := ir.NewCompileState(target.Default(), target.DefaultOptions())
	return s, s.NewFunction("main")
}

func TestComputeLayoutEmpty(t *testing.T) {
	s, f := newFunc()
	layout := ComputeLayout(s, f)
	if layout.ArraySize != 0 || layout.SpillSize != 0 {
		t.Errorf("sizes = %d, %d, want 0", layout.ArraySize, layout.SpillSize)
	}
	if layout.TotalSize != 0 {
		t.Errorf("TotalSize = %d, want 0", layout.TotalSize)
	}
}

func TestComputeLayoutWithArrays(t *testing.T) {
	s, f := newFunc()
	used := s.NewArray(3)
	unused := s.NewArray(8)
	second := s.NewArray(2)
	b := f.CFG.EntryBlock()
	s.Append(b, s.NewInstr(ir.OpMov, ir.Regs(ir.Temp(0)), []ir.Operand{ir.ArrayElem{Array: second.ID, Mask: ir.MaskFull}}))
	s.Append(b, s.NewInstr(ir.OpMov, []ir.Operand{ir.ArrayElem{Array: used.ID, Mask: ir.MaskFull}}, ir.Regs(ir.Temp(0))))

	layout := ComputeLayout(s, f)
	if used.Offset != 0 || second.Offset != 12 {
		t.Errorf("array offsets = %d, %d, want 0, 12", used.Offset, second.Offset)
	}
	if unused.Offset != -1 {
		t.Errorf("unused array placed at %d", unused.Offset)
	}
	if layout.ArraySize != 20 {
		t.Errorf("ArraySize = %d, want 20", layout.ArraySize)
	}
	if layout.TotalSize != 32 {
		t.Errorf("TotalSize = %d, want 32", layout.TotalSize)
	}
}

func TestSpillSlots(t *testing.T) {
	s, f := newFunc()
	layout := ComputeLayout(s, f)
	a := layout.SpillSlot(ir.Temp(3))
	b := layout.SpillSlot(ir.Temp(7))
	if a == b {
		t.Fatal("two registers share a slot")
	}
	if again := layout.SpillSlot(ir.Temp(3)); again != a {
		t.Errorf("slot moved from %d to %d", a, again)
	}
	if layout.Slots() != 2 || layout.SpillSize != 8 {
		t.Errorf("Slots = %d, SpillSize = %d", layout.Slots(), layout.SpillSize)
	}
	if layout.TotalSize != 16 {
		t.Errorf("TotalSize = %d, want 16", layout.TotalSize)
	}
}

func TestArraysDoNotAliasAcrossFunctions(t *testing.T) {
	s := ir.NewCompileState(target.Default(), target.DefaultOptions())
	arr0, arr1 := s.NewArray(4), s.NewArray(4)
	read := func(f *ir.Function, arr *ir.Array) {
		src := []ir.Operand{ir.ArrayElem{Array: arr.ID, Mask: ir.MaskFull}}
		s.Append(f.CFG.EntryBlock(), s.NewInstr(ir.OpMov, ir.Regs(ir.Temp(0)), src))
	}
	a, b := s.NewFunction("a"), s.NewFunction("b")
	read(a, arr0)
	read(b, arr1)

	la := ComputeLayout(s, a)
	lb := ComputeLayout(s, b)
	if arr0.Offset == arr1.Offset {
		t.Fatalf("arrays share offset %d", arr0.Offset)
	}
	if arr0.Offset != 0 || arr1.Offset != 16 {
		t.Errorf("array offsets = %d, %d, want 0, 16", arr0.Offset, arr1.Offset)
	}
	if la.SpillOffset < 32 || lb.SpillOffset < 32 {
		t.Errorf("spill areas start at %d and %d, inside the arrays", la.SpillOffset, lb.SpillOffset)
	}
}

func TestCalleeFrameBelowCaller(t *testing.T) {
	s := ir.NewCompileState(target.Default(), target.DefaultOptions())
	helper, main := s.NewFunction("helper"), s.NewFunction("main")
	call := s.NewInstr(ir.OpCall, nil, nil)
	call.Payload = ir.CallPayload{Callee: "helper"}
	s.Append(main.CFG.EntryBlock(), call)

	lh := ComputeLayout(s, helper)
	slot := lh.SpillSlot(ir.Temp(1))
	helper.FrameSize = lh.TotalSize

	lm := ComputeLayout(s, main)
	if lm.CalleeSize != helper.FrameSize {
		t.Errorf("CalleeSize = %d, want %d", lm.CalleeSize, helper.FrameSize)
	}
	if own := lm.SpillSlot(ir.Temp(1)); own <= slot || own < helper.FrameSize {
		t.Errorf("caller slot %d overlaps callee frame of %d bytes", own, helper.FrameSize)
	}
}

func TestVectorSpillSlots(t *testing.T) {
	s, f := newFunc()
	layout := ComputeLayout(s, f)
	scalar := layout.SpillSlot(ir.Temp(0))
	vec := layout.SpillSlot(ir.Reg{Bank: ir.BankVector, Num: 0})
	next := layout.SpillSlot(ir.Temp(1))
	if scalar != 0 || vec != 16 || next != 32 {
		t.Errorf("slots = %d, %d, %d, want 0, 16, 32", scalar, vec, next)
	}
	if layout.SpillSize != 36 || layout.TotalSize != 48 {
		t.Errorf("SpillSize = %d, TotalSize = %d, want 36, 48", layout.SpillSize, layout.TotalSize)
	}
}
