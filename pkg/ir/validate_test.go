package ir

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/diag"
)

func TestValidate(t *testing.T) {
	idx := func(b Bank) *RegOperand {
		o := Use(Reg{Bank: b, Num: 0})
		return &o
	}
	tests := []struct {
		name  string
		build func(s *CompileState) *Instruction
		want  diag.Kind
	}{
		{
			name:  "well formed",
			build: func(s *CompileState) *Instruction { return fadd(s, 2, 0, 1) },
		},
		{
			name: "wrong arity",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpFAdd, Regs(Temp(1)), Regs(Temp(0)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "special out of range",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpMov, Regs(Temp(1)), []Operand{Special{Num: 99}})
			},
			want: diag.MalformedInput,
		},
		{
			name: "write to immediate",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpMov, []Operand{Imm{Value: 1}}, Regs(Temp(0)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "bank without registers",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpMov, Regs(Temp(1)), Regs(Reg{Bank: BankVector, Num: 0}))
			},
			want: diag.MalformedInput,
		},
		{
			name: "empty mask",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpMov, []Operand{RegOperand{Reg: Temp(1)}}, Regs(Temp(0)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "array offset out of range",
			build: func(s *CompileState) *Instruction {
				a := s.NewArray(4)
				return s.NewInstr(OpMov, Regs(Temp(1)), []Operand{ArrayElem{Array: a.ID, Offset: 4, Mask: MaskFull}})
			},
			want: diag.MalformedInput,
		},
		{
			name: "dynamic index",
			build: func(s *CompileState) *Instruction {
				a := s.NewArray(4)
				return s.NewInstr(OpMov, Regs(Temp(1)), []Operand{ArrayElem{Array: a.ID, Index: idx(BankIndex), Mask: MaskFull}})
			},
		},
		{
			name: "index from temp bank",
			build: func(s *CompileState) *Instruction {
				a := s.NewArray(4)
				return s.NewInstr(OpMov, Regs(Temp(1)), []Operand{ArrayElem{Array: a.ID, Index: idx(BankTemp), Mask: MaskFull}})
			},
			want: diag.MalformedInput,
		},
		{
			name: "guard not a predicate",
			build: func(s *CompileState) *Instruction {
				i := fadd(s, 2, 0, 1)
				i.Pred = &Guard{Reg: Temp(3)}
				return i
			},
			want: diag.MalformedInput,
		},
		{
			name: "test into temp",
			build: func(s *CompileState) *Instruction {
				return s.NewInstr(OpTest, Regs(Temp(3)), Regs(Temp(0), Temp(1)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "vector lanes mismatch",
			build: func(s *CompileState) *Instruction {
				i := s.NewInstr(OpVAdd, Regs(Temp(4), Temp(5)), Regs(Temp(0), Temp(1), Temp(2)))
				i.Payload = VecPayload{DstMask: 0x3, Swizzles: [][4]uint8{{0, 1}, {0, 1}}}
				return i
			},
			want: diag.MalformedInput,
		},
		{
			name: "vector add",
			build: func(s *CompileState) *Instruction {
				i := s.NewInstr(OpVAdd, Regs(Temp(4), Temp(5)), Regs(Temp(0), Temp(1), Temp(2), Temp(3)))
				i.Payload = VecPayload{DstMask: 0x3, Swizzles: [][4]uint8{{0, 1}, {0, 1}}}
				return i
			},
		},
	}
	call := func(s *CompileState, dests, srcs []Operand) *Instruction {
		h := s.NewFunction("helper")
		h.Params = []Reg{Temp(10)}
		h.Results = []Reg{Temp(11)}
		i := s.NewInstr(OpCall, dests, srcs)
		i.Payload = CallPayload{Callee: "helper"}
		return i
	}
	tests = append(tests, []struct {
		name  string
		build func(s *CompileState) *Instruction
		want  diag.Kind
	}{
		{
			name: "call",
			build: func(s *CompileState) *Instruction {
				return call(s, Regs(Temp(1)), Regs(Temp(0)))
			},
		},
		{
			name: "call with immediate argument",
			build: func(s *CompileState) *Instruction {
				return call(s, Regs(Temp(1)), []Operand{Imm{Value: 3}})
			},
		},
		{
			name: "call missing an argument",
			build: func(s *CompileState) *Instruction {
				return call(s, Regs(Temp(1)), nil)
			},
			want: diag.MalformedInput,
		},
		{
			name: "call with extra result",
			build: func(s *CompileState) *Instruction {
				return call(s, Regs(Temp(1), Temp(2)), Regs(Temp(0)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "call argument from wrong bank",
			build: func(s *CompileState) *Instruction {
				return call(s, Regs(Temp(1)), Regs(PredReg(0)))
			},
			want: diag.MalformedInput,
		},
		{
			name: "call to unknown function",
			build: func(s *CompileState) *Instruction {
				i := s.NewInstr(OpCall, nil, nil)
				i.Payload = CallPayload{Callee: "nowhere"}
				return i
			},
			want: diag.MalformedInput,
		},
	}...)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState()
			f := s.NewFunction("main")
			i := tt.build(s)
			i.Line = 12
			s.Append(f.CFG.EntryBlock(), i)
			err := s.Validate(f)
			if got := diag.KindOf(err); got != tt.want {
				t.Fatalf("Validate() = %v, want kind %v", err, tt.want)
			}
			if err != nil {
				e, _ := diag.As(err)
				if e.Line != 12 || e.Func != "main" {
					t.Errorf("diagnostic lacks location: line %d func %q", e.Line, e.Func)
				}
			}
		})
	}
}

func TestValidateFixedOutOfBank(t *testing.T) {
	s := newTestState()
	f := s.NewFunction("main")
	if err := s.FixReg(PredReg(0), s.BankSize(BankPredicate)); err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(f); diag.KindOf(err) != diag.Allocation {
		t.Errorf("Validate() = %v, want allocation failure", err)
	}
}

func TestValidateRejectsVectorOpsWithoutFeature(t *testing.T) {
	s := newTestState()
	s.Target.Features.VectorOps = false
	f := s.NewFunction("main")
	i := s.NewInstr(OpVMov, Regs(Temp(4)), Regs(Temp(0)))
	i.Payload = VecPayload{DstMask: 0x1, Swizzles: [][4]uint8{{0}}}
	s.Append(f.CFG.EntryBlock(), i)
	if err := s.Validate(f); diag.KindOf(err) != diag.MalformedInput {
		t.Errorf("Validate() = %v", err)
	}
}
