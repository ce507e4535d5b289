package ir

import (
	"github.com/raymyers/ralph-usc/pkg/diag"
)

// Validate checks every instruction of f against the target's declared
// limits and the opcode table. The first violation is returned as a
// malformed-input error carrying the instruction's source line.
func (s *CompileState) Validate(f *Function) error {
	for _, b := range f.CFG.Blocks() {
		for _, i := range s.Instrs(b) {
			if err := s.validateInstr(i); err != nil {
				return diag.InFunc(err, f.Name)
			}
		}
		if err := s.validateMode(b); err != nil {
			return diag.InFunc(err, f.Name)
		}
	}
	for r, p := range s.fixed {
		if n := s.BankSize(r.Bank); p >= n {
			return diag.NoRegisters("%v fixed to %s register %d but the bank has %d", r, r.Bank, p, n)
		}
	}
	return nil
}

func (s *CompileState) validateInstr(i *Instruction) error {
	info := i.Op.Info()
	if i.Op == OpInvalid || i.Op >= NumOps {
		return diag.Malformed(i.Line, "invalid opcode %d", int(i.Op))
	}
	if info.Dests >= 0 && len(i.Dests) != info.Dests {
		return diag.Malformed(i.Line, "%v takes %d destinations, got %d", i.Op, info.Dests, len(i.Dests))
	}
	if info.Srcs >= 0 && len(i.Srcs) != info.Srcs {
		return diag.Malformed(i.Line, "%v takes %d sources, got %d", i.Op, info.Srcs, len(i.Srcs))
	}
	if info.IsVector {
		if !s.Target.Features.VectorOps {
			return diag.Malformed(i.Line, "%v needs a target with vector operations", i.Op)
		}
		if err := checkVecShape(i); err != nil {
			return err
		}
	}
	for _, d := range i.Dests {
		switch d.(type) {
		case Imm, Special:
			return diag.Malformed(i.Line, "%v writes to a read-only operand", i.Op)
		}
		if err := s.validateOperand(i, d); err != nil {
			return err
		}
	}
	for _, o := range i.Srcs {
		if err := s.validateOperand(i, o); err != nil {
			return err
		}
	}
	if i.Pred != nil && i.Pred.Reg.Bank != BankPredicate {
		return diag.Malformed(i.Line, "guard %v is not a predicate register", i.Pred.Reg)
	}
	if i.Op == OpCall {
		if err := s.validateCall(i); err != nil {
			return err
		}
	}
	if i.Op == OpTest {
		if r, ok := i.Dests[0].(RegOperand); !ok || r.Reg.Bank != BankPredicate {
			return diag.Malformed(i.Line, "test must write a predicate register")
		}
	}
	return nil
}

// validateCall checks a call's arguments and results against the callee's
// params and results.
func (s *CompileState) validateCall(i *Instruction) error {
	c, ok := i.Payload.(CallPayload)
	if !ok {
		return diag.Malformed(i.Line, "call has no callee")
	}
	callee := s.FuncByName(c.Callee)
	if callee == nil {
		return diag.Malformed(i.Line, "call to unknown function %v", c.Callee)
	}
	if len(i.Srcs) != len(callee.Params) || len(i.Dests) != len(callee.Results) {
		return diag.Malformed(i.Line, "%v takes %d arguments and returns %d values, call has %d and %d",
			c.Callee, len(callee.Params), len(callee.Results), len(i.Srcs), len(i.Dests))
	}
	for k, o := range i.Srcs {
		if r, ok := o.(RegOperand); ok && r.Reg.Bank != callee.Params[k].Bank {
			return diag.Malformed(i.Line, "argument %d of %v is a %v register, want %v", k, c.Callee, r.Reg.Bank, callee.Params[k].Bank)
		}
	}
	for k, o := range i.Dests {
		r, ok := o.(RegOperand)
		if !ok || r.Reg.Bank != callee.Results[k].Bank || r.Mask != MaskFull {
			return diag.Malformed(i.Line, "result %d of %v must be a whole %v register", k, c.Callee, callee.Results[k].Bank)
		}
	}
	return nil
}

func checkVecShape(i *Instruction) error {
	v, ok := i.Payload.(VecPayload)
	if !ok {
		return diag.Malformed(i.Line, "%v has no vector payload", i.Op)
	}
	lanes := v.DstMask.Count()
	if lanes == 0 || len(i.Dests) != lanes {
		return diag.Malformed(i.Line, "%v writes %d lanes but has %d destinations", i.Op, lanes, len(i.Dests))
	}
	if len(i.Srcs) != lanes*len(v.Swizzles) {
		return diag.Malformed(i.Line, "%v has %d sources for %d lanes of %d inputs", i.Op, len(i.Srcs), lanes, len(v.Swizzles))
	}
	for _, sw := range v.Swizzles {
		for _, c := range sw {
			if c > 3 {
				return diag.Malformed(i.Line, "%v swizzle component %d out of range", i.Op, c)
			}
		}
	}
	return nil
}

func (s *CompileState) validateOperand(i *Instruction, o Operand) error {
	switch o := o.(type) {
	case RegOperand:
		return s.validateReg(i, o)
	case Special:
		if o.Num < 0 || o.Num >= s.Target.Regs.Special {
			return diag.Malformed(i.Line, "special register s%d outside 0..%d", o.Num, s.Target.Regs.Special-1)
		}
	case ArrayElem:
		a := s.ArrayByID(o.Array)
		if a == nil {
			return diag.Malformed(i.Line, "unknown array %d", o.Array)
		}
		if o.Offset < 0 || o.Offset >= a.Size {
			return diag.Malformed(i.Line, "array %d offset %d outside 0..%d", o.Array, o.Offset, a.Size-1)
		}
		if o.Index != nil {
			if !s.Target.Features.IndexedTemps {
				return diag.Malformed(i.Line, "dynamic array index needs a target with indexed temps")
			}
			if o.Index.Reg.Bank != BankIndex {
				return diag.Malformed(i.Line, "array index %v is not an index register", o.Index.Reg)
			}
			return s.validateReg(i, *o.Index)
		}
	}
	return nil
}

func (s *CompileState) validateReg(i *Instruction, o RegOperand) error {
	if o.Reg.Bank >= NumBanks {
		return diag.Malformed(i.Line, "register bank %d does not exist", int(o.Reg.Bank))
	}
	if o.Reg.Num < 0 {
		return diag.Malformed(i.Line, "negative register number %v", o.Reg)
	}
	if s.BankSize(o.Reg.Bank) == 0 {
		return diag.Malformed(i.Line, "%v: the target has no %s registers", o.Reg, o.Reg.Bank)
	}
	if o.Mask == 0 || o.Mask > MaskFull {
		return diag.Malformed(i.Line, "%v has channel mask %#x", o.Reg, uint8(o.Mask))
	}
	return nil
}

func (s *CompileState) validateMode(b *Block) error {
	switch m := b.Mode.(type) {
	case Conditional:
		if m.Pred.Bank != BankPredicate {
			return diag.Malformed(0, "L%d branches on non-predicate %v", b.Label, m.Pred)
		}
	case Switch:
		if m.Selector.Bank == BankPredicate {
			return diag.Malformed(0, "L%d switches on predicate %v", b.Label, m.Selector)
		}
	}
	return nil
}
