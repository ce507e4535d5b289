// Package asm defines the finalized instruction stream handed to the
// machine-code encoder: blocks laid out in order, branch targets resolved
// to labels, re-convergence markers in place and every operand in a
// physical location.
package asm

import (
	"strconv"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Label represents a branch target label
type Label int

// --- Operands ---

// Operand is a resolved instruction operand.
type Operand interface {
	implOperand()
}

// Reg is a physical register. Mask selects the channels used; a full mask
// is not printed.
type Reg struct {
	Bank ir.Bank
	N    int
	Mask ir.ChanMask
}

// Imm is an immediate.
type Imm struct {
	Value uint32
}

// Special is a read-only hardware register.
type Special struct {
	N int
}

// Scratch addresses scratch memory: Offset bytes into the frame, plus
// Index times Stride when Index is set.
type Scratch struct {
	Offset int
	Index  *Reg
	Stride int
	Mask   ir.ChanMask
}

func (Reg) implOperand()     {}
func (Imm) implOperand()     {}
func (Special) implOperand() {}
func (Scratch) implOperand() {}

// --- Instruction Interface ---

// Instruction is the interface for stream entries
type Instruction interface {
	implInstruction()
}

// Instr is a machine instruction.
type Instr struct {
	Op     ir.Op
	Suffix string // condition or lane mask, e.g. ".lt.f", ".xy"
	Guard  *Reg
	Negate bool
	Dests  []Operand
	Srcs   []Operand
	// Swizzles holds one lane selector per vector source, e.g. "yx".
	Swizzles []string
	// Extra is the callee or texture selector.
	Extra       string
	CoIssue     bool
	SkipInvalid bool
	Line        int
}

// LabelDef defines a branch target
type LabelDef struct {
	Lbl Label
}

// Sync re-converges the threads of a lockstep group.
type Sync struct{}

// Branch - unconditional branch
type Branch struct {
	Target Label
}

// CondBranch branches when Pred (negated if Negate) holds.
type CondBranch struct {
	Pred    Reg
	Negate  bool
	Uniform bool
	Hint    ir.Hint
	Target  Label
}

// SwitchBranch branches to Targets[i] when Selector equals Cases[i] and
// to Default otherwise; without a default it falls through.
type SwitchBranch struct {
	Selector   Reg
	Cases      []int64
	Targets    []Label
	HasDefault bool
	Default    Label
	Uniform    bool
}

// Return ends the function
type Return struct{}

func (Instr) implInstruction()        {}
func (LabelDef) implInstruction()     {}
func (Sync) implInstruction()         {}
func (Branch) implInstruction()       {}
func (CondBranch) implInstruction()   {}
func (SwitchBranch) implInstruction() {}
func (Return) implInstruction()       {}

// --- Function and Program ---

// Function represents one laid-out function
type Function struct {
	Name      string
	FrameSize int
	CallDepth int
	Code      []Instruction
}

// Program represents a complete compiled program, leaf functions first
type Program struct {
	Target    string
	Functions []*Function
}

// NewFunction creates a new function
func NewFunction(name string) *Function {
	return &Function{
		Name: name,
		Code: make([]Instruction, 0),
	}
}

// Append adds an instruction to the function
func (f *Function) Append(inst Instruction) {
	f.Code = append(f.Code, inst)
}

// AppendLabel adds a label definition
func (f *Function) AppendLabel(lbl Label) {
	f.Code = append(f.Code, LabelDef{Lbl: lbl})
}

// --- Lowering ---

// PhysReg resolves a register operand. It fails if the register was never
// given a physical register.
func PhysReg(o ir.RegOperand) (Reg, error) {
	p, ok := o.Loc.(ir.Phys)
	if !ok {
		return Reg{}, diag.ICE("%v has no physical register (location %v)", o.Reg, o.Loc)
	}
	return Reg{Bank: o.Reg.Bank, N: p.N, Mask: o.Mask}, nil
}

// Lower converts an allocated instruction.
func Lower(s *ir.CompileState, i *ir.Instruction) (Instr, error) {
	out := Instr{
		Op:          i.Op,
		CoIssue:     i.Has(ir.FlagCoIssue),
		SkipInvalid: i.Has(ir.FlagSkipInvalid),
		Line:        i.Line,
	}
	if i.Pred != nil {
		g, err := PhysReg(ir.RegOperand{Reg: i.Pred.Reg, Mask: ir.MaskFull, Loc: i.Pred.Loc})
		if err != nil {
			return Instr{}, err
		}
		out.Guard, out.Negate = &g, i.Pred.Negate
	}

	var err error
	if out.Dests, err = lowerOperands(s, i.Dests); err != nil {
		return Instr{}, err
	}
	if out.Srcs, err = lowerOperands(s, i.Srcs); err != nil {
		return Instr{}, err
	}

	switch pl := i.Payload.(type) {
	case ir.TestPayload:
		out.Suffix = "." + pl.Cond.String()
		if pl.Float {
			out.Suffix += ".f"
		}
	case ir.VecPayload:
		out.Suffix = "." + pl.DstMask.String()
		for _, sw := range pl.Swizzles {
			var lanes []byte
			for c := 0; c < 4; c++ {
				if pl.DstMask.Has(c) {
					lanes = append(lanes, "xyzw"[sw[c]])
				}
			}
			out.Swizzles = append(out.Swizzles, string(lanes))
		}
	case ir.SpillPayload:
		slot := Scratch{Offset: pl.Offset, Mask: ir.MaskFull}
		if i.Op == ir.OpSpillSt {
			out.Dests = append(out.Dests, slot)
		} else {
			out.Srcs = append(out.Srcs, slot)
		}
	case ir.CallPayload:
		out.Extra = pl.Callee
	case ir.SamplePayload:
		out.Extra = "tex" + strconv.Itoa(pl.Texture)
		if pl.Gradients {
			out.Extra += " grad"
		}
	}
	return out, nil
}

func lowerOperands(s *ir.CompileState, ops []ir.Operand) ([]Operand, error) {
	out := make([]Operand, 0, len(ops))
	for _, o := range ops {
		switch o := o.(type) {
		case ir.RegOperand:
			r, err := PhysReg(o)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		case ir.Imm:
			out = append(out, Imm{Value: o.Value})
		case ir.Special:
			out = append(out, Special{N: o.Num})
		case ir.ArrayElem:
			arr := s.ArrayByID(o.Array)
			if arr == nil || arr.Offset < 0 {
				return nil, diag.ICE("array %d has no place in the frame", o.Array)
			}
			m := Scratch{Offset: arr.Offset + 4*o.Offset, Mask: o.Mask}
			if o.Index != nil {
				idx, err := PhysReg(*o.Index)
				if err != nil {
					return nil, err
				}
				m.Index, m.Stride = &idx, 4
			}
			out = append(out, m)
		default:
			return nil, diag.ICE("unknown operand %T", o)
		}
	}
	return out, nil
}
