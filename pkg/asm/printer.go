package asm

import (
	"fmt"
	"io"
	"strings"

	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Printer emits the instruction stream as text
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintProgram prints a complete program
func (p *Printer) PrintProgram(prog *Program) {
	if prog.Target != "" {
		fmt.Fprintf(p.w, "\t.target\t%s\n", prog.Target)
	}
	for _, fn := range prog.Functions {
		p.PrintFunction(fn)
	}
}

// PrintFunction prints one function with its frame directive.
func (p *Printer) PrintFunction(fn *Function) {
	fmt.Fprintf(p.w, "\n\t.func\t%s\n", fn.Name)
	if fn.FrameSize > 0 {
		fmt.Fprintf(p.w, "\t.frame\t%d\n", fn.FrameSize)
	}
	if fn.CallDepth > 0 {
		fmt.Fprintf(p.w, "\t.calls\t%d\n", fn.CallDepth)
	}
	for _, inst := range fn.Code {
		p.printInstruction(inst)
	}
	fmt.Fprintf(p.w, "\t.endfunc\t%s\n", fn.Name)
}

func (p *Printer) printInstruction(inst Instruction) {
	switch i := inst.(type) {
	case LabelDef:
		fmt.Fprintf(p.w, "%s:\n", i.Lbl)
	case Sync:
		fmt.Fprintf(p.w, "\tsync\n")
	case Return:
		fmt.Fprintf(p.w, "\tret\n")
	case Branch:
		fmt.Fprintf(p.w, "\tbr\t%s\n", i.Target)
	case CondBranch:
		fmt.Fprintf(p.w, "\tbr%s\t%s%s, %s\n", condSuffix(i), negation(i.Negate), i.Pred, i.Target)
	case SwitchBranch:
		p.printSwitch(i)
	case Instr:
		fmt.Fprintf(p.w, "\t%s\n", FormatInstr(i))
	default:
		fmt.Fprintf(p.w, "\t# unknown instruction %T\n", inst)
	}
}

func (p *Printer) printSwitch(i SwitchBranch) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\tswitch")
	if i.Uniform {
		sb.WriteString(".u")
	}
	fmt.Fprintf(&sb, "\t%s", i.Selector)
	for k, c := range i.Cases {
		fmt.Fprintf(&sb, ", %d:%s", c, i.Targets[k])
	}
	if i.HasDefault {
		fmt.Fprintf(&sb, ", default:%s", i.Default)
	}
	fmt.Fprintln(p.w, sb.String())
}

func condSuffix(i CondBranch) string {
	s := ""
	if i.Uniform {
		s += ".u"
	}
	switch i.Hint {
	case ir.HintTrue:
		s += ".likely"
	case ir.HintFalse:
		s += ".unlikely"
	}
	return s
}

func negation(neg bool) string {
	if neg {
		return "!"
	}
	return ""
}

// String returns the label name.
func (l Label) String() string {
	return fmt.Sprintf("L%d", int(l))
}

// String returns the physical register name, e.g. "R3" or "P0.xy".
func (r Reg) String() string {
	s := fmt.Sprintf("%s%d", strings.ToUpper(r.Bank.Prefix()), r.N)
	if r.Mask != ir.MaskFull && r.Mask != 0 {
		s += "." + r.Mask.String()
	}
	return s
}

// FormatInstr renders a machine instruction, e.g. "(!P0) fadd R2, R0, #1".
func FormatInstr(i Instr) string {
	var sb strings.Builder
	if i.Guard != nil {
		fmt.Fprintf(&sb, "(%s%s) ", negation(i.Negate), *i.Guard)
	}
	sb.WriteString(i.Op.String())
	sb.WriteString(i.Suffix)
	ops := make([]string, 0, len(i.Dests)+len(i.Srcs))
	for _, d := range i.Dests {
		ops = append(ops, FormatOperand(d))
	}
	for _, s := range i.Srcs {
		ops = append(ops, FormatOperand(s))
	}
	if len(ops) > 0 {
		sb.WriteString("\t" + strings.Join(ops, ", "))
	}
	for _, sw := range i.Swizzles {
		sb.WriteString(" ." + sw)
	}
	if i.Extra != "" {
		sb.WriteString(" " + i.Extra)
	}
	if i.SkipInvalid {
		sb.WriteString(" skipinv")
	}
	if i.CoIssue {
		sb.WriteString(" +")
	}
	return sb.String()
}

// FormatOperand renders one operand.
func FormatOperand(o Operand) string {
	switch o := o.(type) {
	case Reg:
		return o.String()
	case Imm:
		return fmt.Sprintf("#%d", o.Value)
	case Special:
		return fmt.Sprintf("S%d", o.N)
	case Scratch:
		s := fmt.Sprintf("[scratch+%d", o.Offset)
		if o.Index != nil {
			s += fmt.Sprintf("+%s*%d", *o.Index, o.Stride)
		}
		s += "]"
		if o.Mask != ir.MaskFull && o.Mask != 0 {
			s += "." + o.Mask.String()
		}
		return s
	}
	return "?"
}
