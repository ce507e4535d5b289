package ir

import (
	"fmt"
	"io"
	"strings"
)

// Printer dumps functions in a readable text form.
type Printer struct {
	w io.Writer
	s *CompileState
}

// NewPrinter creates a printer for functions of s.
func NewPrinter(w io.Writer, s *CompileState) *Printer {
	return &Printer{w: w, s: s}
}

// PrintProgram prints every function in processing order.
func (p *Printer) PrintProgram() {
	for i, f := range p.s.Funcs {
		if i > 0 {
			fmt.Fprintln(p.w)
		}
		p.PrintFunction(f)
	}
}

// PrintFunction prints f block by block.
func (p *Printer) PrintFunction(f *Function) {
	fmt.Fprintf(p.w, "%s(%s) -> (%s) {\n", f.Name, joinRegs(f.Params), joinRegs(f.Results))
	for _, b := range f.CFG.Blocks() {
		p.printBlock(f.CFG, b)
	}
	fmt.Fprintln(p.w, "}")
	entry, exit := f.CFG.EntryBlock(), f.CFG.ExitBlock()
	if entry != nil && exit != nil {
		fmt.Fprintf(p.w, "entry: L%d exit: L%d\n", entry.Label, exit.Label)
	}
}

func (p *Printer) printBlock(c *CFG, b *Block) {
	fmt.Fprintf(p.w, "L%d:", b.Label)
	if len(b.Preds) > 0 {
		fmt.Fprint(p.w, " preds")
		for _, pb := range c.PredBlocks(b) {
			fmt.Fprintf(p.w, " L%d", pb.Label)
		}
	}
	if b.LoopHeader {
		fmt.Fprint(p.w, " loop-header")
	}
	if b.LoopDepth > 0 {
		fmt.Fprintf(p.w, " depth=%d", b.LoopDepth)
	}
	if b.NeedsSync {
		fmt.Fprint(p.w, " sync")
	}
	fmt.Fprintln(p.w)
	for _, i := range p.s.Instrs(b) {
		fmt.Fprintf(p.w, "  %s\n", FormatInstr(i))
	}
	fmt.Fprintf(p.w, "  %s\n", p.formatMode(c, b))
}

func (p *Printer) formatMode(c *CFG, b *Block) string {
	succ := func(i int) string { return fmt.Sprintf("L%d", c.Succ(b, i).Label) }
	switch m := b.Mode.(type) {
	case Unconditional:
		return "goto " + succ(0)
	case LoopContinue:
		return "continue " + succ(0)
	case Conditional:
		s := fmt.Sprintf("if %v goto %s else %s", m.Pred, succ(0), succ(1))
		if m.Uniform {
			s += " uniform"
		}
		switch m.Hint {
		case HintTrue:
			s += " likely"
		case HintFalse:
			s += " unlikely"
		}
		return s
	case Switch:
		var sb strings.Builder
		fmt.Fprintf(&sb, "switch %v", m.Selector)
		for i, v := range m.Cases {
			fmt.Fprintf(&sb, " [%d: %s]", v, succ(i))
		}
		if m.HasDefault {
			fmt.Fprintf(&sb, " [default: %s]", succ(len(m.Cases)))
		}
		if m.Uniform {
			sb.WriteString(" uniform")
		}
		return sb.String()
	}
	return "end"
}

// FormatInstr renders one instruction, e.g. "(p0) fadd r2, r0, #1".
func FormatInstr(i *Instruction) string {
	var sb strings.Builder
	if i.Pred != nil {
		neg := ""
		if i.Pred.Negate {
			neg = "!"
		}
		fmt.Fprintf(&sb, "(%s%s) ", neg, FormatOperand(RegOperand{Reg: i.Pred.Reg, Mask: MaskFull, Loc: i.Pred.Loc}))
	}
	sb.WriteString(i.Op.String())
	switch pl := i.Payload.(type) {
	case TestPayload:
		sb.WriteString("." + pl.Cond.String())
		if pl.Float {
			sb.WriteString(".f")
		}
	case VecPayload:
		sb.WriteString("." + pl.DstMask.String())
	}
	ops := make([]string, 0, len(i.Dests)+len(i.Srcs))
	for _, d := range i.Dests {
		ops = append(ops, FormatOperand(d))
	}
	for _, s := range i.Srcs {
		ops = append(ops, FormatOperand(s))
	}
	if len(ops) > 0 {
		sb.WriteString(" " + strings.Join(ops, ", "))
	}
	switch pl := i.Payload.(type) {
	case VecPayload:
		for _, sw := range pl.Swizzles {
			fmt.Fprintf(&sb, " .%s", swizzleString(sw, pl.DstMask))
		}
	case CallPayload:
		sb.WriteString(" " + pl.Callee)
	case SpillPayload:
		fmt.Fprintf(&sb, " [scratch+%d]", pl.Offset)
	case SamplePayload:
		fmt.Fprintf(&sb, " tex%d", pl.Texture)
		if pl.Gradients {
			sb.WriteString(" grad")
		}
	}
	if i.Has(FlagSkipInvalid) {
		sb.WriteString(" skipinv")
	}
	if i.Has(FlagSuspend) {
		sb.WriteString(" suspend")
	}
	if i.Has(FlagCoIssue) {
		sb.WriteString(" +")
	}
	return sb.String()
}

func swizzleString(sw [4]uint8, mask ChanMask) string {
	var sb strings.Builder
	for c := 0; c < 4; c++ {
		if mask.Has(c) {
			sb.WriteByte("xyzw"[sw[c]])
		}
	}
	return sb.String()
}

// FormatOperand renders one operand. Allocated registers show their
// physical location after the virtual name.
func FormatOperand(o Operand) string {
	switch o := o.(type) {
	case RegOperand:
		s := o.Reg.String()
		if o.Mask != MaskFull && o.Mask != 0 {
			s += "." + o.Mask.String()
		}
		switch l := o.Loc.(type) {
		case Phys:
			s += fmt.Sprintf("=%s%d", strings.ToUpper(o.Reg.Bank.Prefix()), l.N)
		case Spilled:
			s += fmt.Sprintf("=[scratch+%d]", l.Offset)
		}
		return s
	case Imm:
		return fmt.Sprintf("#%d", o.Value)
	case Special:
		return fmt.Sprintf("s%d", o.Num)
	case ArrayElem:
		idx := fmt.Sprintf("%d", o.Offset)
		if o.Index != nil {
			idx = FormatOperand(*o.Index) + "+" + idx
		}
		return fmt.Sprintf("arr%d[%s]", o.Array, idx)
	}
	return "?"
}

func joinRegs(regs []Reg) string {
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}
