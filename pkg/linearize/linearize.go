// Package linearize lays the blocks of an allocated function out in order
// and turns successor modes into explicit branches, producing the final
// asm stream. Includes branch tunneling and label cleanup.
package linearize

import (
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/asm"
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/dom"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Function lays f out. locs gives the physical register of every register
// read by a successor mode.
func Function(s *ir.CompileState, f *ir.Function, locs map[ir.Reg]ir.Loc) (*asm.Function, error) {
	l := &linearizer{
		s:    s,
		c:    f.CFG,
		locs: locs,
	}
	result := asm.NewFunction(f.Name)
	result.FrameSize = f.FrameSize
	result.CallDepth = f.CallDepth

	l.order = Layout(f.CFG)
	for i, b := range l.order {
		if err := l.emitBlock(result, b, i); err != nil {
			return nil, err
		}
	}

	Tunnel(result)
	Cleanup(result)

	tlog.V("cfg").Printw("laid out", "func", f.Name, "blocks", len(l.order), "code", len(result.Code))
	return result, nil
}

// linearizer holds state during linearization
type linearizer struct {
	s     *ir.CompileState
	c     *ir.CFG
	locs  map[ir.Reg]ir.Loc
	order []*ir.Block
}

// Layout returns the emission order: reverse postorder from the entry with
// the exit block moved last. Unreachable blocks are left out.
func Layout(c *ir.CFG) []*ir.Block {
	rpo := dom.ReversePostorder(c)
	order := make([]*ir.Block, 0, len(rpo))
	var exit *ir.Block
	for _, b := range rpo {
		if b.ID == c.Exit {
			exit = b
			continue
		}
		order = append(order, b)
	}
	if exit != nil {
		order = append(order, exit)
	}
	return order
}

func label(b *ir.Block) asm.Label { return asm.Label(b.Label) }

// emitBlock emits linearized code for a single block
func (l *linearizer) emitBlock(result *asm.Function, b *ir.Block, orderIdx int) error {
	result.AppendLabel(label(b))
	if b.NeedsSync {
		result.Append(asm.Sync{})
	}
	for _, i := range l.s.Instrs(b) {
		inst, err := asm.Lower(l.s, i)
		if err != nil {
			return diag.AtLine(err, i.Line)
		}
		result.Append(inst)
	}
	return l.emitTerminator(result, b, orderIdx)
}

func (l *linearizer) reg(r ir.Reg) (asm.Reg, error) {
	return asm.PhysReg(ir.RegOperand{Reg: r, Mask: ir.MaskFull, Loc: l.locs[r]})
}

// emitTerminator emits code for a block's successor mode, optimizing
// fall-through
func (l *linearizer) emitTerminator(result *asm.Function, b *ir.Block, orderIdx int) error {
	// Determine the next block in linear order (if any)
	var next *ir.Block
	if orderIdx+1 < len(l.order) {
		next = l.order[orderIdx+1]
	}
	succ := func(i int) *ir.Block { return l.c.Succ(b, i) }

	switch m := b.Mode.(type) {
	case ir.Unconditional, ir.LoopContinue:
		if succ(0) == next {
			return nil
		}
		result.Append(asm.Branch{Target: label(succ(0))})

	case ir.Conditional:
		p, err := l.reg(m.Pred)
		if err != nil {
			return err
		}
		ifSo, ifNot := succ(0), succ(1)
		switch {
		case ifNot == next:
			result.Append(asm.CondBranch{Pred: p, Uniform: m.Uniform, Hint: m.Hint, Target: label(ifSo)})
		case ifSo == next:
			// Negate so the true side falls through.
			result.Append(asm.CondBranch{Pred: p, Negate: true, Uniform: m.Uniform, Hint: flipHint(m.Hint), Target: label(ifNot)})
		default:
			result.Append(asm.CondBranch{Pred: p, Uniform: m.Uniform, Hint: m.Hint, Target: label(ifSo)})
			result.Append(asm.Branch{Target: label(ifNot)})
		}

	case ir.Switch:
		sel, err := l.reg(m.Selector)
		if err != nil {
			return err
		}
		sw := asm.SwitchBranch{Selector: sel, Cases: m.Cases, Uniform: m.Uniform}
		for i := range m.Cases {
			sw.Targets = append(sw.Targets, label(succ(i)))
		}
		if m.HasDefault {
			if def := succ(len(m.Cases)); def != next {
				sw.HasDefault, sw.Default = true, label(def)
			}
		}
		result.Append(sw)
		if !m.HasDefault {
			// no case matched and there is nowhere to go
			result.Append(asm.Return{})
		}

	case ir.Terminal:
		result.Append(asm.Return{})

	default:
		return diag.ICE("L%d has unknown successor mode %T", b.Label, b.Mode)
	}
	return nil
}

func flipHint(h ir.Hint) ir.Hint {
	switch h {
	case ir.HintTrue:
		return ir.HintFalse
	case ir.HintFalse:
		return ir.HintTrue
	}
	return h
}
