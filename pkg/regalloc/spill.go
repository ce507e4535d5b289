package regalloc

import (
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/stacking"
)

// spillable reports whether a register of bank can be kept in scratch memory.
func spillable(bank ir.Bank) bool {
	return bank == ir.BankTemp || bank == ir.BankVector
}

// spiller rewrites every access to a spilled register into a short-lived
// temporary that is loaded from or stored to the register's scratch slot.
type spiller struct {
	s       *ir.CompileState
	frame   *stacking.FrameLayout
	spilled ir.RegSet
	noSpill ir.RegSet

	loads, stores int
}

// insertSpillCode rewrites the blocks of order for the spilled registers.
// The temporaries it creates are added to noSpill so the next round never
// picks them again.
func insertSpillCode(s *ir.CompileState, order []*ir.Block, spilled []ir.Reg, frame *stacking.FrameLayout, noSpill ir.RegSet) (loads, stores int) {
	sp := &spiller{s: s, frame: frame, spilled: ir.NewRegSet(spilled...), noSpill: noSpill}
	for _, b := range order {
		b.InvalidateDeps()
		for _, i := range s.Instrs(b) {
			sp.rewrite(i)
		}
		sp.rewriteMode(b)
	}
	return sp.loads, sp.stores
}

func (sp *spiller) temp(r ir.Reg) ir.Reg {
	t := sp.s.NewReg(r.Bank)
	sp.noSpill.Add(t)
	return t
}

func (sp *spiller) load(r, t ir.Reg, line int) *ir.Instruction {
	ld := sp.s.NewInstr(ir.OpSpillLd, ir.Regs(t), nil)
	ld.Payload = ir.SpillPayload{Offset: sp.frame.SpillSlot(r)}
	ld.Flags = ir.FlagSpill
	ld.Line = line
	sp.loads++
	return ld
}

func (sp *spiller) rewrite(i *ir.Instruction) {
	temps := make(map[ir.Reg]ir.Reg)
	tempFor := func(r ir.Reg) ir.Reg {
		t, ok := temps[r]
		if !ok {
			t = sp.temp(r)
			temps[r] = t
		}
		return t
	}

	var reads []ir.Reg
	read := func(r ir.Reg) ir.Reg {
		if !sp.spilled.Contains(r) {
			return r
		}
		if _, seen := temps[r]; !seen {
			reads = append(reads, r)
		}
		return tempFor(r)
	}
	readOp := func(o ir.RegOperand) ir.RegOperand {
		o.Reg = read(o.Reg)
		return o
	}
	index := func(o ir.Operand) ir.Operand {
		if a, ok := o.(ir.ArrayElem); ok && a.Index != nil {
			idx := readOp(*a.Index)
			a.Index = &idx
			return a
		}
		return o
	}

	for k, o := range i.Srcs {
		if r, ok := o.(ir.RegOperand); ok {
			i.Srcs[k] = readOp(r)
		} else {
			i.Srcs[k] = index(o)
		}
	}
	if i.Pred != nil {
		i.Pred.Reg = read(i.Pred.Reg)
	}

	var writes []ir.Reg
	for k, o := range i.Dests {
		r, ok := o.(ir.RegOperand)
		if !ok {
			i.Dests[k] = index(o)
			continue
		}
		if !sp.spilled.Contains(r.Reg) {
			continue
		}
		orig := r.Reg
		if kills(i, r) {
			r.Reg = tempFor(orig)
		} else {
			r.Reg = read(orig)
		}
		i.Dests[k] = r
		writes = append(writes, orig)
	}

	for _, r := range reads {
		sp.s.InsertBefore(i, sp.load(r, temps[r], i.Line))
	}
	pos := i
	for _, r := range writes {
		st := sp.s.NewInstr(ir.OpSpillSt, nil, ir.Regs(temps[r]))
		st.Payload = ir.SpillPayload{Offset: sp.frame.SpillSlot(r)}
		st.Flags = ir.FlagSpill
		st.Line = i.Line
		sp.s.InsertAfter(pos, st)
		pos = st
		sp.stores++
	}
	if len(reads)+len(writes) > 0 {
		tlog.V("spill").Printw("spill code", "instr", ir.FormatInstr(i), "loads", len(reads), "stores", len(writes))
	}
}

// rewriteMode reloads a spilled switch selector at the end of its block.
func (sp *spiller) rewriteMode(b *ir.Block) {
	m, ok := b.Mode.(ir.Switch)
	if !ok || !sp.spilled.Contains(m.Selector) {
		return
	}
	t := sp.temp(m.Selector)
	sp.s.Append(b, sp.load(m.Selector, t, 0))
	m.Selector = t
	b.Mode = m
}
