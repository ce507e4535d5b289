package ir

import (
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/target"
)

// CompileState owns everything one compilation creates. Nothing in it is
// shared with other compilations, so separate states may be used from
// separate goroutines without locking.
type CompileState struct {
	Target *target.Desc
	Opts   target.Options

	// Funcs is ordered leaf-most first once OrderFunctions has run.
	Funcs []*Function

	instrs []*Instruction // arena, index 0 unused
	blocks []*Block       // arena, index 0 unused

	opHead [NumOps]InstrID
	opTail [NumOps]InstrID

	nextReg   [NumBanks]int
	nextLabel int

	groups map[Reg]*Group
	fixed  map[Reg]int
	arrays []*Array

	released bool
}

// Group is a set of registers that must receive consecutive physical
// numbers, in member order.
type Group struct {
	Members []Reg
	// Head is the member whose colour the allocator chose; the others are
	// placed relative to it. Zero until allocation.
	Head Reg
	// Base is the physical number of Members[0], -1 until allocation.
	Base int
}

// Offset returns the position of r in the group, or -1.
func (g *Group) Offset(r Reg) int {
	for i, m := range g.Members {
		if m == r {
			return i
		}
	}
	return -1
}

// Array is an indexable register array, kept in scratch memory.
type Array struct {
	ID     int
	Size   int
	Offset int // scratch offset, assigned by frame layout
}

// NewCompileState starts a compilation for the given target.
func NewCompileState(desc *target.Desc, opts target.Options) *CompileState {
	if desc == nil {
		desc = target.Default()
	}
	return &CompileState{
		Target:    desc,
		Opts:      opts,
		instrs:    []*Instruction{nil},
		blocks:    []*Block{nil},
		groups:    make(map[Reg]*Group),
		fixed:     make(map[Reg]int),
		nextLabel: 1,
	}
}

// Release drops every arena. The state must not be used afterwards.
func (s *CompileState) Release() {
	s.Funcs = nil
	s.instrs = nil
	s.blocks = nil
	s.groups = nil
	s.fixed = nil
	s.arrays = nil
	s.opHead = [NumOps]InstrID{}
	s.opTail = [NumOps]InstrID{}
	s.released = true
}

// Released reports whether Release was called.
func (s *CompileState) Released() bool { return s.released }

// NewReg allocates a fresh virtual register in bank b.
func (s *CompileState) NewReg(b Bank) Reg {
	r := Reg{Bank: b, Num: s.nextReg[b]}
	s.nextReg[b]++
	return r
}

// NewPredicate allocates a fresh predicate register.
func (s *CompileState) NewPredicate() Reg { return s.NewReg(BankPredicate) }

// NewLabel returns a fresh label number.
func (s *CompileState) NewLabel() int {
	l := s.nextLabel
	s.nextLabel++
	return l
}

// NoteReg makes sure future NewReg calls never return r. Front ends that
// number registers themselves call it for every register they use.
func (s *CompileState) NoteReg(r Reg) {
	if r.Num >= s.nextReg[r.Bank] {
		s.nextReg[r.Bank] = r.Num + 1
	}
}

// BankSize returns the number of physical registers in bank b.
func (s *CompileState) BankSize(b Bank) int {
	l := s.Target.Regs
	switch b {
	case BankTemp:
		return l.Temp
	case BankAttr:
		return l.Attr
	case BankOutput:
		return l.Output
	case BankPredicate:
		return l.Predicate
	case BankInternal:
		return l.Internal
	case BankIndex:
		return l.Index
	case BankVector:
		if !s.Target.Features.VectorRegs {
			return 0
		}
		return l.Vector
	}
	return 0
}

// Instr resolves an instruction handle.
func (s *CompileState) Instr(id InstrID) *Instruction {
	if id <= 0 || int(id) >= len(s.instrs) {
		return nil
	}
	return s.instrs[id]
}

// Block resolves a block handle.
func (s *CompileState) Block(id BlockID) *Block {
	if id <= 0 || int(id) >= len(s.blocks) {
		return nil
	}
	return s.blocks[id]
}

// --- Register groups ---

// MakeGroup requires regs to receive consecutive physical numbers in the
// given order.
func (s *CompileState) MakeGroup(regs ...Reg) (*Group, error) {
	if len(regs) == 0 {
		return nil, diag.ICE("empty register group")
	}
	seen := NewRegSet()
	for _, r := range regs {
		if r.Bank != regs[0].Bank {
			return nil, diag.ICE("register group mixes banks: %v and %v", regs[0], r)
		}
		if seen.Contains(r) {
			return nil, diag.ICE("register %v appears twice in a group", r)
		}
		seen.Add(r)
		if g, ok := s.groups[r]; ok {
			return nil, diag.ICE("register %v already belongs to group %v", r, g.Members)
		}
	}
	g := &Group{Members: append([]Reg(nil), regs...), Base: -1}
	for _, r := range regs {
		s.groups[r] = g
	}
	return g, nil
}

// GroupOf returns the group r belongs to and its offset in it.
func (s *CompileState) GroupOf(r Reg) (*Group, int) {
	g, ok := s.groups[r]
	if !ok {
		return nil, -1
	}
	return g, g.Offset(r)
}

// Groups returns every distinct group, in order of first member.
func (s *CompileState) Groups() []*Group {
	seen := make(map[*Group]bool)
	var out []*Group
	for _, r := range NewRegSetFromMap(s.groups).Sorted() {
		g := s.groups[r]
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// NewRegSetFromMap collects the keys of a register-keyed map.
func NewRegSetFromMap[V any](m map[Reg]V) RegSet {
	s := make(RegSet, len(m))
	for r := range m {
		s.Add(r)
	}
	return s
}

// --- Fixed registers ---

// FixReg pins r to physical register phys of its bank.
func (s *CompileState) FixReg(r Reg, phys int) error {
	if phys < 0 {
		return diag.Malformed(0, "register %v fixed to negative location %d", r, phys)
	}
	if old, ok := s.fixed[r]; ok && old != phys {
		return diag.ICE("register %v fixed to both %d and %d", r, old, phys)
	}
	s.fixed[r] = phys
	return nil
}

// FixRun pins regs to consecutive physical registers starting at base and
// groups them.
func (s *CompileState) FixRun(regs []Reg, base int) error {
	if len(regs) > 1 {
		if _, err := s.MakeGroup(regs...); err != nil {
			return err
		}
	}
	for i, r := range regs {
		if err := s.FixReg(r, base+i); err != nil {
			return err
		}
	}
	return nil
}

// Fixed returns the physical register r is pinned to.
func (s *CompileState) Fixed(r Reg) (int, bool) {
	p, ok := s.fixed[r]
	return p, ok
}

// FixedRegs returns every pinned register.
func (s *CompileState) FixedRegs() map[Reg]int {
	return s.fixed
}

// --- Arrays ---

// NewArray declares an indexable array of size elements.
func (s *CompileState) NewArray(size int) *Array {
	a := &Array{ID: len(s.arrays), Size: size, Offset: -1}
	s.arrays = append(s.arrays, a)
	return a
}

// ArrayByID returns array id, or nil.
func (s *CompileState) ArrayByID(id int) *Array {
	if id < 0 || id >= len(s.arrays) {
		return nil
	}
	return s.arrays[id]
}

// Arrays returns every declared array.
func (s *CompileState) Arrays() []*Array { return s.arrays }
