package ir

import "golang.org/x/exp/slices"

// RegSet is a set of virtual registers.
type RegSet map[Reg]struct{}

// NewRegSet creates a set holding regs.
func NewRegSet(regs ...Reg) RegSet {
	s := make(RegSet, len(regs))
	for _, r := range regs {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts r.
func (s RegSet) Add(r Reg) { s[r] = struct{}{} }

// Remove deletes r.
func (s RegSet) Remove(r Reg) { delete(s, r) }

// Contains reports whether r is in the set.
func (s RegSet) Contains(r Reg) bool {
	_, ok := s[r]
	return ok
}

// Union returns a new set with the elements of both sets.
func (s RegSet) Union(o RegSet) RegSet {
	u := s.Copy()
	for r := range o {
		u[r] = struct{}{}
	}
	return u
}

// Minus returns a new set with the elements of s not in o.
func (s RegSet) Minus(o RegSet) RegSet {
	d := make(RegSet, len(s))
	for r := range s {
		if !o.Contains(r) {
			d[r] = struct{}{}
		}
	}
	return d
}

// Equal reports whether both sets hold the same registers.
func (s RegSet) Equal(o RegSet) bool {
	if len(s) != len(o) {
		return false
	}
	for r := range s {
		if !o.Contains(r) {
			return false
		}
	}
	return true
}

// Copy returns a shallow copy.
func (s RegSet) Copy() RegSet {
	c := make(RegSet, len(s))
	for r := range s {
		c[r] = struct{}{}
	}
	return c
}

// Sorted returns the registers in bank then number order.
func (s RegSet) Sorted() []Reg {
	regs := make([]Reg, 0, len(s))
	for r := range s {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, CompareRegs)
	return regs
}

// CompareRegs orders registers by bank, then number.
func CompareRegs(a, b Reg) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
