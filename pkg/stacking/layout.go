// Package stacking lays out the scratch-memory frame of a function: the
// indexable register arrays first, then one slot per spilled register.
package stacking

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/ir"
)

const (
	scratchAlignment = 16 // frame size granularity of the scratch allocator
	regSize          = 4  // bytes per 32-bit register
	vectorSize       = 4 * regSize
)

// Scratch memory is one flat space shared by every function of the
// program. Offsets grow upwards:
//
//	+---------------------------+  <- TotalSize (16-byte aligned)
//	| spill slots of f          |  SpillOffset ...
//	+---------------------------+
//	| frames of f's callees     |  up to CalleeSize
//	+---------------------------+
//	| indexable arrays          |  ArrayOffset = 0, whole program
//	+---------------------------+  <- scratch base
//
// A callee's frame ends below its caller's spill area, so slots stay
// valid across calls.

// FrameLayout describes one function's scratch frame.
type FrameLayout struct {
	ArraySize  int
	CalleeSize int
	SpillSize  int

	ArrayOffset int
	SpillOffset int

	// TotalSize is the aligned end of the frame.
	TotalSize int

	slots map[ir.Reg]int
}

// ComputeLayout places the arrays of the whole program, then reserves an
// empty spill area for f above the arrays and above the frame of every
// callee. Callees must already be allocated.
func ComputeLayout(s *ir.CompileState, f *ir.Function) *FrameLayout {
	l := &FrameLayout{slots: make(map[ir.Reg]int)}
	l.ArraySize = placeArrays(s)
	for _, name := range s.Callees(f) {
		if c := s.FuncByName(name); c != nil && c.FrameSize > l.CalleeSize {
			l.CalleeSize = c.FrameSize
		}
	}
	l.SpillOffset = max(alignUp(l.ArraySize, regSize), l.CalleeSize)
	l.finish()
	return l
}

// placeArrays gives every array used by some function an offset of its
// own, by id, and returns the end of the array area. Arrays keep an
// offset assigned by an earlier call.
func placeArrays(s *ir.CompileState) int {
	seen := make(map[int]bool)
	var used []*ir.Array
	for _, f := range s.Funcs {
		for _, a := range usedArrays(s, f) {
			if !seen[a.ID] {
				seen[a.ID] = true
				used = append(used, a)
			}
		}
	}
	slices.SortFunc(used, func(a, b *ir.Array) int { return a.ID - b.ID })

	next := 0
	for _, a := range used {
		if a.Offset >= 0 {
			next = max(next, a.Offset+a.Size*regSize)
		}
	}
	for _, a := range used {
		if a.Offset < 0 {
			a.Offset = next
			next += a.Size * regSize
		}
	}
	return next
}

// usedArrays returns the arrays referenced by f.
func usedArrays(s *ir.CompileState, f *ir.Function) []*ir.Array {
	seen := make(map[int]bool)
	var out []*ir.Array
	note := func(o ir.Operand) {
		if a, ok := o.(ir.ArrayElem); ok && !seen[a.Array] {
			seen[a.Array] = true
			if arr := s.ArrayByID(a.Array); arr != nil {
				out = append(out, arr)
			}
		}
	}
	for _, b := range f.CFG.Blocks() {
		for _, i := range s.Instrs(b) {
			for _, o := range i.Dests {
				note(o)
			}
			for _, o := range i.Srcs {
				note(o)
			}
		}
	}
	return out
}

// slotSize is the spill slot size of a register of bank.
func slotSize(bank ir.Bank) int {
	if bank == ir.BankVector {
		return vectorSize
	}
	return regSize
}

// SpillSlot returns the scratch offset of r's spill slot, reserving one on
// first use. A register keeps its slot for the whole compilation.
func (l *FrameLayout) SpillSlot(r ir.Reg) int {
	if off, ok := l.slots[r]; ok {
		return off
	}
	size := slotSize(r.Bank)
	off := alignUp(l.SpillOffset+l.SpillSize, size)
	l.slots[r] = off
	l.SpillSize = off + size - l.SpillOffset
	l.finish()
	return off
}

// Slots returns the number of spill slots in use.
func (l *FrameLayout) Slots() int { return len(l.slots) }

func (l *FrameLayout) finish() {
	l.TotalSize = alignUp(l.SpillOffset+l.SpillSize, scratchAlignment)
}

// alignUp rounds n up to the nearest multiple of align
func alignUp(n, align int) int {
	if align == 0 {
		return n
	}
	return ((n + align - 1) / align) * align
}
