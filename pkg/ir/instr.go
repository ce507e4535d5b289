package ir

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
)

// NewInstr allocates an instruction that belongs to no block yet.
func (s *CompileState) NewInstr(op Op, dests, srcs []Operand) *Instruction {
	i := &Instruction{
		ID:    InstrID(len(s.instrs)),
		Op:    op,
		Dests: dests,
		Srcs:  srcs,
	}
	s.instrs = append(s.instrs, i)
	return i
}

// Append links i at the end of b.
func (s *CompileState) Append(b *Block, i *Instruction) {
	s.attach(b, i, b.tail, 0)
}

// Prepend links i at the start of b.
func (s *CompileState) Prepend(b *Block, i *Instruction) {
	s.attach(b, i, 0, b.head)
}

// InsertBefore links i immediately before pos.
func (s *CompileState) InsertBefore(pos, i *Instruction) {
	s.attach(s.mustBlockOf(pos), i, pos.prev, pos.ID)
}

// InsertAfter links i immediately after pos.
func (s *CompileState) InsertAfter(pos, i *Instruction) {
	s.attach(s.mustBlockOf(pos), i, pos.ID, pos.next)
}

func (s *CompileState) mustBlockOf(i *Instruction) *Block {
	b := s.Block(i.block)
	if b == nil {
		panic(fmt.Sprintf("ir: instruction %d is not in a block", i.ID))
	}
	return b
}

func (s *CompileState) attach(b *Block, i *Instruction, prev, next InstrID) {
	if i.block != 0 {
		panic(fmt.Sprintf("ir: instruction %d already belongs to block %d", i.ID, i.block))
	}
	i.block = b.ID
	i.prev, i.next = prev, next
	if prev != 0 {
		s.instrs[prev].next = i.ID
	} else {
		b.head = i.ID
	}
	if next != 0 {
		s.instrs[next].prev = i.ID
	} else {
		b.tail = i.ID
	}
	b.count++
	s.linkOp(i)
	s.touch(b)
}

// Remove unlinks i from its block. It does nothing and returns false while
// the block still caches a dependency graph; drop it with InvalidateDeps
// first.
func (s *CompileState) Remove(i *Instruction) bool {
	b := s.Block(i.block)
	if b == nil || b.deps != nil {
		return false
	}
	s.detach(b, i)
	return true
}

// Delete removes i and frees its arena slot.
func (s *CompileState) Delete(i *Instruction) bool {
	if i.block != 0 && !s.Remove(i) {
		return false
	}
	s.instrs[i.ID] = nil
	return true
}

func (s *CompileState) detach(b *Block, i *Instruction) {
	if i.prev != 0 {
		s.instrs[i.prev].next = i.next
	} else {
		b.head = i.next
	}
	if i.next != 0 {
		s.instrs[i.next].prev = i.prev
	} else {
		b.tail = i.prev
	}
	b.count--
	s.unlinkOp(i)
	i.block, i.prev, i.next = 0, 0, 0
	s.touch(b)
}

// touch marks everything derived from b's contents as stale.
func (s *CompileState) touch(b *Block) {
	b.DepsStale = true
	if b.cfg != nil {
		b.cfg.Dirty = true
	}
}

// Duplicate returns a detached copy of i with its own operand slices.
func (s *CompileState) Duplicate(i *Instruction) *Instruction {
	c := *i
	c.ID = InstrID(len(s.instrs))
	c.block, c.prev, c.next, c.opPrev, c.opNext = 0, 0, 0, 0, 0
	c.Dests = slices.Clone(i.Dests)
	c.Srcs = slices.Clone(i.Srcs)
	if i.Pred != nil {
		g := *i.Pred
		c.Pred = &g
	}
	if v, ok := i.Payload.(VecPayload); ok {
		v.Swizzles = slices.Clone(v.Swizzles)
		c.Payload = v
	}
	s.instrs = append(s.instrs, &c)
	return &c
}

// SetOp changes the opcode of i, moving it to the right per-opcode list.
func (s *CompileState) SetOp(i *Instruction, op Op) {
	if i.block != 0 {
		s.unlinkOp(i)
		i.Op = op
		s.linkOp(i)
		s.touch(s.Block(i.block))
		return
	}
	i.Op = op
}

func (s *CompileState) linkOp(i *Instruction) {
	tail := s.opTail[i.Op]
	i.opPrev, i.opNext = tail, 0
	if tail != 0 {
		s.instrs[tail].opNext = i.ID
	} else {
		s.opHead[i.Op] = i.ID
	}
	s.opTail[i.Op] = i.ID
}

func (s *CompileState) unlinkOp(i *Instruction) {
	if i.opPrev != 0 {
		s.instrs[i.opPrev].opNext = i.opNext
	} else {
		s.opHead[i.Op] = i.opNext
	}
	if i.opNext != 0 {
		s.instrs[i.opNext].opPrev = i.opPrev
	} else {
		s.opTail[i.Op] = i.opPrev
	}
	i.opPrev, i.opNext = 0, 0
}

// OpList returns every block-resident instruction with opcode op, in the
// order they were linked.
func (s *CompileState) OpList(op Op) []*Instruction {
	var out []*Instruction
	for id := s.opHead[op]; id != 0; id = s.instrs[id].opNext {
		out = append(out, s.instrs[id])
	}
	return out
}

// Instrs returns b's instructions in order.
func (s *CompileState) Instrs(b *Block) []*Instruction {
	out := make([]*Instruction, 0, b.count)
	for id := b.head; id != 0; id = s.instrs[id].next {
		out = append(out, s.instrs[id])
	}
	return out
}

// Next returns the instruction after i in its block, or nil.
func (s *CompileState) Next(i *Instruction) *Instruction { return s.Instr(i.next) }

// Prev returns the instruction before i in its block, or nil.
func (s *CompileState) Prev(i *Instruction) *Instruction { return s.Instr(i.prev) }

// First returns b's first instruction, or nil.
func (s *CompileState) First(b *Block) *Instruction { return s.Instr(b.head) }

// Last returns b's last instruction, or nil.
func (s *CompileState) Last(b *Block) *Instruction { return s.Instr(b.tail) }

// Reorder relinks b's instructions in the given order, which must be a
// permutation of the current contents.
func (s *CompileState) Reorder(b *Block, order []*Instruction) error {
	if len(order) != b.count {
		return diag.ICE("reorder of block %d: %d instructions given, block has %d", b.ID, len(order), b.count)
	}
	seen := make(map[InstrID]bool, len(order))
	for _, i := range order {
		if i.block != b.ID || seen[i.ID] {
			return diag.ICE("reorder of block %d: instruction %d is foreign or repeated", b.ID, i.ID)
		}
		seen[i.ID] = true
	}
	b.head, b.tail = 0, 0
	var prev InstrID
	for _, i := range order {
		i.prev, i.next = prev, 0
		if prev != 0 {
			s.instrs[prev].next = i.ID
		} else {
			b.head = i.ID
		}
		prev = i.ID
	}
	b.tail = prev
	s.touch(b)
	return nil
}

// ForEachOp calls fn for every block-resident instruction with opcode op.
// fn may unlink the instruction it is given.
func (s *CompileState) ForEachOp(op Op, fn func(i *Instruction)) {
	for id := s.opHead[op]; id != 0; {
		i := s.instrs[id]
		next := i.opNext
		fn(i)
		id = next
	}
}
