package depgraph

import "github.com/raymyers/ralph-usc/pkg/ir"

type slotKind uint8

const (
	slotReg     slotKind = iota // one virtual register of one bank
	slotScratch                 // one spill slot
	slotMemory                  // all of general memory
)

type slot struct {
	kind slotKind
	bank ir.Bank
	num  int
}

// history is what the builder remembers about one slot.
type history struct {
	lastWrite int // -1 if none
	reads     []int
}

type arrayAccess struct {
	node   int
	offset int // -1 for a dynamic index
	write  bool
}

type tables struct {
	slots  map[slot]*history
	arrays map[int][]arrayAccess
}

func newTables() *tables {
	return &tables{
		slots:  make(map[slot]*history),
		arrays: make(map[int][]arrayAccess),
	}
}

func (t *tables) get(s slot) *history {
	h, ok := t.slots[s]
	if !ok {
		h = &history{lastWrite: -1}
		t.slots[s] = h
	}
	return h
}

func (t *tables) read(g *Graph, k int, s slot) {
	h := t.get(s)
	g.addEdge(k, h.lastWrite, RAW)
	h.reads = append(h.reads, k)
}

func (t *tables) write(g *Graph, k int, s slot) {
	h := t.get(s)
	g.addEdge(k, h.lastWrite, WAW)
	for _, r := range h.reads {
		g.addEdge(k, r, WAR)
	}
	h.lastWrite = k
	h.reads = h.reads[:0]
}

// access records an array access, depending on every earlier access to the
// same array that may alias it when at least one of the two writes.
func (t *tables) access(g *Graph, k int, a ir.ArrayElem, write bool) {
	off := a.Offset
	if a.Index != nil {
		off = -1
	}
	for _, p := range t.arrays[a.Array] {
		if !write && !p.write {
			continue
		}
		if off >= 0 && p.offset >= 0 && off != p.offset {
			continue
		}
		kind := WAW
		switch {
		case p.write && !write:
			kind = RAW
		case !p.write && write:
			kind = WAR
		}
		g.addEdge(k, p.node, kind)
	}
	t.arrays[a.Array] = append(t.arrays[a.Array], arrayAccess{node: k, offset: off, write: write})
}

func regSlot(r ir.Reg) slot { return slot{kind: slotReg, bank: r.Bank, num: r.Num} }

// visit adds the edges of instruction i, node k. Reads are recorded before
// writes so an instruction reading and writing one register depends on
// the previous writer only once.
func (t *tables) visit(g *Graph, k int, i *ir.Instruction) {
	for _, o := range i.SrcRegs() {
		t.read(g, k, regSlot(o.Reg))
	}
	for _, o := range i.Srcs {
		if a, ok := o.(ir.ArrayElem); ok {
			t.access(g, k, a, false)
		}
	}

	info := i.Op.Info()
	switch i.Op {
	case ir.OpLoad:
		t.read(g, k, slot{kind: slotMemory})
	case ir.OpSpillLd:
		if p, ok := i.Payload.(ir.SpillPayload); ok {
			t.read(g, k, slot{kind: slotScratch, num: p.Offset})
		}
	case ir.OpSpillSt:
		if p, ok := i.Payload.(ir.SpillPayload); ok {
			t.write(g, k, slot{kind: slotScratch, num: p.Offset})
		}
	}
	if info.SideEffect && i.Op != ir.OpSpillSt {
		t.write(g, k, slot{kind: slotMemory})
	}

	for _, o := range i.Dests {
		switch o := o.(type) {
		case ir.RegOperand:
			s := regSlot(o.Reg)
			// a partial or guarded write keeps the old value alive
			if o.Mask != ir.MaskFull || i.Pred != nil {
				t.read(g, k, s)
			}
			t.write(g, k, s)
		case ir.ArrayElem:
			t.access(g, k, o, true)
		}
	}
}
