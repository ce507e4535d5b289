package ir

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
)

// --- Successor modes ---

// SuccMode says how a block picks its successor.
type SuccMode interface {
	implSuccMode()
}

// Terminal blocks have no successors.
type Terminal struct{}

// Unconditional blocks always continue at Succs[0].
type Unconditional struct{}

// Hint is a static branch prediction.
type Hint uint8

const (
	HintNone Hint = iota
	HintTrue
	HintFalse
)

// Conditional blocks continue at Succs[0] when Pred holds and at Succs[1]
// otherwise. A uniform predicate has the same value in every thread, so the
// branch never diverges.
type Conditional struct {
	Pred    Reg
	Hint    Hint
	Uniform bool
}

// Switch blocks continue at Succs[i] when Selector equals Cases[i]; the
// default target, if any, is the last successor.
type Switch struct {
	Selector   Reg
	Cases      []int64
	HasDefault bool
	Uniform    bool
}

// LoopContinue blocks jump back to the loop header in Succs[0].
type LoopContinue struct{}

func (Terminal) implSuccMode()      {}
func (Unconditional) implSuccMode() {}
func (Conditional) implSuccMode()   {}
func (Switch) implSuccMode()        {}
func (LoopContinue) implSuccMode()  {}

// Edge is an outgoing edge. PredSlot is the index of the matching entry in
// the destination's Preds.
type Edge struct {
	Dest     BlockID
	PredSlot int
}

// PredEdge is an incoming edge. SuccSlot is the index of the matching entry
// in the source's Succs.
type PredEdge struct {
	Src      BlockID
	SuccSlot int
}

// DepCache is a block's cached dependency graph.
type DepCache interface {
	Contains(id InstrID) bool
}

// Block is a basic block.
type Block struct {
	ID    BlockID
	Label int

	cfg        *CFG
	head, tail InstrID
	count      int

	Mode  SuccMode
	Succs []Edge
	Preds []PredEdge

	// Dominance data, valid while the CFG is not dirty.
	Idom       BlockID
	Ipdom      BlockID
	LoopHeader bool
	LoopDepth  int
	NeedsSync  bool // re-convergence marker required on entry

	// Liveness sets cached by the register allocator.
	LiveIn, LiveOut RegSet

	deps      DepCache
	DepsStale bool
}

// CFG returns the graph owning b.
func (b *Block) CFG() *CFG { return b.cfg }

// Len returns the number of instructions in b.
func (b *Block) Len() int { return b.count }

// Deps returns the cached dependency graph, if any.
func (b *Block) Deps() DepCache { return b.deps }

// SetDeps caches a freshly built dependency graph.
func (b *Block) SetDeps(d DepCache) {
	b.deps = d
	b.DepsStale = false
}

// InvalidateDeps drops the cached dependency graph.
func (b *Block) InvalidateDeps() {
	b.deps = nil
	b.DepsStale = true
}

// --- CFG ---

// CFG is the control-flow graph of one function. It has a single entry and
// a single exit block.
type CFG struct {
	Func  *Function
	Entry BlockID
	Exit  BlockID
	// Dirty is set by every structural edit and cleared by dominance
	// analysis.
	Dirty bool

	state  *CompileState
	blocks []BlockID
}

// State returns the owning CompileState.
func (c *CFG) State() *CompileState { return c.state }

// Blocks returns the blocks of the graph in creation order.
func (c *CFG) Blocks() []*Block {
	out := make([]*Block, 0, len(c.blocks))
	for _, id := range c.blocks {
		out = append(out, c.state.blocks[id])
	}
	return out
}

// Block resolves a handle; nil if the block is not part of this graph.
func (c *CFG) Block(id BlockID) *Block {
	b := c.state.Block(id)
	if b == nil || b.cfg != c {
		return nil
	}
	return b
}

// EntryBlock returns the entry block.
func (c *CFG) EntryBlock() *Block { return c.Block(c.Entry) }

// ExitBlock returns the exit block.
func (c *CFG) ExitBlock() *Block { return c.Block(c.Exit) }

// NewBlock allocates a terminal block bound to c.
func (c *CFG) NewBlock() *Block {
	s := c.state
	b := &Block{
		ID:        BlockID(len(s.blocks)),
		Label:     s.NewLabel(),
		cfg:       c,
		Mode:      Terminal{},
		DepsStale: true,
	}
	s.blocks = append(s.blocks, b)
	c.blocks = append(c.blocks, b.ID)
	c.Dirty = true
	return b
}

// Succ returns the block at successor slot i.
func (c *CFG) Succ(b *Block, i int) *Block { return c.state.blocks[b.Succs[i].Dest] }

// Pred returns the block at predecessor slot i.
func (c *CFG) Pred(b *Block, i int) *Block { return c.state.blocks[b.Preds[i].Src] }

// SuccBlocks returns b's successors in slot order.
func (c *CFG) SuccBlocks(b *Block) []*Block {
	out := make([]*Block, len(b.Succs))
	for i, e := range b.Succs {
		out[i] = c.state.blocks[e.Dest]
	}
	return out
}

// PredBlocks returns b's predecessors in slot order.
func (c *CFG) PredBlocks(b *Block) []*Block {
	out := make([]*Block, len(b.Preds))
	for i, e := range b.Preds {
		out[i] = c.state.blocks[e.Src]
	}
	return out
}

func (c *CFG) checkOwned(blocks ...*Block) error {
	for _, b := range blocks {
		if b == nil || c.Block(b.ID) != b {
			return diag.ICE("block is not attached to the CFG of %v", c.Func.Name)
		}
	}
	return nil
}

// SetTerminal removes every successor of b.
func (c *CFG) SetTerminal(b *Block) error {
	return c.setSuccs(b, Terminal{}, nil)
}

// SetUnconditional makes b continue at target.
func (c *CFG) SetUnconditional(b, target *Block) error {
	return c.setSuccs(b, Unconditional{}, []*Block{target})
}

// SetConditional makes b branch on pred.
func (c *CFG) SetConditional(b *Block, pred Reg, hint Hint, uniform bool, ifTrue, ifFalse *Block) error {
	if pred.Bank != BankPredicate {
		return diag.Malformed(0, "branch condition %v is not a predicate register", pred)
	}
	return c.setSuccs(b, Conditional{Pred: pred, Hint: hint, Uniform: uniform}, []*Block{ifTrue, ifFalse})
}

// SetSwitch makes b select a successor by the value of sel. Duplicate case
// values are rejected.
func (c *CFG) SetSwitch(b *Block, sel Reg, cases []int64, targets []*Block, def *Block, uniform bool) error {
	if len(cases) != len(targets) {
		return diag.ICE("switch has %d cases but %d targets", len(cases), len(targets))
	}
	seen := make(map[int64]bool, len(cases))
	for _, v := range cases {
		if seen[v] {
			return diag.Malformed(0, "switch in block L%d has duplicate case %d", b.Label, v)
		}
		seen[v] = true
	}
	succs := slices.Clone(targets)
	mode := Switch{Selector: sel, Cases: slices.Clone(cases), Uniform: uniform}
	if def != nil {
		succs = append(succs, def)
		mode.HasDefault = true
	}
	return c.setSuccs(b, mode, succs)
}

// SetLoopContinue makes b jump back to header.
func (c *CFG) SetLoopContinue(b, header *Block) error {
	return c.setSuccs(b, LoopContinue{}, []*Block{header})
}

func (c *CFG) setSuccs(b *Block, mode SuccMode, targets []*Block) error {
	if err := c.checkOwned(b); err != nil {
		return err
	}
	if err := c.checkOwned(targets...); err != nil {
		return err
	}
	for len(b.Succs) > 0 {
		c.dropSucc(b, len(b.Succs)-1)
	}
	b.Mode = mode
	for _, t := range targets {
		c.addSucc(b, t)
	}
	c.Dirty = true
	return nil
}

func (c *CFG) addSucc(b, t *Block) {
	b.Succs = append(b.Succs, Edge{Dest: t.ID, PredSlot: len(t.Preds)})
	t.Preds = append(t.Preds, PredEdge{Src: b.ID, SuccSlot: len(b.Succs) - 1})
}

// dropSucc removes the last successor slot of b; slot must be the last one.
func (c *CFG) dropSucc(b *Block, slot int) {
	e := b.Succs[slot]
	c.removePred(c.state.blocks[e.Dest], e.PredSlot)
	b.Succs = b.Succs[:slot]
}

// removePred deletes predecessor slot i of t, moving the last entry into
// its place and fixing that entry's back-reference.
func (c *CFG) removePred(t *Block, i int) {
	last := len(t.Preds) - 1
	if i != last {
		moved := t.Preds[last]
		t.Preds[i] = moved
		c.state.blocks[moved.Src].Succs[moved.SuccSlot].PredSlot = i
	}
	t.Preds = t.Preds[:last]
}

// Redirect points successor slot of src at target, updating the
// predecessor arrays of both the old and the new target.
func (c *CFG) Redirect(src *Block, slot int, target *Block) error {
	if err := c.checkOwned(src, target); err != nil {
		return err
	}
	if slot < 0 || slot >= len(src.Succs) {
		return diag.ICE("redirect of L%d: no successor slot %d", src.Label, slot)
	}
	old := src.Succs[slot]
	c.removePred(c.state.blocks[old.Dest], old.PredSlot)
	src.Succs[slot] = Edge{Dest: target.ID, PredSlot: len(target.Preds)}
	target.Preds = append(target.Preds, PredEdge{Src: src.ID, SuccSlot: slot})
	c.Dirty = true
	return nil
}

// CanMerge reports whether b can be appended to a: a continues
// unconditionally and only at b, and b is reached only from a.
func (c *CFG) CanMerge(a, b *Block) bool {
	if a == b || c.Block(a.ID) != a || c.Block(b.ID) != b {
		return false
	}
	if _, ok := a.Mode.(Unconditional); !ok {
		return false
	}
	if len(a.Succs) != 1 || a.Succs[0].Dest != b.ID {
		return false
	}
	return len(b.Preds) == 1 && b.ID != c.Entry
}

// Merge appends b to a and deletes b. The instruction lists are spliced,
// a takes over b's successors and the liveness metadata is combined.
func (c *CFG) Merge(a, b *Block) error {
	if !c.CanMerge(a, b) {
		return diag.ICE("blocks L%d and L%d cannot be merged", a.Label, b.Label)
	}
	s := c.state
	a.InvalidateDeps()
	b.InvalidateDeps()
	aDefs := definedIn(s, a)

	// splice instruction lists
	for id := b.head; id != 0; id = s.instrs[id].next {
		s.instrs[id].block = a.ID
	}
	if b.head != 0 {
		if a.tail != 0 {
			s.instrs[a.tail].next = b.head
			s.instrs[b.head].prev = a.tail
		} else {
			a.head = b.head
		}
		a.tail = b.tail
		a.count += b.count
	}
	b.head, b.tail, b.count = 0, 0, 0

	// a -> b edge disappears; b's successors become a's
	c.dropSucc(a, 0)
	a.Mode = b.Mode
	a.Succs = b.Succs
	b.Succs = nil
	for slot, e := range a.Succs {
		s.blocks[e.Dest].Preds[e.PredSlot] = PredEdge{Src: a.ID, SuccSlot: slot}
	}

	if a.LiveIn != nil || b.LiveIn != nil {
		a.LiveIn = unionSets(a.LiveIn, b.LiveIn.Minus(aDefs))
	}
	a.LiveOut = unionSets(nil, b.LiveOut)
	a.NeedsSync = a.NeedsSync || b.NeedsSync
	if b.LoopDepth > a.LoopDepth {
		a.LoopDepth = b.LoopDepth
	}

	if c.Exit == b.ID {
		c.Exit = a.ID
	}
	c.forget(b)
	c.Dirty = true
	return nil
}

func unionSets(a, b RegSet) RegSet {
	if a == nil && b == nil {
		return nil
	}
	out := NewRegSet()
	for r := range a {
		out.Add(r)
	}
	for r := range b {
		out.Add(r)
	}
	return out
}

func definedIn(s *CompileState, b *Block) RegSet {
	defs := NewRegSet()
	for _, i := range s.Instrs(b) {
		if i.Pred != nil {
			continue
		}
		for _, d := range i.DestRegs() {
			if d.Mask == MaskFull {
				defs.Add(d.Reg)
			}
		}
	}
	return defs
}

// RemoveBlock deletes b together with its instructions and edges.
func (c *CFG) RemoveBlock(b *Block) error {
	if err := c.checkOwned(b); err != nil {
		return err
	}
	if b.ID == c.Entry || b.ID == c.Exit {
		return diag.ICE("cannot remove entry or exit block L%d", b.Label)
	}
	for len(b.Succs) > 0 {
		c.dropSucc(b, len(b.Succs)-1)
	}
	for len(b.Preds) > 0 {
		src := c.state.blocks[b.Preds[len(b.Preds)-1].Src]
		if err := c.dropEdgesTo(src, b); err != nil {
			return err
		}
	}
	b.InvalidateDeps()
	s := c.state
	for id := b.head; id != 0; {
		next := s.instrs[id].next
		i := s.instrs[id]
		s.unlinkOp(i)
		s.instrs[id] = nil
		id = next
	}
	b.head, b.tail, b.count = 0, 0, 0
	c.forget(b)
	c.Dirty = true
	return nil
}

// dropEdgesTo removes the successor slots of src that lead to b and keeps
// the rest of src's mode. A conditional left with one target becomes an
// unconditional jump; a switch loses the matching cases or its default.
func (c *CFG) dropEdgesTo(src, b *Block) error {
	var keep []*Block
	for _, e := range src.Succs {
		if e.Dest != b.ID {
			keep = append(keep, c.state.blocks[e.Dest])
		}
	}
	switch m := src.Mode.(type) {
	case Conditional:
		if len(keep) == 1 {
			return c.SetUnconditional(src, keep[0])
		}
	case Switch:
		var (
			cases   []int64
			targets []*Block
			def     *Block
		)
		for k, e := range src.Succs {
			if e.Dest == b.ID {
				continue
			}
			if k < len(m.Cases) {
				cases = append(cases, m.Cases[k])
				targets = append(targets, c.state.blocks[e.Dest])
			} else {
				def = c.state.blocks[e.Dest]
			}
		}
		if len(targets) > 0 || def != nil {
			return c.SetSwitch(src, m.Selector, cases, targets, def, m.Uniform)
		}
	}
	return c.SetTerminal(src)
}

func (c *CFG) forget(b *Block) {
	if i := slices.Index(c.blocks, b.ID); i >= 0 {
		c.blocks = slices.Delete(c.blocks, i, i+1)
	}
	c.state.blocks[b.ID] = nil
	b.cfg = nil
}

// Reachable returns the blocks reachable from the entry in depth-first
// preorder.
func (c *CFG) Reachable() []*Block {
	seen := make(map[BlockID]bool)
	var order []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		if seen[b.ID] {
			return
		}
		seen[b.ID] = true
		order = append(order, b)
		for _, e := range b.Succs {
			walk(c.state.blocks[e.Dest])
		}
	}
	if e := c.EntryBlock(); e != nil {
		walk(e)
	}
	return order
}

// RemoveUnreachable deletes blocks the entry cannot reach. The exit block
// is kept even when unreachable.
func (c *CFG) RemoveUnreachable() (int, error) {
	live := make(map[BlockID]bool)
	for _, b := range c.Reachable() {
		live[b.ID] = true
	}
	removed := 0
	// drop edges out of dead blocks first so dead cycles come apart
	for _, b := range c.Blocks() {
		if !live[b.ID] && b.ID != c.Exit {
			for len(b.Succs) > 0 {
				c.dropSucc(b, len(b.Succs)-1)
			}
			b.Mode = Terminal{}
		}
	}
	for _, b := range c.Blocks() {
		if !live[b.ID] && b.ID != c.Exit {
			if err := c.RemoveBlock(b); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// MergeStraightLines merges every legal block pair until none is left and
// returns how many merges happened.
func (c *CFG) MergeStraightLines() (int, error) {
	merged := 0
	for changed := true; changed; {
		changed = false
		for _, a := range c.Blocks() {
			if c.Block(a.ID) == nil || len(a.Succs) != 1 {
				continue
			}
			b := c.Succ(a, 0)
			if c.CanMerge(a, b) {
				if err := c.Merge(a, b); err != nil {
					return merged, err
				}
				merged++
				changed = true
			}
		}
	}
	return merged, nil
}

// CheckEdges verifies that every successor edge has a matching predecessor
// entry and vice versa.
func (c *CFG) CheckEdges() error {
	for _, b := range c.Blocks() {
		for slot, e := range b.Succs {
			t := c.Block(e.Dest)
			if t == nil {
				return diag.ICE("L%d succ %d points outside the CFG", b.Label, slot)
			}
			if e.PredSlot >= len(t.Preds) || t.Preds[e.PredSlot] != (PredEdge{Src: b.ID, SuccSlot: slot}) {
				return diag.ICE("L%d succ %d has no matching pred in L%d", b.Label, slot, t.Label)
			}
		}
		for slot, p := range b.Preds {
			src := c.Block(p.Src)
			if src == nil {
				return diag.ICE("L%d pred %d points outside the CFG", b.Label, slot)
			}
			if p.SuccSlot >= len(src.Succs) || src.Succs[p.SuccSlot] != (Edge{Dest: b.ID, PredSlot: slot}) {
				return diag.ICE("L%d pred %d has no matching succ in L%d", b.Label, slot, src.Label)
			}
		}
	}
	return nil
}
