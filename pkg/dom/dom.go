// Package dom computes dominators, post-dominators, loop nesting and
// re-convergence points over a function's CFG.
//
// Results are stored on the blocks themselves (Idom, Ipdom, LoopHeader,
// LoopDepth, NeedsSync) and stay valid until the CFG is marked dirty.
package dom

import (
	"golang.org/x/exp/slices"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Analyze recomputes every dominance-derived property of c. It does nothing
// when c is clean. Re-convergence markers are only computed when sync is set.
func Analyze(c *ir.CFG, sync bool) error {
	if !c.Dirty {
		return nil
	}
	if c.EntryBlock() == nil || c.ExitBlock() == nil {
		return diag.ICE("CFG of %v has no entry or exit", c.Func.Name)
	}
	for _, b := range c.Blocks() {
		b.Idom, b.Ipdom = 0, 0
		b.LoopHeader, b.LoopDepth = false, 0
		b.NeedsSync = false
	}

	rpo := ReversePostorder(c)
	computeIdom(c, rpo, forward{c})
	computeIdom(c, reversePostorderFrom(c.ExitBlock(), backward{c}), backward{c})

	loops := findLoops(c, rpo)
	if sync {
		markSync(c, rpo)
	}
	c.Dirty = false

	tlog.V("dom").Printw("dominance", "func", c.Func.Name, "blocks", len(rpo), "loops", loops)
	return nil
}

// graph abstracts the edge direction so the same fixpoint computes both
// dominators and post-dominators.
type graph interface {
	succs(b *ir.Block) []*ir.Block
	preds(b *ir.Block) []*ir.Block
	idom(b *ir.Block) ir.BlockID
	setIdom(b *ir.Block, id ir.BlockID)
}

type forward struct{ c *ir.CFG }

func (g forward) succs(b *ir.Block) []*ir.Block { return g.c.SuccBlocks(b) }
func (g forward) preds(b *ir.Block) []*ir.Block { return g.c.PredBlocks(b) }
func (forward) idom(b *ir.Block) ir.BlockID { return b.Idom }
func (forward) setIdom(b *ir.Block, id ir.BlockID) { b.Idom = id }

type backward struct{ c *ir.CFG }

func (g backward) succs(b *ir.Block) []*ir.Block { return g.c.PredBlocks(b) }
func (g backward) preds(b *ir.Block) []*ir.Block { return g.c.SuccBlocks(b) }
func (backward) idom(b *ir.Block) ir.BlockID { return b.Ipdom }
func (backward) setIdom(b *ir.Block, id ir.BlockID) { b.Ipdom = id }

// ReversePostorder returns the blocks reachable from the entry in reverse
// postorder. Successors are visited in slot order.
func ReversePostorder(c *ir.CFG) []*ir.Block {
	return reversePostorderFrom(c.EntryBlock(), forward{c})
}

func reversePostorderFrom(root *ir.Block, g graph) []*ir.Block {
	visited := make(map[ir.BlockID]bool)
	var order []*ir.Block
	var dfs func(b *ir.Block)
	dfs = func(b *ir.Block) {
		if visited[b.ID] {
			return
		}
		visited[b.ID] = true
		for _, s := range g.succs(b) {
			dfs(s)
		}
		order = append(order, b)
	}
	dfs(root)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// computeIdom runs the Cooper-Harvey-Kennedy fixpoint. The root keeps
// idom 0; blocks not in order keep 0 as well.
func computeIdom(c *ir.CFG, order []*ir.Block, g graph) {
	if len(order) == 0 {
		return
	}
	num := make(map[ir.BlockID]int, len(order))
	for i, b := range order {
		num[b.ID] = i
	}
	root := order[0]
	g.setIdom(root, root.ID) // sentinel
	intersect := func(a, b *ir.Block) *ir.Block {
		for a != b {
			for num[a.ID] > num[b.ID] {
				a = c.Block(g.idom(a))
			}
			for num[b.ID] > num[a.ID] {
				b = c.Block(g.idom(b))
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for _, b := range order[1:] {
			var nd *ir.Block
			for _, p := range g.preds(b) {
				if _, ok := num[p.ID]; !ok || g.idom(p) == 0 {
					continue
				}
				if nd == nil {
					nd = p
				} else {
					nd = intersect(p, nd)
				}
			}
			if nd != nil && g.idom(b) != nd.ID {
				g.setIdom(b, nd.ID)
				changed = true
			}
		}
	}
	g.setIdom(root, 0)
}

// Dominates reports whether every path from the entry to b passes through a.
// A block dominates itself.
func Dominates(c *ir.CFG, a, b *ir.Block) bool {
	for x := b; x != nil; x = c.Block(x.Idom) {
		if x == a {
			return true
		}
	}
	return false
}

// PostDominates reports whether every path from b to the exit passes
// through a.
func PostDominates(c *ir.CFG, a, b *ir.Block) bool {
	for x := b; x != nil; x = c.Block(x.Ipdom) {
		if x == a {
			return true
		}
	}
	return false
}

// findLoops flags loop headers and counts, for every block, how many
// natural loops contain it. Back edges sharing a header form one loop.
func findLoops(c *ir.CFG, rpo []*ir.Block) int {
	bodies := make(map[ir.BlockID]map[ir.BlockID]bool)
	var headers []ir.BlockID
	for _, h := range rpo {
		for _, p := range c.PredBlocks(h) {
			if !Dominates(c, h, p) {
				continue
			}
			body, ok := bodies[h.ID]
			if !ok {
				body = map[ir.BlockID]bool{h.ID: true}
				bodies[h.ID] = body
				headers = append(headers, h.ID)
				h.LoopHeader = true
			}
			// walk backwards from the latch until the header
			work := []*ir.Block{p}
			for len(work) > 0 {
				x := work[len(work)-1]
				work = work[:len(work)-1]
				if body[x.ID] || !Dominates(c, h, x) {
					continue
				}
				body[x.ID] = true
				work = append(work, c.PredBlocks(x)...)
			}
		}
	}
	for _, h := range headers {
		for id := range bodies[h] {
			c.Block(id).LoopDepth++
		}
	}
	return len(headers)
}

// Divergent reports whether b may send threads of one lockstep group to
// different successors.
func Divergent(c *ir.CFG, b *ir.Block) bool {
	switch m := b.Mode.(type) {
	case ir.Conditional:
		return !m.Uniform && b.Succs[0].Dest != b.Succs[1].Dest
	case ir.Switch:
		if m.Uniform {
			return false
		}
		for _, e := range b.Succs[1:] {
			if e.Dest != b.Succs[0].Dest {
				return true
			}
		}
	}
	return false
}

// markSync sets NeedsSync on the re-convergence block of every divergent
// region that contains a divergence-sensitive instruction, and on blocks
// where two or more divergent regions re-converge.
func markSync(c *ir.CFG, rpo []*ir.Block) {
	s := c.State()
	merges := make(map[ir.BlockID]int)
	var order []ir.BlockID
	for _, b := range rpo {
		if !Divergent(c, b) {
			continue
		}
		m := c.Block(b.Ipdom)
		if m == nil {
			// never re-converges: threads leave through different exits
			continue
		}
		if merges[m.ID] == 0 {
			order = append(order, m.ID)
		}
		merges[m.ID]++
		if regionSensitive(s, c, b, m) {
			m.NeedsSync = true
		}
	}
	for _, id := range order {
		if merges[id] >= 2 {
			c.Block(id).NeedsSync = true
		}
	}
	if tlog.If("dom") {
		var marked []int
		for _, b := range rpo {
			if b.NeedsSync {
				marked = append(marked, b.Label)
			}
		}
		slices.Sort(marked)
		tlog.Printw("re-convergence", "func", c.Func.Name, "labels", marked)
	}
}

// regionSensitive reports whether any block between the divergent branch b
// and its re-convergence point m holds a divergence-sensitive instruction.
func regionSensitive(s *ir.CompileState, c *ir.CFG, b, m *ir.Block) bool {
	seen := map[ir.BlockID]bool{m.ID: true}
	work := c.SuccBlocks(b)
	for len(work) > 0 {
		x := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[x.ID] {
			continue
		}
		seen[x.ID] = true
		for _, i := range s.Instrs(x) {
			if i.Op.Info().SyncSensitive {
				return true
			}
		}
		work = append(work, c.SuccBlocks(x)...)
	}
	return false
}
