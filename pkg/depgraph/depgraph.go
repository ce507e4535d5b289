// Package depgraph builds the per-block instruction dependency graph that
// drives list scheduling and the legality checks of later rewrites.
package depgraph

import (
	"math/bits"

	"golang.org/x/exp/slices"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Kind is the hazard an edge protects.
type Kind uint8

const (
	RAW Kind = iota + 1 // true dependency
	WAR                 // anti dependency
	WAW                 // output dependency
)

func (k Kind) String() string {
	switch k {
	case RAW:
		return "raw"
	case WAR:
		return "war"
	case WAW:
		return "waw"
	}
	return "?"
}

// Edge says the owning node must issue after node Dep.
type Edge struct {
	Dep  int
	Kind Kind
}

// Graph is the dependency graph of one block. Nodes are numbered in the
// program order the graph was built from; every edge points from a later
// node to an earlier one.
type Graph struct {
	Block *ir.Block
	Nodes []*ir.Instruction

	index map[ir.InstrID]int
	preds [][]Edge
	succs [][]int

	closure [][]uint64

	// worklist state
	pending   []int
	committed []bool
	avail     []int
	remaining int
}

// Contains implements ir.DepCache.
func (g *Graph) Contains(id ir.InstrID) bool {
	_, ok := g.index[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Index returns the node number of an instruction, -1 if it is not in the
// graph.
func (g *Graph) Index(i *ir.Instruction) int {
	if k, ok := g.index[i.ID]; ok {
		return k
	}
	return -1
}

// Preds returns the direct dependencies of node k.
func (g *Graph) Preds(k int) []Edge { return g.preds[k] }

// Succs returns the nodes that directly depend on node k.
func (g *Graph) Succs(k int) []int { return g.succs[k] }

// DependsOn reports whether node a has a direct edge to node b.
func (g *Graph) DependsOn(a, b int) bool {
	for _, e := range g.preds[a] {
		if e.Dep == b {
			return true
		}
	}
	return false
}

// Get returns b's cached graph, building a fresh one if there is none or
// the block changed since.
func Get(s *ir.CompileState, b *ir.Block) *Graph {
	if g, ok := b.Deps().(*Graph); ok && !b.DepsStale {
		return g
	}
	return Build(s, b)
}

// Build computes the dependency graph of b from its current instruction
// order and caches it on the block.
func Build(s *ir.CompileState, b *ir.Block) *Graph {
	instrs := s.Instrs(b)
	g := &Graph{
		Block: b,
		Nodes: instrs,
		index: make(map[ir.InstrID]int, len(instrs)),
		preds: make([][]Edge, len(instrs)),
		succs: make([][]int, len(instrs)),
	}
	t := newTables()
	for k, i := range instrs {
		g.index[i.ID] = k
		t.visit(g, k, i)
	}
	edges := 0
	for k := range g.preds {
		edges += len(g.preds[k])
		for _, e := range g.preds[k] {
			g.succs[e.Dep] = append(g.succs[e.Dep], k)
		}
	}
	g.Reset()
	b.SetDeps(g)

	tlog.V("deps").Printw("dependency graph", "block", b.Label, "nodes", len(instrs), "edges", edges)
	return g
}

func (g *Graph) addEdge(from, to int, kind Kind) {
	if from == to || to < 0 {
		return
	}
	for n, e := range g.preds[from] {
		if e.Dep == to {
			// keep the strongest hazard for latency purposes
			if kind == RAW {
				g.preds[from][n].Kind = RAW
			}
			return
		}
	}
	g.preds[from] = append(g.preds[from], Edge{Dep: to, Kind: kind})
}

// --- Closure ---

// Reaches reports whether node a depends on node b, directly or
// transitively. The closure is computed on first use.
func (g *Graph) Reaches(a, b int) bool {
	if g.closure == nil {
		g.computeClosure()
	}
	return g.closure[a][b/64]&(1<<uint(b%64)) != 0
}

// Ancestors returns how many nodes node k transitively depends on.
func (g *Graph) Ancestors(k int) int {
	if g.closure == nil {
		g.computeClosure()
	}
	n := 0
	for _, w := range g.closure[k] {
		n += bits.OnesCount64(w)
	}
	return n
}

func (g *Graph) computeClosure() {
	words := (len(g.Nodes) + 63) / 64
	g.closure = make([][]uint64, len(g.Nodes))
	// edges point backwards, so program order is a topological order
	for k := range g.Nodes {
		row := make([]uint64, words)
		for _, e := range g.preds[k] {
			row[e.Dep/64] |= 1 << uint(e.Dep%64)
			for w, v := range g.closure[e.Dep] {
				row[w] |= v
			}
		}
		g.closure[k] = row
	}
}

// --- Available worklist ---

// Reset restores the worklist: nothing committed, and every node without
// dependencies available.
func (g *Graph) Reset() {
	n := len(g.Nodes)
	g.pending = make([]int, n)
	g.committed = make([]bool, n)
	g.avail = g.avail[:0]
	for k := 0; k < n; k++ {
		g.pending[k] = len(g.preds[k])
		if g.pending[k] == 0 {
			g.avail = append(g.avail, k)
		}
	}
	g.remaining = n
}

// Available returns the nodes whose dependencies are all committed, in
// program order. The slice is owned by the graph.
func (g *Graph) Available() []int { return g.avail }

// Remaining returns how many nodes are not committed yet.
func (g *Graph) Remaining() int { return g.remaining }

// Committed reports whether node k was committed.
func (g *Graph) Committed(k int) bool { return g.committed[k] }

// Commit marks node k as issued and makes the dependents whose last
// outstanding dependency it was available.
func (g *Graph) Commit(k int) error {
	pos := slices.Index(g.avail, k)
	if pos < 0 {
		return diag.ICE("block L%d: node %d committed while not available", g.Block.Label, k)
	}
	g.avail = slices.Delete(g.avail, pos, pos+1)
	g.committed[k] = true
	g.remaining--
	for _, d := range g.succs[k] {
		g.pending[d]--
		if g.pending[d] == 0 {
			at, _ := slices.BinarySearch(g.avail, d)
			g.avail = slices.Insert(g.avail, at, d)
		}
	}
	return nil
}

// TopoSort returns the nodes in an order that respects every edge, lowest
// node first among the available ones. It resets the worklist.
func (g *Graph) TopoSort() ([]int, error) {
	g.Reset()
	order := make([]int, 0, len(g.Nodes))
	for g.remaining > 0 {
		if len(g.avail) == 0 {
			return nil, diag.ICE("block L%d: dependency cycle with %d nodes left", g.Block.Label, g.remaining)
		}
		k := g.avail[0]
		if err := g.Commit(k); err != nil {
			return nil, err
		}
		order = append(order, k)
	}
	g.Reset()
	return order, nil
}
