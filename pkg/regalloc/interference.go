package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/ir"
)

// InterferenceGraph represents the register interference graph of one bank.
// Two registers interfere if their live intervals overlap.
type InterferenceGraph struct {
	// Nodes are virtual registers
	Nodes ir.RegSet
	// Edges maps each register to its interfering neighbors
	Edges map[ir.Reg]ir.RegSet
	// Preferences maps each register to copy-related registers (for coalescing)
	Preferences map[ir.Reg]ir.RegSet
}

// NewInterferenceGraph creates an empty interference graph
func NewInterferenceGraph() *InterferenceGraph {
	return &InterferenceGraph{
		Nodes:       ir.NewRegSet(),
		Edges:       make(map[ir.Reg]ir.RegSet),
		Preferences: make(map[ir.Reg]ir.RegSet),
	}
}

// AddNode adds a register to the graph
func (g *InterferenceGraph) AddNode(r ir.Reg) {
	g.Nodes.Add(r)
	if g.Edges[r] == nil {
		g.Edges[r] = ir.NewRegSet()
	}
	if g.Preferences[r] == nil {
		g.Preferences[r] = ir.NewRegSet()
	}
}

// AddEdge adds an interference edge between two registers. It reports
// whether the edge is new.
func (g *InterferenceGraph) AddEdge(r1, r2 ir.Reg) bool {
	if r1 == r2 || g.HasEdge(r1, r2) {
		return false
	}
	g.AddNode(r1)
	g.AddNode(r2)
	g.Edges[r1].Add(r2)
	g.Edges[r2].Add(r1)
	return true
}

// AddPreference adds a preference edge (for move coalescing)
func (g *InterferenceGraph) AddPreference(r1, r2 ir.Reg) {
	if r1 == r2 {
		return
	}
	g.AddNode(r1)
	g.AddNode(r2)
	g.Preferences[r1].Add(r2)
	g.Preferences[r2].Add(r1)
}

// HasEdge returns true if there is an interference edge
func (g *InterferenceGraph) HasEdge(r1, r2 ir.Reg) bool {
	if edges, ok := g.Edges[r1]; ok {
		return edges.Contains(r2)
	}
	return false
}

// Degree returns the number of neighbors for a register
func (g *InterferenceGraph) Degree(r ir.Reg) int {
	return len(g.Edges[r])
}

// Neighbors returns the interfering neighbors of a register in register order
func (g *InterferenceGraph) Neighbors(r ir.Reg) []ir.Reg {
	if edges, ok := g.Edges[r]; ok {
		return edges.Sorted()
	}
	return nil
}

// Moves returns every copy-related pair once, in register order.
func (g *InterferenceGraph) Moves() [][2]ir.Reg {
	var moves [][2]ir.Reg
	for _, r := range g.Nodes.Sorted() {
		for _, p := range g.Preferences[r].Sorted() {
			if r.Less(p) {
				moves = append(moves, [2]ir.Reg{r, p})
			}
		}
	}
	return moves
}

// BuildInterferenceGraph constructs the graph of one bank from its
// intervals. Copy ties become preferences unless the two registers
// interfere.
func BuildInterferenceGraph(ivs []*Interval) *InterferenceGraph {
	g := NewInterferenceGraph()
	byStart := slices.Clone(ivs)
	slices.SortStableFunc(byStart, func(a, b *Interval) int { return b.Start - a.Start })

	for i, a := range byStart {
		g.AddNode(a.Reg)
		for _, b := range byStart[i+1:] {
			if b.Start < a.End {
				break
			}
			if a.Overlaps(b) {
				g.AddEdge(a.Reg, b.Reg)
			}
		}
	}

	for _, iv := range ivs {
		for _, t := range iv.Ties {
			if g.Nodes.Contains(t) && !g.HasEdge(iv.Reg, t) {
				g.AddPreference(iv.Reg, t)
			}
		}
	}
	return g
}
