package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

type move [2]ir.Reg

// Allocator colours one bank with the Iterated Register Coalescing
// algorithm. Precoloured nodes (fixed registers and placed groups) keep
// their colour and are never simplified, spilled or merged away.
type Allocator struct {
	graph       *InterferenceGraph
	ivs         map[ir.Reg]*Interval
	K           int // number of physical registers in the bank
	precoloured map[ir.Reg]int
	noSpill     ir.RegSet

	colours map[ir.Reg]int
	degree  map[ir.Reg]int
	weight  map[ir.Reg]*Interval // spill cost of each representative

	// IRC worklists
	simplifyWorklist []ir.Reg // low-degree non-move-related nodes
	freezeWorklist   []ir.Reg // low-degree move-related nodes
	spillWorklist    []ir.Reg // high-degree nodes (potential spills)
	coalescedNodes   ir.RegSet
	colouredNodes    ir.RegSet
	spilledNodes     ir.RegSet
	selectStack      []ir.Reg
	onStack          ir.RegSet

	// alias maps a coalesced node to the node it was merged into
	alias map[ir.Reg]ir.Reg

	// Move worklists
	coalescedMoves   []move
	constrainedMoves []move
	frozenMoves      []move
	worklistMoves    []move // active move candidates
	activeMoves      []move // moves not yet ready to coalesce
}

// AllocationResult holds the outcome of colouring one bank.
type AllocationResult struct {
	// Colours maps every coloured register, coalesced ones included, to its
	// physical register number.
	Colours map[ir.Reg]int
	// Spilled lists the registers that must live in memory, in register order.
	Spilled []ir.Reg
	// Coalesced is the number of copies whose two sides were merged.
	Coalesced int
}

// NewAllocator creates a colouring allocator for one bank. noSpill holds
// registers that may not be chosen for spilling; precoloured registers are
// never spilled either.
func NewAllocator(graph *InterferenceGraph, ivs map[ir.Reg]*Interval, k int, precoloured map[ir.Reg]int, noSpill ir.RegSet) *Allocator {
	a := &Allocator{
		graph:          graph,
		ivs:            ivs,
		K:              k,
		precoloured:    precoloured,
		noSpill:        noSpill.Copy(),
		colours:        make(map[ir.Reg]int),
		degree:         make(map[ir.Reg]int),
		weight:         make(map[ir.Reg]*Interval),
		coalescedNodes: ir.NewRegSet(),
		colouredNodes:  ir.NewRegSet(),
		spilledNodes:   ir.NewRegSet(),
		onStack:        ir.NewRegSet(),
		alias:          make(map[ir.Reg]ir.Reg),
	}
	for r := range graph.Nodes {
		iv := ivs[r]
		if iv == nil {
			iv = &Interval{Reg: r}
		}
		cp := *iv
		a.weight[r] = &cp
	}
	return a
}

// Allocate colours the graph. It fails only when a register that may not
// be spilled finds no colour, even after evicting spillable neighbours.
func (a *Allocator) Allocate() (*AllocationResult, error) {
	a.buildWorklists()

	for {
		if len(a.simplifyWorklist) > 0 {
			a.simplify()
		} else if len(a.worklistMoves) > 0 {
			a.coalesce()
		} else if len(a.freezeWorklist) > 0 {
			a.freeze()
		} else if len(a.spillWorklist) > 0 {
			a.selectSpill()
		} else {
			break
		}
	}

	if err := a.assignColours(); err != nil {
		return nil, err
	}
	return a.buildResult(), nil
}

func (a *Allocator) isPrecoloured(r ir.Reg) bool {
	_, ok := a.precoloured[r]
	return ok
}

func (a *Allocator) buildWorklists() {
	for r, c := range a.precoloured {
		if a.graph.Nodes.Contains(r) {
			a.colours[r] = c
			a.colouredNodes.Add(r)
		}
	}

	for _, r := range a.graph.Nodes.Sorted() {
		if a.isPrecoloured(r) {
			continue
		}
		a.degree[r] = a.graph.Degree(r) + a.avoidCount(a.weight[r].Avoid)
		if a.degree[r] >= a.K {
			a.spillWorklist = append(a.spillWorklist, r)
		} else if a.moveRelated(r) {
			a.freezeWorklist = append(a.freezeWorklist, r)
		} else {
			a.simplifyWorklist = append(a.simplifyWorklist, r)
		}
	}

	for _, m := range a.graph.Moves() {
		a.worklistMoves = append(a.worklistMoves, move(m))
	}
}

// adjacent returns the neighbours of r still in the graph.
func (a *Allocator) adjacent(r ir.Reg) []ir.Reg {
	var out []ir.Reg
	for _, n := range a.graph.Neighbors(r) {
		if !a.onStack.Contains(n) && !a.coalescedNodes.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

// nodeMoves returns the moves involving r that may still be coalesced.
func (a *Allocator) nodeMoves(r ir.Reg) []move {
	var out []move
	for _, list := range [][]move{a.activeMoves, a.worklistMoves} {
		for _, m := range list {
			if a.getAlias(m[0]) == r || a.getAlias(m[1]) == r {
				out = append(out, m)
			}
		}
	}
	return out
}

func (a *Allocator) moveRelated(r ir.Reg) bool {
	return len(a.nodeMoves(r)) > 0
}

func (a *Allocator) simplify() {
	n := len(a.simplifyWorklist) - 1
	r := a.simplifyWorklist[n]
	a.simplifyWorklist = a.simplifyWorklist[:n]

	a.selectStack = append(a.selectStack, r)
	a.onStack.Add(r)

	for _, neighbor := range a.adjacent(r) {
		a.decrementDegree(neighbor)
	}
}

func (a *Allocator) decrementDegree(r ir.Reg) {
	if a.isPrecoloured(r) {
		return
	}
	d := a.degree[r]
	a.degree[r] = d - 1

	// If degree drops below K, move to appropriate worklist
	if d == a.K {
		a.enableMoves(append(a.adjacent(r), r))
		removeFromWorklist(r, &a.spillWorklist)
		if a.moveRelated(r) {
			a.freezeWorklist = append(a.freezeWorklist, r)
		} else {
			a.simplifyWorklist = append(a.simplifyWorklist, r)
		}
	}
}

func (a *Allocator) enableMoves(nodes []ir.Reg) {
	for _, n := range nodes {
		for _, m := range a.nodeMoves(n) {
			if removeMove(m, &a.activeMoves) {
				a.worklistMoves = append(a.worklistMoves, m)
			}
		}
	}
}

func removeFromWorklist(r ir.Reg, list *[]ir.Reg) bool {
	for i, reg := range *list {
		if reg == r {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func removeMove(m move, list *[]move) bool {
	for i, x := range *list {
		if x == m {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Allocator) coalesce() {
	n := len(a.worklistMoves) - 1
	m := a.worklistMoves[n]
	a.worklistMoves = a.worklistMoves[:n]

	x := a.getAlias(m[0])
	y := a.getAlias(m[1])

	// A precoloured node is always the representative.
	u, v := x, y
	if a.isPrecoloured(y) {
		u, v = y, x
	}

	switch {
	case u == v:
		a.coalescedMoves = append(a.coalescedMoves, m)
		a.addToWorklist(u)
	case a.isPrecoloured(v) || a.graph.HasEdge(u, v) || a.colourClash(u, v):
		a.constrainedMoves = append(a.constrainedMoves, m)
		a.addToWorklist(u)
		a.addToWorklist(v)
	case a.isPrecoloured(u) && a.georgeTest(u, v), !a.isPrecoloured(u) && a.conservativeCoalesce(u, v):
		a.coalescedMoves = append(a.coalescedMoves, m)
		a.combine(u, v)
		a.addToWorklist(u)
	default:
		a.activeMoves = append(a.activeMoves, m)
	}
}

// colourClash reports whether merging v into precoloured u would give v the
// colour of a precoloured neighbour or one a call overwrites under v.
func (a *Allocator) colourClash(u, v ir.Reg) bool {
	c, ok := a.precoloured[u]
	if !ok {
		return false
	}
	if a.weight[v].avoids(c) {
		return true
	}
	for _, t := range a.graph.Neighbors(v) {
		if tc, ok := a.precoloured[t]; ok && tc == c {
			return true
		}
	}
	return false
}

func (a *Allocator) getAlias(r ir.Reg) ir.Reg {
	if a.coalescedNodes.Contains(r) {
		return a.getAlias(a.alias[r])
	}
	return r
}

// georgeTest allows merging v into precoloured u when every neighbour of v
// is precoloured, insignificant or already interferes with u. Precoloured
// neighbours sharing u's colour are caught by colourClash.
func (a *Allocator) georgeTest(u, v ir.Reg) bool {
	for _, t := range a.adjacent(v) {
		if a.isPrecoloured(t) || a.degree[t] < a.K || a.graph.HasEdge(t, u) {
			continue
		}
		return false
	}
	return true
}

func (a *Allocator) conservativeCoalesce(u, v ir.Reg) bool {
	// Briggs criterion: safe if the combined node has < K high-degree neighbours
	highDegreeNeighbors := 0
	neighbors := ir.NewRegSet(a.adjacent(u)...)
	for _, n := range a.adjacent(v) {
		neighbors.Add(n)
	}
	for n := range neighbors {
		if a.isPrecoloured(n) || a.degree[n] >= a.K {
			highDegreeNeighbors++
		}
	}
	return highDegreeNeighbors < a.K
}

func (a *Allocator) combine(u, v ir.Reg) {
	if !removeFromWorklist(v, &a.freezeWorklist) {
		removeFromWorklist(v, &a.spillWorklist)
	}

	a.coalescedNodes.Add(v)
	a.alias[v] = u

	// The merged node is as expensive to spill as both halves.
	wu, wv := a.weight[u], a.weight[v]
	wu.Activity += wv.Activity
	wu.Accesses += wv.Accesses
	if wv.Start > wu.Start {
		wu.Start = wv.Start
	}
	if wv.End < wu.End {
		wu.End = wv.End
	}
	if a.noSpill.Contains(v) {
		a.noSpill.Add(u)
	}
	if len(wv.Avoid) > 0 {
		before := a.avoidCount(wu.Avoid)
		wu.Avoid = slices.Clone(wu.Avoid)
		wu.avoid(wv.Avoid...)
		if !a.isPrecoloured(u) {
			a.degree[u] += a.avoidCount(wu.Avoid) - before
		}
	}

	a.enableMoves([]ir.Reg{v})

	for _, t := range a.adjacent(v) {
		if a.graph.AddEdge(u, t) {
			if !a.isPrecoloured(u) {
				a.degree[u]++
			}
			if !a.isPrecoloured(t) {
				a.degree[t]++
			}
		}
		a.decrementDegree(t)
	}

	if !a.isPrecoloured(u) && a.degree[u] >= a.K && removeFromWorklist(u, &a.freezeWorklist) {
		a.spillWorklist = append(a.spillWorklist, u)
	}
}

func (a *Allocator) addToWorklist(r ir.Reg) {
	if a.isPrecoloured(r) || a.coalescedNodes.Contains(r) {
		return
	}
	if a.degree[r] < a.K && !a.moveRelated(r) {
		if removeFromWorklist(r, &a.freezeWorklist) {
			a.simplifyWorklist = append(a.simplifyWorklist, r)
		}
	}
}

func (a *Allocator) freeze() {
	n := len(a.freezeWorklist) - 1
	r := a.freezeWorklist[n]
	a.freezeWorklist = a.freezeWorklist[:n]

	a.simplifyWorklist = append(a.simplifyWorklist, r)
	a.freezeMovesFor(r)
}

func (a *Allocator) freezeMovesFor(r ir.Reg) {
	for _, m := range a.nodeMoves(r) {
		if !removeMove(m, &a.activeMoves) {
			removeMove(m, &a.worklistMoves)
		}
		a.frozenMoves = append(a.frozenMoves, m)

		other := a.getAlias(m[0])
		if other == r {
			other = a.getAlias(m[1])
		}
		if !a.isPrecoloured(other) && !a.moveRelated(other) && a.degree[other] < a.K {
			if removeFromWorklist(other, &a.freezeWorklist) {
				a.simplifyWorklist = append(a.simplifyWorklist, other)
			}
		}
	}
}

// selectSpill picks the cheapest spillable node of the spill worklist. Nodes
// that may not be spilled are only chosen when nothing else is left; they
// then take part in colouring optimistically.
func (a *Allocator) selectSpill() {
	best := -1
	for i, r := range a.spillWorklist {
		if best < 0 || a.spillBefore(r, a.spillWorklist[best]) {
			best = i
		}
	}
	r := a.spillWorklist[best]
	a.spillWorklist = append(a.spillWorklist[:best], a.spillWorklist[best+1:]...)
	a.simplifyWorklist = append(a.simplifyWorklist, r)
	a.freezeMovesFor(r)
}

func (a *Allocator) spillBefore(x, y ir.Reg) bool {
	nx, ny := a.noSpill.Contains(x), a.noSpill.Contains(y)
	if nx != ny {
		return ny
	}
	return cheaper(a.weight[x], a.weight[y])
}

func (a *Allocator) assignColours() error {
	for len(a.selectStack) > 0 {
		n := len(a.selectStack) - 1
		r := a.selectStack[n]
		a.selectStack = a.selectStack[:n]

		used := a.usedColours(r)
		colour := a.preferredColour(r, used)
		if colour < 0 {
			for c := 0; c < a.K; c++ {
				if !used[c] {
					colour = c
					break
				}
			}
		}

		if colour < 0 {
			// Spill whichever side is cheaper: r, or the neighbours
			// holding the cheapest colour.
			c, cost, holders := a.cheapestEviction(r)
			switch {
			case c >= 0 && (a.noSpill.Contains(r) || cost < a.weight[r].Activity):
				a.evict(holders)
				colour = c
			case a.noSpill.Contains(r):
				return diag.NoRegisters("%v bank: %v cannot be spilled and every %d registers are taken", r.Bank, r, a.K)
			}
		}

		if colour >= 0 {
			a.colouredNodes.Add(r)
			a.colours[r] = colour
		} else {
			a.spilledNodes.Add(r)
		}
	}
	a.reclaim()

	// Copy colours to coalesced nodes
	for _, r := range a.coalescedNodes.Sorted() {
		alias := a.getAlias(r)
		if a.colouredNodes.Contains(alias) {
			a.colours[r] = a.colours[alias]
			a.colouredNodes.Add(r)
		} else {
			a.spilledNodes.Add(r)
		}
	}
	return nil
}

// usedColours marks the colours r cannot take: those of coloured
// neighbours and those a call overwrites while r is live.
func (a *Allocator) usedColours(r ir.Reg) []bool {
	used := make([]bool, a.K)
	for _, neighbor := range a.graph.Neighbors(r) {
		alias := a.getAlias(neighbor)
		if a.colouredNodes.Contains(alias) {
			used[a.colours[alias]] = true
		}
	}
	for _, c := range a.weight[r].Avoid {
		if c < a.K {
			used[c] = true
		}
	}
	return used
}

// reclaim revisits the spilled nodes once every node has been popped,
// hottest first. A spilled node takes a colour back when the neighbours
// holding it are cheaper in total; they are spilled instead. Each step
// lowers the total spilled activity, so the loop ends.
func (a *Allocator) reclaim() {
	for {
		var spilled []ir.Reg
		for r := range a.spilledNodes {
			if !a.noSpill.Contains(r) && !a.isPrecoloured(r) {
				spilled = append(spilled, r)
			}
		}
		slices.SortFunc(spilled, func(x, y ir.Reg) int {
			if cheaper(a.weight[y], a.weight[x]) {
				return -1
			}
			if cheaper(a.weight[x], a.weight[y]) {
				return 1
			}
			return 0
		})

		changed := false
		for _, r := range spilled {
			c, cost, holders := a.cheapestEviction(r)
			if c < 0 || cost > 0 && cost >= a.weight[r].Activity {
				continue
			}
			a.evict(holders)
			a.spilledNodes.Remove(r)
			a.colouredNodes.Add(r)
			a.colours[r] = c
			changed = true
			break
		}
		if !changed {
			return
		}
	}
}

// preferredColour returns a free colour already held by a copy partner, or -1.
func (a *Allocator) preferredColour(r ir.Reg, used []bool) int {
	for _, p := range a.graph.Preferences[r].Sorted() {
		alias := a.getAlias(p)
		if !a.colouredNodes.Contains(alias) {
			continue
		}
		if c := a.colours[alias]; !used[c] {
			return c
		}
	}
	return -1
}

// cheapestEviction finds the colour r could take by spilling the coloured
// neighbours holding it, choosing the colour whose holders are cheapest in
// total. It returns -1 if every colour is held by something that cannot
// move or is overwritten by a call while r is live.
func (a *Allocator) cheapestEviction(r ir.Reg) (colour, cost int, holders []ir.Reg) {
	byColour := make([][]ir.Reg, a.K)
	blocked := make([]bool, a.K)
	for _, c := range a.weight[r].Avoid {
		if c < a.K {
			blocked[c] = true
		}
	}
	for _, neighbor := range a.graph.Neighbors(r) {
		alias := a.getAlias(neighbor)
		if !a.colouredNodes.Contains(alias) {
			continue
		}
		c := a.colours[alias]
		if a.isPrecoloured(alias) || a.noSpill.Contains(alias) {
			blocked[c] = true
			continue
		}
		if !slices.Contains(byColour[c], alias) {
			byColour[c] = append(byColour[c], alias)
		}
	}

	colour = -1
	for c := 0; c < a.K; c++ {
		if blocked[c] {
			continue
		}
		sum := 0
		for _, h := range byColour[c] {
			sum += a.weight[h].Activity
		}
		if colour < 0 || sum < cost {
			colour, cost = c, sum
		}
	}
	if colour < 0 {
		return -1, 0, nil
	}
	return colour, cost, byColour[colour]
}

// evict spills coloured nodes.
func (a *Allocator) evict(holders []ir.Reg) {
	for _, h := range holders {
		a.colouredNodes.Remove(h)
		delete(a.colours, h)
		a.spilledNodes.Add(h)
	}
}

// avoidCount is the number of colours of the bank in avoid.
func (a *Allocator) avoidCount(avoid []int) int {
	n := 0
	for _, c := range avoid {
		if c < a.K {
			n++
		}
	}
	return n
}

func (a *Allocator) buildResult() *AllocationResult {
	result := &AllocationResult{
		Colours:   make(map[ir.Reg]int),
		Coalesced: len(a.coalescedMoves),
	}
	for r := range a.colouredNodes {
		result.Colours[r] = a.colours[r]
	}
	for _, r := range a.spilledNodes.Sorted() {
		if a.isPrecoloured(r) {
			continue
		}
		result.Spilled = append(result.Spilled, r)
	}
	return result
}
