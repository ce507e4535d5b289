// Package sched reorders the instructions of each basic block by list
// scheduling over its dependency graph.
package sched

import (
	"golang.org/x/exp/slices"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/depgraph"
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Stats summarises one scheduled block.
type Stats struct {
	Cycles  int // issue cycles used
	Paired  int // instructions issued in the same cycle as another
	Regions int
}

type scheduler struct {
	s *ir.CompileState
	g *depgraph.Graph

	region  []int // region number per node
	readyAt []int // earliest cycle each node may issue
	cycle   []int // issue cycle per committed node
	window  int

	order []*ir.Instruction
	stats Stats
}

// Block schedules b. The block is relinked in the new order, every
// instruction gets its issue cycle and the second member of a same-cycle
// pair is flagged FlagCoIssue. The dependency graph of b is stale afterwards.
func Block(s *ir.CompileState, b *ir.Block) (Stats, error) {
	g := depgraph.Get(s, b)
	if g.Len() == 0 {
		return Stats{}, nil
	}
	sc := &scheduler{
		s:       s,
		g:       g,
		readyAt: make([]int, g.Len()),
		cycle:   make([]int, g.Len()),
		window:  s.Opts.SchedWindow,
	}
	sc.splitRegions()
	g.Reset()
	if err := sc.run(); err != nil {
		return Stats{}, err
	}
	b.InvalidateDeps()
	if err := s.Reorder(b, sc.order); err != nil {
		return Stats{}, err
	}

	tlog.V("sched").Printw("scheduled", "block", b.Label, "instrs", g.Len(), "cycles", sc.stats.Cycles, "paired", sc.stats.Paired, "regions", sc.stats.Regions)
	return sc.stats, nil
}

// Function schedules every block of f.
func Function(s *ir.CompileState, f *ir.Function) error {
	for _, b := range f.CFG.Blocks() {
		if _, err := Block(s, b); err != nil {
			return diag.InFunc(err, f.Name)
		}
	}
	return nil
}

// isBoundary reports whether nothing may be moved across i.
func isBoundary(i *ir.Instruction) bool {
	return i.Has(ir.FlagSuspend) || i.Op.Info().Barrier
}

// splitRegions numbers the scheduling regions. A boundary instruction
// forms a region of its own between its neighbours.
func (sc *scheduler) splitRegions() {
	sc.region = make([]int, sc.g.Len())
	r := 0
	for k, i := range sc.g.Nodes {
		if isBoundary(i) {
			if k > 0 {
				r++
			}
			sc.region[k] = r
			r++
			continue
		}
		sc.region[k] = r
	}
	sc.stats.Regions = r + 1
	if isBoundary(sc.g.Nodes[len(sc.g.Nodes)-1]) {
		sc.stats.Regions = r
	}
}

func (sc *scheduler) class(k int) string { return sc.g.Nodes[k].Op.Info().Class }

func (sc *scheduler) latency(k int) int {
	return sc.s.Target.LatencyOf(sc.class(k))
}

// candidates returns the available nodes of the current region that lie
// within the lookahead window, in program order.
func (sc *scheduler) candidates(region, oldest int) []int {
	var out []int
	for _, k := range sc.g.Available() {
		if sc.region[k] != region {
			continue
		}
		if sc.window > 0 && k >= oldest+sc.window {
			continue
		}
		out = append(out, k)
	}
	return out
}

// better orders candidates: ready before stalled, then more dependents,
// then program order.
func (sc *scheduler) better(a, b, cycle int) bool {
	ra, rb := sc.readyAt[a] <= cycle, sc.readyAt[b] <= cycle
	if ra != rb {
		return ra
	}
	if !ra && sc.readyAt[a] != sc.readyAt[b] {
		return sc.readyAt[a] < sc.readyAt[b]
	}
	da, db := len(sc.g.Succs(a)), len(sc.g.Succs(b))
	if da != db {
		return da > db
	}
	return a < b
}

func (sc *scheduler) run() error {
	g := sc.g
	cycle, region, oldest := 0, 0, 0
	for g.Remaining() > 0 {
		for oldest < g.Len() && g.Committed(oldest) {
			oldest++
		}
		cands := sc.candidates(region, oldest)
		if len(cands) == 0 {
			if sc.regionDone(region) {
				region++
				continue
			}
			return diag.ICE("block L%d: dependency cycle, %d instructions unschedulable", g.Block.Label, g.Remaining())
		}
		slices.SortStableFunc(cands, func(a, b int) int {
			switch {
			case sc.better(a, b, cycle):
				return -1
			case sc.better(b, a, cycle):
				return 1
			}
			return 0
		})
		first := cands[0]
		if sc.readyAt[first] > cycle {
			cycle = sc.readyAt[first]
		}
		if err := sc.issue(first, cycle, false); err != nil {
			return err
		}
		issued := []int{first}
		for len(issued) < sc.s.Target.IssueWidth {
			k, ok := sc.pairFor(issued, region, oldest, cycle)
			if !ok {
				break
			}
			if err := sc.issue(k, cycle, true); err != nil {
				return err
			}
			issued = append(issued, k)
		}
		if len(issued) > 1 {
			sc.stats.Paired += len(issued)
		}
		cycle++
	}
	sc.stats.Cycles = cycle
	return nil
}

func (sc *scheduler) regionDone(region int) bool {
	for k := range sc.g.Nodes {
		if sc.region[k] == region && !sc.g.Committed(k) {
			return false
		}
	}
	return true
}

// pairFor finds the best candidate that may issue in the same cycle as
// every instruction already issued in it.
func (sc *scheduler) pairFor(issued []int, region, oldest, cycle int) (int, bool) {
	t := sc.s.Target
	if t.Errata.NoPredicatedPair && sc.g.Nodes[issued[0]].Pred != nil {
		return 0, false
	}
	best := -1
next:
	for _, k := range sc.candidates(region, oldest) {
		if sc.readyAt[k] > cycle {
			continue
		}
		if t.Errata.NoPredicatedPair && sc.g.Nodes[k].Pred != nil {
			continue
		}
		for _, o := range issued {
			if !t.CanPair(sc.class(o), sc.class(k)) {
				continue next
			}
		}
		if best < 0 || sc.better(k, best, cycle) {
			best = k
		}
	}
	return best, best >= 0
}

// issue commits node k at cycle and updates the earliest issue cycle of
// its dependents.
func (sc *scheduler) issue(k, cycle int, paired bool) error {
	if err := sc.g.Commit(k); err != nil {
		return err
	}
	sc.cycle[k] = cycle
	i := sc.g.Nodes[k]
	i.Cycle = cycle
	i.Flags &^= ir.FlagCoIssue
	if paired {
		i.Flags |= ir.FlagCoIssue
	}
	sc.order = append(sc.order, i)
	for _, d := range sc.g.Succs(k) {
		at := cycle
		for _, e := range sc.g.Preds(d) {
			if e.Dep != k {
				continue
			}
			switch e.Kind {
			case depgraph.RAW:
				at = cycle + sc.latency(k)
			case depgraph.WAW:
				at = cycle + 1
			}
		}
		if at > sc.readyAt[d] {
			sc.readyAt[d] = at
		}
	}
	return nil
}
