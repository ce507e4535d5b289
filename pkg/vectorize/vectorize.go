// Package vectorize merges scalar instructions that compute adjacent
// channels of one wide value into a single vector instruction.
//
// Candidates are instructions with the same vectorizable opcode whose
// destinations are members of one register group (or consecutively
// numbered ungrouped temps, which are grouped on the way). A merge is only
// made when every later member can be hoisted to the first member's
// position without crossing anything it depends on, and when every source
// can be expressed as one base register plus a swizzle. Anything else is
// left scalar without complaint.
package vectorize

import (
	"golang.org/x/exp/slices"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/depgraph"
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

const maxLanes = 4

// Function vectorizes every block of f and returns how many vector
// instructions were formed.
func Function(s *ir.CompileState, f *ir.Function) (int, error) {
	if !s.Target.Features.VectorOps {
		return 0, nil
	}
	total := 0
	for _, b := range f.CFG.Blocks() {
		n, err := Block(s, b)
		if err != nil {
			return total, diag.InFunc(err, f.Name)
		}
		total += n
	}
	return total, nil
}

// Block merges candidates in b until no further merge is possible.
func Block(s *ir.CompileState, b *ir.Block) (int, error) {
	merged := 0
	for {
		g := depgraph.Get(s, b)
		m, ok := findMerge(s, g)
		if !ok {
			return merged, nil
		}
		if err := m.rewrite(s, g); err != nil {
			return merged, err
		}
		merged++
	}
}

// merge is one accepted group of scalar instructions.
type merge struct {
	nodes []int // dependency graph nodes, program order
	lanes []int // destination lane of each node
	// regroup holds ungrouped destinations that must become a group.
	regroup []ir.Reg
	vop     *ir.Instruction
}

func candidate(i *ir.Instruction) bool {
	info := i.Op.Info()
	if info.Vector == ir.OpInvalid || i.Pred != nil || i.Has(ir.FlagSuspend) {
		return false
	}
	if len(i.Dests) != 1 {
		return false
	}
	d, ok := i.Dests[0].(ir.RegOperand)
	return ok && d.Mask == ir.MaskFull && d.Reg.Bank == ir.BankTemp
}

func destReg(i *ir.Instruction) ir.Reg { return i.Dests[0].(ir.RegOperand).Reg }

func findMerge(s *ir.CompileState, g *depgraph.Graph) (*merge, bool) {
	for a, first := range g.Nodes {
		if !candidate(first) {
			continue
		}
		nodes := []int{a}
		var best *merge
		for j := a + 1; j < g.Len() && len(nodes) < maxLanes; j++ {
			next := g.Nodes[j]
			if next.Op != first.Op || !sameFlags(next, first) || !candidate(next) {
				continue
			}
			if !hoistable(g, a, j) {
				continue
			}
			try := append(slices.Clone(nodes), j)
			m, ok := shape(s, g, try)
			if !ok {
				continue
			}
			nodes, best = try, m
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

func sameFlags(a, b *ir.Instruction) bool {
	return a.Flags&^ir.FlagCoIssue == b.Flags&^ir.FlagCoIssue
}

// hoistable reports whether node j may move up to node a's position: it
// must not depend on a or anything between them.
func hoistable(g *depgraph.Graph, a, j int) bool {
	for k := a; k < j; k++ {
		if g.Reaches(j, k) {
			return false
		}
	}
	return true
}

// window identifies four consecutive members of a register group.
type window struct {
	group *ir.Group
	base  int // offset of lane 0 inside the group
}

// shape checks that the destinations of nodes occupy distinct lanes of one
// window and that every source is expressible, and builds the vector
// instruction.
func shape(s *ir.CompileState, g *depgraph.Graph, nodes []int) (*merge, bool) {
	m := &merge{nodes: nodes}
	dests := make([]ir.Reg, len(nodes))
	for k, n := range nodes {
		dests[k] = destReg(g.Nodes[n])
	}

	grp, _ := s.GroupOf(dests[0])
	if grp != nil {
		var w *window
		for _, d := range dests {
			dg, off := s.GroupOf(d)
			if dg != grp {
				return nil, false
			}
			cur := window{group: grp, base: off - off%maxLanes}
			if w == nil {
				w = &cur
			} else if *w != cur {
				return nil, false
			}
			m.lanes = append(m.lanes, off%maxLanes)
		}
	} else {
		lo := dests[0].Num
		for _, d := range dests {
			if dg, _ := s.GroupOf(d); dg != nil {
				return nil, false
			}
			if d.Num < lo {
				lo = d.Num
			}
		}
		sorted := slices.Clone(dests)
		slices.SortFunc(sorted, ir.CompareRegs)
		for k, d := range sorted {
			if d.Num != lo+k {
				return nil, false
			}
		}
		for _, d := range dests {
			m.lanes = append(m.lanes, d.Num-lo)
		}
		m.regroup = sorted
	}
	seen := 0
	for _, l := range m.lanes {
		if seen&(1<<l) != 0 {
			return nil, false
		}
		seen |= 1 << l
	}

	// lane order: destination lanes ascending
	perm := make([]int, len(nodes))
	for k := range perm {
		perm[k] = k
	}
	slices.SortFunc(perm, func(a, b int) int { return m.lanes[a] - m.lanes[b] })

	first := g.Nodes[nodes[0]]
	nsrc := len(first.Srcs)
	v := ir.VecPayload{DstMask: ir.ChanMask(seen), Swizzles: make([][4]uint8, nsrc)}
	vdests := make([]ir.Operand, 0, len(nodes))
	vsrcs := make([]ir.Operand, nsrc*len(nodes))
	for _, k := range perm {
		vdests = append(vdests, ir.Use(dests[k]))
	}
	regrouped := ir.NewRegSet(m.regroup...)
	for src := 0; src < nsrc; src++ {
		var key any
		for lk, k := range perm {
			o := g.Nodes[nodes[k]].Srcs[src]
			comp, base, ok := component(s, o, regrouped)
			if !ok {
				return nil, false
			}
			if lk == 0 {
				key = base
			} else if key != base {
				return nil, false
			}
			v.Swizzles[src][m.lanes[k]] = comp
			vsrcs[src*len(nodes)+lk] = o
		}
		if _, imm := key.(ir.Imm); imm && s.Target.Errata.VecNoImmediate {
			return nil, false
		}
	}
	m.vop = &ir.Instruction{Op: first.Op.Info().Vector, Dests: vdests, Srcs: vsrcs, Payload: v, Line: first.Line, Flags: first.Flags &^ ir.FlagCoIssue}
	return m, true
}

// component returns which component of which base a source lane reads.
func component(s *ir.CompileState, o ir.Operand, regrouped ir.RegSet) (uint8, any, bool) {
	switch o := o.(type) {
	case ir.RegOperand:
		if o.Mask != ir.MaskFull || regrouped.Contains(o.Reg) {
			return 0, nil, false
		}
		if g, off := s.GroupOf(o.Reg); g != nil {
			return uint8(off % maxLanes), window{group: g, base: off - off%maxLanes}, true
		}
		return 0, o.Reg, true
	case ir.Imm:
		return 0, o, true
	}
	return 0, nil, false
}

// rewrite replaces the scalar members with the vector instruction, placed
// where the first member was.
func (m *merge) rewrite(s *ir.CompileState, g *depgraph.Graph) error {
	if len(m.regroup) > 0 {
		if _, err := s.MakeGroup(m.regroup...); err != nil {
			return err
		}
	}
	first := g.Nodes[m.nodes[0]]
	v := s.NewInstr(m.vop.Op, m.vop.Dests, m.vop.Srcs)
	v.Payload = m.vop.Payload
	v.Line = m.vop.Line
	v.Flags = m.vop.Flags
	v.Cycle = first.Cycle
	g.Block.InvalidateDeps()
	s.InsertBefore(first, v)

	// A co-issue pair never survives a merge: whatever issued together
	// with a removed member now follows a different instruction.
	members := make(map[*ir.Instruction]bool, len(m.nodes))
	for _, n := range m.nodes {
		members[g.Nodes[n]] = true
	}
	for _, n := range m.nodes {
		if next := s.Next(g.Nodes[n]); next != nil && !members[next] {
			next.Flags &^= ir.FlagCoIssue
		}
	}
	for _, n := range m.nodes {
		if !s.Delete(g.Nodes[n]) {
			return diag.ICE("vectorize: could not remove instruction %d", g.Nodes[n].ID)
		}
	}
	tlog.V("vec").Printw("vectorized", "block", g.Block.Label, "op", v.Op, "lanes", len(m.nodes), "instr", ir.FormatInstr(v))
	return nil
}
