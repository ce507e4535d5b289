package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// precolour collects the fixed registers of bank and checks that no two of
// them that are live together share a physical register.
func precolour(s *ir.CompileState, bank ir.Bank, k int, ivs map[ir.Reg]*Interval) (map[ir.Reg]int, error) {
	pre := make(map[ir.Reg]int)
	for _, r := range ir.NewRegSetFromMap(s.FixedRegs()).Sorted() {
		if r.Bank != bank {
			continue
		}
		phys, _ := s.Fixed(r)
		if phys >= k {
			return nil, diag.NoRegisters("%v is fixed to %s%d but the %v bank has %d registers", r, bank.Prefix(), phys, bank, k)
		}
		if iv := ivs[r]; iv != nil && iv.avoids(phys) {
			return nil, diag.NoRegisters("%v is fixed to %s%d but a call overwrites it while %v is live", r, bank.Prefix(), phys, r)
		}
		if err := checkFree(pre, ivs, r, phys); err != nil {
			return nil, err
		}
		pre[r] = phys
	}
	return pre, nil
}

// checkFree fails if a precoloured register live together with r already
// holds phys.
func checkFree(pre map[ir.Reg]int, ivs map[ir.Reg]*Interval, r ir.Reg, phys int) error {
	iv := ivs[r]
	if iv == nil {
		return nil
	}
	for _, o := range ir.NewRegSetFromMap(pre).Sorted() {
		if pre[o] != phys || o == r {
			continue
		}
		if oi := ivs[o]; oi != nil && oi.Overlaps(iv) {
			return diag.ICE("%v and %v are both pinned to %s%d while live together", o, r, r.Bank.Prefix(), phys)
		}
	}
	return nil
}

// placeGroups gives every group of bank a base so that its members get
// consecutive registers, and adds the members to pre. Groups with a fixed
// member go first, then larger groups; each takes the lowest base that does
// not collide with anything already placed.
func placeGroups(s *ir.CompileState, bank ir.Bank, k int, ivs map[ir.Reg]*Interval, pre map[ir.Reg]int) error {
	var groups []*ir.Group
	for _, g := range s.Groups() {
		if g.Members[0].Bank == bank {
			groups = append(groups, g)
		}
	}
	slices.SortStableFunc(groups, func(a, b *ir.Group) int {
		fa, fb := fixedBase(s, a) != nil, fixedBase(s, b) != nil
		if fa != fb {
			if fa {
				return -1
			}
			return 1
		}
		return len(b.Members) - len(a.Members)
	})

	for _, g := range groups {
		g.Head = head(g, ivs)
		base, err := groupBase(s, g, k, ivs, pre)
		if err != nil {
			return err
		}
		g.Base = base
		for i, m := range g.Members {
			pre[m] = base + i
		}
	}
	return nil
}

// fixedBase returns the base implied by a fixed member, or nil.
func fixedBase(s *ir.CompileState, g *ir.Group) *int {
	for i, m := range g.Members {
		if phys, ok := s.Fixed(m); ok {
			base := phys - i
			return &base
		}
	}
	return nil
}

func groupBase(s *ir.CompileState, g *ir.Group, k int, ivs map[ir.Reg]*Interval, pre map[ir.Reg]int) (int, error) {
	n := len(g.Members)
	if fb := fixedBase(s, g); fb != nil {
		base := *fb
		if base < 0 || base+n > k {
			return 0, diag.ICE("group %v cannot start at %s%d in a bank of %d", g.Members, g.Members[0].Bank.Prefix(), base, k)
		}
		for i, m := range g.Members {
			if phys, ok := s.Fixed(m); ok && phys != base+i {
				return 0, diag.ICE("group %v: %v is fixed to %d, not %d", g.Members, m, phys, base+i)
			}
			if err := fits(m, base+i, ivs, pre); err != nil {
				return 0, err
			}
		}
		return base, nil
	}

	for base := 0; base+n <= k; base++ {
		ok := true
		for i, m := range g.Members {
			if fits(m, base+i, ivs, pre) != nil {
				ok = false
				break
			}
		}
		if ok {
			return base, nil
		}
	}
	return 0, diag.NoRegisters("no room for %d consecutive %v registers for group %v", n, g.Members[0].Bank, g.Members)
}

func fits(r ir.Reg, phys int, ivs map[ir.Reg]*Interval, pre map[ir.Reg]int) error {
	if _, taken := pre[r]; taken && pre[r] != phys {
		return diag.ICE("%v belongs to two placed groups", r)
	}
	if iv := ivs[r]; iv != nil && iv.avoids(phys) {
		return diag.NoRegisters("%v cannot take %s%d: a call overwrites it while %v is live", r, r.Bank.Prefix(), phys, r)
	}
	return checkFree(pre, ivs, r, phys)
}

// head returns the most active member of g.
func head(g *ir.Group, ivs map[ir.Reg]*Interval) ir.Reg {
	best := g.Members[0]
	bestActivity := -1
	for _, m := range g.Members {
		if iv := ivs[m]; iv != nil && iv.Activity > bestActivity {
			best, bestActivity = m, iv.Activity
		}
	}
	return best
}
