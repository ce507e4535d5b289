package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// linearScan colours a bank by walking interval hulls in order of their
// start position. When every colour is taken it spills the cheapest
// spillable interval among the active ones and the current one. Colours a
// call overwrites during the current interval are never handed to it.
func linearScan(ivs []*Interval, k int, precoloured map[ir.Reg]int, noSpill ir.RegSet) (*AllocationResult, error) {
	result := &AllocationResult{Colours: make(map[ir.Reg]int)}
	byReg := make(map[ir.Reg]*Interval, len(ivs))
	var fixed, work []*Interval
	for _, iv := range ivs {
		byReg[iv.Reg] = iv
		if c, ok := precoloured[iv.Reg]; ok {
			result.Colours[iv.Reg] = c
			fixed = append(fixed, iv)
			continue
		}
		work = append(work, iv)
	}
	slices.SortStableFunc(work, func(a, b *Interval) int {
		if a.Start != b.Start {
			return b.Start - a.Start
		}
		return ir.CompareRegs(a.Reg, b.Reg)
	})

	var active []*Interval
	for _, cur := range work {
		// Expire intervals that ended above the current start.
		kept := active[:0]
		for _, a := range active {
			if a.End <= cur.Start {
				kept = append(kept, a)
			}
		}
		active = kept

		taken := make([]bool, k)
		blocked := make([]bool, k)
		for _, a := range active {
			taken[result.Colours[a.Reg]] = true
		}
		for _, f := range fixed {
			if f.Overlaps(cur) {
				blocked[precoloured[f.Reg]] = true
			}
		}
		for _, c := range cur.Avoid {
			if c < k {
				blocked[c] = true
			}
		}

		colour := -1
		for _, t := range cur.Ties {
			c, ok := result.Colours[t]
			if ok && !taken[c] && !blocked[c] && !cur.Overlaps(byReg[t]) {
				colour = c
				break
			}
		}
		for c := 0; colour < 0 && c < k; c++ {
			if !taken[c] && !blocked[c] {
				colour = c
			}
		}
		if colour >= 0 {
			result.Colours[cur.Reg] = colour
			active = append(active, cur)
			continue
		}

		var victim *Interval
		if !noSpill.Contains(cur.Reg) {
			victim = cur
		}
		for _, a := range active {
			if noSpill.Contains(a.Reg) || blocked[result.Colours[a.Reg]] {
				continue
			}
			if victim == nil || cheaper(a, victim) {
				victim = a
			}
		}
		if victim == nil {
			return nil, diag.NoRegisters("%v bank: %v needs a register and all %d are held by registers that cannot be spilled", cur.Reg.Bank, cur.Reg, k)
		}
		result.Spilled = append(result.Spilled, victim.Reg)
		if victim == cur {
			continue
		}
		result.Colours[cur.Reg] = result.Colours[victim.Reg]
		delete(result.Colours, victim.Reg)
		idx := slices.Index(active, victim)
		active = slices.Delete(active, idx, idx+1)
		active = append(active, cur)
	}

	slices.SortFunc(result.Spilled, ir.CompareRegs)
	return result, nil
}
