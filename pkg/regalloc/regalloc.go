// Package regalloc assigns every virtual register of a function a physical
// register of its bank, or a scratch slot.
//
// Each round computes block liveness, builds live intervals over the whole
// function layout, places fixed registers and register groups, and colours
// every bank on its own: small banks (internal, index) with linear scan,
// the others with iterated register coalescing unless linear scan is
// requested. Registers that find no colour are spilled, spill code is
// inserted and the next round starts over. The temporaries spill code
// introduces are never spilled, so each round has strictly less to spill.
package regalloc

import (
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/dom"
	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/stacking"
	"github.com/raymyers/ralph-usc/pkg/target"
)

// Result describes the allocation of one function.
type Result struct {
	// Locs maps every register of the final code to its physical register,
	// and every spilled register to its scratch slot.
	Locs    map[ir.Reg]ir.Loc
	Spilled ir.RegSet
	Rounds  int
	// Coalesced counts copies merged by colouring in the final round.
	Coalesced int
	// Eliminated counts copies deleted because both sides share a register.
	Eliminated int
	Loads      int
	Stores     int
}

// Function allocates f. Spill slots are reserved in frame, and f.FrameSize
// is set from it. Every function f calls must be allocated already; on
// success f records its param, result and clobbered registers for its own
// callers.
func Function(s *ir.CompileState, f *ir.Function, frame *stacking.FrameLayout) (*Result, error) {
	maxRounds := s.Opts.MaxSpillRounds
	if maxRounds <= 0 {
		maxRounds = target.DefaultOptions().MaxSpillRounds
	}

	noSpill := ir.NewRegSet(f.Params...)
	for _, r := range f.Results {
		noSpill.Add(r)
	}
	res := &Result{Locs: make(map[ir.Reg]ir.Loc), Spilled: ir.NewRegSet()}
	calls, err := bindCalls(s, f)
	if err != nil {
		return nil, diag.InFunc(err, f.Name)
	}

	for {
		res.Rounds++
		order := dom.ReversePostorder(f.CFG)
		if err := Liveness(s, f, order); err != nil {
			return nil, err
		}
		ivs := BuildIntervals(s, order)
		for r := range ivs {
			s.NoteReg(r)
		}
		if calls > 0 {
			if err := noteClobbers(s, order, ivs); err != nil {
				return nil, diag.InFunc(err, f.Name)
			}
		}

		colours := make(map[ir.Reg]int)
		var spilled []ir.Reg
		res.Coalesced = 0
		for bank := ir.Bank(0); bank < ir.NumBanks; bank++ {
			bivs := bankIntervals(ivs, bank)
			if len(bivs) == 0 {
				continue
			}
			br, err := allocateBank(s, bank, bivs, ivs, noSpill)
			if err != nil {
				return nil, err
			}
			for r, c := range br.Colours {
				colours[r] = c
			}
			spilled = append(spilled, br.Spilled...)
			res.Coalesced += br.Coalesced

			if tlog.If("regalloc") {
				tlog.Printw("coloured bank", "func", f.Name, "round", res.Rounds, "bank", bank, "regs", len(bivs), "spilled", len(br.Spilled), "coalesced", br.Coalesced)
			}
		}

		if len(spilled) == 0 {
			for r, c := range colours {
				res.Locs[r] = ir.Phys{N: c}
			}
			writeBack(s, order, res.Locs)
			res.Eliminated = eliminateCopies(s, f, res.Locs)
			publish(s, f, order, res.Locs)
			f.FrameSize = frame.TotalSize
			tlog.V("regalloc").Printw("allocated", "func", f.Name, "rounds", res.Rounds, "spilled", len(res.Spilled), "copies_removed", res.Eliminated, "frame", f.FrameSize)
			return res, nil
		}

		if res.Rounds >= maxRounds {
			return nil, diag.NoRegisters("%d registers still need spilling after %d rounds", len(spilled), res.Rounds)
		}
		for _, r := range spilled {
			res.Spilled.Add(r)
			res.Locs[r] = ir.Spilled{Offset: frame.SpillSlot(r)}
		}
		loads, stores := insertSpillCode(s, order, spilled, frame, noSpill)
		res.Loads += loads
		res.Stores += stores
		tlog.V("spill").Printw("spill round", "func", f.Name, "round", res.Rounds, "regs", spilled, "loads", loads, "stores", stores)
	}
}

// allocateBank colours the intervals of one bank.
func allocateBank(s *ir.CompileState, bank ir.Bank, bivs []*Interval, ivs map[ir.Reg]*Interval, noSpill ir.RegSet) (*AllocationResult, error) {
	k := s.BankSize(bank)
	if k == 0 {
		return nil, diag.NoRegisters("%v is used but the target has no %v registers", bivs[0].Reg, bank)
	}
	pre, err := precolour(s, bank, k, ivs)
	if err != nil {
		return nil, err
	}
	if err := placeGroups(s, bank, k, ivs, pre); err != nil {
		return nil, err
	}

	fixed := noSpill.Copy()
	for _, iv := range bivs {
		if _, ok := pre[iv.Reg]; ok || !spillable(bank) {
			fixed.Add(iv.Reg)
		}
	}

	if bank == ir.BankInternal || bank == ir.BankIndex || s.Opts.Allocator == target.LinearScan {
		return linearScan(bivs, k, pre, fixed)
	}
	g := BuildInterferenceGraph(bivs)
	return NewAllocator(g, ivs, k, pre, fixed).Allocate()
}
