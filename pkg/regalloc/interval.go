package regalloc

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Positions count backwards from the end of the function layout, four per
// instruction. Instruction k of a block with n instructions reads its
// sources at P = off+4*(n-k) and writes its destinations at P-1. A block
// spans [off+4n+1, off]; the successor selection reads at off+1.
const posPerInstr = 4

// maxLoopWeight caps the loop depth used for activity weighting.
const maxLoopWeight = 6

// Segment is a closed range of positions, Start >= End.
type Segment struct {
	Start, End int
}

func (s Segment) overlaps(o Segment) bool {
	return s.Start >= o.End && o.Start >= s.End
}

// Interval is the live range of one virtual register over the whole
// function.
type Interval struct {
	Reg ir.Reg
	// Segs are disjoint and sorted by Start, highest first.
	Segs []Segment
	// Start and End bound the hull of Segs.
	Start, End int

	Read, Write ir.ChanMask
	Accesses    int
	// Activity is the access count weighted by 8^loopDepth.
	Activity int
	// Ties are registers connected to this one by a plain copy.
	Ties []ir.Reg
	// Avoid holds the physical registers a call overwrites while this
	// register is live across it, ascending.
	Avoid []int
}

// avoids reports whether phys is overwritten while the register is live.
func (iv *Interval) avoids(phys int) bool {
	_, found := slices.BinarySearch(iv.Avoid, phys)
	return found
}

func (iv *Interval) avoid(phys ...int) {
	for _, p := range phys {
		if i, found := slices.BinarySearch(iv.Avoid, p); !found {
			iv.Avoid = slices.Insert(iv.Avoid, i, p)
		}
	}
}

// Span returns the length of the hull.
func (iv *Interval) Span() int { return iv.Start - iv.End }

// Overlaps reports whether both intervals are live at some common position.
func (iv *Interval) Overlaps(o *Interval) bool {
	if iv.Start < o.End || o.Start < iv.End {
		return false
	}
	i, j := 0, 0
	for i < len(iv.Segs) && j < len(o.Segs) {
		a, b := iv.Segs[i], o.Segs[j]
		if a.overlaps(b) {
			return true
		}
		if a.End > b.End {
			i++
		} else {
			j++
		}
	}
	return false
}

// Covers reports whether the register is live at pos.
func (iv *Interval) Covers(pos int) bool {
	for _, s := range iv.Segs {
		if pos <= s.Start && pos >= s.End {
			return true
		}
	}
	return false
}

func (iv *Interval) add(start, end int) {
	iv.Segs = append(iv.Segs, Segment{Start: start, End: end})
}

func (iv *Interval) note(mask ir.ChanMask, write bool, weight int) {
	if write {
		iv.Write |= mask
	} else {
		iv.Read |= mask
	}
	iv.Accesses++
	iv.Activity += weight
}

func (iv *Interval) tie(r ir.Reg) {
	if !slices.Contains(iv.Ties, r) {
		iv.Ties = append(iv.Ties, r)
	}
}

// finish sorts the segments and joins those that touch.
func (iv *Interval) finish() {
	slices.SortFunc(iv.Segs, func(a, b Segment) int { return b.Start - a.Start })
	out := iv.Segs[:0]
	for _, s := range iv.Segs {
		if n := len(out); n > 0 && s.Start >= out[n-1].End-1 {
			if s.End < out[n-1].End {
				out[n-1].End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	iv.Segs = out
	iv.Start = out[0].Start
	iv.End = out[len(out)-1].End
}

func activityWeight(depth int) int {
	if depth > maxLoopWeight {
		depth = maxLoopWeight
	}
	w := 1
	for ; depth > 0; depth-- {
		w *= 8
	}
	return w
}

// blockOffsets gives each block of the layout the position of its exit.
// The last block ends at position 0.
func blockOffsets(order []*ir.Block) map[ir.BlockID]int {
	offsets := make(map[ir.BlockID]int, len(order))
	off := 0
	for k := len(order) - 1; k >= 0; k-- {
		offsets[order[k].ID] = off
		off += posPerInstr*order[k].Len() + 2
	}
	return offsets
}

// BuildIntervals walks every block of order backwards and returns the live
// interval of each register it mentions. Liveness must be current.
func BuildIntervals(s *ir.CompileState, order []*ir.Block) map[ir.Reg]*Interval {
	ivs := make(map[ir.Reg]*Interval)
	get := func(r ir.Reg) *Interval {
		iv, ok := ivs[r]
		if !ok {
			iv = &Interval{Reg: r}
			ivs[r] = iv
		}
		return iv
	}

	offsets := blockOffsets(order)
	for _, b := range order {
		off, n := offsets[b.ID], b.Len()
		weight := activityWeight(b.LoopDepth)
		open := make(map[ir.Reg]int)
		for r := range b.LiveOut {
			get(r)
			open[r] = off
		}
		if r, ok := modeReg(b); ok {
			get(r).note(ir.MaskFull, false, weight)
			if _, live := open[r]; !live {
				open[r] = off + 1
			}
		}

		instrs := s.Instrs(b)
		for k := n - 1; k >= 0; k-- {
			i := instrs[k]
			p := off + posPerInstr*(n-k)
			for _, d := range i.DestRegs() {
				iv := get(d.Reg)
				iv.note(d.Mask, true, weight)
				end, live := open[d.Reg]
				switch {
				case !kills(i, d):
					if !live {
						open[d.Reg] = p - 2
					}
				case live:
					iv.add(p-1, end)
					delete(open, d.Reg)
				default:
					iv.add(p-1, p-2)
				}
			}
			for _, u := range i.SrcRegs() {
				get(u.Reg).note(u.Mask, false, weight)
				if _, live := open[u.Reg]; !live {
					open[u.Reg] = p
				}
			}
			if dst, src, ok := i.IsCopy(); ok && dst != src {
				get(dst).tie(src)
				get(src).tie(dst)
			}
		}
		for r, end := range open {
			ivs[r].add(off+posPerInstr*n+1, end)
		}
	}

	for _, iv := range ivs {
		iv.finish()
	}
	return ivs
}

// bankIntervals returns the intervals of bank in register order.
func bankIntervals(ivs map[ir.Reg]*Interval, bank ir.Bank) []*Interval {
	var out []*Interval
	for r, iv := range ivs {
		if r.Bank == bank {
			out = append(out, iv)
		}
	}
	slices.SortFunc(out, func(a, b *Interval) int { return ir.CompareRegs(a.Reg, b.Reg) })
	return out
}

// cheaper orders spill candidates: lowest activity first, then the longest
// span, then register order.
func cheaper(a, b *Interval) bool {
	if a.Activity != b.Activity {
		return a.Activity < b.Activity
	}
	if a.Span() != b.Span() {
		return a.Span() > b.Span()
	}
	return a.Reg.Less(b.Reg)
}
