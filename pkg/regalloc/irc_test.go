package regalloc

import (
	"testing"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// clique returns n intervals that are all live at position 10, with the
// given activities.
func clique(activity ...int) map[ir.Reg]*Interval {
	ivs := make(map[ir.Reg]*Interval)
	for n, a := range activity {
		iv := &Interval{Reg: r(n), Segs: []Segment{{20, 10}}, Activity: a}
		iv.finish()
		ivs[iv.Reg] = iv
	}
	return ivs
}

func graphOf(ivs map[ir.Reg]*Interval) *InterferenceGraph {
	return BuildInterferenceGraph(bankIntervals(ivs, ir.BankTemp))
}

func TestInterferenceGraph(t *testing.T) {
	t.Run("AddEdge", func(t *testing.T) {
		g := NewInterferenceGraph()
		if !g.AddEdge(r(1), r(2)) {
			t.Error("first edge should be new")
		}
		if g.AddEdge(r(2), r(1)) {
			t.Error("edge is symmetric and already present")
		}
		if g.AddEdge(r(1), r(1)) {
			t.Error("no self edges")
		}
		if !g.HasEdge(r(2), r(1)) || g.Degree(r(1)) != 1 {
			t.Error("edge missing")
		}
	})

	t.Run("Moves", func(t *testing.T) {
		g := NewInterferenceGraph()
		g.AddPreference(r(3), r(1))
		g.AddPreference(r(1), r(2))
		moves := g.Moves()
		if len(moves) != 2 || moves[0] != [2]ir.Reg{r(1), r(2)} || moves[1] != [2]ir.Reg{r(1), r(3)} {
			t.Errorf("moves = %v", moves)
		}
	})

	t.Run("clique", func(t *testing.T) {
		g := graphOf(clique(1, 1, 1, 1))
		for n := 0; n < 4; n++ {
			if g.Degree(r(n)) != 3 {
				t.Errorf("degree of r%d = %d, want 3", n, g.Degree(r(n)))
			}
		}
	})
}

func TestCliqueSpillsLowestActivity(t *testing.T) {
	ivs := clique(10, 2, 7, 5)
	res, err := NewAllocator(graphOf(ivs), ivs, 3, nil, ir.NewRegSet()).Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Spilled) != 1 || res.Spilled[0] != r(1) {
		t.Fatalf("spilled = %v, want [r1]", res.Spilled)
	}
	seen := make(map[int]ir.Reg)
	for _, n := range []int{0, 2, 3} {
		c, ok := res.Colours[r(n)]
		if !ok {
			t.Fatalf("r%d not coloured", n)
		}
		if other, dup := seen[c]; dup {
			t.Errorf("r%d and %v share colour %d", n, other, c)
		}
		seen[c] = r(n)
	}
}

func TestCliqueSkipsUnspillable(t *testing.T) {
	ivs := clique(10, 2, 7, 5)
	res, err := NewAllocator(graphOf(ivs), ivs, 3, nil, ir.NewRegSet(r(1))).Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Spilled) != 1 || res.Spilled[0] != r(3) {
		t.Fatalf("spilled = %v, want [r3]", res.Spilled)
	}
}

func TestCoalesceCopy(t *testing.T) {
	ivs := map[ir.Reg]*Interval{
		r(0): {Reg: r(0), Segs: []Segment{{20, 12}}, Ties: []ir.Reg{r(1)}},
		r(1): {Reg: r(1), Segs: []Segment{{11, 4}}, Ties: []ir.Reg{r(0)}},
		r(2): {Reg: r(2), Segs: []Segment{{25, 2}}},
	}
	for _, iv := range ivs {
		iv.finish()
	}
	res, err := NewAllocator(graphOf(ivs), ivs, 2, nil, ir.NewRegSet()).Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Coalesced != 1 {
		t.Errorf("coalesced = %d, want 1", res.Coalesced)
	}
	if res.Colours[r(0)] != res.Colours[r(1)] {
		t.Errorf("copy sides got %d and %d", res.Colours[r(0)], res.Colours[r(1)])
	}
	if res.Colours[r(2)] == res.Colours[r(0)] {
		t.Error("r2 interferes with both")
	}
}

func TestPrecoloured(t *testing.T) {
	ivs := map[ir.Reg]*Interval{
		r(0): {Reg: r(0), Segs: []Segment{{20, 10}}},
		r(1): {Reg: r(1), Segs: []Segment{{18, 12}}},
		// r2 is a copy of the fixed r0 made after r0 dies.
		r(2): {Reg: r(2), Segs: []Segment{{9, 2}}, Ties: []ir.Reg{r(0)}},
		r(3): {Reg: r(3), Segs: []Segment{{8, 4}}},
	}
	ivs[r(0)].Ties = []ir.Reg{r(2)}
	for _, iv := range ivs {
		iv.finish()
	}
	pre := map[ir.Reg]int{r(0): 1, r(3): 0}
	res, err := NewAllocator(graphOf(ivs), ivs, 2, pre, ir.NewRegSet()).Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Colours[r(0)] != 1 || res.Colours[r(3)] != 0 {
		t.Errorf("precoloured registers moved: %v", res.Colours)
	}
	if res.Colours[r(1)] != 0 {
		t.Errorf("r1 = %d, want the colour r0 leaves free", res.Colours[r(1)])
	}
	if res.Colours[r(2)] != 1 {
		t.Errorf("r2 = %d, want r0's colour", res.Colours[r(2)])
	}
}

func TestUnspillableWithoutRoom(t *testing.T) {
	ivs := clique(1, 1)
	_, err := NewAllocator(graphOf(ivs), ivs, 1, nil, ir.NewRegSet(r(0), r(1))).Allocate()
	if diag.KindOf(err) != diag.Allocation {
		t.Fatalf("err = %v, want allocation failure", err)
	}
}

func TestLinearScan(t *testing.T) {
	t.Run("spills cheapest", func(t *testing.T) {
		ivs := clique(10, 2, 7)
		res, err := linearScan(bankIntervals(ivs, ir.BankTemp), 2, nil, ir.NewRegSet())
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Spilled) != 1 || res.Spilled[0] != r(1) {
			t.Fatalf("spilled = %v, want [r1]", res.Spilled)
		}
		if res.Colours[r(0)] == res.Colours[r(2)] {
			t.Error("r0 and r2 overlap")
		}
	})

	t.Run("reuses expired registers", func(t *testing.T) {
		ivs := map[ir.Reg]*Interval{
			r(0): {Reg: r(0), Segs: []Segment{{20, 15}}},
			r(1): {Reg: r(1), Segs: []Segment{{14, 10}}},
			r(2): {Reg: r(2), Segs: []Segment{{9, 2}}},
		}
		for _, iv := range ivs {
			iv.finish()
		}
		res, err := linearScan(bankIntervals(ivs, ir.BankTemp), 1, nil, ir.NewRegSet())
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Spilled) != 0 {
			t.Errorf("spilled = %v", res.Spilled)
		}
	})

	t.Run("avoids fixed", func(t *testing.T) {
		ivs := map[ir.Reg]*Interval{
			r(0): {Reg: r(0), Segs: []Segment{{20, 10}}},
			r(1): {Reg: r(1), Segs: []Segment{{18, 12}}},
			r(2): {Reg: r(2), Segs: []Segment{{8, 2}}},
		}
		for _, iv := range ivs {
			iv.finish()
		}
		pre := map[ir.Reg]int{r(0): 0}
		res, err := linearScan(bankIntervals(ivs, ir.BankTemp), 2, pre, ir.NewRegSet(r(0)))
		if err != nil {
			t.Fatal(err)
		}
		if res.Colours[r(1)] != 1 {
			t.Errorf("r1 = %d, want 1", res.Colours[r(1)])
		}
		if res.Colours[r(2)] != 0 {
			t.Errorf("r2 = %d, want 0 once r0 is dead", res.Colours[r(2)])
		}
	})

	t.Run("nothing to spill", func(t *testing.T) {
		ivs := clique(1, 1)
		_, err := linearScan(bankIntervals(ivs, ir.BankTemp), 1, nil, ir.NewRegSet(r(0), r(1)))
		if diag.KindOf(err) != diag.Allocation {
			t.Fatalf("err = %v, want allocation failure", err)
		}
	})
}

// weighted returns intervals with the given activities and an interference
// graph holding exactly edges.
func weighted(activity map[int]int, edges ...[2]int) (map[ir.Reg]*Interval, *InterferenceGraph) {
	ivs := make(map[ir.Reg]*Interval)
	g := NewInterferenceGraph()
	for n, act := range activity {
		ivs[r(n)] = &Interval{Reg: r(n), Activity: act}
		g.AddNode(r(n))
	}
	for _, e := range edges {
		g.AddEdge(r(e[0]), r(e[1]))
	}
	return ivs, g
}

// selectInOrder colours nodes in the given pop order.
func selectInOrder(t *testing.T, alc *Allocator, order ...int) *AllocationResult {
	t.Helper()
	for k := len(order) - 1; k >= 0; k-- {
		alc.selectStack = append(alc.selectStack, r(order[k]))
	}
	if err := alc.assignColours(); err != nil {
		t.Fatal(err)
	}
	return alc.buildResult()
}

func TestSelectSpillsCheaperNeighbour(t *testing.T) {
	// A five-cycle needs three colours. r0 is popped last and finds both
	// colours taken; its neighbour r1 is far cheaper to spill.
	ivs, g := weighted(map[int]int{0: 50, 1: 2, 2: 30, 3: 40, 4: 35},
		[2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}, [2]int{3, 4}, [2]int{4, 0})
	res := selectInOrder(t, NewAllocator(g, ivs, 2, nil, ir.NewRegSet()), 1, 2, 3, 4, 0)
	if len(res.Spilled) != 1 || res.Spilled[0] != r(1) {
		t.Fatalf("spilled = %v, want [r1]", res.Spilled)
	}
	if res.Colours[r(0)] != 0 {
		t.Errorf("r0 = %d, want the colour r1 held", res.Colours[r(0)])
	}
}

func TestSpilledNodeReclaimsColour(t *testing.T) {
	// r0 fails while r3 is still uncoloured. r4 cannot be spilled and
	// evicts r1; r0 then takes colour 0 back from the cheap r3, which
	// moves to the colour r0 never needed.
	ivs, g := weighted(map[int]int{0: 50, 1: 60, 2: 70, 3: 2, 4: 1},
		[2]int{0, 1}, [2]int{0, 2}, [2]int{1, 2}, [2]int{0, 3}, [2]int{4, 1}, [2]int{4, 2})
	alc := NewAllocator(g, ivs, 2, nil, ir.NewRegSet(r(4)))
	res := selectInOrder(t, alc, 1, 2, 0, 3, 4)
	if len(res.Spilled) != 1 || res.Spilled[0] != r(1) {
		t.Fatalf("spilled = %v, want [r1]", res.Spilled)
	}
	want := map[ir.Reg]int{r(0): 0, r(2): 1, r(3): 1, r(4): 0}
	for reg, c := range want {
		if got, ok := res.Colours[reg]; !ok || got != c {
			t.Errorf("%v = %d (coloured %v), want %d", reg, got, ok, c)
		}
	}
}

func TestCallClobbersAreAvoided(t *testing.T) {
	ivs := map[ir.Reg]*Interval{
		r(0): {Reg: r(0), Segs: []Segment{{20, 10}}, Avoid: []int{0, 1}},
		r(1): {Reg: r(1), Segs: []Segment{{8, 2}}},
	}
	for _, iv := range ivs {
		iv.finish()
	}

	t.Run("colouring", func(t *testing.T) {
		res, err := NewAllocator(graphOf(ivs), ivs, 3, nil, ir.NewRegSet()).Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if res.Colours[r(0)] != 2 {
			t.Errorf("r0 = %d, want 2", res.Colours[r(0)])
		}
	})

	t.Run("linear scan", func(t *testing.T) {
		res, err := linearScan(bankIntervals(ivs, ir.BankTemp), 3, nil, ir.NewRegSet())
		if err != nil {
			t.Fatal(err)
		}
		if res.Colours[r(0)] != 2 {
			t.Errorf("r0 = %d, want 2", res.Colours[r(0)])
		}
	})

	t.Run("no colour left", func(t *testing.T) {
		res, err := NewAllocator(graphOf(ivs), ivs, 2, nil, ir.NewRegSet()).Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Spilled) != 1 || res.Spilled[0] != r(0) {
			t.Errorf("spilled = %v, want [r0]", res.Spilled)
		}
	})

	t.Run("precoloured", func(t *testing.T) {
		pre := map[ir.Reg]int{r(2): 1}
		cp := map[ir.Reg]*Interval{r(0): ivs[r(0)], r(2): {Reg: r(2), Segs: []Segment{{30, 25}}, Ties: []ir.Reg{r(0)}}}
		cp[r(2)].finish()
		alc := NewAllocator(graphOf(cp), cp, 3, pre, ir.NewRegSet())
		if !alc.colourClash(r(2), r(0)) {
			t.Error("r0 must not be merged into a register a call overwrites")
		}
	})
}
