package ir

import (
	"golang.org/x/exp/slices"

	"github.com/raymyers/ralph-usc/pkg/diag"
)

// Function is one shader function: a CFG plus its interface registers.
type Function struct {
	Name    string
	CFG     *CFG
	Params  []Reg
	Results []Reg
	// CallDepth is 0 for functions that call nothing, otherwise one more
	// than the deepest callee.
	CallDepth int
	// FrameSize is the end of the function's scratch frame, in bytes. It
	// covers the arrays and the frames of every callee.
	FrameSize int

	// Set by register allocation for the benefit of callers.
	Allocated bool
	// ParamLocs and ResultLocs hold the physical register of each param
	// and result, -1 for one that is never used.
	ParamLocs, ResultLocs []int
	// Clobbers lists, per bank and ascending, the physical registers the
	// function or its callees may write.
	Clobbers map[Bank][]int
}

// NewFunction creates a function with an entry and an exit block; the entry
// falls through to the exit until the caller rewires it.
func (s *CompileState) NewFunction(name string) *Function {
	f := &Function{Name: name}
	f.CFG = &CFG{Func: f, state: s}
	entry := f.CFG.NewBlock()
	exit := f.CFG.NewBlock()
	f.CFG.Entry = entry.ID
	f.CFG.Exit = exit.ID
	// cannot fail: both blocks belong to the graph
	_ = f.CFG.SetUnconditional(entry, exit)
	s.Funcs = append(s.Funcs, f)
	return f
}

// FuncByName returns the function called name.
func (s *CompileState) FuncByName(name string) *Function {
	for _, f := range s.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Callees returns the distinct functions f calls, by name, in first-call order.
func (s *CompileState) Callees(f *Function) []string {
	var out []string
	for _, b := range f.CFG.Blocks() {
		for _, i := range s.Instrs(b) {
			if c, ok := i.Payload.(CallPayload); ok && i.Op == OpCall && !slices.Contains(out, c.Callee) {
				out = append(out, c.Callee)
			}
		}
	}
	return out
}

// OrderFunctions computes call depths and sorts Funcs leaf-most first, so
// callees are always processed before their callers. Recursion and calls to
// unknown functions are malformed input.
func (s *CompileState) OrderFunctions() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Function]int)
	var visit func(f *Function) error
	visit = func(f *Function) error {
		switch state[f] {
		case done:
			return nil
		case visiting:
			return diag.Malformed(0, "recursive call through %v", f.Name)
		}
		state[f] = visiting
		depth := 0
		for _, name := range s.Callees(f) {
			callee := s.FuncByName(name)
			if callee == nil {
				return diag.Malformed(0, "%v calls unknown function %v", f.Name, name)
			}
			if err := visit(callee); err != nil {
				return err
			}
			if callee.CallDepth+1 > depth {
				depth = callee.CallDepth + 1
			}
		}
		f.CallDepth = depth
		state[f] = done
		return nil
	}
	for _, f := range s.Funcs {
		if err := visit(f); err != nil {
			return err
		}
	}
	slices.SortStableFunc(s.Funcs, func(a, b *Function) int {
		return a.CallDepth - b.CallDepth
	})
	return nil
}
