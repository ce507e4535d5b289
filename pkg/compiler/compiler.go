// Package compiler drives the backend pipeline over every function of a
// CompileState and is the single place where failures surface.
package compiler

import (
	"io"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/asm"
	"github.com/raymyers/ralph-usc/pkg/depgraph"
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/dom"
	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/linearize"
	"github.com/raymyers/ralph-usc/pkg/regalloc"
	"github.com/raymyers/ralph-usc/pkg/sched"
	"github.com/raymyers/ralph-usc/pkg/stacking"
	"github.com/raymyers/ralph-usc/pkg/vectorize"
)

// Stage is a point in the pipeline where the program can be dumped.
type Stage int

const (
	StageIR    Stage = iota // after validation and CFG cleanup
	StageDom                // after dominance analysis
	StageDeps               // dependency graphs before scheduling
	StageSched              // after scheduling and vectorization
	StageAlloc              // after register allocation
	StageAsm                // final stream
	numStages
)

var stageNames = [numStages]string{"ir", "dom", "deps", "sched", "alloc", "asm"}

func (st Stage) String() string {
	if st >= 0 && st < numStages {
		return stageNames[st]
	}
	return "?"
}

// Dumps maps stages to the writers their dumps go to.
type Dumps map[Stage]io.Writer

// Stats summarises one compiled function.
type Stats struct {
	Func       string
	Merged     int
	Vectorized int
	Spilled    int
	Rounds     int
	Coalesced  int
	Eliminated int
	FrameSize  int
}

// Compile runs the pipeline over every function of s, leaf functions
// first. On failure s is released and the error carries a *diag.Error.
func Compile(s *ir.CompileState, dumps Dumps) (prog *asm.Program, stats []Stats, err error) {
	defer func() {
		if err != nil {
			s.Release()
		}
	}()

	if err := s.OrderFunctions(); err != nil {
		return nil, nil, errors.Wrap(err, "order functions")
	}

	prog = &asm.Program{Target: s.Target.Name}
	for _, f := range s.Funcs {
		fn, st, err := compileFunc(s, f, dumps)
		if err != nil {
			return nil, nil, err
		}
		prog.Functions = append(prog.Functions, fn)
		stats = append(stats, st)
	}

	if w := dumps[StageAsm]; w != nil {
		asm.NewPrinter(w).PrintProgram(prog)
	}
	return prog, stats, nil
}

func compileFunc(s *ir.CompileState, f *ir.Function, dumps Dumps) (_ *asm.Function, st Stats, err error) {
	st.Func = f.Name
	c := f.CFG
	opts := s.Opts
	sync := s.Target.Features.SyncRequired

	fail := func(err error, stage string) error {
		if e, ok := diag.As(err); ok && e.Func == "" {
			e.Func = f.Name
		}
		return errors.Wrap(err, "%v", stage)
	}

	if err := s.Validate(f); err != nil {
		return nil, st, fail(err, "validate")
	}
	if err := c.CheckEdges(); err != nil {
		return nil, st, fail(err, "check edges")
	}
	if _, err := c.RemoveUnreachable(); err != nil {
		return nil, st, fail(err, "remove unreachable")
	}
	if opts.OptLevel >= 1 {
		if st.Merged, err = c.MergeStraightLines(); err != nil {
			return nil, st, fail(err, "merge blocks")
		}
	}
	dump(s, f, dumps[StageIR])

	if err := dom.Analyze(c, sync); err != nil {
		return nil, st, fail(err, "dominance")
	}
	dump(s, f, dumps[StageDom])

	if w := dumps[StageDeps]; w != nil {
		for _, b := range c.Blocks() {
			depgraph.Get(s, b).Print(w)
		}
	}

	if opts.OptLevel >= 1 {
		if err := sched.Function(s, f); err != nil {
			return nil, st, fail(err, "schedule")
		}
	}
	if opts.OptLevel >= 2 {
		if st.Vectorized, err = vectorize.Function(s, f); err != nil {
			return nil, st, fail(err, "vectorize")
		}
	}
	dump(s, f, dumps[StageSched])

	// loop depths feed spill weights; instruction edits above may have
	// dirtied the CFG
	if err := dom.Analyze(c, sync); err != nil {
		return nil, st, fail(err, "dominance")
	}
	frame := stacking.ComputeLayout(s, f)
	res, err := regalloc.Function(s, f, frame)
	if err != nil {
		return nil, st, fail(err, "allocate registers")
	}
	st.Spilled, st.Rounds = len(res.Spilled), res.Rounds
	st.Coalesced, st.Eliminated = res.Coalesced, res.Eliminated
	st.FrameSize = f.FrameSize
	dump(s, f, dumps[StageAlloc])

	// spill code and copy removal dirty the CFG
	if err := dom.Analyze(c, sync); err != nil {
		return nil, st, fail(err, "dominance")
	}

	fn, err := linearize.Function(s, f, res.Locs)
	if err != nil {
		return nil, st, fail(err, "layout")
	}

	tlog.V("pass").Printw("compiled", "func", f.Name, "merged", st.Merged, "vectorized", st.Vectorized,
		"spilled", st.Spilled, "rounds", st.Rounds, "frame", st.FrameSize)
	return fn, st, nil
}

func dump(s *ir.CompileState, f *ir.Function, w io.Writer) {
	if w == nil {
		return
	}
	ir.NewPrinter(w, s).PrintFunction(f)
}
