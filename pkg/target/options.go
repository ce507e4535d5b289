package target

import (
	"github.com/spf13/pflag"
	"tlog.app/go/errors"
)

// Strategy selects the register allocation algorithm.
type Strategy string

const (
	// GraphColour builds an interference graph and colours it with
	// iterated register coalescing.
	GraphColour Strategy = "graph"
	// LinearScan walks intervals sorted by start point.
	LinearScan Strategy = "linear"
)

// String implements pflag.Value.
func (s *Strategy) String() string { return string(*s) }

// Set implements pflag.Value.
func (s *Strategy) Set(v string) error {
	switch Strategy(v) {
	case GraphColour, LinearScan:
		*s = Strategy(v)
		return nil
	}
	return errors.New("unknown allocator %q (want %q or %q)", v, GraphColour, LinearScan)
}

// Type implements pflag.Value.
func (s *Strategy) Type() string { return "strategy" }

// Options are per-compilation knobs.
type Options struct {
	OptLevel       int      // 0 disables scheduling, merging and vectorization
	SchedWindow    int      // how far ahead of the oldest unscheduled instruction the scheduler may look; 0 = unbounded
	Allocator      Strategy // default strategy for banks that may use graph colouring
	MaxSpillRounds int
}

// DefaultOptions returns the options used for production compiles.
func DefaultOptions() Options {
	return Options{
		OptLevel:       2,
		SchedWindow:    0,
		Allocator:      GraphColour,
		MaxSpillRounds: 8,
	}
}

// BindFlags registers the options on a flag set.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&o.OptLevel, "opt", "O", o.OptLevel, "Optimization level (0-2)")
	fs.IntVar(&o.SchedWindow, "sched-window", o.SchedWindow, "Scheduling lookahead bound (0 = unbounded)")
	fs.Var(&o.Allocator, "alloc", "Register allocator: graph or linear")
	fs.IntVar(&o.MaxSpillRounds, "max-spill-rounds", o.MaxSpillRounds, "Spill/reallocate rounds before giving up")
}
