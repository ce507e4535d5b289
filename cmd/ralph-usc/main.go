package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/compiler"
	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/loader"
	"github.com/raymyers/ralph-usc/pkg/target"
)

var version = "0.1.0"

// dumpFlag ties a dump flag to the pipeline stage it shows and the
// extension of the file it writes.
type dumpFlag struct {
	name  string
	stage compiler.Stage
	ext   string
	desc  string
}

var dumpFlags = []dumpFlag{
	{"dir", compiler.StageIR, ".ir", "Dump the input after validation and CFG cleanup"},
	{"ddom", compiler.StageDom, ".dom", "Dump dominance, loop and re-convergence data"},
	{"ddeps", compiler.StageDeps, ".deps", "Dump per-block dependency graphs"},
	{"dsched", compiler.StageSched, ".sched", "Dump after scheduling and vectorization"},
	{"dalloc", compiler.StageAlloc, ".alloc", "Dump after register allocation"},
	{"dasm", compiler.StageAsm, ".s", "Print the final instruction stream"},
}

// cliFlags holds the parsed command line
type cliFlags struct {
	dumps   map[string]*bool
	target  string
	verbose string
	opts    target.Options
}

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	// Accept single-dash dump flags like -dasm
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// normalizeFlags converts single-dash dump flags like -dasm to --dasm
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = arg
		for _, d := range dumpFlags {
			if arg == "-"+d.name {
				result[i] = "--" + d.name
				break
			}
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	flags := &cliFlags{
		dumps: make(map[string]*bool),
		opts:  target.DefaultOptions(),
	}

	rootCmd := &cobra.Command{
		Use:   "ralph-usc [file.yaml]",
		Short: "ralph-usc is a shader compiler backend for testing compilation passes",
		Long: `ralph-usc reads a program of already-lowered intermediate
instructions and runs the backend over it: CFG cleanup, dominance,
scheduling, vectorization, register allocation and block layout.
Each stage can be dumped.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			if flags.verbose != "" {
				tlog.SetVerbosity(flags.verbose)
			}
			return doCompile(args[0], flags, out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	for _, d := range dumpFlags {
		flags.dumps[d.name] = rootCmd.Flags().Bool(d.name, false, d.desc)
	}
	rootCmd.Flags().StringVar(&flags.target, "target", "", "Target core description (YAML); built-in core if empty")
	rootCmd.Flags().StringVar(&flags.verbose, "log", "", "Log topics to enable, e.g. regalloc,spill")
	flags.opts.BindFlags(rootCmd.Flags())

	return rootCmd
}

// doCompile loads filename, compiles it and writes every requested dump
// both to out and to a file next to the input.
func doCompile(filename string, flags *cliFlags, out, errOut io.Writer) error {
	desc := target.Default()
	if flags.target != "" {
		var err error
		if desc, err = target.Load(flags.target); err != nil {
			report(errOut, err)
			return err
		}
	}

	s, err := loader.Load(filename, desc, flags.opts)
	if err != nil {
		report(errOut, err)
		return err
	}

	// The instruction stream is always written; --dasm also echoes it.
	dumps := make(compiler.Dumps)
	for _, d := range dumpFlags {
		on := *flags.dumps[d.name]
		if !on && d.stage != compiler.StageAsm {
			continue
		}
		path := outputFilename(filename, d.ext)
		outFile, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(errOut, "ralph-usc: error creating %s: %v\n", path, err)
			return err
		}
		defer outFile.Close()
		if on {
			dumps[d.stage] = io.MultiWriter(outFile, out)
		} else {
			dumps[d.stage] = outFile
		}
	}

	prog, stats, err := compiler.Compile(s, dumps)
	if err != nil {
		report(errOut, err)
		return err
	}

	for _, st := range stats {
		tlog.V("pass").Printw("function", "name", st.Func, "spilled", st.Spilled, "rounds", st.Rounds, "frame", st.FrameSize)
	}
	fmt.Fprintf(errOut, "ralph-usc: compiled %s (%d functions)\n", filename, len(prog.Functions))
	return nil
}

// report prints a failure. Diagnostics already name their kind.
func report(errOut io.Writer, err error) {
	if diag.KindOf(err) != 0 {
		fmt.Fprintf(errOut, "ralph-usc: %v\n", err)
		return
	}
	fmt.Fprintf(errOut, "ralph-usc: error: %v\n", err)
}

// outputFilename returns the dump file for filename: prog.yaml -> prog.s
func outputFilename(filename, ext string) string {
	for _, in := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(filename, in) {
			return filename[:len(filename)-len(in)] + ext
		}
	}
	return filename + ext
}
