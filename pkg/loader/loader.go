// Package loader reads a program of already-lowered intermediate
// instructions from YAML into a CompileState.
//
// A program declares indexable arrays, register groups, fixed registers and
// functions. Each function lists its blocks in order; the first block is the
// entry and, when there are several, the last is the exit. A block without
// a successor key continues at the next block listed.
//
//	arrays: [4]
//	groups: [[r4, r5]]
//	fixed: {r3: 0}
//	functions:
//	  - name: main
//	    params: [a0]
//	    results: [o0]
//	    blocks:
//	      - label: entry
//	        code:
//	          - test.lt.f p0, a0, 0
//	        if: {pred: p0, then: neg, else: done}
//	      - label: neg
//	        code:
//	          - fsub o0, 0, a0
//	        goto: done
//	      - label: done
package loader

import (
	"os"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
	"github.com/raymyers/ralph-usc/pkg/target"
)

// Program is the YAML document.
type Program struct {
	Arrays    []int          `yaml:"arrays"`
	Groups    [][]string     `yaml:"groups"`
	Fixed     map[string]int `yaml:"fixed"`
	Functions []FuncDecl     `yaml:"functions"`
}

// FuncDecl declares one function.
type FuncDecl struct {
	Name    string      `yaml:"name"`
	Params  []string    `yaml:"params"`
	Results []string    `yaml:"results"`
	Blocks  []BlockDecl `yaml:"blocks"`
}

// BlockDecl declares one block and how it picks its successor. At most one
// of Goto, Continue, If and Switch is set.
type BlockDecl struct {
	Label    string      `yaml:"label"`
	Code     []Line      `yaml:"code"`
	Goto     string      `yaml:"goto"`
	Continue string      `yaml:"continue"`
	If       *IfDecl     `yaml:"if"`
	Switch   *SwitchDecl `yaml:"switch"`
}

// IfDecl is a conditional successor.
type IfDecl struct {
	Pred    string `yaml:"pred"`
	Then    string `yaml:"then"`
	Else    string `yaml:"else"`
	Uniform bool   `yaml:"uniform"`
	Hint    string `yaml:"hint"` // likely, unlikely or empty
}

// SwitchDecl is a multiway successor.
type SwitchDecl struct {
	Selector string           `yaml:"sel"`
	Cases    map[int64]string `yaml:"cases"`
	Default  string           `yaml:"default"`
	Uniform  bool             `yaml:"uniform"`
}

// Line is one instruction with the source line it was read from.
type Line struct {
	Text string
	Num  int
}

// UnmarshalYAML records the line number of the scalar.
func (l *Line) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return diag.Malformed(n.Line, "instruction must be a string")
	}
	l.Text, l.Num = n.Value, n.Line
	return nil
}

// Load reads a program file.
func Load(path string, desc *target.Desc, opts target.Options) (*ir.CompileState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read program %v", path)
	}
	s, err := Parse(data, desc, opts)
	if err != nil {
		return nil, errors.Wrap(err, "program %v", path)
	}
	return s, nil
}

// Parse builds a CompileState from a YAML program.
func Parse(data []byte, desc *target.Desc, opts target.Options) (*ir.CompileState, error) {
	var prog Program
	if err := yaml.Unmarshal(data, &prog); err != nil {
		if _, ok := diag.As(err); ok {
			return nil, err
		}
		return nil, diag.Malformed(0, "%v", err)
	}
	return Build(&prog, desc, opts)
}

// Build turns a decoded program into a CompileState.
func Build(prog *Program, desc *target.Desc, opts target.Options) (*ir.CompileState, error) {
	b := &builder{s: ir.NewCompileState(desc, opts)}

	for _, size := range prog.Arrays {
		if size <= 0 {
			return nil, diag.Malformed(0, "array size %d must be positive", size)
		}
		b.s.NewArray(size)
	}

	for _, fd := range prog.Functions {
		if err := b.function(fd); err != nil {
			return nil, err
		}
	}

	for _, names := range prog.Groups {
		regs, err := b.regs(names, 0)
		if err != nil {
			return nil, err
		}
		if _, err := b.s.MakeGroup(regs...); err != nil {
			return nil, diag.Malformed(0, "group %v: %v", names, err)
		}
	}

	fixed := make([]string, 0, len(prog.Fixed))
	for name := range prog.Fixed {
		fixed = append(fixed, name)
	}
	slices.Sort(fixed)
	for _, name := range fixed {
		r, err := b.reg(name, 0)
		if err != nil {
			return nil, err
		}
		if err := b.s.FixReg(r, prog.Fixed[name]); err != nil {
			return nil, errors.Wrap(err, "fixed %v", name)
		}
	}

	tlog.V("pass").Printw("loaded", "funcs", len(b.s.Funcs), "arrays", len(prog.Arrays), "groups", len(prog.Groups))
	return b.s, nil
}

// builder holds state while a program is built
type builder struct {
	s      *ir.CompileState
	f      *ir.Function
	labels map[string]*ir.Block
}

func (b *builder) function(fd FuncDecl) (err error) {
	if fd.Name == "" {
		return diag.Malformed(0, "function without a name")
	}
	if b.s.FuncByName(fd.Name) != nil {
		return diag.Malformed(0, "function %v declared twice", fd.Name)
	}
	defer func() { err = diag.InFunc(err, fd.Name) }()

	b.f = b.s.NewFunction(fd.Name)
	b.labels = make(map[string]*ir.Block)
	if b.f.Params, err = b.regs(fd.Params, 0); err != nil {
		return err
	}
	if b.f.Results, err = b.regs(fd.Results, 0); err != nil {
		return err
	}
	if len(fd.Blocks) == 0 {
		return nil
	}

	c := b.f.CFG
	blocks := make([]*ir.Block, len(fd.Blocks))
	for k, bd := range fd.Blocks {
		switch {
		case k == 0:
			blocks[k] = c.EntryBlock()
		case k == len(fd.Blocks)-1:
			blocks[k] = c.ExitBlock()
		default:
			blocks[k] = c.NewBlock()
		}
		if bd.Label == "" {
			continue
		}
		if _, dup := b.labels[bd.Label]; dup {
			return diag.Malformed(0, "label %q defined twice", bd.Label)
		}
		b.labels[bd.Label] = blocks[k]
	}

	for k, bd := range fd.Blocks {
		blk := blocks[k]
		for _, ln := range bd.Code {
			i, err := b.parseInstr(ln.Text, ln.Num)
			if err != nil {
				return err
			}
			b.s.Append(blk, i)
		}
		var next *ir.Block
		if k+1 < len(blocks) {
			next = blocks[k+1]
		} else if len(blocks) == 1 {
			next = c.ExitBlock()
		}
		isExit := len(blocks) > 1 && k == len(blocks)-1
		if err := b.successors(blk, bd, next, isExit); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) successors(blk *ir.Block, bd BlockDecl, next *ir.Block, isExit bool) error {
	c := b.f.CFG
	set := 0
	for _, on := range []bool{bd.Goto != "", bd.Continue != "", bd.If != nil, bd.Switch != nil} {
		if on {
			set++
		}
	}
	if set > 1 {
		return diag.Malformed(0, "block %q has more than one successor kind", bd.Label)
	}
	if set == 1 && isExit {
		return diag.Malformed(0, "exit block %q cannot have successors", bd.Label)
	}

	switch {
	case bd.Goto != "":
		t, err := b.block(bd.Goto)
		if err != nil {
			return err
		}
		return c.SetUnconditional(blk, t)

	case bd.Continue != "":
		t, err := b.block(bd.Continue)
		if err != nil {
			return err
		}
		return c.SetLoopContinue(blk, t)

	case bd.If != nil:
		pred, err := b.reg(bd.If.Pred, 0)
		if err != nil {
			return err
		}
		ifSo, err := b.block(bd.If.Then)
		if err != nil {
			return err
		}
		ifNot, err := b.block(bd.If.Else)
		if err != nil {
			return err
		}
		var hint ir.Hint
		switch bd.If.Hint {
		case "":
		case "likely":
			hint = ir.HintTrue
		case "unlikely":
			hint = ir.HintFalse
		default:
			return diag.Malformed(0, "unknown branch hint %q", bd.If.Hint)
		}
		return c.SetConditional(blk, pred, hint, bd.If.Uniform, ifSo, ifNot)

	case bd.Switch != nil:
		sel, err := b.reg(bd.Switch.Selector, 0)
		if err != nil {
			return err
		}
		cases := make([]int64, 0, len(bd.Switch.Cases))
		for v := range bd.Switch.Cases {
			cases = append(cases, v)
		}
		slices.Sort(cases)
		targets := make([]*ir.Block, len(cases))
		for k, v := range cases {
			if targets[k], err = b.block(bd.Switch.Cases[v]); err != nil {
				return err
			}
		}
		var def *ir.Block
		if bd.Switch.Default != "" {
			if def, err = b.block(bd.Switch.Default); err != nil {
				return err
			}
		}
		return c.SetSwitch(blk, sel, cases, targets, def, bd.Switch.Uniform)

	case next != nil:
		return c.SetUnconditional(blk, next)
	}
	return nil
}

func (b *builder) block(label string) (*ir.Block, error) {
	blk, ok := b.labels[label]
	if !ok {
		return nil, diag.Malformed(0, "unknown block label %q", label)
	}
	return blk, nil
}

func (b *builder) regs(names []string, line int) ([]ir.Reg, error) {
	out := make([]ir.Reg, 0, len(names))
	for _, n := range names {
		r, err := b.reg(n, line)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
