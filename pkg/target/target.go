// Package target describes the GPU core a compilation is aimed at: which
// optional features and errata work-arounds apply, how many registers each
// bank provides, and the issue rules the scheduler must respect.
package target

import (
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

// Instruction classes used for latency and pairing rules.
const (
	ClassALU     = "alu"
	ClassComplex = "complex" // rcp, rsq, log, exp
	ClassMove    = "move"
	ClassTest    = "test"
	ClassMem     = "mem"
	ClassTexture = "texture"
	ClassVector  = "vector"
	ClassControl = "control"
)

// Features are optional capabilities of a core.
type Features struct {
	VectorOps    bool `yaml:"vector_ops"`    // wide vec4 arithmetic
	VectorRegs   bool `yaml:"vector_regs"`   // dedicated vector register bank
	SyncRequired bool `yaml:"sync_required"` // divergent flow needs explicit re-convergence
	IndexedTemps bool `yaml:"indexed_temps"` // dynamically indexed temp arrays
}

// Errata are hardware bugs the backend must work around.
type Errata struct {
	NoPredicatedPair bool `yaml:"no_predicated_pair"` // predicated instructions never co-issue
	VecNoImmediate   bool `yaml:"vec_no_immediate"`   // vector ops cannot take immediates
}

// Limits is the number of physical registers in each bank.
type Limits struct {
	Temp      int `yaml:"temp"`
	Attr      int `yaml:"attr"`
	Output    int `yaml:"output"`
	Predicate int `yaml:"predicate"`
	Internal  int `yaml:"internal"`
	Index     int `yaml:"index"`
	Vector    int `yaml:"vector"`
	Special   int `yaml:"special"`
}

// Desc is a target-core descriptor.
type Desc struct {
	Name         string         `yaml:"name"`
	Features     Features       `yaml:"features"`
	Errata       Errata         `yaml:"errata"`
	Regs         Limits         `yaml:"registers"`
	IssueWidth   int            `yaml:"issue_width"`
	IllegalPairs [][2]string    `yaml:"illegal_pairs"`
	Latency      map[string]int `yaml:"latency"`
}

// Default returns the built-in core description.
func Default() *Desc {
	return &Desc{
		Name:     "usc-default",
		Features: Features{VectorOps: true, SyncRequired: true, IndexedTemps: true},
		Regs: Limits{
			Temp:      64,
			Attr:      32,
			Output:    16,
			Predicate: 4,
			Internal:  3,
			Index:     2,
			Vector:    16,
			Special:   32,
		},
		IssueWidth: 2,
		IllegalPairs: [][2]string{
			{ClassTexture, ClassTexture},
			{ClassComplex, ClassComplex},
			{ClassMem, ClassTexture},
			{ClassControl, ClassControl},
		},
		Latency: map[string]int{
			ClassALU:     1,
			ClassMove:    1,
			ClassTest:    1,
			ClassComplex: 4,
			ClassVector:  2,
			ClassMem:     8,
			ClassTexture: 12,
			ClassControl: 1,
		},
	}
}

// Parse decodes a YAML descriptor. Fields left out keep the values of Default.
func Parse(data []byte) (*Desc, error) {
	d := Default()
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, errors.Wrap(err, "parse target descriptor")
	}
	if err := d.Check(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads a YAML descriptor from a file.
func Load(path string) (*Desc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read target %v", path)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "target %v", path)
	}
	return d, nil
}

// Check rejects descriptors the backend cannot work with.
func (d *Desc) Check() error {
	if d.IssueWidth < 1 {
		return errors.New("issue_width must be at least 1, got %d", d.IssueWidth)
	}
	if d.Regs.Temp < 1 {
		return errors.New("temp bank needs at least one register")
	}
	if d.Regs.Predicate < 1 {
		return errors.New("predicate bank needs at least one register")
	}
	for _, p := range d.IllegalPairs {
		if p[0] == "" || p[1] == "" {
			return errors.New("illegal pair with empty class: %v", p)
		}
	}
	return nil
}

// LatencyOf returns the result latency of an instruction class in cycles.
func (d *Desc) LatencyOf(class string) int {
	if l, ok := d.Latency[class]; ok && l > 0 {
		return l
	}
	return 1
}

// CanPair reports whether instructions of classes a and b may issue in the
// same cycle.
func (d *Desc) CanPair(a, b string) bool {
	if d.IssueWidth < 2 {
		return false
	}
	for _, p := range d.IllegalPairs {
		if (p[0] == a && p[1] == b) || (p[0] == b && p[1] == a) {
			return false
		}
	}
	return true
}
