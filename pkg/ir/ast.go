// Package ir defines the backend's intermediate representation: the
// CompileState arena that owns every instruction and basic block of one
// compilation, the operand and payload variants, and the control-flow graph
// each function is built from.
//
// Instructions and blocks are referred to by integer handles into the
// CompileState arenas. Handle 0 is never allocated and means "none".
package ir

import (
	"fmt"
	"strings"
)

// InstrID is a handle to an instruction in the CompileState arena.
type InstrID int32

// BlockID is a handle to a basic block in the CompileState arena.
type BlockID int32

// Bank is a register bank. Banks are disjoint: register number 3 in the temp
// bank and register number 3 in the predicate bank are unrelated.
type Bank uint8

const (
	BankTemp      Bank = iota // general-purpose temporaries
	BankAttr                  // shader inputs (primary attributes)
	BankOutput                // shader outputs
	BankPredicate             // per-thread predicates
	BankInternal              // short-lived accumulators
	BankIndex                 // array index registers
	BankVector                // 4-lane grouped registers
	NumBanks
)

var bankPrefix = [NumBanks]string{"r", "a", "o", "p", "i", "x", "v"}

var bankNames = [NumBanks]string{"temp", "attr", "output", "predicate", "internal", "index", "vector"}

// Prefix returns the one-letter prefix used when printing registers.
func (b Bank) Prefix() string {
	if b < NumBanks {
		return bankPrefix[b]
	}
	return "?"
}

func (b Bank) String() string {
	if b < NumBanks {
		return bankNames[b]
	}
	return fmt.Sprintf("Bank(%d)", int(b))
}

// BankFromPrefix is the inverse of Prefix.
func BankFromPrefix(p string) (Bank, bool) {
	for b, s := range bankPrefix {
		if s == p {
			return Bank(b), true
		}
	}
	return 0, false
}

// Reg is a virtual register.
type Reg struct {
	Bank Bank
	Num  int
}

func (r Reg) String() string {
	return fmt.Sprintf("%s%d", r.Bank.Prefix(), r.Num)
}

// Less orders registers by bank, then number.
func (r Reg) Less(o Reg) bool {
	if r.Bank != o.Bank {
		return r.Bank < o.Bank
	}
	return r.Num < o.Num
}

// Temp is shorthand for a temp-bank register.
func Temp(n int) Reg { return Reg{Bank: BankTemp, Num: n} }

// PredReg is shorthand for a predicate register.
func PredReg(n int) Reg { return Reg{Bank: BankPredicate, Num: n} }

// ChanMask selects byte channels of a 32-bit register. Bit c is channel c.
type ChanMask uint8

// MaskFull covers all four channels.
const MaskFull ChanMask = 0xF

// Has reports whether channel c is selected.
func (m ChanMask) Has(c int) bool { return m&(1<<uint(c)) != 0 }

// Count returns the number of selected channels.
func (m ChanMask) Count() int {
	n := 0
	for c := 0; c < 4; c++ {
		if m.Has(c) {
			n++
		}
	}
	return n
}

func (m ChanMask) String() string {
	var sb strings.Builder
	for c, name := range "xyzw" {
		if m.Has(c) {
			sb.WriteRune(name)
		}
	}
	return sb.String()
}

// --- Operands ---

// Operand is a source or destination of an instruction.
type Operand interface {
	implOperand()
}

// RegOperand references a virtual register. Mask selects the channels read
// or written; a destination with a partial mask leaves the other channels
// intact. Loc is filled in by register allocation.
type RegOperand struct {
	Reg  Reg
	Mask ChanMask
	Loc  Loc
}

// Imm is an immediate source.
type Imm struct {
	Value uint32
}

// Special is a read-only hardware register (thread id, pixel position...).
type Special struct {
	Num int
}

// ArrayElem accesses an indexable array. Index is nil for a constant
// offset; otherwise the element is Offset plus the value of Index.
type ArrayElem struct {
	Array  int
	Offset int
	Index  *RegOperand
	Mask   ChanMask
}

func (RegOperand) implOperand() {}
func (Imm) implOperand()        {}
func (Special) implOperand()    {}
func (ArrayElem) implOperand()  {}

// Use returns a full-mask operand for r.
func Use(r Reg) RegOperand { return RegOperand{Reg: r, Mask: MaskFull} }

// Regs turns registers into full-mask operands.
func Regs(rs ...Reg) []Operand {
	ops := make([]Operand, len(rs))
	for i, r := range rs {
		ops[i] = Use(r)
	}
	return ops
}

// --- Physical locations ---

// Loc is where register allocation placed a virtual register.
type Loc interface {
	implLoc()
}

// Phys is a physical register number within the operand's bank.
type Phys struct {
	N int
}

// Spilled is a scratch-memory offset.
type Spilled struct {
	Offset int
}

func (Phys) implLoc()    {}
func (Spilled) implLoc() {}

// --- Guards and flags ---

// Guard makes an instruction conditional on a predicate register. Loc is
// filled in by register allocation.
type Guard struct {
	Reg    Reg
	Negate bool
	Loc    Loc
}

// Flags are instruction-specific properties.
type Flags uint16

const (
	// FlagSuspend marks a point the scheduler must not move anything across.
	FlagSuspend Flags = 1 << iota
	// FlagSkipInvalid skips the instruction for invalid (helper) threads.
	FlagSkipInvalid
	// FlagCoIssue marks the second instruction of a same-cycle pair.
	FlagCoIssue
	// FlagSpill marks save/restore code inserted by the allocator.
	FlagSpill
)

// --- Payloads ---

// Payload holds the opcode-specific part of an instruction.
type Payload interface {
	implPayload()
}

// VecPayload describes a vector instruction. Destination lane c writes
// component c of the destination group when DstMask has bit c. For source
// s, lane c reads component Swizzles[s][c] of that source's base register.
type VecPayload struct {
	DstMask  ChanMask
	Swizzles [][4]uint8
}

// Cond is a TEST comparison.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("Cond(%d)", int(c))
}

// CondByName is the inverse of Cond.String.
func CondByName(name string) (Cond, bool) {
	for c, n := range condNames {
		if n == name {
			return Cond(c), true
		}
	}
	return 0, false
}

// TestPayload parameterises a TEST instruction writing a predicate.
type TestPayload struct {
	Cond  Cond
	Float bool
}

// CallPayload names the callee of a CALL.
type CallPayload struct {
	Callee string
}

// SpillPayload gives the scratch offset of a spill save or restore.
type SpillPayload struct {
	Offset int
}

// SamplePayload selects the texture and sampler state of a SMP.
type SamplePayload struct {
	Texture   int
	Gradients bool
}

func (VecPayload) implPayload()    {}
func (TestPayload) implPayload()   {}
func (CallPayload) implPayload()   {}
func (SpillPayload) implPayload()  {}
func (SamplePayload) implPayload() {}

// --- Instruction ---

// Instruction is one intermediate instruction. It belongs to at most one
// block and, while it does, is linked both into that block's sequence and
// into the CompileState's list of instructions with the same opcode.
type Instruction struct {
	ID      InstrID
	Op      Op
	Dests   []Operand
	Srcs    []Operand
	Pred    *Guard
	Flags   Flags
	Payload Payload
	Line    int // source line for diagnostics
	Cycle   int // issue cycle assigned by the scheduler

	block          BlockID
	prev, next     InstrID
	opPrev, opNext InstrID
}

// Block returns the handle of the owning block, 0 if detached.
func (i *Instruction) Block() BlockID { return i.block }

// Has reports whether all bits of f are set.
func (i *Instruction) Has(f Flags) bool { return i.Flags&f == f }

// SrcRegs returns every register the instruction reads through its sources,
// array indices and guard. Destinations are not included.
func (i *Instruction) SrcRegs() []RegOperand {
	var regs []RegOperand
	for _, o := range i.Srcs {
		switch o := o.(type) {
		case RegOperand:
			regs = append(regs, o)
		case ArrayElem:
			if o.Index != nil {
				regs = append(regs, *o.Index)
			}
		}
	}
	for _, o := range i.Dests {
		if a, ok := o.(ArrayElem); ok && a.Index != nil {
			regs = append(regs, *a.Index)
		}
	}
	if i.Pred != nil {
		regs = append(regs, Use(i.Pred.Reg))
	}
	return regs
}

// DestRegs returns the registers written by the instruction.
func (i *Instruction) DestRegs() []RegOperand {
	var regs []RegOperand
	for _, o := range i.Dests {
		if r, ok := o.(RegOperand); ok {
			regs = append(regs, r)
		}
	}
	return regs
}

// IsCopy reports whether the instruction is an unpredicated full-register
// move between two registers of the same bank.
func (i *Instruction) IsCopy() (dst, src Reg, ok bool) {
	if i.Op != OpMov || i.Pred != nil || len(i.Dests) != 1 || len(i.Srcs) != 1 {
		return Reg{}, Reg{}, false
	}
	d, ok1 := i.Dests[0].(RegOperand)
	s, ok2 := i.Srcs[0].(RegOperand)
	if !ok1 || !ok2 || d.Reg.Bank != s.Reg.Bank || d.Mask != MaskFull || s.Mask != MaskFull {
		return Reg{}, Reg{}, false
	}
	return d.Reg, s.Reg, true
}
