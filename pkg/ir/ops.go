package ir

import (
	"fmt"

	"github.com/raymyers/ralph-usc/pkg/target"
)

// Op is an intermediate opcode.
type Op uint16

const (
	OpInvalid Op = iota
	OpNop
	OpMov
	OpMovc // dst = src0 if src2 != 0 else src1
	OpFAdd
	OpFSub
	OpFMul
	OpFMad
	OpFMin
	OpFMax
	OpFRcp
	OpFRsq
	OpIAdd
	OpIMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpTest // predicate = cond(src0, src1)
	OpLoad
	OpStore
	OpSample
	OpDsx
	OpDsy
	OpBarrier
	OpCall
	OpSpillSt
	OpSpillLd
	OpVMov
	OpVAdd
	OpVMul
	OpVMad
	OpVMin
	OpVMax
	NumOps
)

// OpInfo describes an opcode.
type OpInfo struct {
	Name  string
	Class string // target.Class*
	Dests int    // fixed destination count, -1 if variable
	Srcs  int    // fixed source count, -1 if variable

	Commutative bool
	// SyncSensitive instructions give wrong results when threads of a
	// lockstep group have diverged (derivatives, gradient sampling).
	SyncSensitive bool
	// Barrier instructions bound scheduling regions.
	Barrier bool
	// SideEffect instructions are never dead.
	SideEffect bool
	// Vector is the wide form of a scalar opcode, OpInvalid if none.
	Vector Op
	// IsVector marks wide opcodes.
	IsVector bool
}

var opInfo = [NumOps]OpInfo{
	OpInvalid: {Name: "invalid", Class: target.ClassALU},
	OpNop:     {Name: "nop", Class: target.ClassALU, Dests: 0, Srcs: 0},
	OpMov:     {Name: "mov", Class: target.ClassMove, Dests: 1, Srcs: 1, Vector: OpVMov},
	OpMovc:    {Name: "movc", Class: target.ClassMove, Dests: 1, Srcs: 3},
	OpFAdd:    {Name: "fadd", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true, Vector: OpVAdd},
	OpFSub:    {Name: "fsub", Class: target.ClassALU, Dests: 1, Srcs: 2},
	OpFMul:    {Name: "fmul", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true, Vector: OpVMul},
	OpFMad:    {Name: "fmad", Class: target.ClassALU, Dests: 1, Srcs: 3, Vector: OpVMad},
	OpFMin:    {Name: "fmin", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true, Vector: OpVMin},
	OpFMax:    {Name: "fmax", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true, Vector: OpVMax},
	OpFRcp:    {Name: "frcp", Class: target.ClassComplex, Dests: 1, Srcs: 1},
	OpFRsq:    {Name: "frsq", Class: target.ClassComplex, Dests: 1, Srcs: 1},
	OpIAdd:    {Name: "iadd", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true},
	OpIMul:    {Name: "imul", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true},
	OpAnd:     {Name: "and", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true},
	OpOr:      {Name: "or", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true},
	OpXor:     {Name: "xor", Class: target.ClassALU, Dests: 1, Srcs: 2, Commutative: true},
	OpShl:     {Name: "shl", Class: target.ClassALU, Dests: 1, Srcs: 2},
	OpShr:     {Name: "shr", Class: target.ClassALU, Dests: 1, Srcs: 2},
	OpTest:    {Name: "test", Class: target.ClassTest, Dests: 1, Srcs: 2},
	OpLoad:    {Name: "ld", Class: target.ClassMem, Dests: 1, Srcs: 1},
	OpStore:   {Name: "st", Class: target.ClassMem, Dests: 0, Srcs: 2, SideEffect: true},
	OpSample:  {Name: "smp", Class: target.ClassTexture, Dests: -1, Srcs: -1, SyncSensitive: true},
	OpDsx:     {Name: "dsx", Class: target.ClassALU, Dests: 1, Srcs: 1, SyncSensitive: true},
	OpDsy:     {Name: "dsy", Class: target.ClassALU, Dests: 1, Srcs: 1, SyncSensitive: true},
	OpBarrier: {Name: "barrier", Class: target.ClassControl, Dests: 0, Srcs: 0, Barrier: true, SideEffect: true, SyncSensitive: true},
	OpCall:    {Name: "call", Class: target.ClassControl, Dests: -1, Srcs: -1, Barrier: true, SideEffect: true},
	OpSpillSt: {Name: "spillst", Class: target.ClassMem, Dests: 0, Srcs: 1, SideEffect: true},
	OpSpillLd: {Name: "spillld", Class: target.ClassMem, Dests: 1, Srcs: 0},
	OpVMov:    {Name: "vmov", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
	OpVAdd:    {Name: "vadd", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
	OpVMul:    {Name: "vmul", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
	OpVMad:    {Name: "vmad", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
	OpVMin:    {Name: "vmin", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
	OpVMax:    {Name: "vmax", Class: target.ClassVector, Dests: -1, Srcs: -1, IsVector: true},
}

// Info returns the description of op.
func (op Op) Info() *OpInfo {
	if op < NumOps {
		return &opInfo[op]
	}
	return &opInfo[OpInvalid]
}

func (op Op) String() string {
	if op < NumOps && op != OpInvalid {
		return opInfo[op].Name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// OpByName looks an opcode up by its printed name.
func OpByName(name string) (Op, bool) {
	for op := OpNop; op < NumOps; op++ {
		if opInfo[op].Name == name {
			return op, true
		}
	}
	return OpInvalid, false
}
