// Package diag defines the error taxonomy shared by every backend pass.
// A compile either succeeds or fails with exactly one *Error that reaches
// the driver's error boundary.
package diag

import (
	stderrors "errors"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

// Kind classifies a compile failure.
type Kind int

const (
	// MalformedInput means an operand or construct violates declared limits.
	MalformedInput Kind = iota + 1
	// Internal is an internal compiler error: an invariant the backend
	// itself is responsible for was broken.
	Internal
	// Allocation means a register bank ran out of registers with nothing
	// left to spill.
	Allocation
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case Internal:
		return "internal compiler error"
	case Allocation:
		return "allocation failure"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the structured failure returned by a compilation.
type Error struct {
	Kind Kind
	Msg  string
	Func string // function being compiled, if known
	Line int    // source line of the offending instruction, 0 if unknown
	PC   loc.PC // where an internal error was raised
}

func (e *Error) Error() string {
	s := e.Kind.String() + ": " + e.Msg
	if e.Func != "" {
		s = e.Func + ": " + s
	}
	if e.Line > 0 {
		s = fmt.Sprintf("line %d: %s", e.Line, s)
	}
	if e.Kind == Internal && e.PC != 0 {
		s += fmt.Sprintf(" (at %v)", e.PC)
	}
	return s
}

// Malformed reports an input that references something outside the declared limits.
func Malformed(line int, format string, args ...any) *Error {
	return &Error{Kind: MalformedInput, Msg: fmt.Sprintf(format, args...), Line: line}
}

// ICE reports an internal compiler error, recording the caller.
func ICE(format string, args ...any) *Error {
	return &Error{Kind: Internal, Msg: fmt.Sprintf(format, args...), PC: loc.Caller(1)}
}

// NoRegisters reports resource exhaustion in a register bank.
func NoRegisters(format string, args ...any) *Error {
	return &Error{Kind: Allocation, Msg: fmt.Sprintf(format, args...)}
}

// As extracts the *Error carried by err, looking through wrappers.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the diagnostic in err, or 0 if err carries none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}

// InFunc wraps err with the function name, filling Func on the carried
// diagnostic if it is not set yet.
func InFunc(err error, fn string) error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok && e.Func == "" {
		e.Func = fn
	}
	return errors.Wrap(err, "func %v", fn)
}

// AtLine fills in the source line of the diagnostic carried by err if it
// has none.
func AtLine(err error, line int) error {
	if e, ok := As(err); ok && e.Line == 0 {
		e.Line = line
	}
	return err
}
