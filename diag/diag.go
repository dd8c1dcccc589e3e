// Package diag carries source locations and diagnostic records shared
// by every stage of the compiler, and renders them in human and
// machine shapes.
package diag

import (
	"fmt"
	"strings"
)

// Location is a 1-based file/line/column triple attached to every
// token and every diagnostic.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	return fmt.Sprintf("%s@%d:%d", l.File, l.Line, l.Column)
}

// Severity classifies a diagnostic as fatal (aborts the enclosing
// component) or a warning (queued, never fatal).
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "error"
	}
	return "warning"
}

// Code enumerates every diagnostic the compiler and VM can raise.
type Code string

const (
	BuiltinRedecl     Code = "BuiltinRedecl"
	VarUndefined      Code = "VarUndefined"
	UnexpectedToken   Code = "UnexpectedToken"
	ExpectedPrimary   Code = "ExpectedPrimary"
	ExpectedExpr      Code = "ExpectedExpr"
	MissingCloseQuote Code = "MissingCloseQuote"
	TypeDetermineFail Code = "TypeDetermineFail"
	TypesSignDiff     Code = "TypesSignDiff"
	TypesSizeDiff     Code = "TypesSizeDiff"
	FnNoBody          Code = "FnNoBody"
	FnNotFn           Code = "FnNotFn"
	FnRedefine        Code = "FnRedefine"
	FnNoRet           Code = "FnNoRet"
	FnRetVoid         Code = "FnRetVoid"
	InvalidRet        Code = "InvalidRet"
	UnexpectedReturn  Code = "UnexpectedReturn"
	DivisionZero      Code = "DivisionZero"
	LexUnknownChar    Code = "LexUnknownChar"
	RedeclInScope     Code = "RedeclInScope"
	NoFreeTemp        Code = "NoFreeTemp"

	// runtime (fatal-only) codes
	BytecodeInvalidHeader Code = "BytecodeInvalidHeader"
	BytecodeTruncated     Code = "BytecodeTruncated"
	BytecodeChecksum      Code = "BytecodeChecksum"
	OperandNotWriteable   Code = "OperandNotWriteable"
	InvalidOperand        Code = "InvalidOperand"
	DivisionByZero        Code = "DivisionByZero"
	OutOfMemory           Code = "OutOfMemory"
	HeapOob               Code = "HeapOob"
	StackOverflow         Code = "StackOverflow"
	StackUnderflow        Code = "StackUnderflow"
)

// warningCodes is the fixed set of codes that are only ever
// warnings; everything else defaults to Error.
var warningCodes = map[Code]bool{
	TypesSignDiff: true,
	TypesSizeDiff: true,
	FnNoBody:      true,
	DivisionZero:  true,
}

// Diagnostic is a single (severity, code, message, location) record.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	Loc      Location
	// SourceLine is the raw source text the location points into, used
	// only for the human rendering's caret line.
	SourceLine string
}

// New builds a Diagnostic, assigning severity from the code's fixed
// classification.
func New(code Code, loc Location, format string, args ...any) Diagnostic {
	sev := Error
	if warningCodes[code] {
		sev = Warning
	}
	return Diagnostic{
		Severity: sev,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Loc:      loc,
	}
}

func (d Diagnostic) Error() string {
	return d.Human()
}

// Human renders the "Severity | file@line:col msg (code) : source_line^^^"
// shape from spec.md §7.
func (d Diagnostic) Human() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s %s (%s)", d.Severity, d.Loc, d.Message, d.Code)
	if d.SourceLine != "" {
		fmt.Fprintf(&b, " : %s", d.SourceLine)
		if d.Loc.Column >= 1 && d.Loc.Column <= len(d.SourceLine)+1 {
			b.WriteByte('\n')
			b.WriteString(strings.Repeat(" ", d.Loc.Column-1))
			b.WriteByte('^')
		}
	}
	return b.String()
}

// Machine is the machine-readable shape from spec.md §7.
type Machine struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Errno    string `json:"errno"`
}

// MachineForm renders the machine shape.
func (d Diagnostic) MachineForm() Machine {
	return Machine{
		File:     d.Loc.File,
		Line:     d.Loc.Line,
		Column:   d.Loc.Column,
		Severity: d.Severity.String(),
		Message:  d.Message,
		Errno:    string(d.Code),
	}
}

// IsFatal reports whether this diagnostic aborts the enclosing
// component instead of being queued.
func (d Diagnostic) IsFatal() bool {
	return d.Severity == Error
}
