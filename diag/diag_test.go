package diag_test

import (
	"strings"
	"testing"

	"ulang/diag"
)

func TestNewClassifiesSeverityFromCode(t *testing.T) {
	d := diag.New(diag.DivisionZero, diag.Location{File: "a.u", Line: 1, Column: 1}, "division by zero")
	if d.IsFatal() {
		t.Fatal("expected DivisionZero to be a warning, not fatal")
	}

	d = diag.New(diag.VarUndefined, diag.Location{File: "a.u", Line: 1, Column: 1}, "undefined variable %q", "x")
	if !d.IsFatal() {
		t.Fatal("expected VarUndefined to be fatal")
	}
}

func TestHumanIncludesLocationMessageAndCode(t *testing.T) {
	d := diag.New(diag.VarUndefined, diag.Location{File: "a.u", Line: 3, Column: 5}, "undefined variable %q", "x")
	got := d.Human()
	for _, want := range []string{"error", "a.u@3:5", `undefined variable "x"`, "VarUndefined"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected Human() %q to contain %q", got, want)
		}
	}
}

func TestHumanRendersCaretUnderSourceLine(t *testing.T) {
	d := diag.Diagnostic{
		Severity:   diag.Error,
		Code:       diag.UnexpectedToken,
		Message:    "unexpected token",
		Loc:        diag.Location{File: "a.u", Line: 1, Column: 5},
		SourceLine: "int32 x",
	}
	lines := strings.Split(d.Human(), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected a source line and a caret line, got %q", d.Human())
	}
	if lines[1] != "    ^" {
		t.Fatalf("expected caret at column 5, got %q", lines[1])
	}
}

func TestMachineFormMirrorsFields(t *testing.T) {
	d := diag.New(diag.HeapOob, diag.Location{File: "b.u", Line: 2, Column: 9}, "heap offset out of bounds")
	m := d.MachineForm()
	if m.File != "b.u" || m.Line != 2 || m.Column != 9 || m.Severity != "error" || m.Errno != "HeapOob" {
		t.Fatalf("unexpected machine form: %+v", m)
	}
}

func TestErrorSatisfiesErrorInterfaceViaHuman(t *testing.T) {
	d := diag.New(diag.StackOverflow, diag.Location{File: "c.u", Line: 1, Column: 1}, "stack overflow")
	var err error = d
	if err.Error() != d.Human() {
		t.Fatal("expected Error() to delegate to Human()")
	}
}
