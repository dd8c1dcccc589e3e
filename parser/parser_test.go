package parser_test

import (
	"strings"
	"testing"

	"ulang/ast"
	"ulang/diag"
	"ulang/parser"
	"ulang/symtab"
)

func TestVarDeclWithBinopInitializer(t *testing.T) {
	p := parser.New("s1.u", "int32 x = 2 + 3 * 4;", symtab.New())
	roots, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root node, got %d", len(roots))
	}
	decl := p.Arena().Get(roots[0])
	if decl.Kind != ast.Declaration || decl.Symbol.Name != "x" {
		t.Fatalf("unexpected root: %+v", decl)
	}
	init := p.Arena().Get(decl.Init)
	if init.Kind != ast.BinOp || init.Op != ast.Add {
		t.Fatalf("expected top-level ADD, got %+v", init)
	}
}

func TestUndefinedVariableIsFatal(t *testing.T) {
	p := parser.New("s5.u", "int32 x = 1; y = 2;", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err == nil {
		t.Fatal("expected a fatal VarUndefined diagnostic")
	}
	d := err.(diag.Diagnostic)
	if d.Code != diag.VarUndefined {
		t.Fatalf("expected VarUndefined, got %s", d.Code)
	}
}

func TestSizeMismatchWarnsNotFatal(t *testing.T) {
	p := parser.New("s6.u", "uint8 x = 100000;", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	var found bool
	for _, w := range p.Warnings() {
		if w.Code == diag.TypesSizeDiff {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a TypesSizeDiff warning, got %+v", p.Warnings())
	}
}

func TestDivisionByLiteralZeroWarns(t *testing.T) {
	p := parser.New("s3.u", "int32 a = 10; int32 b = 0; int32 q = a / b;", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	var found bool
	for _, w := range p.Warnings() {
		if w.Code == diag.DivisionZero {
			found = true
		}
	}
	if found {
		t.Fatal("division by a variable holding zero should not warn at parse time (only literal zero does)")
	}

	p2 := parser.New("s3b.u", "int32 a = 10; int32 q = a / 0;", symtab.New())
	_, err = p2.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	found = false
	for _, w := range p2.Warnings() {
		if w.Code == diag.DivisionZero {
			found = true
		}
	}
	if !found {
		t.Fatal("expected DivisionZero warning for division by a literal zero")
	}
}

func TestFunctionCallAndAssignment(t *testing.T) {
	src := "fn int32 sq(int32 n) { return n * n; } int32 r = sq(7);"
	p := parser.New("s4.u", src, symtab.New())
	roots, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots (fn def, var decl), got %d", len(roots))
	}
	fnDef := p.Arena().Get(roots[0])
	if fnDef.Kind != ast.FnDef || fnDef.Symbol.Name != "sq" {
		t.Fatalf("unexpected first root: %+v", fnDef)
	}
	decl := p.Arena().Get(roots[1])
	call := p.Arena().Get(decl.Init)
	if call.Kind != ast.FnCall || call.Symbol.Name != "sq" {
		t.Fatalf("expected a call to sq, got %+v", call)
	}
}

func TestFnNotFnOnCallingVariable(t *testing.T) {
	p := parser.New("bad.u", "int32 x = 1; int32 y = x();", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err == nil {
		t.Fatal("expected FnNotFn")
	}
	if d := err.(diag.Diagnostic); d.Code != diag.FnNotFn {
		t.Fatalf("expected FnNotFn, got %s", d.Code)
	}
}

func TestFnNoBodyWarnsOnPrototype(t *testing.T) {
	p := parser.New("proto.u", "fn int32 foo(int32 n);", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	var found bool
	for _, w := range p.Warnings() {
		if w.Code == diag.FnNoBody {
			found = true
		}
	}
	if !found {
		t.Fatal("expected FnNoBody warning")
	}
}

func TestUnknownCharIsLexUnknownChar(t *testing.T) {
	p := parser.New("bad.u", "int32 x = @;", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err == nil {
		t.Fatal("expected a fatal LexUnknownChar diagnostic")
	}
	if d := err.(diag.Diagnostic); d.Code != diag.LexUnknownChar {
		t.Fatalf("expected LexUnknownChar, got %s", d.Code)
	}
}

func TestUnterminatedCharLiteralIsMissingCloseQuote(t *testing.T) {
	p := parser.New("bad.u", "int32 x = 'a;", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err == nil {
		t.Fatal("expected a fatal MissingCloseQuote diagnostic")
	}
	if d := err.(diag.Diagnostic); d.Code != diag.MissingCloseQuote {
		t.Fatalf("expected MissingCloseQuote, got %s", d.Code)
	}
}

func TestFnNoRetIsFatal(t *testing.T) {
	p := parser.New("noret.u", "fn int32 foo() { int32 x = 1; }", symtab.New())
	_, err := p.ParseTranslationUnit()
	if err == nil || !strings.Contains(err.Error(), string(diag.FnNoRet)) {
		t.Fatalf("expected FnNoRet, got %v", err)
	}
}
