package disasm_test

import (
	"strings"
	"testing"

	"ulang/bytecode"
	"ulang/container"
	"ulang/diag"
	"ulang/disasm"
	"ulang/emitter"
	"ulang/parser"
	"ulang/symtab"
	"ulang/types"
)

func TestPrintResolvesSymbolNames(t *testing.T) {
	syms := symtab.New()
	x, err := syms.Decl("x", types.Int32, diag.Location{File: "t.u", Line: 1, Column: 1})
	if err != nil {
		t.Fatalf("Decl: %v", err)
	}

	code := []bytecode.Instruction{
		{Op: bytecode.ST, A: bytecode.Reference(uint32(x.StackOffset)), B: bytecode.Immediate(14)},
		{Op: bytecode.HALT},
	}
	c := container.Build(code, 8, syms)

	var buf strings.Builder
	if err := disasm.Print(&buf, c, disasm.Options{Symbols: true}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(buf.String(), "&x") {
		t.Fatalf("expected disassembly to resolve &x, got:\n%s", buf.String())
	}
}

// TestPrintResolvesSymbolNamesInsideAFunctionScope guards against the
// container serializing a function-local symbol's bare scope-relative
// stack_offset: since every function scope also starts its own offset
// counter at zero, that would collide with the global scope's offset
// 0 and either resolve to the wrong name or never match at all.
func TestPrintResolvesSymbolNamesInsideAFunctionScope(t *testing.T) {
	syms := symtab.New()
	p := parser.New("fnscope.u", "fn int32 sq(int32 n) { return n * n; } int32 r = sq(7);", syms)
	roots, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	em := emitter.New(p.Arena(), syms)
	code, err := em.Emit(roots)
	if err != nil {
		t.Fatalf("emit error: %v", err)
	}
	c := container.Build(code, em.DataSize(), syms)

	var buf strings.Builder
	if err := disasm.Print(&buf, c, disasm.Options{Symbols: true}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "&n") {
		t.Fatalf("expected disassembly to resolve the function parameter &n, got:\n%s", out)
	}
	if !strings.Contains(out, "&r") {
		t.Fatalf("expected disassembly to resolve the global &r, got:\n%s", out)
	}
	if strings.Contains(out, "&0x") {
		t.Fatalf("expected every reference operand to resolve to a name, got:\n%s", out)
	}
}

func TestPrintWithoutSymbolsShowsHex(t *testing.T) {
	syms := symtab.New()
	code := []bytecode.Instruction{
		{Op: bytecode.ST, A: bytecode.Reference(8), B: bytecode.Immediate(14)},
		{Op: bytecode.HALT},
	}
	c := container.Build(code, 8, syms)

	var buf strings.Builder
	if err := disasm.Print(&buf, c, disasm.Options{}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(buf.String(), "&0x8") {
		t.Fatalf("expected raw hex reference, got:\n%s", buf.String())
	}
}
