package emitter_test

import (
	"testing"

	"ulang/bytecode"
	"ulang/emitter"
	"ulang/parser"
	"ulang/symtab"
)

func compile(t *testing.T, src string) ([]bytecode.Instruction, *symtab.Table) {
	t.Helper()
	syms := symtab.New()
	p := parser.New("emit.u", src, syms)
	roots, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	em := emitter.New(p.Arena(), syms)
	instrs, err := em.Emit(roots)
	if err != nil {
		t.Fatalf("emit error: %v", err)
	}
	return instrs, syms
}

func TestLeadingJumpSkipsFunctionBodies(t *testing.T) {
	instrs, _ := compile(t, "fn int32 sq(int32 n) { return n * n; } int32 r = sq(7);")
	if instrs[0].Op != bytecode.JMP {
		t.Fatalf("expected leading JMP, got %s", instrs[0].Op)
	}
	target := instrs[0].A
	if target.Type != bytecode.OpImmediate {
		t.Fatalf("expected JMP target to be an immediate, got %s", target.Type)
	}
	if int(target.Data) >= len(instrs) {
		t.Fatalf("JMP target %d out of range (%d instructions)", target.Data, len(instrs))
	}
	// everything strictly between index 0 and the target belongs to
	// the function body, never executed by falling through.
	if target.Data == 0 {
		t.Fatalf("JMP target should skip past the function body")
	}
}

func TestDeclarationEmitsStore(t *testing.T) {
	instrs, _ := compile(t, "int32 x = 2 + 3 * 4;")
	var sawST bool
	for _, in := range instrs {
		if in.Op == bytecode.ST {
			sawST = true
		}
	}
	if !sawST {
		t.Fatal("expected a ST instruction for the declaration's initializer")
	}
	if instrs[len(instrs)-1].Op != bytecode.HALT {
		t.Fatalf("expected trailing HALT, got %s", instrs[len(instrs)-1].Op)
	}
}

func TestCallWritesArgsToParamSlotsAndPatchesForwardEntry(t *testing.T) {
	instrs, _ := compile(t, "fn int32 sq(int32 n); int32 r = sq(7); fn int32 sq(int32 n) { return n * n; }")
	var callIdx = -1
	for i, in := range instrs {
		if in.Op == bytecode.CALL {
			callIdx = i
		}
	}
	if callIdx == -1 {
		t.Fatal("expected a CALL instruction")
	}
	if prev := instrs[callIdx-1]; prev.Op != bytecode.ST || prev.A.Type != bytecode.OpReference {
		t.Fatalf("expected the argument to be stored into the parameter slot right before CALL, got %s %s", prev.Op, prev.A.Type)
	}
	if instrs[callIdx].A.Type != bytecode.OpImmediate {
		t.Fatalf("expected CALL's forward reference to be patched to an immediate, got %s", instrs[callIdx].A.Type)
	}
}

func TestPutCharLowersToSysOpcodeNotCall(t *testing.T) {
	instrs, _ := compile(t, "uPutChar(65);")
	var sawSys, sawCall bool
	for _, in := range instrs {
		if in.Op == bytecode.SysPutChar {
			sawSys = true
		}
		if in.Op == bytecode.CALL {
			sawCall = true
		}
	}
	if !sawSys {
		t.Fatal("expected uPutChar to lower to SYS_PUTCHAR")
	}
	if sawCall {
		t.Fatal("uPutChar should never lower to a real CALL")
	}
}

func TestGetCharAssignmentStoresResult(t *testing.T) {
	instrs, _ := compile(t, "int32 c = uGetChar();")
	var sawSys, sawStore bool
	for i, in := range instrs {
		if in.Op == bytecode.SysGetChar {
			sawSys = true
			// the very next instruction should store the result.
			if instrs[i+1].Op == bytecode.ST {
				sawStore = true
			}
		}
	}
	if !sawSys || !sawStore {
		t.Fatal("expected uGetChar to lower to SYS_GETCHAR followed by a store into c")
	}
}

func TestReassignmentFromCallStoresResultExactlyOnce(t *testing.T) {
	instrs, _ := compile(t, "fn int32 sq(int32 n) { return n * n; } int32 y; y = sq(7);")
	var storesAfterCall int
	for i, in := range instrs {
		if in.Op == bytecode.CALL {
			// walk forward over any argument-independent bookkeeping to
			// find every ST that follows this call before the next
			// non-ST instruction; the assignment must emit exactly one.
			for j := i + 1; j < len(instrs) && instrs[j].Op == bytecode.ST; j++ {
				storesAfterCall++
			}
		}
	}
	if storesAfterCall != 1 {
		t.Fatalf("expected exactly one ST after the CALL for `y = sq(7)`, got %d", storesAfterCall)
	}
}

func TestCallingUndefinedFunctionBodyFails(t *testing.T) {
	syms := symtab.New()
	p := parser.New("emit.u", "fn int32 foo(int32 n); int32 r = foo(1);", syms)
	roots, err := p.ParseTranslationUnit()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	em := emitter.New(p.Arena(), syms)
	if _, err := em.Emit(roots); err == nil {
		t.Fatal("expected emit to fail: foo is declared but never defined with a body")
	}
}
