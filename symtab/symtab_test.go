package symtab_test

import (
	"testing"

	"ulang/diag"
	"ulang/symtab"
	"ulang/types"
)

func TestBuiltinsSeededByDefault(t *testing.T) {
	tab := symtab.New()
	for _, name := range []string{"uPutChar", "uGetChar"} {
		sym, ok := tab.Lookup(name)
		if !ok {
			t.Fatalf("expected builtin %q to be seeded", name)
		}
		if sym.Origin != symtab.Builtin {
			t.Fatalf("expected %q to have Builtin origin", name)
		}
	}
}

func TestWithoutBuiltinsAllowsUserRedeclaration(t *testing.T) {
	tab := symtab.New(symtab.WithoutBuiltins())
	if _, ok := tab.Lookup("uPutChar"); ok {
		t.Fatal("expected no uPutChar symbol without builtins")
	}
	if _, err := tab.Decl("uPutChar", types.Int32, diag.Location{}); err != nil {
		t.Fatalf("expected shadowing a builtin name to succeed when builtins are disabled: %v", err)
	}
}

func TestDeclRejectsRedeclarationInSameScope(t *testing.T) {
	tab := symtab.New()
	if _, err := tab.Decl("x", types.Int32, diag.Location{}); err != nil {
		t.Fatalf("first decl: %v", err)
	}
	if _, err := tab.Decl("x", types.Int32, diag.Location{}); err == nil {
		t.Fatal("expected second decl of x in the same scope to fail")
	}
}

func TestDeclRejectsShadowingABuiltin(t *testing.T) {
	tab := symtab.New()
	if _, err := tab.Decl("uPutChar", types.Int32, diag.Location{}); err == nil {
		t.Fatal("expected declaring a builtin name to fail")
	}
}

func TestLookupClimbsScopeChain(t *testing.T) {
	tab := symtab.New()
	outer, err := tab.Decl("x", types.Int32, diag.Location{})
	if err != nil {
		t.Fatalf("decl: %v", err)
	}
	tab.Enter("inner")
	sym, ok := tab.Lookup("x")
	if !ok || sym != outer {
		t.Fatal("expected inner scope to see outer declaration of x")
	}
	if _, err := tab.Decl("x", types.Int32, diag.Location{}); err != nil {
		t.Fatalf("expected shadowing x in a child scope to succeed: %v", err)
	}
}

func TestLeaveRejectsPoppingGlobalScope(t *testing.T) {
	tab := symtab.New()
	if err := tab.Leave(); err == nil {
		t.Fatal("expected leaving the global scope to fail")
	}
}

// TestLayoutGivesEachScopeADistinctNonOverlappingBase exercises the
// flat-data-segment addressing scheme: two scopes each declaring a
// variable at their own scope-relative offset 0 must still resolve to
// different absolute addresses once combined with ScopeIndex.
func TestLayoutGivesEachScopeADistinctNonOverlappingBase(t *testing.T) {
	tab := symtab.New()
	a, err := tab.Decl("a", types.Int32, diag.Location{})
	if err != nil {
		t.Fatalf("decl a: %v", err)
	}
	tab.Enter("fn")
	b, err := tab.Decl("b", types.Int32, diag.Location{})
	if err != nil {
		t.Fatalf("decl b: %v", err)
	}
	if err := tab.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if a.StackOffset != 0 || b.StackOffset != 0 {
		t.Fatalf("expected both symbols at scope-relative offset 0, got a=%d b=%d", a.StackOffset, b.StackOffset)
	}
	if a.ScopeIndex == b.ScopeIndex {
		t.Fatal("expected a and b to live in different scopes")
	}

	bases, total := tab.Layout()
	if len(bases) != tab.ScopeCount() {
		t.Fatalf("expected one base per scope, got %d bases for %d scopes", len(bases), tab.ScopeCount())
	}
	addrA := bases[a.ScopeIndex] + a.StackOffset
	addrB := bases[b.ScopeIndex] + b.StackOffset
	if addrA == addrB {
		t.Fatalf("expected distinct flat addresses, both resolved to %d", addrA)
	}
	if total < addrA+8 || total < addrB+8 {
		t.Fatalf("expected Layout's total %d to cover both addresses", total)
	}
}

func TestAllOrdersBySymbolIDNotMapIteration(t *testing.T) {
	tab := symtab.New(symtab.WithoutBuiltins())
	names := []string{"c", "a", "b"}
	for _, n := range names {
		if _, err := tab.Decl(n, types.Int32, diag.Location{}); err != nil {
			t.Fatalf("decl %s: %v", n, err)
		}
	}
	all := tab.All()
	if len(all) != len(names) {
		t.Fatalf("expected %d symbols, got %d", len(names), len(all))
	}
	for i, want := range names {
		if all[i].Name != want {
			t.Fatalf("expected All()[%d] = %q (declaration order), got %q", i, want, all[i].Name)
		}
	}
}
