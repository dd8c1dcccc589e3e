// Package symtab implements the scope stack and symbol table described
// in spec.md §4.E. Per spec.md §9, scopes are held in an arena indexed
// by integer, with parent links by index rather than pointer, so
// lookup and serialization are both simple index walks.
package symtab

import (
	"fmt"
	"sort"

	"ulang/diag"
	"ulang/types"
)

// SymbolKind distinguishes a variable binding from a function binding.
type SymbolKind int

const (
	Variable SymbolKind = iota
	Function
)

// Origin distinguishes symbols the user declared from the builtins
// seeded at table construction.
type Origin int

const (
	User Origin = iota
	Builtin
)

// Sentinel EntryIP values recognized by the emitter for the fixed
// builtin services (spec.md §9, SPEC_FULL.md §5): these builtins are
// lowered to a dedicated trap-style opcode pair instead of CALL/RET,
// so they never need a real instruction index.
const (
	EntryIPUnset    = -1
	EntryIPPutChar  = -2
	EntryIPGetChar  = -3
)

// Symbol is one declared name: a variable or a function.
type Symbol struct {
	Name        string
	ID          int
	Kind        SymbolKind
	Origin      Origin
	Type        *types.Type // variable type, or function return type
	StackOffset int         // meaningful only for Kind == Variable; scope-relative
	ScopeIndex  int         // which scope this symbol was declared in
	EntryIP     int         // meaningful only for Kind == Function
	HasBody     bool        // meaningful only for Kind == Function
	DeclaredAt  diag.Location
}

// Scope is one lexical scope: a name, a parent index, its own symbols,
// and the next free stack offset for variables declared directly in it.
type Scope struct {
	Name       string
	Parent     int // index into Table.scopes; -1 for the global scope
	Symbols    map[string]*Symbol
	NextOffset int
}

// Table is a stack of scopes plus monotonic symbol-id allocation.
// The global scope is created at construction and is never popped.
type Table struct {
	scopes          []*Scope
	current         int
	nextSymbolID    int
	builtinsEnabled bool
}

// Option configures Table construction.
type Option func(*Table)

// WithoutBuiltins disables seeding uPutChar/uGetChar, letting a user
// declaration of those names through without BuiltinRedecl.
func WithoutBuiltins() Option {
	return func(t *Table) { t.builtinsEnabled = false }
}

// New creates a symbol table with a fresh global scope and, unless
// disabled, the builtin symbols threaded in at construction (spec.md
// §9: "constructed once per CompilerInstance, not process-globally").
func New(opts ...Option) *Table {
	t := &Table{builtinsEnabled: true}
	t.scopes = []*Scope{{Name: "<global>", Parent: -1, Symbols: map[string]*Symbol{}}}
	t.current = 0

	for _, opt := range opts {
		opt(t)
	}

	if t.builtinsEnabled {
		t.seedBuiltins()
	}
	return t
}

func (t *Table) seedBuiltins() {
	putChar := &Symbol{
		Name: "uPutChar", ID: t.allocID(), Kind: Function, Origin: Builtin,
		Type: types.Void, EntryIP: EntryIPPutChar,
	}
	getChar := &Symbol{
		Name: "uGetChar", ID: t.allocID(), Kind: Function, Origin: Builtin,
		Type: types.Int32, EntryIP: EntryIPGetChar,
	}
	scope := t.scopes[0]
	scope.Symbols[putChar.Name] = putChar
	scope.Symbols[getChar.Name] = getChar
}

func (t *Table) allocID() int {
	id := t.nextSymbolID
	t.nextSymbolID++
	return id
}

// CurrentScope returns the scope currently on top of the stack.
func (t *Table) CurrentScope() *Scope { return t.scopes[t.current] }

// Enter pushes a new child scope named name on top of the current one
// and makes it current.
func (t *Table) Enter(name string) {
	t.scopes = append(t.scopes, &Scope{Name: name, Parent: t.current, Symbols: map[string]*Symbol{}})
	t.current = len(t.scopes) - 1
}

// Leave pops the current scope. It is an error to pop the global scope.
func (t *Table) Leave() error {
	if t.current == 0 {
		return fmt.Errorf("cannot leave the global scope")
	}
	t.current = t.scopes[t.current].Parent
	return nil
}

func align8(x int) int { return (x + 7) &^ 7 }

// findBuiltin looks for a builtin-origin symbol named name anywhere in
// the scope chain starting at the global scope (builtins always live
// there, but the search walks the whole chain for robustness).
func (t *Table) findBuiltin(name string) (*Symbol, bool) {
	for i := t.current; i != -1; i = t.scopes[i].Parent {
		if sym, ok := t.scopes[i].Symbols[name]; ok && sym.Origin == Builtin {
			return sym, true
		}
	}
	return nil, false
}

func (t *Table) checkRedecl(name string) error {
	scope := t.CurrentScope()
	if _, exists := scope.Symbols[name]; exists {
		return diag.New(diag.RedeclInScope, diag.Location{}, "symbol %q already declared in this scope", name)
	}
	if _, isBuiltin := t.findBuiltin(name); isBuiltin {
		return diag.New(diag.BuiltinRedecl, diag.Location{}, "declaration of %q shadows a builtin", name)
	}
	return nil
}

// Decl declares a variable in the current scope, assigning its stack
// offset and a fresh symbol id. Fails with RedeclInScope on a name
// collision in this scope, or BuiltinRedecl if the name shadows a
// builtin.
func (t *Table) Decl(name string, typ *types.Type, loc diag.Location) (*Symbol, error) {
	if err := t.checkRedecl(name); err != nil {
		return nil, err
	}

	scope := t.CurrentScope()
	stackOffset := align8(scope.NextOffset)
	scope.NextOffset = stackOffset + align8(typ.SizeBytes)

	sym := &Symbol{
		Name: name, ID: t.allocID(), Kind: Variable, Origin: User,
		Type: typ, StackOffset: stackOffset, ScopeIndex: t.current, EntryIP: EntryIPUnset, DeclaredAt: loc,
	}
	scope.Symbols[name] = sym
	return sym, nil
}

// DeclFn declares a function symbol in the current scope. Its
// EntryIP is patched in later by the emitter once the function's
// first instruction is laid down.
func (t *Table) DeclFn(name string, retType *types.Type, loc diag.Location) (*Symbol, error) {
	if err := t.checkRedecl(name); err != nil {
		return nil, err
	}

	sym := &Symbol{
		Name: name, ID: t.allocID(), Kind: Function, Origin: User,
		Type: retType, StackOffset: 0, ScopeIndex: t.current, EntryIP: EntryIPUnset, DeclaredAt: loc,
	}
	t.CurrentScope().Symbols[name] = sym
	return sym, nil
}

// Lookup climbs the scope chain from the current scope upward,
// returning the nearest symbol bound to name.
func (t *Table) Lookup(name string) (*Symbol, bool) {
	for i := t.current; i != -1; i = t.scopes[i].Parent {
		if sym, ok := t.scopes[i].Symbols[name]; ok {
			return sym, true
		}
	}
	return nil, false
}

// All returns every declared symbol across every scope, ordered by
// symbol id (i.e. declaration order), for serialization into the
// container's symbol table (spec.md §6). Declaration order is
// deterministic, unlike map iteration order, which matters for
// spec.md §8 property 1 (serialize(deserialize(B)) == B).
func (t *Table) All() []*Symbol {
	var out []*Symbol
	for _, s := range t.scopes {
		for _, v := range s.Symbols {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScopeCount reports how many scopes have ever been created (the
// global scope plus every function scope opened during parsing).
func (t *Table) ScopeCount() int { return len(t.scopes) }

// Layout assigns each scope a distinct base offset into a single flat
// data segment, in scope-creation order, so that two scopes' own
// scope-relative stack offsets (each independently starting at 0,
// per spec.md §4.E) never collide once combined with a symbol's
// ScopeIndex. It returns the per-scope base offsets and the total
// segment size, which the emitter uses to size the container's data
// section (see DESIGN.md) and which the VM uses as the size of the
// heap's permanently-reserved, non-freeable region.
func (t *Table) Layout() (bases []int, total int) {
	bases = make([]int, len(t.scopes))
	cum := 0
	for i, s := range t.scopes {
		bases[i] = cum
		cum += align8(s.NextOffset)
	}
	return bases, cum
}
