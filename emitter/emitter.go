// Package emitter lowers a parsed AST into a flat vector of
// bytecode.Instruction, per spec.md §4.H. It is the one component
// that still owes a debt to the teacher's compiler.go: the same
// label/fixup patching technique that file used for forward jumps is
// reused here, generalized from byte offsets into instruction
// indices, to patch the leading JMP and any CALL whose target
// function is defined later in the source.
package emitter

import (
	"fmt"

	"github.com/pkg/errors"

	"ulang/ast"
	"ulang/bytecode"
	"ulang/diag"
	"ulang/symtab"
)

// callFixup remembers one CALL instruction whose target function's
// entry point was not yet known when the CALL was emitted.
type callFixup struct {
	instrIndex int
	target     *symtab.Symbol
}

// Emitter walks an AST arena and produces a single linear instruction
// vector for the whole translation unit.
type Emitter struct {
	arena *ast.Arena
	syms  *symtab.Table

	instrs []bytecode.Instruction
	tmp    [bytecode.TempCount]bool

	fixups []callFixup

	scopeBase []int
	dataSize  int

	// params maps a function symbol to its parameter symbols in
	// declaration order, so a call site can write its evaluated
	// arguments into the callee's own parameter slots without needing
	// the callee's FN_DEF node in hand.
	params map[*symtab.Symbol][]*symtab.Symbol
}

// New creates an Emitter for one translation unit's arena and symbol
// table. The symbol table must already be fully populated (parsing
// complete) so that Layout can assign scope base offsets.
func New(arena *ast.Arena, syms *symtab.Table) *Emitter {
	base, total := syms.Layout()
	return &Emitter{arena: arena, syms: syms, scopeBase: base, dataSize: total}
}

// DataSize returns the size, in bytes, of the flat variable storage
// region computed by symtab.Table.Layout. The container writes this
// many zero bytes as its data section; the VM reserves exactly this
// much of the heap as permanently allocated before the free-list
// allocator ever runs (see DESIGN.md, symtab section).
func (e *Emitter) DataSize() int { return e.dataSize }

// Emit lowers every top-level root node, in source order, into one
// instruction vector: a placeholder jump to the top-level code,
// every function body (so a forward call can be patched once its
// target's entry point becomes known), the placeholder's resolution,
// the top-level statements themselves, and a trailing HALT.
func (e *Emitter) Emit(roots []ast.Ref) ([]bytecode.Instruction, error) {
	e.params = map[*symtab.Symbol][]*symtab.Symbol{}
	for _, r := range roots {
		n := e.arena.Get(r)
		if n.Kind != ast.FnDef {
			continue
		}
		paramSyms := make([]*symtab.Symbol, len(n.Params))
		for i, p := range n.Params {
			paramSyms[i] = e.arena.Get(p).Symbol
		}
		e.params[n.Symbol] = paramSyms
	}

	jmpIdx := e.emit(bytecode.JMP, bytecode.Null, bytecode.Null, ast.NoRef)

	for _, r := range roots {
		n := e.arena.Get(r)
		if n.Kind != ast.FnDef {
			continue
		}
		if err := e.emitFnDef(r); err != nil {
			return nil, err
		}
	}

	e.instrs[jmpIdx].A = bytecode.Immediate(uint32(len(e.instrs)))

	for _, r := range roots {
		n := e.arena.Get(r)
		if n.Kind == ast.FnDef {
			continue
		}
		if _, err := e.lowerStatement(r); err != nil {
			return nil, err
		}
	}

	e.emit(bytecode.HALT, bytecode.Null, bytecode.Null, ast.NoRef)

	for _, fx := range e.fixups {
		if fx.target.EntryIP == symtab.EntryIPUnset {
			return nil, errors.Errorf("function %q is called but never defined with a body", fx.target.Name)
		}
		e.instrs[fx.instrIndex].A = bytecode.Immediate(uint32(fx.target.EntryIP))
	}

	return e.instrs, nil
}

func (e *Emitter) emit(op bytecode.Opcode, a, b bytecode.Operand, src ast.Ref) int {
	instr := bytecode.Instruction{Op: op, A: a, B: b}
	if src != ast.NoRef {
		instr.SourceOffset = uint32(src)
		instr.HasSource = true
	}
	e.instrs = append(e.instrs, instr)
	return len(e.instrs) - 1
}

func (e *Emitter) allocTmp(loc fmt.Stringer) (uint32, error) {
	for i := 0; i < bytecode.TempCount; i++ {
		if !e.tmp[i] {
			e.tmp[i] = true
			return uint32(bytecode.TempFirst + i), nil
		}
	}
	return 0, errors.WithStack(diag.New(diag.NoFreeTemp, diag.Location{File: "<emitter>"}, "no free temp register available at %s", loc.String()))
}

func (e *Emitter) freeTmp(op bytecode.Operand) {
	if op.Type != bytecode.OpRegister {
		return
	}
	idx := int(op.Data) - bytecode.TempFirst
	if idx >= 0 && idx < bytecode.TempCount {
		e.tmp[idx] = false
	}
}

// ref turns a symbol's scope-relative stack offset into a flat
// operand address by combining it with that scope's base offset.
func (e *Emitter) ref(sym *symtab.Symbol) bytecode.Operand {
	return bytecode.Reference(uint32(e.scopeBase[sym.ScopeIndex] + sym.StackOffset))
}

func (e *Emitter) emitFnDef(r ast.Ref) error {
	n := e.arena.Get(r)
	if len(n.Body) == 0 {
		// A bodyless prototype (FnNoBody) generates no code; if it is
		// ever called without a later definition, Emit's fixup pass
		// reports that as an error.
		return nil
	}

	n.Symbol.EntryIP = len(e.instrs)

	for _, stmt := range n.Body {
		if _, err := e.lowerStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) lowerStatement(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	switch n.Kind {
	case ast.Declaration:
		return e.lowerDeclaration(r)
	case ast.Assignment:
		return e.lowerAssignment(r)
	case ast.FnRet:
		return bytecode.Null, e.lowerReturn(r)
	default:
		_, err := e.lowerExpr(r)
		return bytecode.Null, err
	}
}

func (e *Emitter) lowerDeclaration(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	if n.Init == ast.NoRef {
		return bytecode.Null, nil
	}
	val, err := e.lowerExpr(n.Init)
	if err != nil {
		return bytecode.Null, err
	}
	e.emit(bytecode.ST, e.ref(n.Symbol), val, r)
	e.freeTmp(val)
	return bytecode.Null, nil
}

func (e *Emitter) lowerAssignment(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	val, err := e.lowerExpr(n.Init)
	if err != nil {
		return bytecode.Null, err
	}
	e.emit(bytecode.ST, e.ref(n.Symbol), val, r)
	e.freeTmp(val)
	return bytecode.Null, nil
}

func (e *Emitter) lowerReturn(r ast.Ref) error {
	n := e.arena.Get(r)
	if n.Value == ast.NoRef {
		e.emit(bytecode.RET, bytecode.Null, bytecode.Null, r)
		return nil
	}
	val, err := e.lowerExpr(n.Value)
	if err != nil {
		return err
	}
	e.emit(bytecode.RET, val, bytecode.Null, r)
	e.freeTmp(val)
	return nil
}

// lowerExpr lowers an expression node to an operand usable by the
// caller, per the node-lowering table in spec.md §4.H. NUMBER nodes
// never allocate a register: an immediate is already a valid operand
// anywhere a value is read.
func (e *Emitter) lowerExpr(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	switch n.Kind {
	case ast.Number:
		return bytecode.Immediate(uint32(n.NumberValue)), nil
	case ast.Variable:
		return e.lowerVariable(r)
	case ast.BinOp:
		return e.lowerBinOp(r)
	case ast.FnCall:
		return e.lowerCall(r)
	default:
		return bytecode.Null, errors.Errorf("node kind %s cannot be lowered as an expression", n.Kind)
	}
}

func (e *Emitter) lowerVariable(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	tmp, err := e.allocTmp(sourceLoc{n})
	if err != nil {
		return bytecode.Null, err
	}
	dst := bytecode.Register(tmp)
	e.emit(bytecode.LD, dst, e.ref(n.Symbol), r)
	return dst, nil
}

func (e *Emitter) lowerBinOp(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)
	left, err := e.lowerExpr(n.Left)
	if err != nil {
		return bytecode.Null, err
	}
	right, err := e.lowerExpr(n.Right)
	if err != nil {
		return bytecode.Null, err
	}

	dst := left
	if left.Type != bytecode.OpRegister {
		tmp, err := e.allocTmp(sourceLoc{n})
		if err != nil {
			return bytecode.Null, err
		}
		dst = bytecode.Register(tmp)
		e.emit(bytecode.MOV, dst, left, r)
	}

	if n.Op == ast.Div && dst.Type == bytecode.OpRegister && dst.Data == bytecode.TMP0 {
		// DIV leaves its remainder in TMP0, so the quotient must land
		// in a different register.
		tmp, err := e.allocTmp(sourceLoc{n})
		if err != nil {
			return bytecode.Null, err
		}
		moved := bytecode.Register(tmp)
		e.emit(bytecode.MOV, moved, dst, r)
		e.freeTmp(dst)
		dst = moved
	}

	e.emit(opFor(n.Op), dst, right, r)
	e.freeTmp(right)
	return dst, nil
}

func opFor(op ast.BinOperator) bytecode.Opcode {
	switch op {
	case ast.Add:
		return bytecode.ADD
	case ast.Sub:
		return bytecode.SUB
	case ast.Mul:
		return bytecode.MUL
	default:
		return bytecode.DIV
	}
}

// lowerCall lowers a function call. uPutChar/uGetChar are recognized
// by their sentinel EntryIP (symtab.EntryIPPutChar/EntryIPGetChar)
// and lowered straight to the SYS_PUTCHAR/SYS_GETCHAR opcodes instead
// of a real CALL/RET pair (SPEC_FULL.md §5). An ordinary call stores
// each argument into the callee's own flat-addressed parameter slots
// (the same addressing scheme used for any local variable) before
// jumping, since this VM has no separate argument-passing convention.
func (e *Emitter) lowerCall(r ast.Ref) (bytecode.Operand, error) {
	n := e.arena.Get(r)

	switch n.Symbol.EntryIP {
	case symtab.EntryIPPutChar:
		if len(n.Args) != 1 {
			return bytecode.Null, errors.Errorf("uPutChar takes exactly one argument at %s", sourceLoc{n}.String())
		}
		arg, err := e.lowerExpr(n.Args[0])
		if err != nil {
			return bytecode.Null, err
		}
		e.emit(bytecode.SysPutChar, arg, bytecode.Null, r)
		e.freeTmp(arg)
		return bytecode.Null, nil

	case symtab.EntryIPGetChar:
		tmp, err := e.allocTmp(sourceLoc{n})
		if err != nil {
			return bytecode.Null, err
		}
		dst := bytecode.Register(tmp)
		e.emit(bytecode.SysGetChar, dst, bytecode.Null, r)
		return dst, nil
	}

	if len(n.Args) != 0 {
		paramSyms := e.params[n.Symbol]
		if len(paramSyms) != len(n.Args) {
			return bytecode.Null, errors.Errorf("call to %q passes %d argument(s), expected %d", n.Symbol.Name, len(n.Args), len(paramSyms))
		}
		for i, argRef := range n.Args {
			val, err := e.lowerExpr(argRef)
			if err != nil {
				return bytecode.Null, err
			}
			e.emit(bytecode.ST, e.ref(paramSyms[i]), val, r)
			e.freeTmp(val)
		}
	}

	idx := e.emit(bytecode.CALL, bytecode.Null, bytecode.Null, r)
	if n.Symbol.EntryIP == symtab.EntryIPUnset {
		e.fixups = append(e.fixups, callFixup{instrIndex: idx, target: n.Symbol})
	} else {
		e.instrs[idx].A = bytecode.Immediate(uint32(n.Symbol.EntryIP))
	}

	return bytecode.Register(bytecode.FNR), nil
}

type sourceLoc struct{ n *ast.Node }

func (s sourceLoc) String() string { return s.n.Loc.String() }
