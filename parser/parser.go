// Package parser implements the recursive-descent, Pratt-precedence
// parser and semantic checker from spec.md §4.F: tokens in, AST out,
// symbols attached, non-fatal type diagnostics queued along the way.
//
// Control flow mirrors the standard library's own parser
// (go/parser): a fatal diagnostic unwinds the whole parse via a single
// internal panic/recover "bailout", since recursive descent nests too
// deeply for threading a (ast.Ref, error) pair through every call to
// read cleanly. Non-fatal diagnostics are appended to a slice and
// never unwind anything.
package parser

import (
	"fmt"
	"strconv"

	"ulang/ast"
	"ulang/diag"
	"ulang/lexer"
	"ulang/symtab"
	"ulang/token"
	"ulang/types"
)

// precedence table for the Pratt climber (spec.md §4.F).
var precedence = map[token.Type]int{
	token.Mul: 20,
	token.Div: 20,
	token.Plus: 10,
	token.Minus: 10,
}

var binOps = map[token.Type]ast.BinOperator{
	token.Plus:  ast.Add,
	token.Minus: ast.Sub,
	token.Mul:   ast.Mul,
	token.Div:   ast.Div,
}

// bailout is the panic payload used to unwind on the first fatal
// diagnostic.
type bailout struct {
	diag diag.Diagnostic
}

// Parser consumes a token stream and builds an AST, attaching symbols
// from syms as it goes.
type Parser struct {
	file string
	lex  *lexer.Lexer
	syms *symtab.Table
	tree *ast.Arena

	tok  token.Token
	peek token.Token

	warnings []diag.Diagnostic

	fn *fnContext // non-nil while parsing a function body
}

// fnContext tracks the function currently being parsed, for return
// statement validation.
type fnContext struct {
	sym        *symtab.Symbol
	returnType *types.Type
}

// New creates a parser over src, attaching declared symbols to syms.
func New(file, src string, syms *symtab.Table) *Parser {
	p := &Parser{
		file: file,
		lex:  lexer.New(file, src),
		syms: syms,
		tree: ast.NewArena(),
	}
	p.next()
	p.next()
	return p
}

// Arena returns the AST arena this parser has been building into.
func (p *Parser) Arena() *ast.Arena { return p.tree }

// Warnings returns every non-fatal diagnostic queued during parsing,
// in source order.
func (p *Parser) Warnings() []diag.Diagnostic { return p.warnings }

func (p *Parser) next() {
	p.tok = p.peek
	p.peek = p.lex.NextToken()
}

func (p *Parser) warn(code diag.Code, loc diag.Location, format string, args ...any) {
	p.warnings = append(p.warnings, diag.New(code, loc, format, args...))
}

func (p *Parser) fail(code diag.Code, loc diag.Location, format string, args ...any) {
	panic(bailout{diag: diag.New(code, loc, format, args...)})
}

func (p *Parser) expect(t token.Type) token.Token {
	if p.tok.Type != t {
		p.fail(diag.UnexpectedToken, p.tok.Loc, "expected %s, got %s (%q)", t, p.tok.Type, p.tok.Literal)
	}
	cur := p.tok
	p.next()
	return cur
}

// ParseTranslationUnit parses the whole source file into a flat list
// of top-level AST node refs (declarations, assignments, expression
// statements, and FN_DEF nodes in source order), returning the first
// fatal diagnostic if one was hit.
func (p *Parser) ParseTranslationUnit() (roots []ast.Ref, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			err = b.diag
		}
	}()

	for p.tok.Type != token.EndOfFile {
		roots = append(roots, p.topLevel())
	}
	return roots, nil
}

func (p *Parser) topLevel() ast.Ref {
	switch p.tok.Type {
	case token.TypeKeyword:
		return p.varDecl()
	case token.Function:
		return p.fnDecl()
	case token.Identifier:
		if p.peek.Type == token.Assign {
			return p.assignment()
		}
	}
	expr := p.expression(0)
	p.expect(token.Semicolon)
	return expr
}

// varDecl: TypeKeyword Identifier ('=' expression)? ';'
func (p *Parser) varDecl() ast.Ref {
	loc := p.tok.Loc
	typeTok := p.expect(token.TypeKeyword)
	typ, ok := types.Lookup(typeTok.Literal)
	if !ok {
		p.fail(diag.TypeDetermineFail, typeTok.Loc, "unknown type %q", typeTok.Literal)
	}

	nameTok := p.expect(token.Identifier)

	sym, err := p.syms.Decl(nameTok.Literal, typ, loc)
	if err != nil {
		p.raiseDeclErr(err, loc, nameTok.Literal)
	}

	init := ast.NoRef
	if p.tok.Type == token.Assign {
		p.next()
		init = p.expression(0)
		p.checkAssignTypes(typ, init, loc)
	}
	p.expect(token.Semicolon)

	return p.tree.Add(ast.Node{Kind: ast.Declaration, Loc: loc, Symbol: sym, Init: init})
}

func (p *Parser) raiseDeclErr(err error, loc diag.Location, name string) {
	if d, ok := err.(diag.Diagnostic); ok {
		p.fail(d.Code, loc, "%s", d.Message)
	}
	p.fail(diag.RedeclInScope, loc, "%s", err.Error())
}

// checkAssignTypes compares a declaration initializer's type against
// the declared type, emitting non-fatal TypesSignDiff/TypesSizeDiff
// warnings on mismatch, per spec.md §4.F.
func (p *Parser) checkAssignTypes(declared *types.Type, initRef ast.Ref, loc diag.Location) {
	initType := p.typeOf(initRef)
	if initType == nil || initType == declared {
		return
	}
	if initType.SizeBytes != declared.SizeBytes {
		p.warn(diag.TypesSizeDiff, loc, "initializer type %s differs in size from declared type %s", initType, declared)
	}
	if initType.HasFlag(types.SIGNED) != declared.HasFlag(types.SIGNED) {
		p.warn(diag.TypesSignDiff, loc, "initializer type %s differs in signedness from declared type %s", initType, declared)
	}
}

// fnDecl: 'fn' TypeKeyword Identifier '(' params ')' ( ';' | block )
func (p *Parser) fnDecl() ast.Ref {
	loc := p.tok.Loc
	p.expect(token.Function)

	retTypeTok := p.expect(token.TypeKeyword)
	retType, ok := types.Lookup(retTypeTok.Literal)
	if !ok {
		p.fail(diag.TypeDetermineFail, retTypeTok.Loc, "unknown type %q", retTypeTok.Literal)
	}

	nameTok := p.expect(token.Identifier)
	name := nameTok.Literal

	fnSym := p.declareFn(name, retType, loc)

	p.expect(token.LParen)
	type paramSpec struct {
		typ  *types.Type
		name string
		loc  diag.Location
	}
	var specs []paramSpec
	for p.tok.Type != token.RParen {
		pTok := p.expect(token.TypeKeyword)
		pt, ok := types.Lookup(pTok.Literal)
		if !ok {
			p.fail(diag.TypeDetermineFail, pTok.Loc, "unknown type %q", pTok.Literal)
		}
		idTok := p.expect(token.Identifier)
		specs = append(specs, paramSpec{typ: pt, name: idTok.Literal, loc: pTok.Loc})
		if p.tok.Type == token.Comma {
			p.next()
		}
	}
	p.expect(token.RParen)

	if p.tok.Type == token.Semicolon {
		p.next()
		p.warn(diag.FnNoBody, loc, "function %q declared without a body", name)
		return p.tree.Add(ast.Node{Kind: ast.FnDef, Loc: loc, Symbol: fnSym, ReturnType: retType})
	}

	p.syms.Enter(fmt.Sprintf("%s::%s@fn_decl", p.syms.CurrentScope().Name, name))

	var params []ast.Ref
	for _, spec := range specs {
		argSym, err := p.syms.Decl(spec.name, spec.typ, spec.loc)
		if err != nil {
			p.raiseDeclErr(err, spec.loc, spec.name)
		}
		params = append(params, p.tree.Add(ast.Node{Kind: ast.FnArg, Loc: spec.loc, Symbol: argSym}))
	}

	prevFn := p.fn
	p.fn = &fnContext{sym: fnSym, returnType: retType}

	body := p.block()

	if retType != types.Void {
		if len(body) == 0 || p.tree.Get(body[len(body)-1]).Kind != ast.FnRet {
			p.fail(diag.FnNoRet, loc, "function %q does not end with a return", name)
		}
	}

	p.fn = prevFn
	if err := p.syms.Leave(); err != nil {
		p.fail(diag.UnexpectedToken, loc, "%s", err.Error())
	}

	fnSym.HasBody = true

	return p.tree.Add(ast.Node{
		Kind: ast.FnDef, Loc: loc, Symbol: fnSym, ReturnType: retType,
		Params: params, Body: body,
	})
}

// declareFn declares a function symbol, allowing a prior bodyless
// prototype of the same name to be reused instead of colliding.
func (p *Parser) declareFn(name string, retType *types.Type, loc diag.Location) *symtab.Symbol {
	if existing, ok := p.syms.Lookup(name); ok && existing.Kind == symtab.Function {
		if existing.HasBody {
			p.fail(diag.FnRedefine, loc, "function %q is already defined", name)
		}
		return existing
	}
	sym, err := p.syms.DeclFn(name, retType, loc)
	if err != nil {
		p.raiseDeclErr(err, loc, name)
	}
	return sym
}

// block: '{' statement* '}'
func (p *Parser) block() []ast.Ref {
	p.expect(token.LCurly)
	var stmts []ast.Ref
	for p.tok.Type != token.RCurly {
		stmts = append(stmts, p.statement())
	}
	p.expect(token.RCurly)
	return stmts
}

// statement: Return expression? ';' | var_decl | Identifier '=' expression ';' | expression ';'
func (p *Parser) statement() ast.Ref {
	switch {
	case p.tok.Type == token.Return:
		return p.returnStatement()
	case p.tok.Type == token.TypeKeyword:
		return p.varDecl()
	case p.tok.Type == token.Identifier && p.peek.Type == token.Assign:
		return p.assignment()
	default:
		expr := p.expression(0)
		p.expect(token.Semicolon)
		return expr
	}
}

func (p *Parser) returnStatement() ast.Ref {
	loc := p.tok.Loc
	p.expect(token.Return)

	if p.fn == nil {
		p.fail(diag.UnexpectedReturn, loc, "return statement outside of a function")
	}

	value := ast.NoRef
	if p.tok.Type != token.Semicolon {
		value = p.expression(0)
	}
	p.expect(token.Semicolon)

	if value == ast.NoRef {
		if p.fn.returnType != types.Void {
			p.fail(diag.InvalidRet, loc, "function %q must return a value of type %s", p.fn.sym.Name, p.fn.returnType)
		}
	} else {
		if p.fn.returnType == types.Void {
			p.fail(diag.FnRetVoid, loc, "function %q is void but returns a value", p.fn.sym.Name)
		}
		if vt := p.typeOf(value); vt != nil && vt.Kind == types.KindVoid {
			p.fail(diag.InvalidRet, loc, "cannot return a void expression")
		}
	}

	return p.tree.Add(ast.Node{Kind: ast.FnRet, Loc: loc, Value: value})
}

// assignment: Identifier '=' expression ';'
func (p *Parser) assignment() ast.Ref {
	loc := p.tok.Loc
	nameTok := p.expect(token.Identifier)
	sym, ok := p.syms.Lookup(nameTok.Literal)
	if !ok {
		p.fail(diag.VarUndefined, nameTok.Loc, "undefined variable %q", nameTok.Literal)
	}
	p.expect(token.Assign)
	rhs := p.expression(0)

	p.checkAssignTypes(sym.Type, rhs, loc)
	p.expect(token.Semicolon)

	return p.tree.Add(ast.Node{Kind: ast.Assignment, Loc: loc, Symbol: sym, Init: rhs})
}

// expression implements Pratt precedence climbing over the four
// binary operators.
func (p *Parser) expression(minPrec int) ast.Ref {
	left := p.postfix()

	for {
		prec, ok := precedence[p.tok.Type]
		if !ok || prec < minPrec {
			return left
		}
		opTok := p.tok
		op := binOps[opTok.Type]
		p.next()
		right := p.expression(prec + 1)

		if op == ast.Div {
			if rn := p.tree.Get(right); rn.Kind == ast.Number && rn.NumberValue == 0 {
				p.warn(diag.DivisionZero, opTok.Loc, "division by literal zero")
			}
		}

		left = p.tree.Add(ast.Node{Kind: ast.BinOp, Loc: opTok.Loc, Op: op, Left: left, Right: right})
	}
}

// postfix: primary followed by zero or more '(' args ')' call suffixes.
func (p *Parser) postfix() ast.Ref {
	node := p.primary()

	for p.tok.Type == token.LParen {
		loc := p.tok.Loc
		n := p.tree.Get(node)
		if n.Kind != ast.Variable || n.Symbol.Kind != symtab.Function {
			p.fail(diag.FnNotFn, loc, "called expression is not a function")
		}
		callee := n.Symbol

		p.next()
		var args []ast.Ref
		for p.tok.Type != token.RParen {
			args = append(args, p.expression(0))
			if p.tok.Type == token.Comma {
				p.next()
			}
		}
		p.expect(token.RParen)

		node = p.tree.Add(ast.Node{Kind: ast.FnCall, Loc: loc, Symbol: callee, Args: args})
	}

	return node
}

// primary: parenthesized expression, numeric literal, or identifier.
func (p *Parser) primary() ast.Ref {
	switch p.tok.Type {
	case token.LParen:
		p.next()
		inner := p.expression(0)
		p.expect(token.RParen)
		return inner
	case token.Number:
		tok := p.tok
		p.next()
		v, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			p.fail(diag.TypeDetermineFail, tok.Loc, "invalid numeric literal %q", tok.Literal)
		}
		return p.tree.Add(ast.Node{Kind: ast.Number, Loc: tok.Loc, NumberValue: v})
	case token.Identifier:
		tok := p.tok
		p.next()
		sym, ok := p.syms.Lookup(tok.Literal)
		if !ok {
			p.fail(diag.VarUndefined, tok.Loc, "undefined variable %q", tok.Literal)
		}
		return p.tree.Add(ast.Node{Kind: ast.Variable, Loc: tok.Loc, Name: tok.Literal, Symbol: sym})
	case token.Illegal:
		p.fail(diag.LexUnknownChar, p.tok.Loc, "unknown character %q", p.tok.Literal)
		return ast.NoRef
	case token.UnterminatedChar:
		p.fail(diag.MissingCloseQuote, p.tok.Loc, "missing closing quote in char literal starting with %q", p.tok.Literal)
		return ast.NoRef
	default:
		p.fail(diag.ExpectedPrimary, p.tok.Loc, "expected an expression, got %s", p.tok.Type)
		return ast.NoRef
	}
}

// typeOf computes the result type of an already-parsed expression
// node, per spec.md §4.F's binop result-type rule. Returns nil when no
// type can be determined; callers then skip their type check.
func (p *Parser) typeOf(ref ast.Ref) *types.Type {
	if ref == ast.NoRef {
		return nil
	}
	n := p.tree.Get(ref)
	switch n.Kind {
	case ast.Number:
		return types.Int32
	case ast.Variable:
		if n.Symbol != nil {
			return n.Symbol.Type
		}
	case ast.BinOp:
		l, r := p.typeOf(n.Left), p.typeOf(n.Right)
		if l == nil || r == nil {
			return nil
		}
		return types.WiderOf(l, r)
	case ast.FnCall:
		if n.Symbol != nil {
			return n.Symbol.Type
		}
	}
	return nil
}
