package main

import (
	"ulang/container"
	"ulang/diag"
	"ulang/emitter"
	"ulang/parser"
	"ulang/symtab"
)

// compileSource runs the full compile pipeline (parse, emit, build a
// container) for one source file, returning any warnings queued
// along the way regardless of outcome.
func compileSource(file string, src []byte) (*container.Container, []diag.Diagnostic, error) {
	syms := symtab.New()
	p := parser.New(file, string(src), syms)

	roots, err := p.ParseTranslationUnit()
	if err != nil {
		return nil, p.Warnings(), err
	}

	em := emitter.New(p.Arena(), syms)
	instrs, err := em.Emit(roots)
	if err != nil {
		return nil, p.Warnings(), err
	}

	return container.Build(instrs, em.DataSize(), syms), p.Warnings(), nil
}
