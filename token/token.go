// Package token contains the list of token-types the lexer recognizes
// for the ulang source language.
package token

import "ulang/diag"

type Type string

// Token is a single lexed unit: a type, its original source text, and
// the location it was read from.
type Token struct {
	Type    Type
	Literal string
	Loc     diag.Location
}

// pre-defined types
const (
	LParen      Type = "LParen"
	RParen      Type = "RParen"
	LCurly      Type = "LCurly"
	RCurly      Type = "RCurly"
	Comma       Type = "Comma"
	TypeKeyword Type = "TypeKeyword"
	Identifier  Type = "Identifier"
	Number      Type = "Number"
	Plus        Type = "Plus"
	Minus       Type = "Minus"
	Mul         Type = "Mul"
	Div         Type = "Div"
	Assign      Type = "Assign"
	Semicolon   Type = "Semicolon"
	Function    Type = "Function"
	Return      Type = "Return"
	EndOfFile   Type = "EndOfFile"
	Illegal     Type = "Illegal"
	// UnterminatedChar marks a char literal that was opened with a
	// quote but never closed; kept distinct from Illegal so the parser
	// can raise MissingCloseQuote instead of LexUnknownChar for it.
	UnterminatedChar Type = "UnterminatedChar"
)

// keywords holds the reserved words that are not type names: "fn" and
// "return". Type names are resolved separately against the types
// catalog by the lexer.
var keywords = map[string]Type{
	"fn":     Function,
	"return": Return,
}

// LookupIdentifier determines whether an identifier is a reserved
// keyword. Type names are handled by the lexer directly since they
// require normalizing to the type's canonical spelling.
func LookupIdentifier(ident string) Type {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return Identifier
}
