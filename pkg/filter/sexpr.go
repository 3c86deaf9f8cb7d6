package filter

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// SExpr is the generic parenthesized-list-or-atom shape every filter parses
// into before compile.go walks it into the typed Filter AST. Keeping this
// stage generic means participle only ever has to know about parentheses
// and tokens, not about which of the grammar's forms take one argument or
// three — that validation belongs in ordinary Go code, where arity
// mismatches and alias expansion produce readable errors.
type SExpr struct {
	Atom *string  `( @Ident | @String | @Number )`
	List []*SExpr `| "(" @@* ")"`
}

// Root holds every top-level node parsed from a filter string. Normally
// there is exactly one (the outer parenthesized list); when a client omits
// the outermost parentheses, Root holds the bare sequence of
// operator-and-operands atoms instead.
type Root struct {
	Items []*SExpr `@@+`
}

var sexprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `[-+]?[0-9]+(\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_-]*`},
	{Name: "Punct", Pattern: `[()]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var sexprParser = participle.MustBuild[Root](
	participle.Lexer(sexprLexer),
	participle.Elide("whitespace"),
	participle.UseLookahead(2),
)

// parseSExpr runs the s-expression tokenizer/parser over a filter string.
func parseSExpr(input string) (*Root, error) {
	return sexprParser.ParseString("", input)
}
