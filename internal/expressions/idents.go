package expressions

import (
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// Identifiers returns the distinct identifiers referenced by an expression,
// sorted. Default-dialect expressions are parsed with the expr parser; prefixed
// dialects and unparsable input fall back to a lexical scan.
func Identifiers(expression string) []string {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil
	}

	seen := make(map[string]bool)
	body := expression
	lexical := false
	switch {
	case strings.HasPrefix(expression, PrefixExpr):
		body = strings.TrimPrefix(expression, PrefixExpr)
	case strings.HasPrefix(expression, PrefixCEL):
		body, lexical = strings.TrimPrefix(expression, PrefixCEL), true
	case strings.HasPrefix(expression, PrefixJQ):
		body, lexical = strings.TrimPrefix(expression, PrefixJQ), true
	}

	if !lexical {
		tree, err := parser.Parse(body)
		if err != nil {
			lexical = true
		} else {
			ast.Walk(&tree.Node, identVisitor(seen))
		}
	}
	if lexical {
		for _, id := range identPattern.FindAllString(body, -1) {
			seen[id] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type identVisitor map[string]bool

func (v identVisitor) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		v[n.Value] = true
	}
}

// IsIdentifier reports whether s is a bare identifier, the form a literal
// step reference takes.
func IsIdentifier(s string) bool {
	return s != "" && identPattern.FindString(s) == s
}
