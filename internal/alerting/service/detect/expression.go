package detect

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/TencentBlueKing/bk-monitor-sub032/internal/alerting/model"
)

// Expr is a parsed composite expression over query config aliases.
type Expr interface {
	Eval(values map[string]bool) bool
	// Render prints the expression with the minimum parentheses needed to parse back to the
	// same tree.
	Render() string
	precedence() int
}

type Ident struct{ Name string }

type Not struct{ X Expr }

type Binary struct {
	Op   string // "&&" or "||"
	L, R Expr
}

func (e *Ident) Eval(v map[string]bool) bool { return v[e.Name] }
func (e *Ident) Render() string              { return e.Name }
func (e *Ident) precedence() int             { return 4 }

func (e *Not) Eval(v map[string]bool) bool { return !e.X.Eval(v) }
func (e *Not) Render() string              { return "!" + wrap(e.X, e.X.precedence() < e.precedence()) }
func (e *Not) precedence() int             { return 3 }

func (e *Binary) Eval(v map[string]bool) bool {
	if e.Op == "&&" {
		return e.L.Eval(v) && e.R.Eval(v)
	}
	return e.L.Eval(v) || e.R.Eval(v)
}

func (e *Binary) Render() string {
	p := e.precedence()
	return wrap(e.L, e.L.precedence() < p) + " " + e.Op + " " + wrap(e.R, e.R.precedence() <= p)
}

func (e *Binary) precedence() int {
	if e.Op == "&&" {
		return 2
	}
	return 1
}

func wrap(e Expr, paren bool) string {
	if paren {
		return "(" + e.Render() + ")"
	}
	return e.Render()
}

// Identifiers lists the aliases referenced by e, in first-seen order.
func Identifiers(e Expr) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *Ident:
			if !seen[n.Name] {
				seen[n.Name] = true
				out = append(out, n.Name)
			}
		case *Not:
			walk(n.X)
		case *Binary:
			walk(n.L)
			walk(n.R)
		}
	}
	walk(e)
	return out
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	for i := 0; i < len(src); {
		c, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case strings.HasPrefix(src[i:], "&&"):
			out = append(out, token{tokAnd, "&&", i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			out = append(out, token{tokOr, "||", i})
			i += 2
		case c == '!':
			out = append(out, token{tokNot, "!", i})
			i++
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case identRune(c):
			j := i
			for j < len(src) {
				r, n := utf8.DecodeRuneInString(src[j:])
				if !identRune(r) {
					break
				}
				j += n
			}
			word := src[i:j]
			switch strings.ToLower(word) {
			case "and":
				out = append(out, token{tokAnd, "&&", i})
			case "or":
				out = append(out, token{tokOr, "||", i})
			case "not":
				out = append(out, token{tokNot, "!", i})
			default:
				out = append(out, token{tokIdent, word, i})
			}
			i = j
		default:
			return nil, model.Invalidf("expression: unexpected %q at %d", c, i)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

func identRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// ParseExpression parses identifiers combined with &&, ||, ! and parentheses.
// and, or, not are accepted as keywords.
func ParseExpression(src string) (Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, model.Invalidf("expression: unexpected %q at %d", t.text, t.pos)
	}
	return e, nil
}

func (p *parser) or() (Expr, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "||", L: l, R: r}
	}
	return l, nil
}

func (p *parser) and() (Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "&&", L: l, R: r}
	}
	return l, nil
}

func (p *parser) unary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return &Ident{Name: t.text}, nil
	case tokLParen:
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, model.Invalidf("expression: missing ) at %d", c.pos)
		}
		return e, nil
	case tokEOF:
		return nil, model.Invalidf("expression: unexpected end")
	default:
		return nil, model.Invalidf("expression: unexpected %q at %d", t.text, t.pos)
	}
}
