package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// MethodExpression marks rules built from a stored formula string.
const MethodExpression = "expression"

// maxExponent bounds POW so a stored formula cannot request huge powers.
const maxExponent = 64

// ErrDivisionByZero is returned when an expression divides by zero.
var ErrDivisionByZero = errors.New("formula: division by zero")

// SyntaxError reports a formula that cannot be parsed.
type SyntaxError struct {
	Formula string
	Pos     int // byte offset
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula: %s at offset %d in %q", e.Msg, e.Pos, e.Formula)
}

// MissingVariableError is returned when an expression references a
// variable with no value.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("formula: variable %s has no value", e.Name)
}

// Expression is a parsed arithmetic formula over named decimal variables.
// Supported: + - * / (× and ÷ are accepted), unary minus, parentheses,
// numeric literals and the functions MIN, MAX, ABS, ROUND, CEIL, FLOOR,
// POW and SQRT. Names are case-insensitive and reported upper case.
type Expression struct {
	src    string
	root   node
	vars   []string
	idents []span // variable occurrences, in source order
}

type span struct {
	start, end int
	name       string
}

// ParseExpression parses src.
func ParseExpression(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}

	ex := &Expression{src: src, root: root, idents: p.idents}
	seen := make(map[string]bool)
	for _, s := range p.idents {
		if !seen[s.name] {
			seen[s.name] = true
			ex.vars = append(ex.vars, s.name)
		}
	}
	sort.Strings(ex.vars)
	return ex, nil
}

// String returns the source text.
func (x *Expression) String() string { return x.src }

// Variables returns the distinct variable names, sorted.
func (x *Expression) Variables() []string {
	return append([]string(nil), x.vars...)
}

// Eval computes the expression. Every referenced variable must be in vars.
func (x *Expression) Eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	return x.root.eval(vars)
}

// Substitute returns the source with each variable replaced by its value.
// Variables absent from vars are left as written.
func (x *Expression) Substitute(vars map[string]decimal.Decimal) string {
	var b strings.Builder
	last := 0
	for _, s := range x.idents {
		v, ok := vars[s.name]
		if !ok {
			continue
		}
		b.WriteString(x.src[last:s.start])
		b.WriteString(v.String())
		last = s.end
	}
	b.WriteString(x.src[last:])
	return b.String()
}

// --- Lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind  tokKind
	text  string
	op    byte
	num   decimal.Decimal
	start int
	end   int
}

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case r >= '0' && r <= '9' || r == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			n, err := decimal.NewFromString(src[i:j])
			if err != nil {
				return nil, &SyntaxError{Formula: src, Pos: i, Msg: fmt.Sprintf("invalid number %q", src[i:j])}
			}
			toks = append(toks, token{kind: tokNum, text: src[i:j], num: n, start: i, end: j})
			i = j
		case r == '_' || r < utf8.RuneSelf && unicode.IsLetter(r):
			j := i
			for j < len(src) && (src[j] == '_' || src[j] < utf8.RuneSelf && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])))) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: strings.ToUpper(src[i:j]), start: i, end: j})
			i = j
		case r == '+' || r == '-' || r == '*' || r == '/':
			toks = append(toks, token{kind: tokOp, text: string(r), op: byte(r), start: i, end: i + size})
			i += size
		case r == '×':
			toks = append(toks, token{kind: tokOp, text: "×", op: '*', start: i, end: i + size})
			i += size
		case r == '÷':
			toks = append(toks, token{kind: tokOp, text: "÷", op: '/', start: i, end: i + size})
			i += size
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", start: i, end: i + 1})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", start: i, end: i + 1})
			i++
		case r == ',':
			toks = append(toks, token{kind: tokComma, text: ",", start: i, end: i + 1})
			i++
		default:
			return nil, &SyntaxError{Formula: src, Pos: i, Msg: fmt.Sprintf("invalid character %q", r)}
		}
	}
	return append(toks, token{kind: tokEOF, text: "end of formula", start: len(src), end: len(src)}), nil
}

// --- Parser ---

// Grammar:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = "-" unary | primary
//	primary = number | name | name "(" [ expr { "," expr } ] ")" | "(" expr ")"
type parser struct {
	src    string
	toks   []token
	pos    int
	idents []span
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Formula: p.src, Pos: t.start, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.op == '+' || t.op == '-'); t = p.peek() {
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binary{op: t.op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.op == '*' || t.op == '/'); t = p.peek() {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: t.op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.op == '-' {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negate{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		return literal{v: t.num}, nil

	case tokLParen:
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ) but found %q", c.text)
		}
		return x, nil

	case tokIdent:
		fn, isFunc := functions[t.text]
		if p.peek().kind != tokLParen {
			if isFunc {
				return nil, p.errorf(t, "function %s needs arguments", t.text)
			}
			p.idents = append(p.idents, span{start: t.start, end: t.end, name: t.text})
			return variable{name: t.text}, nil
		}
		if !isFunc {
			return nil, p.errorf(t, "unknown function %s", t.text)
		}
		p.next()
		args, err := p.args()
		if err != nil {
			return nil, err
		}
		if len(args) < fn.min || fn.max >= 0 && len(args) > fn.max {
			return nil, p.errorf(t, "wrong number of arguments to %s", t.text)
		}
		return call{name: t.text, fn: fn, args: args}, nil
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}

// args parses a call's arguments after the opening parenthesis.
func (p *parser) args() ([]node, error) {
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, x)
		switch t := p.next(); t.kind {
		case tokComma:
		case tokRParen:
			return args, nil
		default:
			return nil, p.errorf(t, "expected , or ) but found %q", t.text)
		}
	}
}

// --- Evaluation ---

type node interface {
	eval(vars map[string]decimal.Decimal) (decimal.Decimal, error)
}

type literal struct{ v decimal.Decimal }

func (n literal) eval(map[string]decimal.Decimal) (decimal.Decimal, error) { return n.v, nil }

type variable struct{ name string }

func (n variable) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, ok := vars[n.name]
	if !ok {
		return decimal.Decimal{}, &MissingVariableError{Name: n.name}
	}
	return v, nil
}

type negate struct{ x node }

func (n negate) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := n.x.eval(vars)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.Neg(), nil
}

type binary struct {
	op   byte
	l, r node
}

func (n binary) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	l, err := n.l.eval(vars)
	if err != nil {
		return decimal.Decimal{}, err
	}
	r, err := n.r.eval(vars)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	default:
		if r.IsZero() {
			return decimal.Decimal{}, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
}

type call struct {
	name string
	fn   function
	args []node
}

func (n call) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	vals := make([]decimal.Decimal, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return decimal.Decimal{}, err
		}
		vals[i] = v
	}
	v, err := n.fn.apply(vals)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

type function struct {
	min, max int // max < 0 means variadic
	apply    func(args []decimal.Decimal) (decimal.Decimal, error)
}

var functions = map[string]function{
	"MIN": {1, -1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Min(a[0], a[1:]...), nil
	}},
	"MAX": {1, -1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return decimal.Max(a[0], a[1:]...), nil
	}},
	"ABS": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return a[0].Abs(), nil
	}},
	"ROUND": {1, 2, func(a []decimal.Decimal) (decimal.Decimal, error) {
		if len(a) == 1 {
			return a[0].Round(0), nil
		}
		if !a[1].IsInteger() || a[1].Abs().GreaterThan(decimal.NewFromInt(maxExponent)) {
			return decimal.Decimal{}, errors.New("places must be a small integer")
		}
		return a[0].Round(int32(a[1].IntPart())), nil
	}},
	"CEIL": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return a[0].Ceil(), nil
	}},
	"FLOOR": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		return a[0].Floor(), nil
	}},
	"POW": {2, 2, func(a []decimal.Decimal) (decimal.Decimal, error) {
		if !a[1].IsInteger() || a[1].Abs().GreaterThan(decimal.NewFromInt(maxExponent)) {
			return decimal.Decimal{}, fmt.Errorf("exponent must be an integer within ±%d", maxExponent)
		}
		if a[0].IsZero() && a[1].IsNegative() {
			return decimal.Decimal{}, ErrDivisionByZero
		}
		return a[0].Pow(a[1]), nil
	}},
	"SQRT": {1, 1, func(a []decimal.Decimal) (decimal.Decimal, error) {
		if a[0].IsNegative() {
			return decimal.Decimal{}, errors.New("negative argument")
		}
		// decimal has no square root.
		return decimal.NewFromFloat(math.Sqrt(a[0].InexactFloat64())).Round(12), nil
	}},
}
