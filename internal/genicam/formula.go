package genicam

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Formulas follow the GenICam SwissKnife grammar. Operators, lowest
// precedence first:
//
//	?:  ||  &&  |  ^  &  = <>  < > <= >=  << >>  + -  * / %  **  unary - + ~ !
//
// Integer formulas (IntSwissKnife, IntConverter) evaluate in int64, the rest
// in float64.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(s) && isDigit(s[i+1]):
			j := i
			if c == '0' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') {
				j += 2
				for j < len(s) && isHex(s[j]) {
					j++
				}
			} else {
				for j < len(s) && (isDigit(s[j]) || s[j] == '.') {
					j++
				}
				if j < len(s) && (s[j] == 'e' || s[j] == 'E') {
					k := j + 1
					if k < len(s) && (s[k] == '+' || s[k] == '-') {
						k++
					}
					if k < len(s) && isDigit(s[k]) {
						j = k
						for j < len(s) && isDigit(s[j]) {
							j++
						}
					}
				}
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		default:
			op := ""
			for _, candidate := range []string{"**", "<<", ">>", "<=", ">=", "<>", "&&", "||"} {
				if strings.HasPrefix(s[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				if !strings.ContainsRune("+-*/%&|^~!=<>?:", rune(c)) {
					return nil, xerrors.Errorf("unexpected character %q at offset %d", c, i)
				}
				op = string(c)
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}

// expr is a parsed formula node.
type expr interface{}

type (
	numberExpr struct {
		text string
	}
	identExpr struct {
		name string
	}
	unaryExpr struct {
		op string
		x  expr
	}
	binaryExpr struct {
		op   string
		x, y expr
	}
	ternaryExpr struct {
		cond, x, y expr
	}
	callExpr struct {
		fn   string
		args []expr
	}
)

type parser struct {
	toks []token
	pos  int
}

// parseFormula compiles a formula into an expression tree.
func parseFormula(s string) (expr, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, xerrors.Errorf("unexpected %q in formula %q", p.peek().text, s)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) ternary() (expr, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokOp || t.text != "?" {
		return cond, nil
	}
	p.next()
	x, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if t := p.next(); t.kind != tokOp || t.text != ":" {
		return nil, xerrors.Errorf("expected ':' in conditional, got %q", t.text)
	}
	y, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return ternaryExpr{cond, x, y}, nil
}

var precedence = [][]string{
	{"||"},
	{"&&"},
	{"|"},
	{"^"},
	{"&"},
	{"=", "<>"},
	{"<", ">", "<=", ">="},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *parser) binary(level int) (expr, error) {
	if level == len(precedence) {
		return p.power()
	}
	x, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || !contains(precedence[level], t.text) {
			return x, nil
		}
		p.next()
		y, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		x = binaryExpr{t.text, x, y}
	}
}

// power is right associative and binds tighter than the multiplicative
// operators.
func (p *parser) power() (expr, error) {
	x, err := p.unary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp && t.text == "**" {
		p.next()
		y, err := p.power()
		if err != nil {
			return nil, err
		}
		return binaryExpr{"**", x, y}, nil
	}
	return x, nil
}

func (p *parser) unary() (expr, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+" || t.text == "~" || t.text == "!") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{t.text, x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberExpr{t.text}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return identExpr{t.text}, nil
		}
		p.next()
		var args []expr
		if p.peek().kind != tokRParen {
			for {
				a, err := p.ternary()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, xerrors.Errorf("expected ')' after arguments to %s", t.text)
		}
		return callExpr{strings.ToUpper(t.text), args}, nil
	case tokLParen:
		e, err := p.ternary()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, xerrors.Errorf("expected ')', got %q", r.text)
		}
		return e, nil
	}
	return nil, xerrors.Errorf("unexpected %q", t.text)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// resolver supplies variable values during evaluation.
type resolver interface {
	intVar(name string) (int64, error)
	floatVar(name string) (float64, error)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func evalInt(e expr, r resolver) (int64, error) {
	switch e := e.(type) {
	case numberExpr:
		if v, err := strconv.ParseInt(e.text, 0, 64); err == nil {
			return v, nil
		}
		if v, err := strconv.ParseUint(e.text, 0, 64); err == nil {
			return int64(v), nil
		}
		f, err := strconv.ParseFloat(e.text, 64)
		if err != nil {
			return 0, xerrors.Errorf("bad number %q: %w", e.text, err)
		}
		return int64(f), nil
	case identExpr:
		return r.intVar(e.name)
	case unaryExpr:
		x, err := evalInt(e.x, r)
		if err != nil {
			return 0, err
		}
		switch e.op {
		case "-":
			return -x, nil
		case "+":
			return x, nil
		case "~":
			return ^x, nil
		case "!":
			return boolInt(x == 0), nil
		}
	case ternaryExpr:
		c, err := evalInt(e.cond, r)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return evalInt(e.x, r)
		}
		return evalInt(e.y, r)
	case binaryExpr:
		x, err := evalInt(e.x, r)
		if err != nil {
			return 0, err
		}
		// Short circuit, so guarded divisions do not fail.
		if e.op == "&&" && x == 0 {
			return 0, nil
		}
		if e.op == "||" && x != 0 {
			return 1, nil
		}
		y, err := evalInt(e.y, r)
		if err != nil {
			return 0, err
		}
		return intBinary(e.op, x, y)
	case callExpr:
		switch e.fn {
		case "ABS", "SGN", "NEG":
			if len(e.args) != 1 {
				return 0, xerrors.Errorf("%s takes one argument", e.fn)
			}
			x, err := evalInt(e.args[0], r)
			if err != nil {
				return 0, err
			}
			switch e.fn {
			case "ABS":
				if x < 0 {
					return -x, nil
				}
				return x, nil
			case "SGN":
				switch {
				case x > 0:
					return 1, nil
				case x < 0:
					return -1, nil
				}
				return 0, nil
			default:
				return -x, nil
			}
		}
		f, err := evalFloat(e, r)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	}
	return 0, xerrors.Errorf("cannot evaluate %T", e)
}

func intBinary(op string, x, y int64) (int64, error) {
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return 0, xerrors.New("division by zero")
		}
		return x / y, nil
	case "%":
		if y == 0 {
			return 0, xerrors.New("division by zero")
		}
		return x % y, nil
	case "**":
		if y < 0 {
			return 0, nil
		}
		v := int64(1)
		for ; y > 0; y-- {
			v *= x
		}
		return v, nil
	case "&":
		return x & y, nil
	case "|":
		return x | y, nil
	case "^":
		return x ^ y, nil
	case "<<":
		return x << uint64(y), nil
	case ">>":
		return x >> uint64(y), nil
	case "=":
		return boolInt(x == y), nil
	case "<>":
		return boolInt(x != y), nil
	case "<":
		return boolInt(x < y), nil
	case ">":
		return boolInt(x > y), nil
	case "<=":
		return boolInt(x <= y), nil
	case ">=":
		return boolInt(x >= y), nil
	case "&&":
		return boolInt(x != 0 && y != 0), nil
	case "||":
		return boolInt(x != 0 || y != 0), nil
	}
	return 0, xerrors.Errorf("unknown operator %q", op)
}

func evalFloat(e expr, r resolver) (float64, error) {
	switch e := e.(type) {
	case numberExpr:
		if strings.HasPrefix(e.text, "0x") || strings.HasPrefix(e.text, "0X") {
			v, err := strconv.ParseUint(e.text, 0, 64)
			if err != nil {
				return 0, xerrors.Errorf("bad number %q: %w", e.text, err)
			}
			return float64(v), nil
		}
		v, err := strconv.ParseFloat(e.text, 64)
		if err != nil {
			return 0, xerrors.Errorf("bad number %q: %w", e.text, err)
		}
		return v, nil
	case identExpr:
		return r.floatVar(e.name)
	case unaryExpr:
		x, err := evalFloat(e.x, r)
		if err != nil {
			return 0, err
		}
		switch e.op {
		case "-":
			return -x, nil
		case "+":
			return x, nil
		case "~":
			return float64(^int64(x)), nil
		case "!":
			return boolFloat(x == 0), nil
		}
	case ternaryExpr:
		c, err := evalFloat(e.cond, r)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return evalFloat(e.x, r)
		}
		return evalFloat(e.y, r)
	case binaryExpr:
		x, err := evalFloat(e.x, r)
		if err != nil {
			return 0, err
		}
		if e.op == "&&" && x == 0 {
			return 0, nil
		}
		if e.op == "||" && x != 0 {
			return 1, nil
		}
		y, err := evalFloat(e.y, r)
		if err != nil {
			return 0, err
		}
		switch e.op {
		case "+":
			return x + y, nil
		case "-":
			return x - y, nil
		case "*":
			return x * y, nil
		case "/":
			return x / y, nil
		case "%":
			return math.Mod(x, y), nil
		case "**":
			return math.Pow(x, y), nil
		case "=":
			return boolFloat(x == y), nil
		case "<>":
			return boolFloat(x != y), nil
		case "<":
			return boolFloat(x < y), nil
		case ">":
			return boolFloat(x > y), nil
		case "<=":
			return boolFloat(x <= y), nil
		case ">=":
			return boolFloat(x >= y), nil
		case "&&":
			return boolFloat(x != 0 && y != 0), nil
		case "||":
			return boolFloat(x != 0 || y != 0), nil
		}
		v, err := intBinary(e.op, int64(x), int64(y))
		return float64(v), err
	case callExpr:
		if len(e.args) == 0 {
			switch e.fn {
			case "PI":
				return math.Pi, nil
			case "E":
				return math.E, nil
			}
			return 0, xerrors.Errorf("unknown constant %s()", e.fn)
		}
		if len(e.args) != 1 {
			return 0, xerrors.Errorf("%s takes one argument", e.fn)
		}
		x, err := evalFloat(e.args[0], r)
		if err != nil {
			return 0, err
		}
		fn, ok := floatFuncs[e.fn]
		if !ok {
			return 0, xerrors.Errorf("unknown function %s", e.fn)
		}
		return fn(x), nil
	}
	return 0, xerrors.Errorf("cannot evaluate %T", e)
}

var floatFuncs = map[string]func(float64) float64{
	"SGN": func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	},
	"NEG":   func(x float64) float64 { return -x },
	"ABS":   math.Abs,
	"SQRT":  math.Sqrt,
	"TRUNC": math.Trunc,
	"FLOOR": math.Floor,
	"CEIL":  math.Ceil,
	"ROUND": math.Round,
	"SIN":   math.Sin,
	"COS":   math.Cos,
	"TAN":   math.Tan,
	"ASIN":  math.Asin,
	"ACOS":  math.Acos,
	"ATAN":  math.Atan,
	"EXP":   math.Exp,
	"LN":    math.Log,
	"LG":    math.Log10,
}
