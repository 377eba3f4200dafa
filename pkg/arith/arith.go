// Package arith evaluates restricted arithmetic formulas.
//
// The grammar accepts decimal numbers, the binary operators + - * / ^,
// unary sign and parentheses. Nothing else is ever interpreted.
package arith

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrSyntax         = errors.New("syntax error")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNotFinite      = errors.New("result is not a finite number")
)

// Eval parses and evaluates src.
func Eval(src string) (float64, error) {
	p := &parser{src: src}
	p.next()
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.tok.kind != tokEOF {
		return 0, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.tok.text, p.tok.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokOp
	tokLParen
	tokRParen
	tokBad
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type parser struct {
	src string
	off int
	tok token
}

func (p *parser) next() {
	for p.off < len(p.src) && isSpace(p.src[p.off]) {
		p.off++
	}
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: p.off}
		return
	}
	start := p.off
	c := p.src[p.off]
	switch {
	case c == '(':
		p.off++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.off++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case c == '+' || c == '-' || c == '*' || c == '/' || c == '^':
		p.off++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	case isDigit(c) || c == '.':
		for p.off < len(p.src) && (isDigit(p.src[p.off]) || p.src[p.off] == '.') {
			p.off++
		}
		text := p.src[start:p.off]
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.tok = token{kind: tokBad, text: text, pos: start}
			return
		}
		p.tok = token{kind: tokNum, text: text, num: n, pos: start}
	default:
		p.off++
		p.tok = token{kind: tokBad, text: string(c), pos: start}
	}
}

func (p *parser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (p *parser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.unary()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
			continue
		}
		if right == 0 {
			return 0, ErrDivisionByZero
		}
		left /= right
	}
	return left, nil
}

func (p *parser) unary() (float64, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		neg := p.tok.text == "-"
		p.next()
		v, err := p.unary()
		if err != nil {
			return 0, err
		}
		if neg {
			return -v, nil
		}
		return v, nil
	}
	return p.power()
}

// power is right associative: 2^3^2 == 2^(3^2).
func (p *parser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.tok.kind == tokOp && p.tok.text == "^" {
		p.next()
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *parser) primary() (float64, error) {
	switch p.tok.kind {
	case tokNum:
		v := p.tok.num
		p.next()
		return v, nil
	case tokLParen:
		p.next()
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.tok.kind != tokRParen {
			return 0, fmt.Errorf("%w: missing closing parenthesis at offset %d", ErrSyntax, p.tok.pos)
		}
		p.next()
		return v, nil
	case tokEOF:
		return 0, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	default:
		return 0, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.tok.text, p.tok.pos)
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

// Round2 rounds v to two decimals unless it is already integral.
func Round2(v float64) float64 {
	if v == math.Trunc(v) {
		return v
	}
	return math.Round(v*100) / 100
}
