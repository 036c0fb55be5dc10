// File: internal/criteria/criteria.go
// Brief: Restricted comparison grammar for rollout stage criteria.

// Package criteria parses the closed expression grammar that rollout stages
// use to decide membership. It is a leaf package so both the manifest
// loader (validation) and the rollout selector (evaluation) can use it.
package criteria

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Criteria expressions decide stage membership from the derived selector
// value. The grammar is deliberately closed:
//
//	expr   := or
//	or     := and { ("or" | "||") and }
//	and    := unary { ("and" | "&&") unary }
//	unary  := ["not" | "!"] primary
//	primary:= comparison | "(" expr ")"
//	comparison := operand op operand
//	operand    := "server_id" | integer
//	op         := "<" | "<=" | ">" | ">=" | "==" | "!="
//
// Anything outside it is a configuration error at parse time. This replaces
// the string-substitution-into-eval approach the format originally shipped
// with, which was a code-execution hazard.

// Expr is a parsed criteria expression.
type Expr interface {
	// Eval evaluates the expression for a selector value in [0,100).
	Eval(serverID int) bool
}

type binaryExpr struct {
	op          string
	left, right Expr
}

func (b binaryExpr) Eval(serverID int) bool {
	if b.op == "and" {
		return b.left.Eval(serverID) && b.right.Eval(serverID)
	}
	return b.left.Eval(serverID) || b.right.Eval(serverID)
}

type notExpr struct{ inner Expr }

func (n notExpr) Eval(serverID int) bool { return !n.inner.Eval(serverID) }

type comparison struct {
	op          string
	left, right operand
}

type operand struct {
	isVar bool
	value int
}

func (o operand) resolve(serverID int) int {
	if o.isVar {
		return serverID
	}
	return o.value
}

func (c comparison) Eval(serverID int) bool {
	l, r := c.left.resolve(serverID), c.right.resolve(serverID)
	switch c.op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "==":
		return l == r
	default:
		return l != r
	}
}

// Parse parses a stage criteria expression.
func Parse(input string) (Expr, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("criteria %q: unexpected token %q", input, p.peek())
	}
	return expr, nil
}

func lex(input string) ([]string, error) {
	var tokens []string
	i := 0
	runes := []rune(input)
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')':
			tokens = append(tokens, string(r))
			i++
		case r == '<' || r == '>' || r == '=' || r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, string(r)+"=")
				i += 2
			} else {
				tokens = append(tokens, string(r))
				i++
			}
		case r == '&' || r == '|':
			if i+1 < len(runes) && runes[i+1] == r {
				tokens = append(tokens, string(r)+string(r))
				i += 2
			} else {
				return nil, fmt.Errorf("criteria %q: unexpected %q", input, string(r))
			}
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("criteria %q: unexpected %q", input, string(r))
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := strings.ToLower(p.peek())
		if tok != "or" && tok != "||" {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", left: left, right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := strings.ToLower(p.peek())
		if tok != "and" && tok != "&&" {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", left: left, right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	tok := strings.ToLower(p.peek())
	if tok == "not" || tok == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek() == "(" {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return expr, nil
	}
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
	default:
		return nil, fmt.Errorf("expected comparison operator, got %q", op)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return comparison{op: op, left: left, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.next()
	if tok == "" {
		return operand{}, fmt.Errorf("unexpected end of criteria")
	}
	if strings.EqualFold(tok, "server_id") {
		return operand{isVar: true}, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return operand{}, fmt.Errorf("unknown operand %q (only server_id and integers are allowed)", tok)
	}
	return operand{value: n}, nil
}
