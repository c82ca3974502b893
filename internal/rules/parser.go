package rules

import (
	"errors"
	"fmt"
)

const (
	// MaxExpressionLength bounds the raw expression size accepted by Parse.
	MaxExpressionLength = 4096
	// MaxExpressionDepth bounds the height of the parsed AST.
	MaxExpressionDepth = 32
)

var (
	// ErrExpressionTooLong is returned when the input exceeds MaxExpressionLength.
	ErrExpressionTooLong = errors.New("expression too long")
	// ErrExpressionTooDeep is returned when the parsed AST exceeds MaxExpressionDepth.
	ErrExpressionTooDeep = errors.New("expression too deep")
)

// contextRoots are the only identifiers an expression may dereference.
var contextRoots = map[string]bool{
	"auth":   true,
	"record": true,
	"data":   true,
}

// helperArity maps the closed helper-function set to its argument count.
var helperArity = map[string]int{
	"$now":        0,
	"$contains":   2,
	"$size":       1,
	"$isEmpty":    1,
	"$isNotEmpty": 1,
}

// Parse compiles an expression into an AST without evaluating it. It is the
// static-validation entry point: a subscribe-time filter or a stored rule
// that parses here will never fail at evaluation time for syntactic reasons.
func Parse(expr string) (*Node, error) {
	if len(expr) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrExpressionTooLong, len(expr), MaxExpressionLength)
	}

	p := &parser{lex: newLexer(expr)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", p.cur, p.cur.pos)
	}
	if node.depth() > MaxExpressionDepth {
		return nil, fmt.Errorf("%w (max %d)", ErrExpressionTooDeep, MaxExpressionDepth)
	}
	return node, nil
}

// parser is a recursive-descent parser with precedence
// not > comparison > and > or.
type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokenOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: NodeBinary, Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: NodeBinary, Op: "&&", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.cur.kind == tokenOp {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeBinary, Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (*Node, error) {
	if p.cur.kind == tokenNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeUnary, Op: "!", Left: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	switch p.cur.kind {
	case tokenString:
		node := &Node{Kind: NodeLiteral, Value: p.cur.text}
		return node, p.advance()
	case tokenNumber:
		node := &Node{Kind: NodeLiteral, Value: p.cur.num}
		return node, p.advance()
	case tokenBool:
		node := &Node{Kind: NodeLiteral, Value: p.cur.text == "true"}
		return node, p.advance()
	case tokenNull:
		node := &Node{Kind: NodeLiteral, Value: nil}
		return node, p.advance()
	case tokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d, got %s", p.cur.pos, p.cur)
		}
		return node, p.advance()
	case tokenFunc:
		return p.parseCall()
	case tokenIdent:
		return p.parseField()
	default:
		return nil, fmt.Errorf("unexpected %s at position %d", p.cur, p.cur.pos)
	}
}

func (p *parser) parseField() (*Node, error) {
	root := p.cur.text
	pos := p.cur.pos
	if !contextRoots[root] {
		return nil, fmt.Errorf("unknown identifier %q at position %d", root, pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var path []string
	for p.cur.kind == tokenDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokenIdent && p.cur.kind != tokenBool && p.cur.kind != tokenNull {
			return nil, fmt.Errorf("expected field name after '.' at position %d, got %s", p.cur.pos, p.cur)
		}
		path = append(path, p.cur.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	return &Node{Kind: NodeField, Root: root, Path: path}, nil
}

func (p *parser) parseCall() (*Node, error) {
	name := p.cur.text
	pos := p.cur.pos
	arity, ok := helperArity[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at position %d", name, pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokenLParen {
		return nil, fmt.Errorf("expected '(' after %s at position %d", name, p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var args []*Node
	if p.cur.kind != tokenRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind != tokenComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.cur.kind != tokenRParen {
		return nil, fmt.Errorf("expected ')' after %s arguments at position %d", name, p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if len(args) != arity {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", name, arity, len(args))
	}
	return &Node{Kind: NodeCall, Func: name, Args: args}, nil
}
