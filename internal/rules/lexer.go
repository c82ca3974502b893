package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// lexer turns an expression string into a token stream.
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

// next returns the next token, consuming it.
func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokenComma, text: ",", pos: start}, nil
	case c == '.':
		l.pos++
		return token{kind: tokenDot, text: ".", pos: start}, nil
	case c == '&':
		if l.peekAt(1) != '&' {
			return token{}, fmt.Errorf("unexpected '&' at position %d", start)
		}
		l.pos += 2
		return token{kind: tokenAnd, text: "&&", pos: start}, nil
	case c == '|':
		if l.peekAt(1) != '|' {
			return token{}, fmt.Errorf("unexpected '|' at position %d", start)
		}
		l.pos += 2
		return token{kind: tokenOr, text: "||", pos: start}, nil
	case c == '!':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "!=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenNot, text: "!", pos: start}, nil
	case c == '=':
		// Single '=' is equality. '==' is rejected so a typo like 'foo ===' is
		// caught at parse time rather than silently accepted.
		if l.peekAt(1) == '=' {
			return token{}, fmt.Errorf("unexpected '==' at position %d (use '=')", start)
		}
		l.pos++
		return token{kind: tokenOp, text: "=", pos: start}, nil
	case c == '>':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: ">=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenOp, text: ">", pos: start}, nil
	case c == '<':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{kind: tokenOp, text: "<=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokenOp, text: "<", pos: start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '$':
		return l.lexFunc()
	case c >= '0' && c <= '9' || (c == '-' && isDigit(l.peekAt(1))):
		return l.lexNumber()
	case isIdentStart(rune(c)):
		return l.lexIdent()
	default:
		return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
	}
}

func (l *lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n' || l.input[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			next := l.input[l.pos+1]
			switch next {
			case quote, '\\':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' && !seenDot && isDigit(l.peekAt(1)) {
			seenDot = true
			l.pos++
			continue
		}
		if !isDigit(c) {
			break
		}
		l.pos++
	}
	text := l.input[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q at position %d", text, start)
	}
	return token{kind: tokenNumber, text: text, num: n, pos: start}, nil
}

func (l *lexer) lexFunc() (token, error) {
	start := l.pos
	l.pos++ // $
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	name := l.input[start:l.pos]
	if name == "$" {
		return token{}, fmt.Errorf("bare '$' at position %d", start)
	}
	return token{kind: tokenFunc, text: name, pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
		l.pos++
	}
	text := l.input[start:l.pos]
	switch text {
	case "true":
		return token{kind: tokenBool, text: text, pos: start}, nil
	case "false":
		return token{kind: tokenBool, text: text, pos: start}, nil
	case "null":
		return token{kind: tokenNull, text: text, pos: start}, nil
	}
	return token{kind: tokenIdent, text: text, pos: start}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
