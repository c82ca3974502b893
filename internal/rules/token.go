package rules

import "fmt"

// tokenKind identifies the lexical class of a token.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenFunc // $name
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenOp     // = != > < >= <=
	tokenAnd    // &&
	tokenOr     // ||
	tokenNot    // !
	tokenDot    // .
	tokenComma  // ,
	tokenLParen // (
	tokenRParen // )
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of expression"
	case tokenIdent:
		return "identifier"
	case tokenFunc:
		return "function"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenBool:
		return "boolean"
	case tokenNull:
		return "null"
	case tokenOp:
		return "operator"
	case tokenAnd:
		return "'&&'"
	case tokenOr:
		return "'||'"
	case tokenNot:
		return "'!'"
	case tokenDot:
		return "'.'"
	case tokenComma:
		return "','"
	case tokenLParen:
		return "'('"
	case tokenRParen:
		return "')'"
	default:
		return "unknown token"
	}
}

// token is a single lexical unit with its source position.
type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func (t token) String() string {
	if t.kind == tokenEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}
