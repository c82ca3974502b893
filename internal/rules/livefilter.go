package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/livegate/livegate/pkg/model"
)

// The live filter grammar is a deliberately restricted fast path, distinct
// from the full access-rule grammar: an `&&`-chain of single-field
// comparisons, `field op literal`, with op in {=, !=, >, >=, <, <=} and
// typed literal coercion for booleans, numbers, quoted strings and null.
// Fields name record paths directly ("status", "meta.owner"); a leading
// "record." segment is accepted as an alias for the record root so filters
// written in the access-rule style resolve to the same field.
//
// The registry validates filters with ValidateFilter at subscribe time and
// the dispatcher evaluates them with MatchFilter at delivery time, so an
// expression accepted at subscribe is never a syntax error at delivery.

// filterClause is one parsed comparison of a live filter chain.
type filterClause struct {
	field string
	op    string
	want  interface{}
}

// ValidateFilter statically checks a live filter expression. Every clause
// of the chain is checked, so a malformed trailing clause is rejected even
// when an earlier clause could short-circuit evaluation.
func ValidateFilter(expr string) error {
	_, err := parseFilter(expr)
	return err
}

// MatchFilter evaluates a live filter against a record. It is a pure
// function of (record, expr); identical inputs always yield the same
// boolean. The whole expression is parsed before any clause is evaluated.
// Anything outside the subset is an error, and the dispatcher treats an
// erroring filter as "not delivered".
func MatchFilter(record model.Record, expr string) (bool, error) {
	clauses, err := parseFilter(expr)
	if err != nil {
		return false, err
	}
	for _, c := range clauses {
		ok, err := c.holds(record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func parseFilter(expr string) ([]filterClause, error) {
	parts := splitChain(expr)
	clauses := make([]filterClause, 0, len(parts))
	for _, raw := range parts {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			return nil, fmt.Errorf("empty filter clause")
		}
		field, op, lit, err := splitClause(clause)
		if err != nil {
			return nil, err
		}
		want, err := parseLiteral(lit)
		if err != nil {
			return nil, fmt.Errorf("clause %q: %w", clause, err)
		}
		clauses = append(clauses, filterClause{field: field, op: op, want: want})
	}
	return clauses, nil
}

func (c filterClause) holds(record model.Record) (bool, error) {
	got := lookupField(record, c.field)
	switch c.op {
	case "=":
		return coercedEqual(got, c.want), nil
	case "!=":
		return !coercedEqual(got, c.want), nil
	default:
		return coercedOrder(c.op, got, c.want)
	}
}

// splitChain splits an `&&`-chain into clauses, ignoring `&&` inside
// quoted string literals.
func splitChain(expr string) []string {
	var parts []string
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			inQuote = c
			continue
		}
		if c == '&' && i+1 < len(expr) && expr[i+1] == '&' {
			parts = append(parts, expr[start:i])
			i++
			start = i + 1
		}
	}
	return append(parts, expr[start:])
}

// splitClause finds the comparison operator outside of quotes. Longer
// operators are tried first so ">=" is not read as ">".
func splitClause(clause string) (field, op, lit string, err error) {
	inQuote := byte(0)
	for i := 0; i < len(clause); i++ {
		c := clause[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			inQuote = c
			continue
		}
		for _, candidate := range []string{"!=", ">=", "<=", "=", ">", "<"} {
			if strings.HasPrefix(clause[i:], candidate) {
				field = strings.TrimSpace(clause[:i])
				lit = strings.TrimSpace(clause[i+len(candidate):])
				if field == "" || lit == "" {
					return "", "", "", fmt.Errorf("malformed clause %q", clause)
				}
				return field, candidate, lit, nil
			}
		}
	}
	return "", "", "", fmt.Errorf("no comparison operator in clause %q", clause)
}

// parseLiteral coerces the right-hand side into a typed value. A quoted
// literal must span the whole token; trailing content after the closing
// quote is an error, not a longer string.
func parseLiteral(lit string) (interface{}, error) {
	if lit[0] == '\'' || lit[0] == '"' {
		closing := strings.IndexByte(lit[1:], lit[0])
		if closing < 0 || closing+2 != len(lit) {
			return nil, fmt.Errorf("malformed string literal %q", lit)
		}
		return lit[1 : len(lit)-1], nil
	}
	switch lit {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(lit, 64); err == nil {
		return n, nil
	}
	return nil, fmt.Errorf("invalid literal %q", lit)
}

func lookupField(record model.Record, field string) interface{} {
	path := strings.Split(field, ".")
	if len(path) > 1 && path[0] == "record" {
		path = path[1:]
	}
	var cur interface{} = map[string]interface{}(record)
	for _, key := range path {
		switch m := cur.(type) {
		case map[string]interface{}:
			cur = m[key]
		case model.Record:
			cur = m[key]
		default:
			return nil
		}
	}
	return cur
}

func coercedEqual(got, want interface{}) bool {
	if got == nil || want == nil {
		return got == nil && want == nil
	}
	if gn, ok := asNumber(got); ok {
		wn, wok := asNumber(want)
		return wok && gn == wn
	}
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && g == w
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	default:
		return false
	}
}

func coercedOrder(op string, got, want interface{}) (bool, error) {
	gn, gok := asNumber(got)
	wn, wok := asNumber(want)
	if gok && wok {
		return orderHolds(op, numCmp(gn, wn)), nil
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		return orderHolds(op, strings.Compare(gs, ws)), nil
	}
	return false, fmt.Errorf("cannot order %T against %T", got, want)
}

func numCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderHolds(op string, cmp int) bool {
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	default:
		return cmp <= 0
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
