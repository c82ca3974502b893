package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livegate/livegate/pkg/model"
)

// ErrNotBoolean is returned when an expression does not produce a boolean.
var ErrNotBoolean = errors.New("expression result is not boolean")

// EvalContext supplies the closed scope for one evaluation. Missing roots
// resolve field accesses to null rather than failing, so rules like
// `auth.id != null` can test for an unauthenticated caller.
type EvalContext struct {
	Auth   model.Record
	Record model.Record
	Data   model.Record

	// Now is the evaluation timestamp used by $now(). The zero value means
	// wall-clock time; tests pin it for determinism.
	Now time.Time
}

// NewEvalContext builds an EvalContext from a rule context.
func NewEvalContext(ctx model.RuleContext) EvalContext {
	ec := EvalContext{
		Record: ctx.Record,
		Data:   ctx.Data,
	}
	if ctx.Auth != nil {
		ec.Auth = ctx.Auth.AsRecord()
	}
	return ec
}

// Eval interprets a parsed expression against the context. Any failure,
// including type mismatches at runtime, is reported as an error; callers on
// the authorization path treat every error as deny.
func Eval(node *Node, ctx EvalContext) (interface{}, error) {
	if node == nil {
		return nil, errors.New("nil expression")
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}
	return eval(node, &ctx)
}

// EvalBool evaluates the expression and requires a boolean outcome.
func EvalBool(node *Node, ctx EvalContext) (bool, error) {
	v, err := Eval(node, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBoolean, v)
	}
	return b, nil
}

func eval(n *Node, ctx *EvalContext) (interface{}, error) {
	switch n.Kind {
	case NodeLiteral:
		return n.Value, nil
	case NodeField:
		return resolveField(n, ctx), nil
	case NodeUnary:
		return evalNot(n, ctx)
	case NodeBinary:
		return evalBinary(n, ctx)
	case NodeCall:
		return evalCall(n, ctx)
	default:
		return nil, fmt.Errorf("unknown node kind %d", n.Kind)
	}
}

func resolveField(n *Node, ctx *EvalContext) interface{} {
	var cur interface{}
	switch n.Root {
	case "auth":
		cur = map[string]interface{}(ctx.Auth)
	case "record":
		cur = map[string]interface{}(ctx.Record)
	case "data":
		cur = map[string]interface{}(ctx.Data)
	default:
		return nil
	}

	for _, key := range n.Path {
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

func evalNot(n *Node, ctx *EvalContext) (interface{}, error) {
	v, err := eval(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operand of '!' is not boolean: %T", v)
	}
	return !b, nil
}

func evalBinary(n *Node, ctx *EvalContext) (interface{}, error) {
	// && and || short-circuit and require boolean operands.
	if n.Op == "&&" || n.Op == "||" {
		lv, err := eval(n.Left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("operand of %q is not boolean: %T", n.Op, lv)
		}
		if n.Op == "&&" && !lb {
			return false, nil
		}
		if n.Op == "||" && lb {
			return true, nil
		}
		rv, err := eval(n.Right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("operand of %q is not boolean: %T", n.Op, rv)
		}
		return rb, nil
	}

	lv, err := eval(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	rv, err := eval(n.Right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "=":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	case ">", "<", ">=", "<=":
		return compareOrdered(n.Op, lv, rv)
	default:
		return nil, fmt.Errorf("unknown operator %q", n.Op)
	}
}

// looseEqual compares values of the same shape; values of incompatible
// kinds are simply unequal, never an error.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func compareOrdered(op string, a, b interface{}) (interface{}, error) {
	if an, aok := toNumber(a); aok {
		bn, bok := toNumber(b)
		if !bok {
			return nil, fmt.Errorf("cannot compare number with %T", b)
		}
		return applyOrder(op, numCompare(an, bn)), nil
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return nil, fmt.Errorf("cannot compare string with %T", b)
		}
		return applyOrder(op, strings.Compare(as, bs)), nil
	}
	return nil, fmt.Errorf("operands of %q are not ordered: %T, %T", op, a, b)
}

func numCompare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	default:
		return cmp <= 0
	}
}

// toNumber normalizes the numeric kinds that reach the evaluator from JSON
// decoding and direct Go callers.
func toNumber(v interface{}) (float64, bool) {
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func evalCall(n *Node, ctx *EvalContext) (interface{}, error) {
	args := make([]interface{}, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.Func {
	case "$now":
		return float64(ctx.Now.Unix()), nil
	case "$contains":
		return helperContains(args[0], args[1])
	case "$size":
		return helperSize(args[0])
	case "$isEmpty":
		return helperIsEmpty(args[0]), nil
	case "$isNotEmpty":
		return !helperIsEmpty(args[0]), nil
	default:
		return nil, fmt.Errorf("unknown function %q", n.Func)
	}
}

func helperContains(seq, val interface{}) (interface{}, error) {
	switch s := seq.(type) {
	case string:
		sub, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("$contains on string requires a string value, got %T", val)
		}
		return strings.Contains(s, sub), nil
	case []interface{}:
		for _, item := range s {
			if looseEqual(item, val) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		for _, item := range s {
			if looseEqual(item, val) {
				return true, nil
			}
		}
		return false, nil
	case nil:
		return false, nil
	default:
		return nil, fmt.Errorf("$contains requires a string or list, got %T", seq)
	}
}

func helperSize(v interface{}) (interface{}, error) {
	switch s := v.(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len(s)), nil
	case []interface{}:
		return float64(len(s)), nil
	case []string:
		return float64(len(s)), nil
	case map[string]interface{}:
		return float64(len(s)), nil
	case model.Record:
		return float64(len(s)), nil
	default:
		return nil, fmt.Errorf("$size requires a string, list or object, got %T", v)
	}
}

func helperIsEmpty(v interface{}) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == ""
	case []interface{}:
		return len(s) == 0
	case []string:
		return len(s) == 0
	case map[string]interface{}:
		return len(s) == 0
	case model.Record:
		return len(s) == 0
	default:
		return false
	}
}
