package rules

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/livegate/livegate/pkg/model"
)

// neverMatch is the always-false predicate emitted for statically deny-all
// rules, so a pushed-down listing query returns nothing without a table scan.
func neverMatch() bson.M {
	return bson.M{"_id": bson.M{"$exists": false}}
}

// GenerateFilter compiles the collection's list rule into a storage
// predicate where the rule shape allows it.
//
// Recognized shapes are `&&`-conjunctions of clauses of the form
// `auth.<f> <op> record.<g>`, `record.<g> <op> auth.<f>` or
// `record.<g> <op> literal` with op in {=, !=, >, <, >=, <=}. The auth side
// is resolved against the supplied context at generation time, producing a
// concrete value the storage layer can index on. Anything else returns
// ok=false: the caller must fall back to per-record Check, which covers the
// whole grammar. The two paths never disagree on outcome, only on where the
// work happens.
func (e *ruleEngine) GenerateFilter(collection string, rctx model.RuleContext) (bson.M, bool) {
	if rctx.Admin || (rctx.Auth != nil && rctx.Auth.Admin) {
		return bson.M{}, true
	}

	rule := e.Rule(collection, OpList)
	if IsDenyAll(rule) {
		return neverMatch(), true
	}
	if IsAllowAll(rule) {
		return bson.M{}, true
	}

	node, err := e.compile(*rule)
	if err != nil {
		// A rule that cannot compile denies everything at Check time; the
		// pushed-down equivalent is the empty result set.
		e.logger.Warn("Rule failed to compile, pushing never-match filter",
			"collection", collection, "error", err)
		return neverMatch(), true
	}

	auth := model.Record(nil)
	if rctx.Auth != nil {
		auth = rctx.Auth.AsRecord()
	}

	predicate := bson.M{}
	if !collectClauses(node, auth, predicate) {
		return nil, false
	}
	return predicate, true
}

// collectClauses walks an `&&`-conjunction tree and merges each recognized
// comparison clause into the predicate. Returns false when any clause falls
// outside the push-down subset.
func collectClauses(n *Node, auth model.Record, predicate bson.M) bool {
	if n == nil {
		return false
	}
	if n.Kind == NodeBinary && n.Op == "&&" {
		return collectClauses(n.Left, auth, predicate) && collectClauses(n.Right, auth, predicate)
	}
	return collectComparison(n, auth, predicate)
}

func collectComparison(n *Node, auth model.Record, predicate bson.M) bool {
	if n.Kind != NodeBinary {
		return false
	}
	op, ok := pushdownOp(n.Op)
	if !ok {
		return false
	}

	// Normalize so the record field is on the left.
	left, right := n.Left, n.Right
	if fieldOf(right, "record") != "" {
		left, right = right, left
		op = flipOp(op)
	}

	field := fieldOf(left, "record")
	if field == "" {
		return false
	}

	var value interface{}
	switch {
	case right.Kind == NodeLiteral:
		value = right.Value
	case fieldOf(right, "auth") != "":
		value = lookupPath(auth, right.Path)
	default:
		return false
	}

	if existing, dup := predicate[field]; dup {
		// Two clauses on one field merge into one operator document, e.g.
		// {views: {$gt: 10, $lt: 20}}. A repeated operator is out of shape.
		merged, ok := existing.(bson.M)
		if !ok {
			merged = bson.M{"$eq": existing}
		}
		if _, clash := merged[op]; clash {
			return false
		}
		merged[op] = value
		predicate[field] = merged
		return true
	}
	predicate[field] = clauseValue(op, value)
	return true
}

// fieldOf returns the dotted path of a field node rooted at the given
// context root, or "" if the node is not such a field.
func fieldOf(n *Node, root string) string {
	if n == nil || n.Kind != NodeField || n.Root != root || len(n.Path) == 0 {
		return ""
	}
	path := n.Path[0]
	for _, p := range n.Path[1:] {
		path += "." + p
	}
	return path
}

func lookupPath(rec model.Record, path []string) interface{} {
	var cur interface{} = map[string]interface{}(rec)
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func pushdownOp(op string) (string, bool) {
	switch op {
	case "=":
		return "$eq", true
	case "!=":
		return "$ne", true
	case ">":
		return "$gt", true
	case ">=":
		return "$gte", true
	case "<":
		return "$lt", true
	case "<=":
		return "$lte", true
	}
	return "", false
}

func flipOp(op string) string {
	switch op {
	case "$gt":
		return "$lt"
	case "$gte":
		return "$lte"
	case "$lt":
		return "$gt"
	case "$lte":
		return "$gte"
	}
	return op // $eq and $ne are symmetric
}

func clauseValue(op string, value interface{}) interface{} {
	if op == "$eq" {
		return value
	}
	return bson.M{op: value}
}
