package rules

// Operation is the kind of access being checked against a collection rule.
type Operation string

const (
	OpList   Operation = "list"
	OpView   Operation = "view"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Operations returns all rule operation kinds.
func Operations() []Operation {
	return []Operation{OpList, OpView, OpCreate, OpUpdate, OpDelete}
}

// IsValid checks if the operation kind is known.
func (op Operation) IsValid() bool {
	switch op {
	case OpList, OpView, OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Rule is a per-collection, per-operation access policy. The encoding uses
// two sentinels: a nil pointer is deny-all (rule absent), an empty string is
// allow-all, and anything else is a conditional expression.
type Rule *string

// DenyAll is the deny-all sentinel.
func DenyAll() Rule { return nil }

// AllowAll is the allow-all sentinel.
func AllowAll() Rule {
	s := ""
	return &s
}

// Conditional wraps an expression string as a rule.
func Conditional(expr string) Rule {
	return &expr
}

// IsDenyAll reports whether the rule is the deny-all sentinel.
func IsDenyAll(r Rule) bool { return r == nil }

// IsAllowAll reports whether the rule is the allow-all sentinel.
func IsAllowAll(r Rule) bool { return r != nil && *r == "" }

// CollectionRules is the rule set of a single collection.
type CollectionRules struct {
	Collection string                `yaml:"collection" json:"collection"`
	Rules      map[Operation]*string `yaml:"rules" json:"rules"`
}

// Rule returns the rule for the given operation kind. A missing entry is
// deny-all.
func (cr *CollectionRules) Rule(op Operation) Rule {
	if cr == nil || cr.Rules == nil {
		return nil
	}
	return cr.Rules[op]
}
