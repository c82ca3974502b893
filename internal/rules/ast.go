package rules

// NodeKind tags the variant of an AST node.
type NodeKind int

const (
	// NodeLiteral is a constant: string, number (float64), bool or null.
	NodeLiteral NodeKind = iota
	// NodeField is a dotted field access rooted at auth, record or data.
	NodeField
	// NodeBinary is a comparison or boolean connective.
	NodeBinary
	// NodeUnary is logical negation.
	NodeUnary
	// NodeCall is an invocation of one of the closed helper functions.
	NodeCall
)

// Node is a tagged-variant AST node. Which fields are meaningful depends on
// Kind; the parser is the only producer so the invariants hold throughout.
type Node struct {
	Kind NodeKind

	// NodeLiteral
	Value interface{}

	// NodeField: Root is one of "auth", "record", "data".
	Root string
	Path []string

	// NodeBinary: Op is one of = != > < >= <= && ||.
	// NodeUnary reuses Left as its single operand with Op "!".
	Op    string
	Left  *Node
	Right *Node

	// NodeCall: Func keeps the leading '$'.
	Func string
	Args []*Node
}

// depth returns the height of the subtree rooted at n.
func (n *Node) depth() int {
	if n == nil {
		return 0
	}
	max := 0
	for _, c := range []*Node{n.Left, n.Right} {
		if d := c.depth(); d > max {
			max = d
		}
	}
	for _, a := range n.Args {
		if d := a.depth(); d > max {
			max = d
		}
	}
	return max + 1
}
