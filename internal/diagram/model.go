// Package diagram renders ensemble flows as Mermaid flowcharts, optionally
// colored with the step statuses of an execution.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindLoop      NodeKind = "loop"
	NodeKindTry       NodeKind = "try"
	NodeKindSuspend   NodeKind = "suspend"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Step statuses understood by the renderers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSuspended = "suspended"
	StatusPending   = "pending"
)

// Model is the intermediate representation used by the renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step. Composite steps carry their nested steps as children.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   string
	Children []*SubGraph
}

// SubGraph is a labelled group of nested steps (then, else, body, catch...).
type SubGraph struct {
	ID    string
	Label string
	Nodes []*Node
	Edges []Edge
}

// Edge links two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Walk calls fn for every node, depth first.
func (m *Model) Walk(fn func(*Node)) {
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			fn(n)
			for _, sg := range n.Children {
				walk(sg.Nodes)
			}
		}
	}
	walk(m.Nodes)
}
