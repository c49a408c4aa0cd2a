package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindGate  NodeKind = "gate"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Model is the intermediate representation handed to the renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node when the diagram is built
// from a run rather than a bare definition.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Retries    int
	Error      string
}

// Edge connects two nodes in definition order. Label carries the guard
// condition of the target step, if any.
type Edge struct {
	From  string
	To    string
	Label string
}
