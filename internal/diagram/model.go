package diagram

// NodeKind classifies a diagram node by the action kind of its step.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindContext  NodeKind = "context"
	NodeKindLoop     NodeKind = "loop"
	NodeKindHandler  NodeKind = "handler"
	NodeKindForm     NodeKind = "form"
	NodeKindOutput   NodeKind = "output"
	NodeKindWait     NodeKind = "wait"
	NodeKindWorkflow NodeKind = "workflow"
	NodeKindStart    NodeKind = "start"
)

// EdgeKind classifies how control can pass between two steps.
type EdgeKind string

const (
	EdgeNext     EdgeKind = "next"
	EdgeExpr     EdgeKind = "expr"
	EdgeLoopBody EdgeKind = "loop body"
	EdgeLoopBack EdgeKind = "loop back"
	EdgeOnError  EdgeKind = "on error"
	EdgeStart    EdgeKind = "start"
)

// StartNodeID is the id of the virtual node linked to the initial step.
const StartNodeID = "__start__"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID      string
	Label   string
	Action  string
	Kind    NodeKind
	OnlyIf  string
	Initial bool
	Status  *StatusOverlay
}

// StatusOverlay carries the replayed state of a step within one run.
type StatusOverlay struct {
	Status     string // completed, failed, skipped, running, waiting, current
	Executions int
	Error      string
}

// Edge represents a possible transfer of control.
type Edge struct {
	From  string
	To    string
	Kind  EdgeKind
	Label string
}

// Dashed reports whether the edge is conditional rather than a fixed link.
func (e Edge) Dashed() bool {
	return e.Kind == EdgeExpr || e.Kind == EdgeLoopBack || e.Kind == EdgeOnError
}

// Node returns the node with the given id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
