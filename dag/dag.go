// Package dag renders a saga snapshot as a Graphviz digraph: the forward
// step chain plus the compensations that ran, in the order they ran.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/fortressi/saga"
)

type Graph struct {
	*simple.DirectedGraph
	name  string
	attrs encoding.Attributes
	nodes map[string]*Node
}

// New creates an empty graph named name.
func New(name string) *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		name:          name,
		nodes:         make(map[string]*Node),
	}
}

// DOTID names the digraph.
func (g *Graph) DOTID() string {
	return g.name
}

// AddStep adds a node identified by id. Adding an id twice returns the
// existing node.
func (g *Graph) AddStep(id, label string) *Node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), id: id}
	_ = n.SetAttribute(encoding.Attribute{Key: "label", Value: label})
	g.DirectedGraph.AddNode(n)
	g.nodes[id] = n
	return n
}

// Step returns the node added under id.
func (g *Graph) Step(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Connect adds an edge between two nodes with optional attributes.
func (g *Graph) Connect(from, to *Node, attrs ...encoding.Attribute) {
	e := g.NewEdge(from, to).(*edge)
	for _, attr := range attrs {
		_ = e.SetAttribute(attr)
	}
	g.SetEdge(e)
}

// DOTAttributers returns the graph, default node and default edge attributes.
func (g *Graph) DOTAttributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	graphAttrs := &attributer{append(encoding.Attributes{{Key: "rankdir", Value: "LR"}}, g.attrs...)}
	nodeAttrs := &attributer{encoding.Attributes{{Key: "shape", Value: "box"}, {Key: "style", Value: "rounded"}}}
	return graphAttrs, nodeAttrs, &attributer{}
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

type Node struct {
	graph.Node
	id    string
	attrs encoding.Attributes
}

func (n *Node) DOTID() string {
	return n.id
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, "", "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export saga graph to DOT format: %w", err)
	}
	return string(data), nil
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}

type attributer struct {
	attrs encoding.Attributes
}

func (a *attributer) Attributes() []encoding.Attribute {
	return a.attrs.Attributes()
}

// statusColor maps step statuses to fill colours.
var statusColor = map[saga.StepStatus]string{
	saga.StepSucceeded:    "palegreen",
	saga.StepFailed:       "salmon",
	saga.StepStarted:      "lightyellow",
	saga.StepUndoStarted:  "lightyellow",
	saga.StepUndoFinished: "lightblue",
	saga.StepUndoFailed:   "orangered",
}

func undone(status saga.StepStatus) bool {
	return status == saga.StepUndoStarted || status == saga.StepUndoFinished || status == saga.StepUndoFailed
}

// FromState builds the graph for a saga snapshot. Every step gets a node on
// the forward chain. Steps whose compensation ran also get an undo node;
// undo nodes are chained in reverse step order, starting from the failed
// step or, for a rolled back saga, the last step.
func FromState(state saga.State) *Graph {
	g := New(state.SagaID)
	_ = g.SetAttribute(encoding.Attribute{Key: "label", Value: fmt.Sprintf("%s (%s)", state.SagaName, state.Status)})

	var prev *Node
	for i, step := range state.Steps {
		n := g.AddStep(step.Name, fmt.Sprintf("%d. %s\n%s", i+1, step.Name, step.Status))
		if color, ok := statusColor[step.Status]; ok {
			_ = n.SetAttribute(encoding.Attribute{Key: "style", Value: "rounded,filled"})
			_ = n.SetAttribute(encoding.Attribute{Key: "fillcolor", Value: color})
		}
		if prev != nil {
			g.Connect(prev, n)
		}
		prev = n
	}

	var from *Node
	for i := len(state.Steps) - 1; i >= 0; i-- {
		step := state.Steps[i]
		if from == nil && (step.Status == saga.StepFailed || undone(step.Status)) {
			from, _ = g.Step(step.Name)
		}
		if !undone(step.Status) {
			continue
		}
		undo := g.AddStep("undo_"+step.Name, "undo "+step.Name+"\n"+step.Status.String())
		_ = undo.SetAttribute(encoding.Attribute{Key: "style", Value: "rounded,dashed,filled"})
		_ = undo.SetAttribute(encoding.Attribute{Key: "fillcolor", Value: statusColor[step.Status]})
		g.Connect(from, undo, encoding.Attribute{Key: "style", Value: "dashed"})
		from = undo
	}

	return g
}
