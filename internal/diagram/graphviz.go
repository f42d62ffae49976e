package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(model *DiagramModel) ([]byte, error) {
	return render(model, graphviz.PNG)
}

// RenderSVG renders a DiagramModel as an SVG document using graphviz.
func RenderSVG(model *DiagramModel) ([]byte, error) {
	return render(model, graphviz.SVG)
}

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindLoop:     cgraph.BoxShape,
	NodeKindHandler:  cgraph.HexagonShape,
	NodeKindForm:     cgraph.ParallelogramShape,
	NodeKindOutput:   cgraph.ParallelogramShape,
	NodeKindWait:     cgraph.EllipseShape,
	NodeKindWorkflow: cgraph.Box3DShape,
	NodeKindStart:    cgraph.CircleShape,
}

type palette struct{ fill, font string }

var statusPalette = map[string]palette{
	"completed": {"#2d6a2d", "white"},
	"failed":    {"#8b1a1a", "white"},
	"current":   {"#1a5276", "white"},
	"running":   {"#1a5276", "white"},
	"waiting":   {"#b7791a", "white"},
	"skipped":   {"#e8e8e8", "#888888"},
}

const errorEdgeColor = "#8b1a1a"

func render(model *DiagramModel, format graphviz.Format) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes, err := addNodes(graph, model.Nodes)
	if err != nil {
		return nil, err
	}
	if err := addEdges(graph, nodes, model.Edges); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func addNodes(graph *cgraph.Graph, nodes []*Node) (map[string]*cgraph.Node, error) {
	out := make(map[string]*cgraph.Node, len(nodes))
	for _, node := range nodes {
		gn, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gn.SetLabel(node.Label)
		styleNode(gn, node)
		out[node.ID] = gn
	}
	return out, nil
}

// addEdges draws loop bodies bold, conditional links dashed and error
// routes in red. Edges to unknown nodes are skipped.
func addEdges(graph *cgraph.Graph, nodes map[string]*cgraph.Node, edges []Edge) error {
	for _, edge := range edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			ge.SetLabel(edge.Label)
		}
		if edge.Kind == EdgeLoopBody {
			ge.SetStyle(cgraph.BoldEdgeStyle)
		} else if edge.Dashed() {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
		if edge.Kind == EdgeOnError {
			ge.SetColor(errorEdgeColor)
		}
	}
	return nil
}

func styleNode(gn *cgraph.Node, node *Node) {
	shape, ok := kindShapes[node.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	switch node.Kind {
	case NodeKindLoop:
		gn.SetPeripheries(2)
	case NodeKindStart:
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}

	if node.Status == nil {
		return
	}
	p, ok := statusPalette[node.Status.Status]
	if !ok {
		p = palette{"#d3d3d3", "black"}
	}
	gn.SetStyle(cgraph.FilledNodeStyle)
	if node.Status.Status == "skipped" {
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
	gn.SetFillColor(p.fill)
	gn.SetFontColor(p.font)
}
