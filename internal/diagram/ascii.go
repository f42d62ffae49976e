package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "current", "running":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a plain-text outline: one box per step
// in breadth-first order from the start node, followed by its outgoing links.
// Steps unreachable from the start are listed last.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	out := map[string][]Edge{}
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e)
	}

	for _, node := range walkOrder(model, out) {
		if node.Kind == NodeKindStart {
			continue
		}
		writeBox(&b, node)
		for _, e := range out[node.ID] {
			arrow := "─→"
			if e.Dashed() {
				arrow = "╌→"
			}
			label := string(e.Kind)
			if e.Label != "" && e.Kind != EdgeExpr {
				label = e.Label
			}
			fmt.Fprintf(&b, "  %s %s (%s)\n", arrow, e.To, label)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func walkOrder(model *DiagramModel, out map[string][]Edge) []*Node {
	var order []*Node
	seen := map[string]bool{}
	queue := []string{StartNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if n := model.Node(id); n != nil {
			order = append(order, n)
		}
		for _, e := range out[id] {
			queue = append(queue, e.To)
		}
	}
	for _, n := range model.Nodes {
		if !seen[n.ID] {
			order = append(order, n)
		}
	}
	return order
}

func writeBox(b *strings.Builder, node *Node) {
	lines := []string{node.ID}
	if node.Action != "" {
		lines = append(lines, "("+node.Action+")")
	}
	if node.OnlyIf != "" {
		lines = append(lines, "if "+node.OnlyIf)
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			lines = append(lines, tag)
		}
		if node.Status.Error != "" {
			lines = append(lines, firstLine(node.Status.Error))
		}
	}

	width := 0
	for _, l := range lines {
		if n := len([]rune(l)); n > width {
			width = n
		}
	}
	b.WriteString("┌" + strings.Repeat("─", width+2) + "┐\n")
	for _, l := range lines {
		b.WriteString("│ " + l + strings.Repeat(" ", width-len([]rune(l))) + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", width+2) + "┘\n")
}

// firstLine returns only the first line of a multi-line string.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
