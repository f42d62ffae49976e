package diagram

import (
	"fmt"
	"regexp"
	"strings"
)

// mermaidReserved are words Mermaid's flowchart grammar treats as keywords
// when used as node ids.
var mermaidReserved = map[string]bool{
	"end": true, "graph": true, "subgraph": true, "click": true, "style": true,
	"class": true, "classdef": true, "linkstyle": true, "flowchart": true,
	"direction": true, "default": true, "call": true, "href": true,
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Step names that collide with Mermaid keywords or carry unsafe characters get
// a derived id; labels always show the original name.
func RenderMermaid(model *DiagramModel) string {
	ids := mermaidIDs(model.Nodes)

	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", strings.ReplaceAll(model.Title, "\n", " "))
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(ids[node.ID], node))
	}
	for _, edge := range model.Edges {
		from, to := ids[edge.From], ids[edge.To]
		if from == "" || to == "" {
			continue
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", from, mermaidArrow(edge), mermaidEdgeLabel(edge.Label), to)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", ids[node.ID], cls)
		}
	}
	return b.String()
}

// mermaidIDs assigns every node a unique Mermaid-safe id.
func mermaidIDs(nodes []*Node) map[string]string {
	ids := make(map[string]string, len(nodes))
	taken := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		base := mermaidSafeID(n.ID)
		id := base
		for i := 2; taken[id]; i++ {
			id = fmt.Sprintf("%s_%d", base, i)
		}
		taken[id] = true
		ids[n.ID] = id
	}
	return ids
}

// mermaidSafeID converts a step name to a Mermaid identifier. Unsafe
// characters become underscores; reserved words and leading digits get a prefix.
func mermaidSafeID(name string) string {
	id := unsafeIDChars.ReplaceAllString(name, "_")
	if id == "" || mermaidReserved[strings.ToLower(id)] || (id[0] >= '0' && id[0] <= '9') {
		id = "step_" + id
	}
	return id
}

func mermaidNodeDef(id string, node *Node) string {
	label := mermaidEscapeLabel(node.ID)
	if node.Action != "" {
		label += "<br/>" + mermaidEscapeLabel(node.Action)
	}
	if node.OnlyIf != "" {
		label += "<br/>if " + mermaidEscapeLabel(node.OnlyIf)
	}
	if node.Kind == NodeKindStart {
		label = mermaidEscapeLabel(node.Label)
	}

	switch node.Kind {
	case NodeKindStart:
		return fmt.Sprintf(`%s(("%s"))`, id, label)
	case NodeKindLoop:
		return fmt.Sprintf(`%s[["%s"]]`, id, label)
	case NodeKindHandler:
		return fmt.Sprintf(`%s{{"%s"}}`, id, label)
	case NodeKindForm, NodeKindOutput:
		return fmt.Sprintf(`%s[/"%s"/]`, id, label)
	case NodeKindWait:
		return fmt.Sprintf(`%s(["%s"])`, id, label)
	case NodeKindWorkflow:
		return fmt.Sprintf(`%s[("%s")]`, id, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

func mermaidArrow(e Edge) string {
	switch {
	case e.Kind == EdgeLoopBody:
		return "==>"
	case e.Dashed():
		return "-.->"
	default:
		return "-->"
	}
}

func mermaidEdgeLabel(label string) string {
	if label == "" {
		return ""
	}
	return `|"` + mermaidEscapeLabel(label) + `"|`
}

// mermaidEscapeLabel makes text safe inside a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "\n", " ", "<", "#lt;", ">", "#gt;")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "current", "waiting", "skipped":
		return status
	case "running":
		return "current"
	default:
		return ""
	}
}
