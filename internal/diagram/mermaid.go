package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a model as a Mermaid flowchart. The output pastes
// directly into any Markdown surface that supports Mermaid, which covers
// most MCP clients.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%q|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a node definition with a shape per kind: stadium
// shapes for the synthetic start/end nodes, hexagons for gates, rectangles
// for plain steps.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := nodeLabel(node)

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindGate:
		return fmt.Sprintf("%s{{%q}}", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// nodeLabel appends the runtime overlay to the declared label.
func nodeLabel(node *Node) string {
	label := strings.ReplaceAll(node.Label, "\n", "<br/>")
	if node.Status == nil {
		return label
	}
	extra := node.Status.Status
	if node.Status.DurationMs > 0 {
		extra += fmt.Sprintf(" %dms", node.Status.DurationMs)
	}
	if node.Status.Retries > 0 {
		extra += fmt.Sprintf(" retries=%d", node.Status.Retries)
	}
	return label + "<br/>" + extra
}

// mermaidSafeID replaces characters Mermaid treats as syntax.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
