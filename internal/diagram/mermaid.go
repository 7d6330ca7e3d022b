package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	writeNodes(&b, model.Nodes, 1)
	writeEdges(&b, model.Edges, 1)

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	model.Walk(func(n *Node) {
		if cls := statusClass(n.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", n.ID, cls)
		}
	})
	return b.String()
}

func writeNodes(b *strings.Builder, nodes []*Node, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, n := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, nodeDef(n))
		for _, sg := range n.Children {
			fmt.Fprintf(b, "%ssubgraph %s[\"%s\"]\n", indent, sg.ID, escapeLabel(sg.Label))
			writeNodes(b, sg.Nodes, depth+1)
			writeEdges(b, sg.Edges, depth+1)
			fmt.Fprintf(b, "%send\n", indent)
			fmt.Fprintf(b, "%s%s -.-> %s\n", indent, n.ID, sg.ID)
		}
	}
}

func writeEdges(b *strings.Builder, edges []Edge, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, e := range edges {
		if e.Label != "" {
			fmt.Fprintf(b, "%s%s -->|%s| %s\n", indent, e.From, escapeLabel(e.Label), e.To)
			continue
		}
		fmt.Fprintf(b, "%s%s --> %s\n", indent, e.From, e.To)
	}
}

// nodeDef returns a node definition with the shape of its kind.
func nodeDef(n *Node) string {
	l := escapeLabel(firstLine(n.Label))
	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{\"%s\"}", n.ID, l)
	case NodeKindSuspend:
		return fmt.Sprintf("%s([\"%s\"])", n.ID, l)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[\"%s\"]]", n.ID, l)
	case NodeKindTry:
		return fmt.Sprintf("%s{{\"%s\"}}", n.ID, l)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", n.ID, l)
	default:
		return fmt.Sprintf("%s[\"%s\"]", n.ID, l)
	}
}

var labelEscaper = strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;")

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func statusClass(status string) string {
	switch status {
	case StatusCompleted, StatusFailed, StatusSuspended, StatusPending:
		return status
	default:
		return ""
	}
}
