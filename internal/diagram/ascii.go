package diagram

import (
	"fmt"
	"strings"
)

const maxErrorWidth = 40

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"skipped":   "[SKIP]",
	"pending":   "[PEND]",
}

// kindMarks prefix the label of nodes whose kind changes control flow.
var kindMarks = map[NodeKind]string{
	NodeKindCondition: "<?> ",
	NodeKindLoop:      "(*) ",
}

// RenderASCII draws the model level by level with box-drawing characters.
// Rows are joined by an arrow; branch edges leaving a row are listed under
// the arrow as "from -[handle]-> to".
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	labelled := make(map[string][]Edge)
	for _, e := range model.Edges {
		if e.Label != "" {
			labelled[e.From] = append(labelled[e.From], e)
		}
	}

	for i, level := range model.Levels {
		var row []box
		var branches []Edge
		for _, id := range level {
			n, ok := byID[id]
			if !ok {
				continue
			}
			row = append(row, newBox(n))
			branches = append(branches, labelled[id]...)
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i == len(model.Levels)-1 {
			break
		}
		b.WriteString("       │\n")
		for _, e := range branches {
			fmt.Fprintf(&b, "       ├ %s -[%s]-> %s\n", e.From, e.Label, e.To)
		}
		b.WriteString("       ▼\n")
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := []string{kindMarks[n.Kind] + firstLine(n.Label)}
	if ov := n.Status; ov != nil {
		if tag := statusTags[ov.Status]; tag != "" {
			content = append(content, tag)
		}
		if ov.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", ov.DurationMs))
		}
		if ov.Error != "" {
			content = append(content, truncate(ov.Error, maxErrorWidth))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, len([]rune(c)))
	}
	bar := strings.Repeat("─", inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+bar+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-len([]rune(c)))+" │")
	}
	lines = append(lines, "└"+bar+"┘")
	return box{lines: lines, width: inner + 4}
}

// writeRow prints boxes side by side, padding shorter boxes with blanks.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for line := 0; line < height; line++ {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx.lines) {
				b.WriteString(bx.lines[line])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// firstLine drops everything after the first newline.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
