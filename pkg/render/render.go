// Package render turns a computed plan into text: a Dockerfile for an external
// builder, or a table for humans.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/svcship/pkg/planner"
)

const excludeSyntax = "# syntax=docker/dockerfile:1.7-labs"

// Dockerfile emits one instruction group per layer, annotated with the layer
// digest so a build log can be matched back to the plan.
func Dockerfile(name string, layers []planner.Layer) string {
	var b strings.Builder
	if needsExcludeSyntax(layers) {
		b.WriteString(excludeSyntax + "\n")
	}
	if name != "" {
		fmt.Fprintf(&b, "# %s\n", name)
	}
	for _, l := range layers {
		fmt.Fprintf(&b, "\n# layer %d %s %s\n", l.Index, l.Kind, shortDigest(l.Digest.String()))
		b.WriteString(l.Instruction)
		b.WriteString("\n")
	}
	return b.String()
}

func needsExcludeSyntax(layers []planner.Layer) bool {
	for _, l := range layers {
		if len(l.Exclude) > 0 {
			return true
		}
	}
	return false
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	kindStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	digestStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

// Table renders one row per layer: index, kind, digest and the first line of
// the instruction.
func Table(layers []planner.Layer) string {
	rows := [][]string{{"#", "KIND", "DIGEST", "INSTRUCTION"}}
	for _, l := range layers {
		first, _, _ := strings.Cut(l.Instruction, "\n")
		if strings.Contains(l.Instruction, "\n") {
			first += " …"
		}
		rows = append(rows, []string{fmt.Sprint(l.Index), string(l.Kind), shortDigest(l.Digest.String()), first})
	}

	widths := make([]int, len(rows[0]))
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var lines []string
	for ri, r := range rows {
		cells := make([]string, len(r))
		for i, c := range r {
			st := cellStyle.Width(widths[i] + 2)
			switch {
			case ri == 0:
				st = st.Inherit(headerStyle)
			case i == 1:
				st = st.Inherit(kindStyle)
			case i == 2:
				st = st.Inherit(digestStyle)
			}
			cells[i] = st.Render(c)
		}
		lines = append(lines, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
	return strings.Join(lines, "\n") + "\n"
}

func shortDigest(d string) string {
	const keep = len("sha256:") + 12
	if len(d) > keep {
		return d[:keep]
	}
	return d
}
