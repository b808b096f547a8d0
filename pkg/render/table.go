// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package render prints legalized sequences: as terminal tables (with lipgloss) or as Graphviz diagrams.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/legalizer/pkg/core/graph"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	logicalRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"}).
			PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles printed above the tables.
	TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable creates a table with alternating row styles. Rows listed in highlighted use logicalRowStyle.
// alignments are per column, the last one repeated for the remaining columns.
func newPlainTable(highlighted map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case highlighted[row]:
				s = logicalRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// SequenceTable renders the nodes of a sequence, one per row, with their operands and the bytes they write.
// Logical nodes are highlighted.
func SequenceTable(nodes []*graph.Node) string {
	logical := make(map[int]bool)
	for i, n := range nodes {
		if n.IsLogical() {
			logical[i] = true
		}
	}
	table := newPlainTable(logical, lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left,
		lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("#", "Name", "Kind", "Engine", "GUID", "Inputs", "Outputs", "Written")
	for i, n := range nodes {
		var written int64
		for _, t := range n.Outputs() {
			if t != nil && !t.ShapeOnly {
				written += t.Bytes()
			}
		}
		engine := n.Engine().String()
		if n.IsLogical() {
			engine = "logical"
		}
		table.Row(
			humanize.Comma(int64(i)),
			n.Name(),
			n.Kind().String(),
			engine,
			n.GUID(),
			operands(n.Inputs()),
			operands(n.Outputs()),
			humanize.IBytes(uint64(written)),
		)
	}
	return table.Render()
}

// operands lists tensors as name:shape, with the permutation and alias annotations that matter for
// debugging layouts.
func operands(list []*graph.Tensor) string {
	parts := make([]string, 0, len(list))
	for _, t := range list {
		if t == nil {
			parts = append(parts, "-")
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s:%s", t.Name(), t.Shape())
		if t.IsPermuted() {
			fmt.Fprintf(&sb, " perm=%s", t.Permutation())
		}
		if alias := t.AliasOf(); alias != nil {
			fmt.Fprintf(&sb, " view-of=%s", alias.Name())
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "\n")
}

// Stat is one key/value line of a StatsTable.
type Stat struct {
	Key   string
	Value any
}

// StatsTable renders key/value statistics. Integer values are printed with thousands separators.
func StatsTable(stats []Stat) string {
	table := newPlainTable(nil, lipgloss.Right, lipgloss.Left)
	for _, stat := range stats {
		var value string
		switch v := stat.Value.(type) {
		case int:
			value = humanize.Comma(int64(v))
		case int64:
			value = humanize.Comma(v)
		default:
			value = fmt.Sprint(v)
		}
		table.Row(stat.Key, value)
	}
	return table.Render()
}

// EngineCounts returns the number of nodes per engine in the sequence, in a fixed order, with logical nodes
// counted apart.
func EngineCounts(nodes []*graph.Node) []Stat {
	counts := make(map[graph.Engine]int)
	numLogical := 0
	for _, n := range nodes {
		if n.IsLogical() {
			numLogical++
			continue
		}
		counts[n.Engine()]++
	}
	stats := make([]Stat, 0, 4)
	for _, engine := range []graph.Engine{graph.EngineVector, graph.EngineMatrix, graph.EngineDataMovement} {
		stats = append(stats, Stat{Key: engine.String() + " nodes", Value: counts[engine]})
	}
	return append(stats, Stat{Key: "logical nodes", Value: numLogical})
}
