// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package render

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/goccy/go-graphviz"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
)

// engineColors fills the node boxes by engine.
var engineColors = map[graph.Engine]string{
	graph.EngineVector:       "#cfe8ff",
	graph.EngineMatrix:       "#ffe1c4",
	graph.EngineDataMovement: "#d8f5d0",
}

// ToDOT converts a sequence of nodes to a Graphviz dataflow diagram: nodes are boxes, tensors are ellipses,
// and views point to the tensor they alias with a dashed edge.
//
// The identifier of the graph is written as a comment, to match diagrams with the logs.
func ToDOT(g *graph.Graph, nodes []*graph.Node) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// graph %s (%s), id %s\n", g.Name(), g.DeviceKind(), g.Id())
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [fontsize=12];\n")
	buf.WriteString("\n")

	seen := make(map[graph.TensorId]bool)
	writeTensor := func(t *graph.Tensor) {
		if t == nil || seen[t.Id()] {
			return
		}
		seen[t.Id()] = true
		label := fmt.Sprintf("%s\n%s", t.Name(), t.Shape())
		if t.IsPermuted() {
			label += fmt.Sprintf("\nperm %s", t.Permutation())
		}
		style := "solid"
		if t.UserManaged || t.EnforcedOutput {
			style = "bold"
		}
		fmt.Fprintf(&buf, "  %q [shape=ellipse, style=%s, label=%q];\n", tensorID(t), style, label)
	}
	for _, n := range nodes {
		for _, t := range n.Inputs() {
			writeTensor(t)
		}
		for _, t := range n.Outputs() {
			writeTensor(t)
		}
	}

	buf.WriteString("\n")
	for i, n := range nodes {
		label := fmt.Sprintf("#%d %s\n%s", i, n.Name(), n.GUID())
		if n.IsLogical() {
			fmt.Fprintf(&buf, "  %q [shape=box, style=\"rounded,dashed\", label=%q];\n", nodeID(n), label)
		} else {
			fmt.Fprintf(&buf, "  %q [shape=box, style=\"rounded,filled\", fillcolor=%q, label=%q];\n",
				nodeID(n), engineColors[n.Engine()], label+"\n@"+n.Engine().String())
		}
		for j, t := range n.Inputs() {
			if t != nil {
				fmt.Fprintf(&buf, "  %q -> %q [label=\"%d\"];\n", tensorID(t), nodeID(n), j)
			}
		}
		for _, t := range n.Outputs() {
			if t != nil {
				fmt.Fprintf(&buf, "  %q -> %q;\n", nodeID(n), tensorID(t))
			}
		}
	}

	buf.WriteString("\n")
	viewsDrawn := make(map[graph.TensorId]bool)
	for _, n := range nodes {
		for _, t := range slices.Concat(n.Inputs(), n.Outputs()) {
			if t == nil || viewsDrawn[t.Id()] {
				continue
			}
			if alias := t.AliasOf(); alias != nil && seen[alias.Id()] {
				fmt.Fprintf(&buf, "  %q -> %q [style=dashed, arrowhead=none];\n", tensorID(t), tensorID(alias))
				viewsDrawn[t.Id()] = true
			}
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}

func nodeID(n *graph.Node) string { return fmt.Sprintf("n%d", n.Id()) }

func tensorID(t *graph.Tensor) string { return fmt.Sprintf("t%d", t.Id()) }

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize graphviz")
	}
	defer func() { _ = gv.Close() }()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DOT")
	}
	defer func() { _ = g.Close() }()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, errors.Wrap(err, "failed to render SVG")
	}
	return buf.Bytes(), nil
}
