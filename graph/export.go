package graph

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emicklei/dot"

	"alma.local/specfuzz/spec"
)

func varNames(ids []uint16, types []spec.ValueTypeID, sp *spec.GraphSpec) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		name := "?"
		if v, err := sp.Value(types[i]); err == nil {
			name = v.Name
		}
		parts[i] = fmt.Sprintf("v_%s_%d", name, id)
	}
	return strings.Join(parts, ", ")
}

// ToScript renders one call per node:
//
//	v_fd_1 = open( inputs=[], borrows=[], data=0)
func ToScript(s Storage, sp *spec.GraphSpec) string {
	var b strings.Builder
	it := NodeIterOf(s, sp)
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		ns, _ := sp.Node(n.Type)
		in, pass, out := n.Operands(ns)
		if outs := varNames(out, ns.Outputs, sp); outs != "" {
			b.WriteString(outs)
			b.WriteString(" = ")
		}
		fmt.Fprintf(&b, "%s( inputs=[%s], borrows=[%s], data=%s)\n",
			ns.Name,
			varNames(in, ns.Inputs, sp),
			varNames(pass, ns.Passthroughs, sp),
			sp.NodeDataInspect(n.Type, n.Data))
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(&b, "# %v\n", err)
	}
	return b.String()
}

func WriteScriptFile(path string, s Storage, sp *spec.GraphSpec) error {
	return os.WriteFile(path, []byte(ToScript(s, sp)), 0o644)
}

// ToDot renders the graph for Graphviz. Nodes are named after their op
// index and chained by invisible edges to keep program order.
func ToDot(s Storage, sp *spec.GraphSpec) (string, error) {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	nodes := map[int]dot.Node{}
	var prev *dot.Node
	it := NodeIterOf(s, sp)
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		ns, _ := sp.Node(n.Type)
		dn := g.Node("n"+strconv.Itoa(n.OpIndex)).
			Attr("label", ns.Name+sp.NodeDataInspect(n.Type, n.Data)).
			Attr("shape", "box")
		nodes[n.OpIndex] = dn
		if prev != nil {
			g.Edge(*prev, dn).Attr("style", "invis").Attr("weight", "100")
		}
		prev = &dn
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	edges, err := CalcEdges(s, sp)
	if err != nil {
		return "", err
	}
	for _, e := range edges {
		label := "?"
		if v, err := sp.Value(e.Value); err == nil {
			label = v.Name
		}
		edge := g.Edge(nodes[e.Src], nodes[e.Dst], label)
		if e.Borrow {
			edge.Attr("style", "dashed")
		}
	}
	return g.String(), nil
}

func WriteDotFile(path string, s Storage, sp *spec.GraphSpec) error {
	out, err := ToDot(s, sp)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(out), 0o644)
}
