package graph

import (
	"alma.local/specfuzz/spec"
)

// Unbounded is what a VecGraph reports as available ops and data.
const Unbounded = 0xffff_ffff

// VecGraph is a graph in growable memory.
type VecGraph struct {
	ops  []uint16
	data []byte
}

func NewVecGraph(ops []uint16, data []byte) *VecGraph {
	return &VecGraph{ops: ops, data: data}
}

func EmptyVecGraph() *VecGraph {
	return &VecGraph{}
}

// NewVecGraphWithSize returns a graph of zeroed streams, used as backing
// store for a RefGraph.
func NewVecGraphWithSize(opLen, dataLen int) *VecGraph {
	return &VecGraph{ops: make([]uint16, opLen), data: make([]byte, dataLen)}
}

func (g *VecGraph) Clear() {
	g.ops = g.ops[:0]
	g.data = g.data[:0]
}

func (g *VecGraph) TruncateTo(opsI, dataI int) {
	if opsI > len(g.ops) || dataI > len(g.data) {
		panic("graph: truncate beyond current length")
	}
	g.ops = g.ops[:opsI]
	g.data = g.data[:dataI]
}

func (g *VecGraph) AppendOp(op uint16) bool {
	g.ops = append(g.ops, op)
	return true
}

func (g *VecGraph) AppendData(data []byte) ([]byte, bool) {
	start := len(g.data)
	g.data = append(g.data, data...)
	return g.data[start:], true
}

func (g *VecGraph) GetData(size int) ([]byte, bool) {
	start := len(g.data)
	g.data = append(g.data, make([]byte, size)...)
	return g.data[start:], true
}

func (g *VecGraph) DataAvailable() int     { return Unbounded }
func (g *VecGraph) OpsAvailable() int      { return Unbounded }
func (g *VecGraph) CanAppend(_ *Node) bool { return true }
func (g *VecGraph) DataLen() int           { return len(g.data) }
func (g *VecGraph) OpLen() int             { return len(g.ops) }
func (g *VecGraph) Ops() []uint16          { return g.ops }
func (g *VecGraph) Data() []byte           { return g.data }

// AsRefGraph views the full capacity of g as a fixed size graph with
// cursors opsI and dataI.
func (g *VecGraph) AsRefGraph(opsI, dataI *uint64) *RefGraph {
	return NewRefGraph(g.ops[:cap(g.ops)], g.data[:cap(g.data)], opsI, dataI)
}

// LastNodeDataLength is the mutable data length of the last node, or 0 for
// an empty graph or a last node without data.
func (g *VecGraph) LastNodeDataLength(sp *spec.GraphSpec) int {
	nodes, _ := Nodes(g.ops, g.data, sp)
	if len(nodes) == 0 {
		return 0
	}
	return NodeDataLength(sp, &nodes[len(nodes)-1])
}

// NodeDataLength is the number of data bytes of n a deterministic sweep
// can address.
func NodeDataLength(sp *spec.GraphSpec, n *Node) int {
	atom, err := sp.NodeAtomic(n.Type)
	if err != nil || atom == nil {
		return 0
	}
	return atom.MutableLen(n.Data)
}
