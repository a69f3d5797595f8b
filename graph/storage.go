package graph

import (
	"github.com/pkg/errors"

	"alma.local/specfuzz/spec"
)

// Storage is the op and data stream of one graph. VecGraph grows on
// demand, RefGraph writes into a fixed shared buffer.
type Storage interface {
	Clear()
	// TruncateTo shrinks the streams. It panics if either target is larger
	// than the current length.
	TruncateTo(opsI, dataI int)
	AppendOp(op uint16) bool
	// AppendData copies data to the end of the data stream and returns the
	// written span.
	AppendData(data []byte) ([]byte, bool)
	// GetData reserves size zeroed bytes at the end of the data stream.
	GetData(size int) ([]byte, bool)
	DataAvailable() int
	OpsAvailable() int
	CanAppend(n *Node) bool
	DataLen() int
	OpLen() int
	Ops() []uint16
	Data() []byte
}

// Edge connects the output port of one node to an input or passthrough
// port of a later node. Node ids are op indices.
type Edge struct {
	Src     int
	SrcPort int
	Dst     int
	DstPort int
	Value   spec.ValueTypeID
	Borrow  bool
}

func IsEmpty(s Storage) bool { return s.OpLen() == 0 }

func NodeIterOf(s Storage, sp *spec.GraphSpec) *NodeIter {
	return NewNodeIter(s.Ops(), s.Data(), sp)
}

// NodeLen counts the nodes of s. A malformed tail is not counted.
func NodeLen(s Storage, sp *spec.GraphSpec) int {
	n := 0
	it := NodeIterOf(s, sp)
	for {
		if _, ok := it.Next(); !ok {
			return n
		}
		n++
	}
}

// AsVecGraph copies s into a new VecGraph.
func AsVecGraph(s Storage) *VecGraph {
	return NewVecGraph(append([]uint16(nil), s.Ops()...), append([]byte(nil), s.Data()...))
}

// CopyFrom replaces the content of dst with g.
func CopyFrom(dst Storage, g *VecGraph) error {
	dst.Clear()
	for _, op := range g.Ops() {
		if !dst.AppendOp(op) {
			return errors.Errorf("graph: no room for %d ops", g.OpLen())
		}
	}
	if _, ok := dst.AppendData(g.Data()); !ok {
		return errors.Errorf("graph: no room for %d data bytes", g.DataLen())
	}
	return nil
}

// CopyFromCutoff replaces the content of dst with the first cutoff nodes
// of g.
func CopyFromCutoff(dst Storage, g *VecGraph, cutoff int, sp *spec.GraphSpec) error {
	return CopyFromSliceAB(dst, g, 0, cutoff, sp)
}

// CopyFromSliceAB replaces the content of dst with the nodes [a, b) of g.
func CopyFromSliceAB(dst Storage, g *VecGraph, a, b int, sp *spec.GraphSpec) error {
	nodes, err := Nodes(g.Ops(), g.Data(), sp)
	if err != nil {
		return err
	}
	if a < 0 || a > b || b > len(nodes) {
		return errors.Errorf("graph: node range [%d,%d) outside of %d nodes", a, b, len(nodes))
	}
	dst.Clear()
	for _, n := range nodes[a:b] {
		if err := appendNode(dst, &n); err != nil {
			return err
		}
	}
	return nil
}

// appendNode copies the raw ops and data of n without renaming.
func appendNode(dst Storage, n *Node) error {
	if !dst.CanAppend(n) {
		return errors.Errorf("graph: no room for node at op %d", n.OpIndex)
	}
	for _, op := range n.Ops {
		dst.AppendOp(op)
	}
	dst.AppendData(n.Data)
	return nil
}

// CalcEdges resolves operand ids into edges between producing and
// consuming nodes.
func CalcEdges(s Storage, sp *spec.GraphSpec) ([]Edge, error) {
	type key struct {
		vt spec.ValueTypeID
		id uint16
	}
	type src struct{ node, port int }
	var (
		res      []Edge
		producer = map[key]src{}
		last     = -1
		inPort   int
		passPort int
		outPort  int
	)
	it := NewOpIter(s.Ops(), sp)
	for i := 0; ; i++ {
		op, ok := it.Next()
		if !ok {
			break
		}
		k := key{op.Value, op.ID}
		switch op.Kind {
		case OpNode:
			last, inPort, passPort, outPort = i, 0, 0, 0
		case OpSet:
			producer[k] = src{last, outPort}
			outPort++
		case OpGet:
			p, ok := producer[k]
			if !ok {
				return nil, errors.Wrapf(ErrMalformedGraph, "op %d reads undefined v_%d_%d", i, op.Value, op.ID)
			}
			delete(producer, k)
			res = append(res, Edge{Src: p.node, SrcPort: p.port, Dst: last, DstPort: inPort, Value: op.Value})
			inPort++
		case OpPass:
			p, ok := producer[k]
			if !ok {
				return nil, errors.Wrapf(ErrMalformedGraph, "op %d borrows undefined v_%d_%d", i, op.Value, op.ID)
			}
			res = append(res, Edge{Src: p.node, SrcPort: p.port, Dst: last, DstPort: passPort, Value: op.Value, Borrow: true})
			passPort++
		}
	}
	return res, it.Err()
}
