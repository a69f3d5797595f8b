package graph

import (
	"github.com/pkg/errors"

	"alma.local/specfuzz/spec"
)

// ErrMalformedGraph is returned when an op stream does not decode under
// the spec it is read with.
var ErrMalformedGraph = errors.New("graph: malformed op stream")

// OpKind tells what a single op code stands for.
type OpKind uint8

const (
	OpNode OpKind = iota
	OpGet
	OpPass
	OpSet
)

func (k OpKind) String() string {
	switch k {
	case OpNode:
		return "Node"
	case OpGet:
		return "Get"
	case OpPass:
		return "Pass"
	case OpSet:
		return "Set"
	}
	return "?"
}

// Op is one decoded op code. For OpNode only Node is set, otherwise Value
// and ID name the operand.
type Op struct {
	Kind  OpKind
	Node  spec.NodeTypeID
	Value spec.ValueTypeID
	ID    uint16
}

// Node is one decoded node: its op index, its ops (tag first) and its data
// span, which is empty for nodes without a data type.
type Node struct {
	OpIndex   int
	DataIndex int
	Type      spec.NodeTypeID
	Ops       []uint16
	Data      []byte
}

// Operands splits the operand ops into inputs, passthroughs and outputs.
func (n *Node) Operands(ns *spec.NodeSpec) (inputs, passthroughs, outputs []uint16) {
	i := 1 + len(ns.Inputs)
	j := i + len(ns.Passthroughs)
	return n.Ops[1:i], n.Ops[i:j], n.Ops[j:]
}

// NodeIter walks the nodes of an op and data stream.
type NodeIter struct {
	ops   []uint16
	data  []byte
	spec  *spec.GraphSpec
	opI   int
	dataI int
	err   error
}

func NewNodeIter(ops []uint16, data []byte, s *spec.GraphSpec) *NodeIter {
	return &NodeIter{ops: ops, data: data, spec: s}
}

// Next returns the next node. It returns false at the end of the stream or
// when the stream is malformed, in which case Err is set.
func (it *NodeIter) Next() (Node, bool) {
	if it.err != nil || it.opI >= len(it.ops) {
		return Node{}, false
	}
	tag := spec.NodeTypeID(it.ops[it.opI])
	ns, err := it.spec.Node(tag)
	if err != nil {
		it.err = errors.Wrapf(ErrMalformedGraph, "op %d: %v", it.opI, err)
		return Node{}, false
	}
	end := it.opI + 1 + ns.Size()
	if end > len(it.ops) {
		it.err = errors.Wrapf(ErrMalformedGraph, "node %s at op %d is truncated", ns.Name, it.opI)
		return Node{}, false
	}
	size := 0
	if ns.Data != nil {
		atom, err := it.spec.Atomic(*ns.Data)
		if err != nil {
			it.err = errors.Wrapf(ErrMalformedGraph, "node %s: %v", ns.Name, err)
			return Node{}, false
		}
		n, ok := atom.Type.DataSize(it.data[it.dataI:])
		if !ok {
			it.err = errors.Wrapf(ErrMalformedGraph, "node %s at op %d: data is truncated", ns.Name, it.opI)
			return Node{}, false
		}
		size = n
	}
	node := Node{
		OpIndex:   it.opI,
		DataIndex: it.dataI,
		Type:      tag,
		Ops:       it.ops[it.opI:end],
		Data:      it.data[it.dataI : it.dataI+size],
	}
	it.opI = end
	it.dataI += size
	return node, true
}

func (it *NodeIter) Err() error { return it.err }

// Nodes decodes all nodes of the stream.
func Nodes(ops []uint16, data []byte, s *spec.GraphSpec) ([]Node, error) {
	var out []Node
	it := NewNodeIter(ops, data, s)
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, n)
	}
	return out, it.Err()
}

// OpIter walks the op stream one op code at a time.
type OpIter struct {
	ops  []uint16
	spec *spec.GraphSpec
	i    int
	node *spec.NodeSpec
	port int
	err  error
}

func NewOpIter(ops []uint16, s *spec.GraphSpec) *OpIter {
	return &OpIter{ops: ops, spec: s}
}

func (it *OpIter) Next() (Op, bool) {
	if it.err != nil || it.i >= len(it.ops) {
		return Op{}, false
	}
	code := it.ops[it.i]
	it.i++
	if it.node == nil || it.port >= it.node.Size() {
		ns, err := it.spec.Node(spec.NodeTypeID(code))
		if err != nil {
			it.err = errors.Wrapf(ErrMalformedGraph, "op %d: %v", it.i-1, err)
			return Op{}, false
		}
		it.node, it.port = ns, 0
		return Op{Kind: OpNode, Node: ns.ID}, true
	}
	p := it.port
	it.port++
	n := it.node
	switch {
	case p < len(n.Inputs):
		return Op{Kind: OpGet, Value: n.Inputs[p], ID: code}, true
	case p < len(n.Inputs)+len(n.Passthroughs):
		return Op{Kind: OpPass, Value: n.Passthroughs[p-len(n.Inputs)], ID: code}, true
	default:
		return Op{Kind: OpSet, Value: n.Outputs[p-len(n.Inputs)-len(n.Passthroughs)], ID: code}, true
	}
}

func (it *OpIter) Err() error { return it.err }
