package spec

import (
	"math"

	"github.com/pkg/errors"
)

// SnapshotNodeName is the reserved node type that marks a VM snapshot.
const SnapshotNodeName = "create_tmp_snapshot"

// GraphSpec describes every node, value and data type a graph may use.
// It is built once and then only read, so it can be shared by workers.
type GraphSpec struct {
	Checksum       uint64
	Nodes          []NodeSpec
	Values         []ValueSpec
	Atomics        []AtomicSpec
	SnapshotNodeID *NodeTypeID

	maxData int
	maxOps  int
}

func NewGraphSpec(checksum uint64) *GraphSpec {
	return &GraphSpec{Checksum: checksum}
}

// BiggestData is the largest minimum data footprint of any node.
func (s *GraphSpec) BiggestData() int { return s.maxData }

// BiggestOps is the largest op footprint of any node, tag included.
func (s *GraphSpec) BiggestOps() int { return s.maxOps }

func (s *GraphSpec) Node(n NodeTypeID) (*NodeSpec, error) {
	if int(n) >= len(s.Nodes) {
		return nil, errors.Wrapf(ErrUnknownNodeType, "node type %d", n)
	}
	return &s.Nodes[n], nil
}

func (s *GraphSpec) Value(v ValueTypeID) (*ValueSpec, error) {
	if int(v) >= len(s.Values) {
		return nil, errors.Wrapf(ErrUnknownValueType, "value type %d", v)
	}
	return &s.Values[v], nil
}

func (s *GraphSpec) Atomic(a AtomicTypeID) (*AtomicSpec, error) {
	if a < 0 || int(a) >= len(s.Atomics) {
		return nil, errors.Wrapf(ErrUnknownDataType, "data type %d", a)
	}
	return &s.Atomics[a], nil
}

// NodeAtomic returns the data type of a node, or nil for nodes without data.
func (s *GraphSpec) NodeAtomic(n NodeTypeID) (AtomicType, error) {
	node, err := s.Node(n)
	if err != nil {
		return nil, err
	}
	if node.Data == nil {
		return nil, nil
	}
	a, err := s.Atomic(*node.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", node.Name)
	}
	return a.Type, nil
}

// ValueType registers a new value type.
func (s *GraphSpec) ValueType(name string) (ValueTypeID, error) {
	if len(s.Values) >= math.MaxUint16 {
		return 0, errors.Wrap(ErrMalformedSchema, "too many value types")
	}
	id := ValueTypeID(len(s.Values))
	s.Values = append(s.Values, ValueSpec{ID: id, Name: name})
	return id, nil
}

// DataType registers a new atomic data type.
func (s *GraphSpec) DataType(name string, t AtomicType) AtomicTypeID {
	id := AtomicTypeID(len(s.Atomics))
	if m := t.MinDataSize(); m > s.maxData {
		s.maxData = m
	}
	s.Atomics = append(s.Atomics, AtomicSpec{ID: id, Name: name, Type: t})
	return id
}

// NodeType registers a new node type. The node named SnapshotNodeName
// becomes the snapshot marker and is never generated randomly.
func (s *GraphSpec) NodeType(name string, data *AtomicTypeID, inputs, passthroughs, outputs []ValueTypeID) (NodeTypeID, error) {
	if len(s.Nodes) >= math.MaxUint16 {
		return 0, errors.Wrap(ErrMalformedSchema, "too many node types")
	}
	for _, group := range [][]ValueTypeID{inputs, passthroughs, outputs} {
		for _, v := range group {
			if int(v) >= len(s.Values) {
				return 0, errors.Wrapf(ErrUnknownValueType, "node %s uses value type %d", name, v)
			}
		}
	}
	if data != nil {
		if _, err := s.Atomic(*data); err != nil {
			return 0, errors.Wrapf(err, "node %s", name)
		}
	}
	id := NodeTypeID(len(s.Nodes))
	opsLen := len(inputs) + len(passthroughs) + len(outputs) + 1
	if name == SnapshotNodeName {
		if opsLen != 1 || data != nil {
			return 0, errors.Wrapf(ErrSnapshotNodeShape, "node %s", name)
		}
		if s.SnapshotNodeID != nil {
			return 0, errors.Wrapf(ErrMalformedSchema, "second %s node", name)
		}
		snap := id
		s.SnapshotNodeID = &snap
	}
	if opsLen > s.maxOps {
		s.maxOps = opsLen
	}
	s.Nodes = append(s.Nodes, newNodeSpec(name, id, data, inputs, passthroughs, outputs))
	return id, nil
}

// NodeDataInspect renders the data of a node for scripts and dot output.
func (s *GraphSpec) NodeDataInspect(n NodeTypeID, data []byte) string {
	atom, err := s.NodeAtomic(n)
	if err != nil || atom == nil {
		return ""
	}
	return atom.Inspect(data)
}

// NodeSpec describes one node type.
type NodeSpec struct {
	Name         string
	ID           NodeTypeID
	Inputs       []ValueTypeID
	Passthroughs []ValueTypeID
	Outputs      []ValueTypeID
	// RequiredValues is how many available operands of each value type the
	// node needs before it can be appended.
	RequiredValues map[ValueTypeID]int
	Data           *AtomicTypeID
	Generatable    bool
}

func newNodeSpec(name string, id NodeTypeID, data *AtomicTypeID, inputs, passthroughs, outputs []ValueTypeID) NodeSpec {
	required := map[ValueTypeID]int{}
	for _, p := range passthroughs {
		if required[p] == 0 {
			required[p] = 1
		}
	}
	for _, in := range inputs {
		required[in]++
	}
	return NodeSpec{
		Name:           name,
		ID:             id,
		Inputs:         inputs,
		Passthroughs:   passthroughs,
		Outputs:        outputs,
		RequiredValues: required,
		Data:           data,
		Generatable:    name != SnapshotNodeName,
	}
}

// Size is the number of operand ops, without the node tag.
func (n *NodeSpec) Size() int {
	return len(n.Inputs) + len(n.Passthroughs) + len(n.Outputs)
}

func (n *NodeSpec) MinDataSize(s *GraphSpec) int {
	if n.Data == nil {
		return 0
	}
	a, err := s.Atomic(*n.Data)
	if err != nil {
		return 0
	}
	return a.Type.MinDataSize()
}

// ValueSpec is a named, typed wire between nodes.
type ValueSpec struct {
	ID   ValueTypeID
	Name string
}

// AtomicSpec binds a name to a data type implementation.
type AtomicSpec struct {
	ID   AtomicTypeID
	Name string
	Type AtomicType
}
