package mutator

import (
	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// DetMutator rewrites a single byte of the first node after a snapshot.
// It drives the calibration sweep.
type DetMutator struct {
	Spec    *spec.GraphSpec
	builder *builder.Builder
}

func NewDet(s *spec.GraphSpec) *DetMutator {
	return &DetMutator{Spec: s, builder: builder.New(s)}
}

func (m *DetMutator) CopyAll(orig *graph.VecGraph, storage graph.Storage, dist *random.Distributions) {
	m.builder.Start(storage, builder.NoSnapshot())
	it := graph.NodeIterOf(orig, m.Spec)
	for {
		n, ok := it.Next()
		if !ok {
			return
		}
		m.builder.AppendNode(&n, storage, dist)
	}
}

func (m *DetMutator) PrepareSnapshot(cutoff int, data *graph.VecGraph, storage graph.Storage, dist *random.Distributions) (*builder.SnapshotState, error) {
	return prepareSnapshot(m.Spec, m.builder, cutoff, data, storage, dist)
}

// PruneK keeps the nodes 0..=k of orig.
func (m *DetMutator) PruneK(orig *graph.VecGraph, k int, storage graph.Storage, dist *random.Distributions) {
	pruneK(m.Spec, m.builder, orig, k, storage, dist)
}

// MutateNext appends the first node after the snapshot with op applied
// to its data byte at off. primitive.NoMutation appends it unchanged.
// It returns false if there is no such node or it does not fit.
func (m *DetMutator) MutateNext(orig *graph.VecGraph, snap *builder.SnapshotState, op primitive.DetOp, off int, storage graph.Storage, dist *random.Distributions) bool {
	m.builder.Start(storage, snap)
	it := graph.NodeIterOf(orig, m.Spec)
	var n graph.Node
	for i := 0; i <= snap.SkipNodes; i++ {
		var ok bool
		if n, ok = it.Next(); !ok {
			return false
		}
	}
	if m.builder.IsFull(storage) {
		return false
	}
	return m.builder.AppendNodeDet(&n, op, off, storage, dist)
}

// NextNodeDataLength is the mutable data length of the first node after
// the snapshot.
func (m *DetMutator) NextNodeDataLength(orig *graph.VecGraph, snap *builder.SnapshotState) int {
	nodes, _ := graph.Nodes(orig.Ops(), orig.Data(), m.Spec)
	if snap.SkipNodes >= len(nodes) {
		return 0
	}
	return graph.NodeDataLength(m.Spec, &nodes[snap.SkipNodes])
}
