// Package mutator derives new graphs from corpus graphs by replaying them
// through a builder with per-node decisions.
package mutator

import (
	"github.com/pkg/errors"

	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// GenerateCount is the number of nodes generated for an empty source.
const GenerateCount = 50

// InputQueue provides graphs to splice from. SampleForSplicing may return
// nil when nothing is queued.
type InputQueue interface {
	SampleForSplicing(dist *random.Distributions) *graph.VecGraph
}

// GraphList is an InputQueue over a fixed set of graphs.
type GraphList []*graph.VecGraph

func (l GraphList) SampleForSplicing(dist *random.Distributions) *graph.VecGraph {
	if len(l) == 0 {
		return nil
	}
	return l[dist.GenRange(0, len(l))]
}

// Mutator applies havoc strategies. Every strategy starts from a
// snapshot state, so the nodes before the cut are never changed.
type Mutator struct {
	Spec    *spec.GraphSpec
	builder *builder.Builder
	prim    *primitive.Mutator
}

func New(s *spec.GraphSpec, hasDict bool) *Mutator {
	return &Mutator{Spec: s, builder: builder.New(s), prim: primitive.NewMutator(hasDict)}
}

func (m *Mutator) nodesAfter(orig *graph.VecGraph, skip int) []graph.Node {
	nodes, _ := graph.Nodes(orig.Ops(), orig.Data(), m.Spec)
	if skip >= len(nodes) {
		return nil
	}
	return nodes[skip:]
}

// Mutate picks a strategy and writes the mutated graph to storage.
// nodesUsed is the number of nodes of orig the target executed. Sources
// without executed nodes after the snapshot are replaced by a generated
// graph.
func (m *Mutator) Mutate(orig *graph.VecGraph, nodesUsed int, dict *primitive.CustomDict, snap *builder.SnapshotState, queue InputQueue, storage graph.Storage, dist *random.Distributions) (Strategy, error) {
	if snap == nil {
		snap = builder.NoSnapshot()
	}
	origLen := nodesUsed - snap.SkipNodes
	if orig.OpLen() == 0 || origLen <= 0 || nodesUsed == 0 {
		return Strategy{Kind: Generate}, m.Generate(GenerateCount, snap, storage, dist)
	}
	s := GenStrategy(dist, origLen)
	var err error
	switch s.Kind {
	case GenerateTail:
		err = m.GenerateTail(orig, nodesUsed, snap, s.Tail, storage, dist)
	case SpliceRandom:
		err = m.SpliceRandom(orig, nodesUsed, snap, dict, storage, dist)
	case Splice:
		m.Splice(orig, nodesUsed, snap, queue, storage, dist)
	case DataOnly:
		m.MutateData(orig, nodesUsed, snap, dict, storage, dist)
	case Repeat:
		m.Repeat(orig, nodesUsed, snap, dict, storage, dist)
	}
	return s, err
}

// PrepareSnapshot copies the first cutoff nodes of data, records the state
// at the cut and appends the snapshot marker. The marker is part of the
// preserved prefix.
func (m *Mutator) PrepareSnapshot(cutoff int, data *graph.VecGraph, storage graph.Storage, dist *random.Distributions) (*builder.SnapshotState, error) {
	return prepareSnapshot(m.Spec, m.builder, cutoff, data, storage, dist)
}

func prepareSnapshot(sp *spec.GraphSpec, b *builder.Builder, cutoff int, data *graph.VecGraph, storage graph.Storage, dist *random.Distributions) (*builder.SnapshotState, error) {
	if sp.SnapshotNodeID == nil {
		return nil, errors.Wrap(spec.ErrInvalidSpecs, "spec has no snapshot node")
	}
	b.Start(storage, builder.NoSnapshot())
	it := graph.NodeIterOf(data, sp)
	for i := 0; i < cutoff; i++ {
		n, ok := it.Next()
		if !ok {
			break
		}
		b.AppendNode(&n, storage, dist)
	}
	if !storage.AppendOp(uint16(*sp.SnapshotNodeID)) {
		return nil, errors.New("mutator: no room for the snapshot marker")
	}
	return &builder.SnapshotState{
		SkipNodes: cutoff,
		SkipOps:   storage.OpLen(),
		SkipData:  storage.DataLen(),
		Prefix:    b.State(),
	}, nil
}

// Repeat inserts a fragment of 2 to 15 nodes 2 to 5 times, mutating the
// data of every copy.
func (m *Mutator) Repeat(orig *graph.VecGraph, nodesUsed int, snap *builder.SnapshotState, dict *primitive.CustomDict, storage graph.Storage, dist *random.Distributions) {
	m.builder.Start(storage, snap)
	fragLen := dist.GenRange(2, 16)
	repeats := dist.GenRange(2, 6)
	insertPos := 0
	if limit := nodesUsed - snap.SkipNodes - 1; limit > 0 {
		insertPos = dist.GenRange(0, limit)
	}
	nodes := m.nodesAfter(orig, snap.SkipNodes)
	if insertPos > len(nodes) {
		insertPos = len(nodes)
	}
	for i := range nodes[:insertPos] {
		if m.builder.IsFull(storage) {
			return
		}
		m.builder.AppendNode(&nodes[i], storage, dist)
	}
	frag := nodes[insertPos:]
	if len(frag) > fragLen {
		frag = frag[:fragLen]
	}
	for r := 0; r < repeats; r++ {
		for i := range frag {
			if m.builder.IsFull(storage) {
				return
			}
			m.builder.AppendNodeMutated(&frag[i], dict, m.prim, storage, dist)
		}
	}
	for i := range nodes[insertPos:] {
		if m.builder.IsFull(storage) {
			return
		}
		m.builder.AppendNode(&nodes[insertPos+i], storage, dist)
	}
}

// GenerateTail keeps all but the last args.DropLast executed nodes and
// appends args.Generate random ones.
func (m *Mutator) GenerateTail(orig *graph.VecGraph, nodesUsed int, snap *builder.SnapshotState, args TailArgs, storage graph.Storage, dist *random.Distributions) error {
	m.builder.Start(storage, snap)
	keep := nodesUsed - snap.SkipNodes - args.DropLast
	nodes := m.nodesAfter(orig, snap.SkipNodes)
	for i := 0; i < keep && i < len(nodes); i++ {
		if m.builder.IsFull(storage) {
			return nil
		}
		m.builder.AppendNode(&nodes[i], storage, dist)
	}
	return m.builder.AppendRandom(args.Generate, storage, dist)
}

// MutateData copies the graph and mutates the data of some nodes.
func (m *Mutator) MutateData(orig *graph.VecGraph, nodesUsed int, snap *builder.SnapshotState, dict *primitive.CustomDict, storage graph.Storage, dist *random.Distributions) {
	m.builder.Start(storage, snap)
	nodes := m.nodesAfter(orig, snap.SkipNodes)
	for i := range nodes {
		if m.builder.IsFull(storage) {
			return
		}
		if dist.ShouldMutateData(nodesUsed - snap.SkipNodes) {
			m.builder.AppendNodeMutated(&nodes[i], dict, m.prim, storage, dist)
		} else {
			m.builder.AppendNode(&nodes[i], storage, dist)
		}
	}
}

// SpliceRandom copies, mutates, drops or replaces each executed node.
func (m *Mutator) SpliceRandom(orig *graph.VecGraph, nodesUsed int, snap *builder.SnapshotState, dict *primitive.CustomDict, storage graph.Storage, dist *random.Distributions) error {
	m.builder.Start(storage, snap)
	nodes := m.nodesAfter(orig, snap.SkipNodes)
	if len(nodes) > nodesUsed {
		nodes = nodes[:nodesUsed]
	}
	for i := range nodes {
		if m.builder.IsFull(storage) {
			return nil
		}
		switch genNodeMutation(dist) {
		case CopyNode:
			m.builder.AppendNode(&nodes[i], storage, dist)
		case MutateNodeData:
			m.builder.AppendNodeMutated(&nodes[i], dict, m.prim, storage, dist)
		case DropNode:
		case SkipAndGenerate:
			if err := m.builder.AppendRandom(dist.GenNumberOfRandomNodes(), storage, dist); err != nil {
				return err
			}
		}
	}
	return nil
}

// Splice inserts runs of 1 to 15 nodes from other queue entries before a
// few nodes of orig. Without a graph to splice from it copies orig.
func (m *Mutator) Splice(orig *graph.VecGraph, nodesUsed int, snap *builder.SnapshotState, queue InputQueue, storage graph.Storage, dist *random.Distributions) {
	points := pickSplicePoints(nodesUsed-snap.SkipNodes, dist)
	m.builder.Start(storage, snap)
	nodes := m.nodesAfter(orig, snap.SkipNodes)
	for i := range nodes {
		if m.builder.IsFull(storage) {
			return
		}
		if len(points) > 0 && i == points[0] {
			points = points[1:]
			m.spliceFrom(queue, storage, dist)
		}
		m.builder.AppendNode(&nodes[i], storage, dist)
	}
}

func (m *Mutator) spliceFrom(queue InputQueue, storage graph.Storage, dist *random.Distributions) {
	if queue == nil {
		return
	}
	other := queue.SampleForSplicing(dist)
	if other == nil {
		return
	}
	nodes, _ := graph.Nodes(other.Ops(), other.Data(), m.Spec)
	if len(nodes) == 0 {
		return
	}
	start := dist.GenRange(0, len(nodes))
	n := dist.GenRange(1, 16)
	if n > len(nodes)-start {
		n = len(nodes) - start
	}
	for i := start; i < start+n; i++ {
		m.builder.AppendNode(&nodes[i], storage, dist)
	}
}

// AppendInput appends all nodes of other to storage without restarting.
func (m *Mutator) AppendInput(other *graph.VecGraph, storage graph.Storage, dist *random.Distributions) {
	it := graph.NodeIterOf(other, m.Spec)
	for {
		n, ok := it.Next()
		if !ok {
			return
		}
		m.builder.AppendNode(&n, storage, dist)
	}
}

// CopyAll rebuilds orig into storage.
func (m *Mutator) CopyAll(orig *graph.VecGraph, storage graph.Storage, dist *random.Distributions) {
	m.builder.Start(storage, builder.NoSnapshot())
	m.AppendInput(orig, storage, dist)
}

// PruneK keeps the nodes 0..=k of orig.
func (m *Mutator) PruneK(orig *graph.VecGraph, k int, storage graph.Storage, dist *random.Distributions) {
	pruneK(m.Spec, m.builder, orig, k, storage, dist)
}

func pruneK(sp *spec.GraphSpec, b *builder.Builder, orig *graph.VecGraph, k int, storage graph.Storage, dist *random.Distributions) {
	b.Start(storage, builder.NoSnapshot())
	it := graph.NodeIterOf(orig, sp)
	for i := 0; i <= k; i++ {
		if b.IsFull(storage) {
			return
		}
		n, ok := it.Next()
		if !ok {
			return
		}
		b.AppendNode(&n, storage, dist)
	}
}

// Generate writes n random nodes after the snapshot.
func (m *Mutator) Generate(n int, snap *builder.SnapshotState, storage graph.Storage, dist *random.Distributions) error {
	m.builder.Start(storage, snap)
	return m.builder.AppendRandom(n, storage, dist)
}

// DropRange rebuilds orig without the nodes [start, end).
func (m *Mutator) DropRange(orig *graph.VecGraph, start, end int, storage graph.Storage, dist *random.Distributions) {
	m.builder.Start(storage, builder.NoSnapshot())
	it := graph.NodeIterOf(orig, m.Spec)
	for i := 0; ; i++ {
		n, ok := it.Next()
		if !ok {
			return
		}
		if i >= start && i < end {
			continue
		}
		m.builder.AppendNode(&n, storage, dist)
	}
}

// MinimizeSplit drops a random block of nodes. Blocks shrink as attempt i
// approaches maxI.
func (m *Mutator) MinimizeSplit(orig *graph.VecGraph, i, maxI int, storage graph.Storage, dist *random.Distributions) {
	n := graph.NodeLen(orig, m.Spec)
	if n == 0 {
		m.CopyAll(orig, storage, dist)
		return
	}
	start, end := dist.GenMinimizationBlockSize(i, maxI, n)
	m.DropRange(orig, start, end, storage, dist)
}

// Minimize drops single nodes while tester keeps accepting the result.
func (m *Mutator) Minimize(orig *graph.VecGraph, storage graph.Storage, dist *random.Distributions, tester func(graph.Storage, *spec.GraphSpec) bool) *graph.VecGraph {
	return m.builder.Minimize(orig, storage, dist, tester)
}

func (m *Mutator) DumpGraph(storage graph.Storage) *graph.VecGraph {
	return m.builder.Finalize(storage)
}

func (m *Mutator) NumOpsUsed(storage graph.Storage) int {
	return m.builder.NumOpsUsed(storage)
}
