// Package builder appends nodes to graph storage one at a time while
// renaming operand ids, so that every node only consumes operands that
// earlier nodes produced.
package builder

import (
	"github.com/pkg/errors"

	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// SnapshotState describes a cut point in a source graph: how many nodes,
// ops and data bytes precede it, and the graph state as of the cut.
type SnapshotState struct {
	SkipNodes int
	SkipOps   int
	SkipData  int
	// Prefix is nil when no snapshot was taken.
	Prefix *GraphState
}

// NoSnapshot starts construction from an empty graph.
func NoSnapshot() *SnapshotState { return &SnapshotState{} }

// Builder holds the graph state of one construction pass. It is not safe
// for concurrent use.
type Builder struct {
	Spec  *spec.GraphSpec
	state *GraphState
}

func New(s *spec.GraphSpec) *Builder {
	return &Builder{Spec: s, state: NewGraphState()}
}

// Start truncates g to the snapshot and restores the state of the cut.
// It must be called before appending in a new pass.
func (b *Builder) Start(g graph.Storage, snap *SnapshotState) {
	if snap == nil {
		snap = NoSnapshot()
	}
	g.TruncateTo(snap.SkipOps, snap.SkipData)
	if snap.Prefix != nil {
		b.state = snap.Prefix.Clone()
		return
	}
	b.state.Clear()
}

func (b *Builder) NumOpsUsed(g graph.Storage) int { return g.OpLen() }

// State returns a copy of the current graph state.
func (b *Builder) State() *GraphState { return b.state.Clone() }

func (b *Builder) renameOp(op graph.Op, dist *random.Distributions) uint16 {
	switch op.Kind {
	case graph.OpGet:
		return b.state.state(op.Value).takeOldAvailable(op.ID, dist)
	case graph.OpSet:
		return b.state.state(op.Value).insertOld(op.ID)
	case graph.OpPass:
		return b.state.state(op.Value).oldAvailable(op.ID, dist)
	}
	return uint16(op.Node)
}

func (b *Builder) appendOps(ops []uint16, g graph.Storage, dist *random.Distributions) {
	it := graph.NewOpIter(ops, b.Spec)
	for {
		op, ok := it.Next()
		if !ok {
			return
		}
		g.AppendOp(b.renameOp(op, dist))
	}
}

// CanAppendNode holds when the operands of n are available and its ops
// and data fit into g.
func (b *Builder) CanAppendNode(n *graph.Node, g graph.Storage) bool {
	return b.state.IsAvailable(b.Spec, n.Type) && g.CanAppend(n)
}

// AppendNode copies n with renamed operands. It returns the written data
// span, or false when the node was skipped.
func (b *Builder) AppendNode(n *graph.Node, g graph.Storage, dist *random.Distributions) ([]byte, bool) {
	if !b.CanAppendNode(n, g) {
		return nil, false
	}
	b.appendOps(n.Ops, g, dist)
	return g.AppendData(n.Data)
}

// AppendNodeMutated copies n with renamed operands and mutated data.
func (b *Builder) AppendNodeMutated(n *graph.Node, dict *primitive.CustomDict, mut *primitive.Mutator, g graph.Storage, dist *random.Distributions) bool {
	if !b.CanAppendNode(n, g) {
		return false
	}
	atom, err := b.Spec.NodeAtomic(n.Type)
	if err != nil {
		panic(err)
	}
	data := n.Data
	if atom != nil {
		data = atom.Mutate(n.Data, dict, mut, dist, g.DataAvailable())
	}
	b.appendOps(n.Ops, g, dist)
	// Mutate stays within DataAvailable, so data fits.
	g.AppendData(data)
	return true
}

// AppendNodeDet copies n and applies op to the data byte at off.
func (b *Builder) AppendNodeDet(n *graph.Node, op primitive.DetOp, off int, g graph.Storage, dist *random.Distributions) bool {
	if !b.CanAppendNode(n, g) {
		return false
	}
	atom, err := b.Spec.NodeAtomic(n.Type)
	if err != nil {
		panic(err)
	}
	data := n.Data
	if atom != nil && op != primitive.NoMutation {
		data = atom.ApplyDet(n.Data, op, off)
	}
	b.appendOps(n.Ops, g, dist)
	// ApplyDet keeps the length CanAppendNode checked.
	g.AppendData(data)
	return true
}

// Finalize copies the constructed graph out of g.
func (b *Builder) Finalize(g graph.Storage) *graph.VecGraph {
	return graph.AsVecGraph(g)
}

// DropNodeAt rebuilds frag into g without its node at index.
func (b *Builder) DropNodeAt(frag *graph.VecGraph, index int, g graph.Storage, dist *random.Distributions) {
	b.Start(g, NoSnapshot())
	it := graph.NodeIterOf(frag, b.Spec)
	for i := 0; ; i++ {
		n, ok := it.Next()
		if !ok {
			return
		}
		if i != index {
			b.AppendNode(&n, g, dist)
		}
	}
}

// IsFull reports whether the largest node type might not fit anymore.
func (b *Builder) IsFull(g graph.Storage) bool {
	return b.Spec.BiggestData() >= g.DataAvailable() || b.Spec.BiggestOps() >= g.OpsAvailable()
}

func (b *Builder) canGenerateNode(ns *spec.NodeSpec, g graph.Storage) bool {
	return ns.Size()+1 <= g.OpsAvailable() && ns.MinDataSize(b.Spec) <= g.DataAvailable()
}

// AppendRandomNode appends a node of type t with random operands and
// generated data. Without room or available operands it does nothing.
func (b *Builder) AppendRandomNode(t spec.NodeTypeID, g graph.Storage, dist *random.Distributions) error {
	ns, err := b.Spec.Node(t)
	if err != nil {
		return err
	}
	if !b.canGenerateNode(ns, g) || !b.state.IsAvailable(b.Spec, t) {
		return nil
	}
	var data []byte
	if ns.Data != nil {
		atom, err := b.Spec.Atomic(*ns.Data)
		if err != nil {
			return errors.Wrapf(err, "node %s", ns.Name)
		}
		data = atom.Type.Generate(dist, g.DataAvailable())
		if len(data) > g.DataAvailable() {
			return nil
		}
	}
	g.AppendOp(uint16(t))
	for _, vt := range ns.Inputs {
		g.AppendOp(b.state.state(vt).takeRandom(dist))
	}
	for _, vt := range ns.Passthroughs {
		g.AppendOp(b.state.state(vt).random(dist))
	}
	for _, vt := range ns.Outputs {
		g.AppendOp(b.state.state(vt).insertNew())
	}
	// Checked against DataAvailable above.
	g.AppendData(data)
	return nil
}

func (b *Builder) pickAvailableType(dist *random.Distributions) (spec.NodeTypeID, error) {
	var avail []spec.NodeTypeID
	for i := range b.Spec.Nodes {
		n := &b.Spec.Nodes[i]
		if n.Generatable && b.state.IsAvailable(b.Spec, n.ID) {
			avail = append(avail, n.ID)
		}
	}
	if len(avail) == 0 {
		return 0, spec.ErrInvalidSpecs
	}
	return avail[dist.Choose(len(avail))], nil
}

// AppendRandom appends up to n random nodes, stopping early once g is
// full. It fails with spec.ErrInvalidSpecs if no node type can be
// generated from the current state.
func (b *Builder) AppendRandom(n int, g graph.Storage, dist *random.Distributions) error {
	for i := 0; i < n; i++ {
		if b.IsFull(g) {
			return nil
		}
		t, err := b.pickAvailableType(dist)
		if err != nil {
			return err
		}
		if err := b.AppendRandomNode(t, g, dist); err != nil {
			return err
		}
	}
	return nil
}

// Minimize drops nodes from the last to the first and keeps every
// reduction that tester accepts.
func (b *Builder) Minimize(frag graph.Storage, g graph.Storage, dist *random.Distributions, tester func(graph.Storage, *spec.GraphSpec) bool) *graph.VecGraph {
	min := graph.AsVecGraph(frag)
	for idx := graph.NodeLen(frag, b.Spec) - 1; idx >= 0; idx-- {
		b.DropNodeAt(min, idx, g, dist)
		if tester(g, b.Spec) {
			min = graph.AsVecGraph(g)
		}
	}
	return min
}
