package mutator

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec/spectest"
)

func randomGraph(t *testing.T, m *Mutator, n int, seed uint64) *graph.VecGraph {
	t.Helper()
	g := graph.EmptyVecGraph()
	if err := m.Generate(n, builder.NoSnapshot(), g, random.NewSeeded(seed, nil)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return m.DumpGraph(g)
}

func TestEmptySourceIsGenerated(t *testing.T) {
	sp := spectest.Files()
	m := New(sp, false)
	dist := random.NewSeeded(1, nil)
	out := graph.EmptyVecGraph()

	s, err := m.Mutate(graph.EmptyVecGraph(), 10, nil, nil, nil, out, dist)
	if err != nil || s.Kind != Generate {
		t.Fatalf("empty graph: strategy %s, err %v", s.Name(), err)
	}
	if graph.NodeLen(out, sp) != GenerateCount {
		t.Errorf("generated %d nodes", graph.NodeLen(out, sp))
	}

	orig := randomGraph(t, m, 5, 2)
	if s, _ := m.Mutate(orig, 0, nil, nil, nil, out, dist); s.Kind != Generate {
		t.Errorf("nothing executed: strategy %s", s.Name())
	}
	snap := &builder.SnapshotState{SkipNodes: 3}
	if s, _ := m.Mutate(orig, 3, nil, snap, nil, graph.EmptyVecGraph(), dist); s.Kind != Generate {
		t.Errorf("nothing executed after the snapshot: strategy %s", s.Name())
	}
}

func TestStrategyDistribution(t *testing.T) {
	dist := random.NewSeeded(7, nil)
	counts := map[StrategyKind]int{}
	for i := 0; i < 15000; i++ {
		counts[GenStrategy(dist, 20).Kind]++
	}
	if counts[Generate] != 0 {
		t.Errorf("Generate drawn from the table")
	}
	if counts[DataOnly] < counts[Splice] || counts[Splice] < counts[GenerateTail]/2 {
		t.Errorf("unexpected distribution %v", counts)
	}
}

func TestTailArgs(t *testing.T) {
	dist := random.NewSeeded(3, nil)
	for i := 0; i < 1000; i++ {
		a := GenTail(dist, 10)
		if a.DropLast < 0 || a.DropLast >= 10 {
			t.Fatalf("drop %d of 10", a.DropLast)
		}
		if a.Generate < 1 || a.Generate >= 1500+16 {
			t.Fatalf("generate %d", a.Generate)
		}
	}
}

func TestSplicePointsSortedAndDistinct(t *testing.T) {
	dist := random.NewSeeded(5, nil)
	for _, n := range []int{1, 3, 10, 100} {
		for i := 0; i < 200; i++ {
			pts := pickSplicePoints(n, dist)
			if len(pts) == 0 {
				t.Fatalf("no splice points for %d nodes", n)
			}
			for j, p := range pts {
				if p < 0 || p >= n || (j > 0 && p <= pts[j-1]) {
					t.Fatalf("bad points %v for %d nodes", pts, n)
				}
			}
		}
	}
}

func TestSnapshotPrefixIsPreserved(t *testing.T) {
	sp := spectest.Files()
	m := New(sp, false)
	for seed := uint64(0); seed < 60; seed++ {
		orig := randomGraph(t, m, 20, seed)
		queue := GraphList{orig, randomGraph(t, m, 8, seed+1000)}
		dist := random.NewSeeded(seed, nil)
		for k := 0; k < 5; k++ {
			storage := graph.EmptyVecGraph()
			snap, err := m.PrepareSnapshot(k, orig, storage, dist)
			if err != nil {
				t.Fatal(err)
			}
			prefixOps := append([]uint16(nil), storage.Ops()...)
			prefixData := append([]byte(nil), storage.Data()...)

			s, err := m.Mutate(orig, 20, nil, snap, queue, storage, dist)
			if err != nil {
				t.Fatalf("seed %d cut %d %s: %v", seed, k, s.Name(), err)
			}
			if diff := cmp.Diff(prefixOps, storage.Ops()[:snap.SkipOps]); diff != "" {
				t.Fatalf("seed %d cut %d %s changed the prefix ops:\n%s", seed, k, s.Name(), diff)
			}
			if !bytes.Equal(prefixData, storage.Data()[:snap.SkipData]) {
				t.Fatalf("seed %d cut %d %s changed the prefix data", seed, k, s.Name())
			}
			if _, err := graph.CalcEdges(storage, sp); err != nil {
				t.Fatalf("seed %d cut %d %s produced a broken graph: %v", seed, k, s.Name(), err)
			}
		}
	}
}

func TestPrefixMatchesSource(t *testing.T) {
	sp := spectest.Files()
	m := New(sp, false)
	orig := randomGraph(t, m, 10, 4)
	storage := graph.EmptyVecGraph()
	snap, err := m.PrepareSnapshot(3, orig, storage, random.NewSeeded(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	nodes, _ := graph.Nodes(orig.Ops(), orig.Data(), sp)
	wantOps := append([]uint16(nil), orig.Ops()[:nodes[3].OpIndex]...)
	wantOps = append(wantOps, uint16(*sp.SnapshotNodeID))
	if diff := cmp.Diff(wantOps, storage.Ops()); diff != "" {
		t.Errorf("prefix ops (-want +got):\n%s", diff)
	}
	if snap.SkipNodes != 3 || snap.SkipOps != len(wantOps) || snap.SkipData != nodes[3].DataIndex {
		t.Errorf("snapshot state = %+v", snap)
	}
}

func TestSpliceWithoutQueueCopies(t *testing.T) {
	sp := spectest.Files()
	m := New(sp, false)
	orig := randomGraph(t, m, 12, 9)
	storage := graph.EmptyVecGraph()
	m.Splice(orig, 12, builder.NoSnapshot(), GraphList{}, storage, random.NewSeeded(1, nil))
	if diff := cmp.Diff(orig.Ops(), storage.Ops()); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
}

func TestRepeatGrowsGraph(t *testing.T) {
	sp := spectest.Files()
	m := New(sp, false)
	// Twelve opens, which never lack operands.
	var ops []uint16
	for i := 1; i <= 12; i++ {
		ops = append(ops, 0, uint16(i))
	}
	orig := graph.NewVecGraph(ops, make([]byte, 12*4))
	storage := graph.EmptyVecGraph()
	m.Repeat(orig, 12, builder.NoSnapshot(), nil, storage, random.NewSeeded(2, nil))
	if got := graph.NodeLen(storage, sp); got < 12+4 {
		t.Errorf("repeat produced %d nodes from 12", got)
	}
}

func TestDropRangeAndPrune(t *testing.T) {
	sp := spectest.Producer()
	m := New(sp, false)
	// A, A, B, B
	orig := graph.NewVecGraph([]uint16{0, 1, 0, 2, 1, 1, 1, 2}, nil)
	storage := graph.EmptyVecGraph()
	dist := random.NewSeeded(1, nil)

	m.DropRange(orig, 1, 2, storage, dist)
	// The second B loses its operand.
	if diff := cmp.Diff([]uint16{0, 1, 1, 1}, storage.Ops()); diff != "" {
		t.Errorf("drop range (-want +got):\n%s", diff)
	}
	m.PruneK(orig, 1, storage, dist)
	if diff := cmp.Diff([]uint16{0, 1, 0, 2}, storage.Ops()); diff != "" {
		t.Errorf("prune (-want +got):\n%s", diff)
	}
}

func TestDetMutatorTouchesOnlyNextNode(t *testing.T) {
	sp := spectest.Files()
	orig := graph.NewVecGraph(
		[]uint16{0, 1, 1, 1, 3, 1},
		[]byte{7, 0, 0, 0, 2, 0, 0x41, 0x42},
	)
	det := NewDet(sp)
	storage := graph.EmptyVecGraph()
	dist := random.NewSeeded(1, nil)
	snap, err := det.PrepareSnapshot(1, orig, storage, dist)
	if err != nil {
		t.Fatal(err)
	}
	if n := det.NextNodeDataLength(orig, snap); n != 2 {
		t.Fatalf("next node data length = %d, want 2", n)
	}
	if !det.MutateNext(orig, snap, primitive.FullBitFlip, 0, storage, dist) {
		t.Fatalf("MutateNext failed")
	}
	if !bytes.Equal(storage.Data(), []byte{7, 0, 0, 0, 2, 0, 0xbe, 0x42}) {
		t.Errorf("data = %x", storage.Data())
	}
	if !det.MutateNext(orig, snap, primitive.NoMutation, 0, storage, dist) {
		t.Fatalf("MutateNext failed")
	}
	if !bytes.Equal(storage.Data(), orig.Data()) {
		t.Errorf("baseline data = %x", storage.Data())
	}
	if det.MutateNext(orig, &builder.SnapshotState{SkipNodes: 3}, primitive.Addition, 0, storage, dist) {
		t.Errorf("MutateNext past the end should fail")
	}
}
