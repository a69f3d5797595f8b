package fuzz

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"alma.local/specfuzz/config"
	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/queue"
	"alma.local/specfuzz/spec"
	"alma.local/specfuzz/spec/spectest"
)

// opens is a graph of n open nodes over the Files spec.
func opens(n int) *graph.VecGraph {
	var ops []uint16
	for i := 0; i < n; i++ {
		ops = append(ops, 0, uint16(i+1))
	}
	return graph.NewVecGraph(ops, make([]byte, 4*n))
}

func newWorker(t *testing.T, exec fuzzer.Executor, sp *spec.GraphSpec, opts Options) (*Worker, *queue.Queue) {
	t.Helper()
	opts.Workdir = t.TempDir()
	if opts.Seed == 0 {
		opts.Seed = 7
	}
	opts.Out = &bytes.Buffer{}
	opts.Metrics = feedback.NewMetrics()
	q := queue.New(opts.Workdir, len(exec.BitmapBuffer()), nil)
	return New(exec, q, sp, opts), q
}

func addInput(t *testing.T, q *queue.Queue, sp *spec.GraphSpec, g *graph.VecGraph, reasons ...queue.StorageReason) queue.InputID {
	t.Helper()
	in := queue.NewInput(g, mutator.SeedImport, reasons, queue.NewBitmap(4096), feedback.NormalExit(0), graph.NodeLen(g, sp), 0)
	id, ok := q.Add(in, sp)
	if !ok {
		t.Fatal("input rejected")
	}
	return id
}

func TestIterateGeneratesOnEmptyQueue(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	w, q := newWorker(t, mock, sp, Options{Placement: config.PlacementNone})

	if err := w.Iterate(); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue holds %d inputs, want 1", q.Len())
	}
	in := q.Schedule(0)
	if in.FoundBy != mutator.Generate || in.State != queue.StateHavoc {
		t.Errorf("input found by %v in state %d", in.FoundBy, in.State)
	}
	if in.OpsUsed > graph.NodeLen(in.Data, sp) {
		t.Errorf("ops used %d exceeds %d nodes", in.OpsUsed, graph.NodeLen(in.Data, sp))
	}
	if _, err := os.Stat(filepath.Join(w.opts.Workdir, "corpus", "normal", "cnt_1.bin")); err != nil {
		t.Errorf("corpus file missing: %v", err)
	}
	if s := w.Stats(); s.Executions < 1 || s.NewInputs != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSnapshotCut(t *testing.T) {
	sp := spectest.Files()
	in := queue.NewInput(opens(6), mutator.SeedImport, nil, nil, feedback.NormalExit(0), 6, 0)

	w, _ := newWorker(t, fuzzer.NewMockExecutor(sp, 4096, 64), sp, Options{Placement: config.PlacementNone})
	for i := 0; i < 100; i++ {
		if cut := w.snapshotCut(in); cut != -1 {
			t.Fatalf("placement none cut at %d", cut)
		}
	}

	w, _ = newWorker(t, fuzzer.NewMockExecutor(sp, 4096, 64), sp, Options{Placement: config.PlacementAggressive})
	cuts := 0
	for i := 0; i < 200; i++ {
		cut := w.snapshotCut(in)
		if cut == -1 {
			continue
		}
		cuts++
		if cut < 1 || cut >= 6 {
			t.Errorf("cut %d outside [1,6)", cut)
		}
	}
	if cuts < 100 || cuts > 195 {
		t.Errorf("aggressive placement cut %d of 200 rounds", cuts)
	}

	short := queue.NewInput(opens(1), mutator.SeedImport, nil, nil, feedback.NormalExit(0), 1, 0)
	if cut := w.snapshotCut(short); cut != -1 {
		t.Errorf("single node input cut at %d", cut)
	}
}

func TestHavocWithSnapshot(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	w, q := newWorker(t, mock, sp, Options{Placement: config.PlacementAggressive})
	addInput(t, q, sp, opens(4), queue.Imported())

	for i := 0; i < 20 && mock.SnapshotRuns == 0; i++ {
		if err := w.Iterate(); err != nil {
			t.Fatal(err)
		}
	}
	if mock.SnapshotRuns == 0 {
		t.Fatal("no snapshot taken in 20 rounds")
	}
	if mock.Deletes != mock.SnapshotRuns {
		t.Errorf("snapshots created %d, deleted %d", mock.SnapshotRuns, mock.Deletes)
	}
	if mock.Runs < MutationsPerSnapshot {
		t.Errorf("%d runs, want at least %d", mock.Runs, MutationsPerSnapshot)
	}

	marker := *sp.SnapshotNodeID
	for id := 0; id < q.Len(); id++ {
		in := q.Schedule(queue.InputID(id))
		nodes, err := graph.Nodes(in.Data.Ops(), in.Data.Data(), sp)
		if err != nil {
			t.Fatalf("input %d: %v", id, err)
		}
		for _, n := range nodes {
			if n.Type == marker {
				t.Errorf("input %d keeps the snapshot marker", id)
			}
		}
	}
}

func TestMinimize(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	mock.BitmapFunc = func(_ int, _, bitmap []byte) { bitmap[1] = 1 }
	w, q := newWorker(t, mock, sp, Options{})
	id := addInput(t, q, sp, opens(5), queue.StorageReason{Kind: queue.ReasonBitmap, Index: 1, Old: 0, New: 1})

	if err := w.Minimize(id); err != nil {
		t.Fatal(err)
	}
	in := q.Schedule(id)
	n := graph.NodeLen(in.Data, sp)
	if n >= 5 || n == 0 {
		t.Errorf("minimized to %d nodes", n)
	}
	if in.State != queue.StateHavoc || in.OpsUsed > n {
		t.Errorf("input after minimization = %+v", in)
	}
}

func TestMinimizeKeepsLostCoverage(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	mock.BitmapFunc = func(_ int, _, bitmap []byte) { bitmap[2] = 1 }
	w, q := newWorker(t, mock, sp, Options{})
	id := addInput(t, q, sp, opens(5), queue.StorageReason{Kind: queue.ReasonBitmap, Index: 1, Old: 0, New: 1})

	if err := w.Minimize(id); err != nil {
		t.Fatal(err)
	}
	if n := graph.NodeLen(q.Schedule(id).Data, sp); n != 5 {
		t.Errorf("graph shrunk to %d nodes although slot 1 was lost", n)
	}
}

func TestRunStopsAfterFirstCrash(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	mock.ExitFunc = func(int, []byte) feedback.ExitReason { return feedback.CrashExit([]byte("boom")) }
	w, _ := newWorker(t, mock, sp, Options{ExitAfterFirstCrash: true})

	if err := w.Run(context.Background()); !errors.Is(err, ErrFirstCrash) {
		t.Fatalf("Run() = %v, want ErrFirstCrash", err)
	}
	if _, err := os.Stat(filepath.Join(w.opts.Workdir, "corpus", "crash", "cnt_1.bin")); err != nil {
		t.Errorf("crash not stored: %v", err)
	}
	if w.Stats().Crashes() != 1 {
		t.Errorf("crashes = %d", w.Stats().Crashes())
	}
}

func TestRunBudgetAndCancel(t *testing.T) {
	sp := spectest.Files()
	w, _ := newWorker(t, fuzzer.NewMockExecutor(sp, 4096, 4096), sp, Options{Budget: 1})
	if err := w.Run(context.Background()); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("Run() = %v, want ErrBudgetExceeded", err)
	}

	w, _ = newWorker(t, fuzzer.NewMockExecutor(sp, 4096, 4096), sp, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() on a cancelled context = %v", err)
	}
}

func TestSnapshotRoundKeepsPrefix(t *testing.T) {
	sp := spectest.Files()
	mock := fuzzer.NewMockExecutor(sp, 4096, 4096)
	var runs []*graph.VecGraph
	mock.BitmapFunc = func(_ int, payload, bitmap []byte) {
		g, err := graph.ReadPayload(payload, sp)
		if err != nil {
			t.Errorf("run %d: %v", len(runs)+1, err)
		}
		runs = append(runs, g)
		bitmap[0] = 1
	}
	w, q := newWorker(t, mock, sp, Options{Placement: config.PlacementAggressive})
	in := q.Schedule(addInput(t, q, sp, opens(4), queue.Imported()))

	var round []*graph.VecGraph
	for i := 0; i < 50 && mock.SnapshotRuns == 0; i++ {
		before := len(runs)
		if _, err := w.havoc(in); err != nil {
			t.Fatal(err)
		}
		round = runs[before:]
	}
	if mock.SnapshotRuns != 1 || mock.Deletes != 1 {
		t.Fatalf("snapshots created %d, deleted %d, want 1 each", mock.SnapshotRuns, mock.Deletes)
	}
	if len(round) != MutationsPerSnapshot {
		t.Fatalf("%d runs under the snapshot, want %d", len(round), MutationsPerSnapshot)
	}

	if round[0] == nil {
		t.Fatal("first run under the snapshot does not decode")
	}
	first, err := graph.Nodes(round[0].Ops(), round[0].Data(), sp)
	if err != nil {
		t.Fatal(err)
	}
	cut := -1
	for i, n := range first {
		if n.Type == *sp.SnapshotNodeID {
			cut = i
			break
		}
	}
	if cut < 1 || cut >= 4 {
		t.Fatalf("marker at node %d", cut)
	}
	for _, n := range first[:cut] {
		if n.Type != spectest.Node(sp, "open") || !bytes.Equal(n.Data, make([]byte, 4)) {
			t.Errorf("prefix node %+v differs from the input", n)
		}
	}
	opsEnd := first[cut].OpIndex + len(first[cut].Ops)
	dataEnd := first[cut].DataIndex
	if dataEnd != 4*cut {
		t.Errorf("prefix holds %d data bytes, want %d", dataEnd, 4*cut)
	}

	for i, g := range round {
		if g == nil || g.OpLen() < opsEnd || g.DataLen() < dataEnd {
			t.Fatalf("run %d lost its prefix", i)
		}
		if diff := cmp.Diff(round[0].Ops()[:opsEnd], g.Ops()[:opsEnd]); diff != "" {
			t.Errorf("run %d: ops prefix changed (-want +got):\n%s", i, diff)
		}
		if !bytes.Equal(round[0].Data()[:dataEnd], g.Data()[:dataEnd]) {
			t.Errorf("run %d: data prefix changed", i)
		}
	}
}
