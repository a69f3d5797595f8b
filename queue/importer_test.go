package queue

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/spec/spectest"
)

func newImporter(t *testing.T, threadID int) (*Importer, *fuzzer.MockExecutor) {
	t.Helper()
	sp := spectest.Producer()
	workdir := t.TempDir()
	mock := fuzzer.NewMockExecutor(sp, 1024, 4096)
	out := &bytes.Buffer{}
	im := &Importer{
		Exec:     mock,
		Queue:    New(workdir, 4096, nil),
		Spec:     sp,
		Corpus:   &CorpusWriter{Workdir: workdir, Spec: sp, Out: out},
		Metrics:  feedback.NewMetrics(),
		Workdir:  workdir,
		ThreadID: threadID,
		Out:      out,
	}
	return im, mock
}

func writeGraph(t *testing.T, im *Importer, dir, name string, g *graph.VecGraph) string {
	t.Helper()
	path := filepath.Join(im.Workdir, dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := graph.WriteToFile(path, g, im.Spec); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImporterSkipsKnownCoverage(t *testing.T) {
	im, mock := newImporter(t, 0)
	a := writeGraph(t, im, "imports", "a.bin", producers(2))
	writeGraph(t, im, "imports", "b.bin", producers(2))
	writeGraph(t, im, "imports", "ignored.txt", producers(3))

	n, err := im.Import(false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || im.Queue.Len() != 1 || mock.Runs != 2 {
		t.Errorf("imported %d, queue %d, runs %d", n, im.Queue.Len(), mock.Runs)
	}
	if in := im.Queue.Schedule(0); in.FoundBy != mutator.Import || in.OpsUsed != 2 {
		t.Errorf("input = %+v", in)
	}
	if _, err := os.Stat(a); err != nil {
		t.Errorf("import file removed: %v", err)
	}
}

func TestImporterBootstrap(t *testing.T) {
	im, _ := newImporter(t, 0)
	seed0 := writeGraph(t, im, "seeds", "seed_0.bin", producers(1))
	writeGraph(t, im, "seeds", "seed_1.bin", producers(1))
	writeGraph(t, im, "imports", "x.bin", producers(3))

	if err := im.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Seed imports are kept even without new coverage.
	if im.Queue.Len() != 3 {
		t.Errorf("queue holds %d inputs, want 3", im.Queue.Len())
	}
	if _, err := os.Stat(seed0); !os.IsNotExist(err) {
		t.Errorf("seed not removed: %v", err)
	}
	if got := im.Queue.Schedule(2).FoundBy; got != mutator.Import {
		t.Errorf("last input found by %v", got)
	}
}

func TestImporterOtherThreadsWait(t *testing.T) {
	im, mock := newImporter(t, 1)
	if err := im.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mock.Runs != 0 {
		t.Errorf("thread 1 ran %d imports", mock.Runs)
	}
}
