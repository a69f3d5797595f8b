package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// Importer replays stored graphs from workdir/seeds and workdir/imports
// and queues the ones that show new coverage.
type Importer struct {
	Exec     fuzzer.Executor
	Queue    *Queue
	Spec     *spec.GraphSpec
	Corpus   *CorpusWriter
	Dist     *random.Distributions
	Metrics  *feedback.Metrics
	Workdir  string
	ThreadID int
	Out      io.Writer
	Log      *logrus.Entry

	det *mutator.DetMutator
}

func (im *Importer) out() io.Writer {
	if im.Out == nil {
		return os.Stdout
	}
	return im.Out
}

func (im *Importer) log() *logrus.Entry {
	if im.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return im.Log
}

// Import runs every *.bin file of seeds/ (seed) or imports/ and queues the
// ones worth keeping. Seeds are removed once imported.
func (im *Importer) Import(seed bool) (int, error) {
	dir, strat := "imports", mutator.Import
	if seed {
		dir, strat = "seeds", mutator.SeedImport
	}
	paths, err := ListInputs(filepath.Join(im.Workdir, dir))
	if err != nil {
		return 0, err
	}
	added := 0
	for _, p := range paths {
		fmt.Fprintf(im.out(), "[!] fuzzer: Trying to import %s\n", p)
		orig, err := graph.ReadFromFile(p, im.Spec)
		if err != nil {
			return added, err
		}
		ok, err := im.ImportGraph(orig, strat)
		if err != nil {
			return added, errors.Wrapf(err, "import %s", p)
		}
		if ok {
			added++
		}
		if seed {
			if err := os.Remove(p); err != nil {
				return added, errors.Wrap(err, "remove imported seed")
			}
		}
	}
	return added, nil
}

// ImportGraph runs orig once and adds it to the queue when the run hit new
// bytes. Executor failures skip the graph.
func (im *Importer) ImportGraph(orig *graph.VecGraph, strat mutator.StrategyKind) (bool, error) {
	if im.det == nil {
		im.det = mutator.NewDet(im.Spec)
	}
	if im.Dist == nil {
		im.Dist = random.NewDistributions(nil)
	}
	storage, err := graph.NewRefGraphFromPayload(im.Exec.InputBuffer(), im.Spec.Checksum)
	if err != nil {
		return false, err
	}
	im.det.CopyAll(orig, storage, im.Dist)
	info, err := im.Exec.RunTest()
	if err != nil {
		im.log().WithError(err).Warn("import run failed")
		return false, nil
	}
	im.Queue.AddExecs(1)
	im.Metrics.Observe(info)

	bitmap := im.Exec.BitmapBuffer()
	reasons := im.Queue.CheckNewBytes(bitmap, info.Exit, strat)
	if len(reasons) == 0 {
		return false, nil
	}
	data := graph.AsVecGraph(storage)
	in := NewInput(data, strat, reasons, NewBitmapFromBuffer(bitmap), info.Exit,
		min(int(info.OpsUsed), graph.NodeLen(data, im.Spec)), 0)
	if err := im.Corpus.NewInput(in, im.Queue.NextID()); err != nil {
		return false, err
	}
	if _, ok := im.Queue.Add(in, im.Spec); !ok {
		return false, nil
	}
	im.Metrics.ObserveQueue(im.Queue.Len(), im.Queue.NumFavorites())
	return true, nil
}

// Bootstrap imports seeds and then imports on thread 0. Other threads wait
// until thread 0 has drained seeds/.
func (im *Importer) Bootstrap(ctx context.Context) error {
	if im.ThreadID != 0 {
		return WaitForSeeds(ctx, im.Workdir)
	}
	for _, seed := range []bool{true, false} {
		n, err := im.Import(seed)
		if err != nil {
			return err
		}
		im.log().Infof("imported %d inputs", n)
	}
	return nil
}
