// Package fuzz is the havoc loop: it schedules queue entries, optionally
// cuts an incremental snapshot inside them, mutates the tail and keeps
// whatever reaches new coverage.
package fuzz

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/config"
	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/queue"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// MutationsPerSnapshot is how many mutations run against one incremental
// snapshot before it is discarded.
const MutationsPerSnapshot = 64

var (
	ErrBudgetExceeded = errors.New("fuzz: time budget exceeded")
	// ErrFirstCrash stops a run configured to exit after the first crash.
	ErrFirstCrash = errors.New("fuzz: stopping after first crash")
)

type Options struct {
	Workdir  string
	ThreadID int
	Seed     uint64
	Dict     [][]byte

	Placement config.SnapshotPlacement
	// Budget stops the worker after this long. Zero runs until cancelled.
	Budget              time.Duration
	ExitAfterFirstCrash bool
	DumpScript          bool

	Out     io.Writer
	Log     *logrus.Entry
	Metrics *feedback.Metrics
}

// Worker owns one executor and shares the queue with the other workers.
type Worker struct {
	exec  fuzzer.Executor
	queue *queue.Queue
	spec  *spec.GraphSpec
	opts  Options

	master   *random.Romu
	dist     *random.Distributions
	mutator  *mutator.Mutator
	importer *queue.Importer
	corpus   *queue.CorpusWriter
	stats    feedback.RuntimeSignature

	// pending holds freshly queued inputs that wait for minimization.
	pending []queue.InputID

	log *logrus.Entry
}

func New(exec fuzzer.Executor, q *queue.Queue, sp *spec.GraphSpec, opts Options) *Worker {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		exec:    exec,
		queue:   q,
		spec:    sp,
		opts:    opts,
		master:  random.NewRomuFromSeed(opts.Seed),
		dist:    random.NewDistributions(opts.Dict),
		mutator: mutator.New(sp, len(opts.Dict) > 0),
		corpus: &queue.CorpusWriter{
			Workdir:    opts.Workdir,
			Spec:       sp,
			DumpScript: opts.DumpScript,
			Out:        out,
			ThreadID:   opts.ThreadID,
		},
		stats: feedback.NewRuntimeSignature(),
		log:   log.WithFields(logrus.Fields{"component": "fuzz", "thread": opts.ThreadID}),
	}
	w.importer = &queue.Importer{
		Exec:     exec,
		Queue:    q,
		Spec:     sp,
		Corpus:   w.corpus,
		Dist:     w.dist,
		Metrics:  opts.Metrics,
		Workdir:  opts.Workdir,
		ThreadID: opts.ThreadID,
		Out:      out,
		Log:      w.log,
	}
	return w
}

// Stats summarizes the executions of this worker.
func (w *Worker) Stats() feedback.RuntimeSignature { return w.stats }

func (w *Worker) reseed() {
	w.dist.SetFullSeed(w.master.Uint64(), w.master.Uint64())
}

func (w *Worker) storage() (*graph.RefGraph, error) {
	return graph.NewRefGraphFromPayload(w.exec.InputBuffer(), w.spec.Checksum)
}

// Run imports the initial corpus and then fuzzes until ctx is cancelled,
// the budget runs out or, when configured, the first crash is found.
func (w *Worker) Run(ctx context.Context) error {
	start := time.Now()
	if err := w.importer.Bootstrap(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.opts.Budget > 0 && time.Since(start) > w.opts.Budget {
			return ErrBudgetExceeded
		}
		if err := w.Iterate(); err != nil {
			return err
		}
	}
}

// snapshotCut picks the node to cut an incremental snapshot at, or -1
// for a plain run.
func (w *Worker) snapshotCut(in *queue.Input) int {
	if w.spec.SnapshotNodeID == nil || in.OpsUsed < 2 {
		return -1
	}
	var p float64
	switch w.opts.Placement {
	case config.PlacementBalanced:
		p = 0.25
	case config.PlacementAggressive:
		p = 0.75
	case config.PlacementBalancedFast:
		p = 0.5
	default:
		return -1
	}
	if !w.dist.GenBool(p) {
		return -1
	}
	return w.dist.GenRange(1, in.OpsUsed)
}

// Iterate runs one havoc round on a scheduled entry. An empty queue
// yields a freshly generated graph.
func (w *Worker) Iterate() error {
	in, ok := w.queue.ScheduleNext(w.dist)
	if !ok {
		in = queue.NewInput(graph.NewVecGraph(nil, nil), mutator.Generate, nil, nil, feedback.NormalExit(0), 0, 0)
	}
	found, err := w.havoc(in)
	if in.ID != queue.InvalidInputID {
		w.queue.NoteIteration(in.ID, found)
	}
	if err != nil {
		return err
	}
	return w.minimizePending()
}

func (w *Worker) havoc(in *queue.Input) (bool, error) {
	storage, err := w.storage()
	if err != nil {
		return false, err
	}
	cut := w.snapshotCut(in)
	if cut < 0 {
		return w.fuzzOnce(in, nil, storage)
	}

	w.reseed()
	snap, err := w.mutator.PrepareSnapshot(cut, in.Data, storage, w.dist)
	if err != nil {
		w.log.WithError(err).Debug("no snapshot")
		return w.fuzzOnce(in, nil, storage)
	}
	created, err := w.exec.RunCreateSnapshot()
	if err != nil {
		return false, errors.Wrap(err, "create snapshot")
	}
	if !created {
		w.log.Debugf("target did not snapshot at node %d", cut)
		return w.fuzzOnce(in, nil, storage)
	}

	// Every mutation under the snapshot reuses storage: its cursors still
	// cover the prefix the target has already executed.
	found := false
	var runErr error
	for i := 0; i < MutationsPerSnapshot; i++ {
		f, err := w.fuzzOnce(in, snap, storage)
		found = found || f
		if err != nil {
			runErr = err
			break
		}
	}
	if err := w.exec.DeleteSnapshot(); err != nil {
		return found, errors.Wrap(err, "delete snapshot")
	}
	return found, runErr
}

// fuzzOnce mutates in into storage, runs it and keeps the result if it
// hit new bytes. Under a snapshot, storage must still hold the prefix
// written by PrepareSnapshot.
func (w *Worker) fuzzOnce(in *queue.Input, snap *builder.SnapshotState, storage *graph.RefGraph) (bool, error) {
	w.reseed()
	strat, err := w.mutator.Mutate(in.Data, in.OpsUsed, w.dict(in), snap, w.queue, storage, w.dist)
	if err != nil {
		w.log.WithError(err).Debug("mutation failed")
		return false, nil
	}

	start := time.Now()
	info, err := w.exec.RunTest()
	took := time.Since(start)
	if err != nil {
		w.log.WithError(err).Warn("run failed")
		info = feedback.TestInfo{Exit: feedback.FuzzerErrorExit()}
	}
	w.queue.AddExecs(1)
	w.opts.Metrics.Observe(info)
	if info.Exit.Kind == feedback.FuzzerError {
		w.stats.Observe(info, false)
		return false, nil
	}

	bitmap := w.exec.BitmapBuffer()
	reasons := w.queue.CheckNewBytes(bitmap, info.Exit, strat.Kind)
	w.stats.Observe(info, len(reasons) > 0)
	if len(reasons) == 0 {
		return false, nil
	}

	data := w.mutator.DumpGraph(storage)
	opsUsed := int(info.OpsUsed)
	found := queue.NewInput(data, strat.Kind, reasons, queue.NewBitmapFromBuffer(bitmap), info.Exit, 0, took)
	found.ParentID = in.ID
	if snap != nil {
		found.ParentSnapshotPosition = snap.SkipNodes
		found.Data, opsUsed = w.dropMarker(data, snap.SkipNodes, opsUsed)
	}
	found.OpsUsed = min(opsUsed, graph.NodeLen(found.Data, w.spec))

	if err := w.corpus.NewInput(found, w.queue.NextID()); err != nil {
		return true, err
	}
	if id, ok := w.queue.Add(found, w.spec); ok {
		w.opts.Metrics.ObserveQueue(w.queue.Len(), w.queue.NumFavorites())
		if found.Exit.Kind == feedback.Normal {
			w.pending = append(w.pending, id)
		}
	}
	if found.Exit.Kind == feedback.Crash && w.opts.ExitAfterFirstCrash {
		return true, ErrFirstCrash
	}
	return true, nil
}

// dropMarker removes the snapshot marker so that the stored graph replays
// without snapshot requests. The marker sits at node index cut unless the
// prefix skipped nodes that did not fit.
func (w *Worker) dropMarker(data *graph.VecGraph, cut, opsUsed int) (*graph.VecGraph, int) {
	at := -1
	it := graph.NodeIterOf(data, w.spec)
	for i := 0; i <= cut; i++ {
		n, ok := it.Next()
		if !ok {
			break
		}
		if n.Type == *w.spec.SnapshotNodeID {
			at = i
			break
		}
	}
	if at < 0 {
		return data, opsUsed
	}
	clean := graph.NewVecGraph(nil, nil)
	w.mutator.DropRange(data, at, at+1, clean, w.dist)
	if opsUsed > at {
		opsUsed--
	}
	return clean, opsUsed
}

func (w *Worker) dict(in *queue.Input) *primitive.CustomDict {
	if in.Dict == nil {
		return primitive.NewCustomDict()
	}
	return in.Dict
}
