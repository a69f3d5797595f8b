// Package analyzer measures how sensitive every node of the queued inputs
// is to single byte changes. For each node it cuts a snapshot right before
// it, applies fixed byte operations at every offset of its data and
// records the resulting feedback as dense indices.
package analyzer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/builder"
	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/queue"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

const (
	// MinStableRuns is the number of identical bitmaps in a row that make
	// a measurement stable.
	MinStableRuns = 4
	// MaxAttempts bounds the executions of one measurement.
	MaxAttempts = 10
)

// Options configure a SegmentAnalyzer.
type Options struct {
	Workdir    string
	ThreadID   int
	Seed       uint64
	Dict       [][]byte
	RunID      string
	DumpScript bool
	// Threads splits the queue between analyzers: thread i calibrates the
	// entries whose id is i modulo Threads. Zero or one means all entries.
	Threads int

	// Out receives the progress lines, os.Stdout by default.
	Out     io.Writer
	Log     *logrus.Entry
	Metrics *feedback.Metrics
}

// PacketResult is one measurement of the node after the cut.
type PacketResult struct {
	PacketID         int    `json:"packet_id"`
	Offset           int    `json:"offset"`
	Stable           bool   `json:"stable"`
	MutationOperator string `json:"mutation_operator"`
	CFIndex          int    `json:"cf_index"`
	VFIndex          int    `json:"vf_index"`
	CFCIndex         int    `json:"cfc_index"`
}

// SequenceResult is the calibration report of one queue entry.
type SequenceResult struct {
	SequenceID int            `json:"sequence_id"`
	RunID      string         `json:"run_id"`
	CalTime    float64        `json:"cal_time"`
	PktNumber  int            `json:"pkt_number"`
	RawData    string         `json:"raw_data"`
	Packets    []PacketResult `json:"packets_cali_result"`
}

// Measurement is the outcome of one stabilized execution.
type Measurement struct {
	Info     feedback.TestInfo
	CF       int
	VF       int
	CFC      int
	Stable   bool
	Attempts int
}

type SegmentAnalyzer struct {
	exec  fuzzer.Executor
	queue *queue.Queue
	spec  *spec.GraphSpec
	opts  Options

	master   *random.Romu
	dist     *random.Distributions
	det      *mutator.DetMutator
	hashes   *LocalHashmap
	importer *queue.Importer

	out io.Writer
	log *logrus.Entry
}

func New(exec fuzzer.Executor, q *queue.Queue, sp *spec.GraphSpec, opts Options) *SegmentAnalyzer {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &SegmentAnalyzer{
		exec:   exec,
		queue:  q,
		spec:   sp,
		opts:   opts,
		master: random.NewRomuFromSeed(opts.Seed),
		dist:   random.NewDistributions(opts.Dict),
		det:    mutator.NewDet(sp),
		hashes: NewLocalHashmap(),
		out:    out,
		log:    log.WithFields(logrus.Fields{"component": "analyzer", "thread": opts.ThreadID}),
	}
	a.importer = &queue.Importer{
		Exec:  exec,
		Queue: q,
		Spec:  sp,
		Corpus: &queue.CorpusWriter{
			Workdir:    opts.Workdir,
			Spec:       sp,
			DumpScript: opts.DumpScript,
			Out:        out,
			ThreadID:   opts.ThreadID,
		},
		Dist:     a.dist,
		Metrics:  opts.Metrics,
		Workdir:  opts.Workdir,
		ThreadID: opts.ThreadID,
		Out:      out,
		Log:      a.log,
	}
	return a
}

// Hashes exposes the dedup tables shared by all reports of this analyzer.
func (a *SegmentAnalyzer) Hashes() *LocalHashmap { return a.hashes }

func (a *SegmentAnalyzer) reseed() {
	a.dist.SetFullSeed(a.master.Uint64(), a.master.Uint64())
}

func (a *SegmentAnalyzer) storage() (*graph.RefGraph, error) {
	return graph.NewRefGraphFromPayload(a.exec.InputBuffer(), a.spec.Checksum)
}

// runStable executes the current payload until MinStableRuns consecutive
// runs produce the same bitmap, at most MaxAttempts times. The indices are
// taken from the last run either way.
func (a *SegmentAnalyzer) runStable() (Measurement, error) {
	var (
		m       Measurement
		last    uint64
		streak  int
		ran     bool
		lastErr error
	)
	for m.Attempts < MaxAttempts {
		m.Attempts++
		info, err := a.exec.RunTest()
		if err != nil {
			lastErr = err
			a.log.WithError(err).Warn("calibration run failed")
			continue
		}
		a.queue.AddExecs(1)
		a.opts.Metrics.ObserveCalibration(info)

		h := xxhash.Sum64(a.exec.BitmapBuffer())
		if ran && h == last {
			streak++
		} else {
			streak = 1
			last = h
		}
		ran = true
		m.Info = info
		if streak >= MinStableRuns {
			m.Stable = true
			break
		}
	}
	if !ran {
		return m, errors.Wrap(lastErr, "analyzer: no calibration run completed")
	}
	if !m.Stable {
		a.log.Debug("test unstable")
		a.opts.Metrics.ObserveUnstable()
	}
	bitmap := a.exec.BitmapBuffer()
	m.CF = a.hashes.HandleCovBitmap(bitmap)
	m.CFC = a.hashes.HandleRunBitmap(bitmap)
	m.VF = a.hashes.HandleValueMap(a.exec.ValueFeedbackBuffer())
	return m, nil
}

// measure cuts a snapshot before node cut of orig, appends that node with
// op applied at off and runs it until stable. The snapshot is deleted
// afterwards so every measurement starts from the same state. ok is false
// when the node did not fit the payload.
func (a *SegmentAnalyzer) measure(orig *graph.VecGraph, cut int, op primitive.DetOp, off int) (m Measurement, ok bool, err error) {
	storage, err := a.storage()
	if err != nil {
		return m, false, err
	}
	a.reseed()
	snap, err := a.det.PrepareSnapshot(cut, orig, storage, a.dist)
	if err != nil {
		return m, false, err
	}
	created, err := a.exec.RunCreateSnapshot()
	if err != nil {
		return m, false, errors.Wrap(err, "create snapshot")
	}
	if !created {
		return m, false, errors.Wrapf(fuzzer.ErrSnapshotState, "no snapshot after node %d", cut)
	}
	defer func() {
		if derr := a.exec.DeleteSnapshot(); derr != nil && err == nil {
			err = errors.Wrap(derr, "delete snapshot")
		}
	}()

	if !a.det.MutateNext(orig, snap, op, off, storage, a.dist) {
		a.log.Debugf("node %d does not fit the payload", cut)
		return m, false, nil
	}
	m, err = a.runStable()
	return m, err == nil, err
}

// Calibrate measures every node the entry executed.
func (a *SegmentAnalyzer) Calibrate(id queue.InputID) (*SequenceResult, error) {
	entry := a.queue.Schedule(id)
	numOps := min(entry.OpsUsed, graph.NodeLen(entry.Data, a.spec))
	res := &SequenceResult{
		SequenceID: int(id),
		RunID:      a.opts.RunID,
		PktNumber:  numOps,
		RawData:    hex.EncodeToString(entry.Data.Data()),
		Packets:    []PacketResult{},
	}
	fmt.Fprintf(a.out, "[Analyzer] Calibrating test case %d with %d packets...\n", id, numOps)

	start := time.Now()
	for cut := 0; cut < numOps; cut++ {
		if err := a.calibrateCut(entry.Data, cut, numOps, res); err != nil {
			return nil, errors.Wrapf(err, "calibrate test case %d", id)
		}
	}
	res.CalTime = time.Since(start).Seconds()
	return res, nil
}

func (a *SegmentAnalyzer) calibrateCut(orig *graph.VecGraph, cut, numOps int, res *SequenceResult) error {
	record := func(op primitive.DetOp, off int) error {
		m, ok, err := a.measure(orig, cut, op, off)
		if err != nil || !ok {
			return err
		}
		res.Packets = append(res.Packets, PacketResult{
			PacketID:         cut,
			Offset:           off,
			Stable:           m.Stable,
			MutationOperator: op.String(),
			CFIndex:          m.CF,
			VFIndex:          m.VF,
			CFCIndex:         m.CFC,
		})
		return nil
	}

	if err := record(primitive.NoMutation, 0); err != nil {
		return err
	}
	n := a.det.NextNodeDataLength(orig, &builder.SnapshotState{SkipNodes: cut})
	for off := 0; off < n; off++ {
		a.log.Debugf("packet %d/%d offset %d/%d", cut+1, numOps, off, n)
		for _, op := range primitive.CalibrationOps {
			if err := record(op, off); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportPath is where the report of queue entry id is written.
func ReportPath(workdir string, id int) string {
	return filepath.Join(workdir, fmt.Sprintf("calibration_results_sequence_%d.json", id))
}

// WriteReport stores res as indented JSON in the workdir.
func (a *SegmentAnalyzer) WriteReport(res *SequenceResult) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode calibration report")
	}
	path := ReportPath(a.opts.Workdir, res.SequenceID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	fmt.Fprintf(a.out, "[Analyzer] Successfully saved results to %s\n", path)
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*SequenceResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calibration report")
	}
	var res SequenceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &res, nil
}

// CalibrateAll calibrates and reports the queue entries of this thread in
// order.
func (a *SegmentAnalyzer) CalibrateAll(ctx context.Context) error {
	n := a.queue.Len()
	if n == 0 {
		a.log.Warn("queue is empty, nothing to calibrate")
		return nil
	}
	first, stride := 0, 1
	if a.opts.Threads > 1 {
		first, stride = a.opts.ThreadID%a.opts.Threads, a.opts.Threads
	}
	for id := first; id < n; id += stride {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := a.Calibrate(queue.InputID(id))
		if err != nil {
			return err
		}
		if err := a.WriteReport(res); err != nil {
			return err
		}
	}
	return nil
}

// Run imports the seeds on thread 0, makes the other threads wait for
// that, then calibrates the whole queue.
func (a *SegmentAnalyzer) Run(ctx context.Context) error {
	if err := a.importer.Bootstrap(ctx); err != nil {
		return err
	}
	return a.CalibrateAll(ctx)
}

func (a *SegmentAnalyzer) Shutdown() error {
	return a.exec.Shutdown()
}
