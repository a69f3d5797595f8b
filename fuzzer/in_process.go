package fuzzer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/spec"
	"alma.local/specfuzz/tracer"
)

// Errors a Target may return from Step to report an outcome other than a
// plain failure.
var (
	ErrInvalidWrite = errors.New("target: write to payload")
	ErrMemoryFault  = errors.New("target: memory fault")
)

// ValueFeedbackSize is the size of the value feedback max buffer.
const ValueFeedbackSize = 2048

// Target is a Go program driven node by node. Reset is called before every
// run; Step executes one node and records coverage into tr.
type Target interface {
	Reset()
	Step(ctx context.Context, tr *tracer.Tracer, sp *spec.GraphSpec, n *graph.Node) error
}

// InProcessOptions sizes the buffers of an InProcessExecutor.
type InProcessOptions struct {
	PayloadSize int
	BitmapSize  int
	TraceSize   int
	Timeout     time.Duration
}

// InProcessExecutor runs a Target in the same process space. It reads the
// graph back from its own payload exactly like a VM agent would.
type InProcessExecutor struct {
	spec   *spec.GraphSpec
	target Target
	opts   InProcessOptions
	log    *logrus.Entry

	payload []byte
	bitmap  []byte
	ivalues []byte
	tracer  *tracer.Tracer

	snapshotCreated bool
	globalSeenCIDs  map[uint64]struct{}
}

// NewInProcessExecutor creates an executor for target. BitmapSize must be
// a power of two.
func NewInProcessExecutor(sp *spec.GraphSpec, target Target, opts InProcessOptions, log *logrus.Entry) (*InProcessExecutor, error) {
	if opts.PayloadSize == 0 {
		opts.PayloadSize = 1 << 16
	}
	if opts.BitmapSize == 0 {
		opts.BitmapSize = 1 << 16
	}
	if opts.BitmapSize&(opts.BitmapSize-1) != 0 {
		return nil, errors.Errorf("fuzzer: bitmap size %d is not a power of two", opts.BitmapSize)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InProcessExecutor{
		spec:           sp,
		target:         target,
		opts:           opts,
		log:            log.WithField("component", "fuzzer"),
		payload:        graph.NewPayload(opts.PayloadSize),
		bitmap:         make([]byte, opts.BitmapSize),
		ivalues:        make([]byte, ValueFeedbackSize),
		tracer:         tracer.NewTracer(opts.TraceSize),
		globalSeenCIDs: make(map[uint64]struct{}),
	}, nil
}

func (e *InProcessExecutor) InputBuffer() []byte         { return e.payload }
func (e *InProcessExecutor) BitmapBuffer() []byte        { return e.bitmap }
func (e *InProcessExecutor) ValueFeedbackBuffer() []byte { return e.ivalues }

// SeenContexts is the number of distinct context ids observed over all runs.
func (e *InProcessExecutor) SeenContexts() int { return len(e.globalSeenCIDs) }

// SnapshotCreated reports the incremental snapshot flag.
func (e *InProcessExecutor) SnapshotCreated() bool { return e.snapshotCreated }

func (e *InProcessExecutor) RunTest() (feedback.TestInfo, error) {
	info, _ := e.execute(false)
	return info, nil
}

func (e *InProcessExecutor) RunCreateSnapshot() (bool, error) {
	if e.snapshotCreated {
		return false, errors.Wrap(ErrSnapshotState, "snapshot already exists")
	}
	_, hit := e.execute(true)
	e.snapshotCreated = hit
	return hit, nil
}

func (e *InProcessExecutor) DeleteSnapshot() error {
	e.snapshotCreated = false
	return nil
}

func (e *InProcessExecutor) Shutdown() error {
	e.log.Debugf("in-process executor saw %d contexts", len(e.globalSeenCIDs))
	return nil
}

// execute decodes the payload and steps the target through it. With
// stopAtSnapshot the run ends at the first snapshot marker, and hit
// reports whether one was reached.
func (e *InProcessExecutor) execute(stopAtSnapshot bool) (info feedback.TestInfo, hit bool) {
	e.tracer.Reset()
	defer e.collect()

	g, err := graph.ReadPayload(e.payload, e.spec)
	if err != nil {
		e.log.WithError(err).Warn("payload does not decode")
		return feedback.TestInfo{Exit: feedback.FuzzerErrorExit()}, false
	}
	nodes, err := graph.Nodes(g.Ops(), g.Data(), e.spec)
	if err != nil {
		e.log.WithError(err).Warn("payload holds a malformed graph")
		return feedback.TestInfo{Exit: feedback.FuzzerErrorExit()}, false
	}

	ctx := context.Background()
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	var used uint32
	var stepErr error
	var panicked any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		e.target.Reset()
		for i := range nodes {
			n := &nodes[i]
			if e.spec.SnapshotNodeID != nil && n.Type == *e.spec.SnapshotNodeID {
				used++
				if stopAtSnapshot {
					hit = true
					return
				}
				continue
			}
			if err := ctx.Err(); err != nil {
				stepErr = err
				return
			}
			used++
			if err := e.target.Step(ctx, e.tracer, e.spec, n); err != nil {
				stepErr = err
				return
			}
		}
	}()

	info.OpsUsed = used
	switch {
	case panicked != nil:
		info.Exit = feedback.CrashExit([]byte(fmt.Sprint(panicked)))
	case stepErr == nil:
		info.Exit = feedback.NormalExit(0)
	case errors.Is(stepErr, context.DeadlineExceeded):
		info.Exit = feedback.TimeoutExit()
	case errors.Is(stepErr, ErrInvalidWrite):
		info.Exit = feedback.InvalidWriteExit([]byte(stepErr.Error()))
	case errors.Is(stepErr, ErrMemoryFault):
		info.Exit = feedback.MemoryFaultExit()
	default:
		info.Exit = feedback.NormalExit(1)
	}
	return info, hit
}

// collect converts the trace into the bitmap and value feedback buffers.
func (e *InProcessExecutor) collect() {
	e.tracer.EdgeBitmap(e.bitmap)
	e.tracer.MaxValues(e.ivalues)
	for _, t := range e.tracer.Snapshot() {
		e.globalSeenCIDs[t.CID] = struct{}{}
	}
}
