package fuzzer

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/spec"
)

// MockExecutor is a deterministic stand-in for a VM. Its bitmap comes from
// BitmapFunc, or from a hash of the payload when BitmapFunc is nil.
type MockExecutor struct {
	// BitmapFunc fills bitmap for one run; run counts from 1.
	BitmapFunc func(run int, payload, bitmap []byte)
	// ExitFunc classifies one run. Nil means Normal(0).
	ExitFunc func(run int, payload []byte) feedback.ExitReason

	Runs         int
	SnapshotRuns int
	Deletes      int

	spec            *spec.GraphSpec
	payload         []byte
	bitmap          []byte
	ivalues         []byte
	snapshotCreated bool
}

// NewMockExecutor creates a mock with a payload of payloadSize bytes and a
// bitmap of bitmapSize bytes. sp is used to count the nodes of a run and
// may be nil.
func NewMockExecutor(sp *spec.GraphSpec, payloadSize, bitmapSize int) *MockExecutor {
	return &MockExecutor{
		spec:    sp,
		payload: graph.NewPayload(payloadSize),
		bitmap:  make([]byte, bitmapSize),
		ivalues: make([]byte, ValueFeedbackSize),
	}
}

func (m *MockExecutor) InputBuffer() []byte         { return m.payload }
func (m *MockExecutor) BitmapBuffer() []byte        { return m.bitmap }
func (m *MockExecutor) ValueFeedbackBuffer() []byte { return m.ivalues }

// payloadHash hashes the op and data sections of the current graph.
func (m *MockExecutor) payloadHash() uint64 {
	if len(m.payload) < graph.PayloadHeaderLen {
		return xxhash.Sum64(m.payload)
	}
	le := binary.LittleEndian
	opsOff, dataOff := le.Uint64(m.payload[24:]), le.Uint64(m.payload[32:])
	opsEnd := opsOff + 2*le.Uint64(m.payload[8:])
	dataEnd := dataOff + le.Uint64(m.payload[16:])
	if opsEnd > uint64(len(m.payload)) || dataEnd > uint64(len(m.payload)) {
		return xxhash.Sum64(m.payload)
	}
	h := xxhash.New()
	h.Write(m.payload[opsOff:opsEnd])
	h.Write(m.payload[dataOff:dataEnd])
	return h.Sum64()
}

// nodesUsed counts the nodes of the payload graph, all of which a mock
// run executes.
func (m *MockExecutor) nodesUsed() uint32 {
	if m.spec == nil {
		return 0
	}
	g, err := graph.ReadPayload(m.payload, m.spec)
	if err != nil {
		return 0
	}
	return uint32(graph.NodeLen(g, m.spec))
}

func (m *MockExecutor) RunTest() (feedback.TestInfo, error) {
	m.Runs++
	clear(m.bitmap)
	if m.BitmapFunc != nil {
		m.BitmapFunc(m.Runs, m.payload, m.bitmap)
	} else if len(m.bitmap) > 0 {
		m.bitmap[m.payloadHash()%uint64(len(m.bitmap))] = 1
	}
	exit := feedback.NormalExit(0)
	if m.ExitFunc != nil {
		exit = m.ExitFunc(m.Runs, m.payload)
	}
	return feedback.TestInfo{OpsUsed: m.nodesUsed(), Exit: exit}, nil
}

func (m *MockExecutor) RunCreateSnapshot() (bool, error) {
	if m.snapshotCreated {
		return false, errors.Wrap(ErrSnapshotState, "snapshot already exists")
	}
	m.SnapshotRuns++
	m.snapshotCreated = true
	return true, nil
}

func (m *MockExecutor) DeleteSnapshot() error {
	if m.snapshotCreated {
		m.Deletes++
	}
	m.snapshotCreated = false
	return nil
}

func (m *MockExecutor) Shutdown() error { return nil }
