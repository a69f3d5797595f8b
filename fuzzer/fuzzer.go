package fuzzer

import (
	"github.com/pkg/errors"

	"alma.local/specfuzz/feedback"
)

// ErrSnapshotState is returned when the incremental snapshot flag does not
// match what a create or delete request expects.
var ErrSnapshotState = errors.New("fuzzer: unexpected snapshot state")

// Executor runs payloads against one target instance. The caller writes a
// graph into InputBuffer, then asks for a run and reads the feedback
// buffers. An Executor is owned by a single worker.
type Executor interface {
	// RunTest executes the current payload. Target misbehaviour is reported
	// through TestInfo; an error means the executor itself failed.
	RunTest() (feedback.TestInfo, error)

	// RunCreateSnapshot executes the payload up to its snapshot marker and
	// reports whether an incremental snapshot now exists.
	RunCreateSnapshot() (bool, error)

	// DeleteSnapshot drops the incremental snapshot, if any.
	DeleteSnapshot() error

	InputBuffer() []byte
	BitmapBuffer() []byte
	ValueFeedbackBuffer() []byte

	Shutdown() error
}
