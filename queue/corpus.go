package queue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/spec"
)

var (
	crashStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

// ExitLabel renders the exit kind name, colored for crashes, timeouts and
// invalid writes.
func ExitLabel(r feedback.ExitReason) string {
	switch r.Kind {
	case feedback.Crash:
		return crashStyle.Render(r.Name())
	case feedback.Timeout, feedback.InvalidWriteToPayload:
		return warnStyle.Render(r.Name())
	}
	return r.Name()
}

// CorpusWriter stores found inputs below workdir/corpus.
type CorpusWriter struct {
	Workdir    string
	Spec       *spec.GraphSpec
	DumpScript bool
	Out        io.Writer
	ThreadID   int
}

// NewInput prints the found-input line and writes corpus/<exit>/cnt_<n>.bin,
// a log with the crash details, the compressed bitmap and, when enabled,
// the script form of the graph.
func (w *CorpusWriter) NewInput(in *Input, n int) error {
	out := w.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "[%d] fuzzer: found input %s (len:%d/snap:%d) %d/%d new bytes by %s\n",
		w.ThreadID,
		ExitLabel(in.Exit),
		graph.NodeLen(in.Data, w.Spec),
		in.ParentSnapshotPosition,
		in.NewBytes(),
		len(in.StorageReasons),
		in.FoundBy,
	)

	dir := filepath.Join(w.Workdir, "corpus", in.Exit.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create corpus dir")
	}
	if err := graph.WriteToFile(filepath.Join(dir, fmt.Sprintf("cnt_%d.bin", n)), in.Data, w.Spec); err != nil {
		return err
	}
	switch in.Exit.Kind {
	case feedback.Crash:
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.log", n)), append(append([]byte(nil), in.Exit.Detail...), '\n'), 0o644); err != nil {
			return errors.Wrap(err, "write crash log")
		}
	case feedback.InvalidWriteToPayload:
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.log", n)), in.Exit.Detail, 0o644); err != nil {
			return errors.Wrap(err, "write invalid write log")
		}
	}
	if in.Bitmap != nil {
		if err := WriteBitmap(filepath.Join(w.Workdir, "bitmaps", fmt.Sprintf("%d.bitmap.sz", n)), in.Bitmap); err != nil {
			return err
		}
	}
	if w.DumpScript {
		if err := graph.WriteScriptFile(filepath.Join(dir, fmt.Sprintf("cnt_%d.py", n)), in.Data, w.Spec); err != nil {
			return err
		}
	}
	return nil
}

// WriteBitmap stores b snappy compressed.
func WriteBitmap(path string, b *Bitmap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create bitmap dir")
	}
	return errors.Wrap(os.WriteFile(path, snappy.Encode(nil, b.Bits()), 0o644), "write bitmap")
}

// ReadBitmap loads a bitmap written by WriteBitmap.
func ReadBitmap(path string) (*Bitmap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read bitmap")
	}
	bits, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode bitmap %s", path)
	}
	return &Bitmap{bits: bits}, nil
}
