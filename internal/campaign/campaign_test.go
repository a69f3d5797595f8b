package campaign

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"alma.local/specfuzz/config"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/internal/targets"
	"alma.local/specfuzz/spec"
)

func sharedir(t *testing.T, workdir string) string {
	t.Helper()
	dir := t.TempDir()
	body := `
fuzz:
  workdir_path: ` + workdir + `
  threads: 2
  bitmap_size: 4096
  payload_size: 8192
  seed: 5
  dict: ["4142"]
runner:
  kind: in_process
  target: packet
`
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func setup(t *testing.T, f Flags) *Campaign {
	t.Helper()
	f.ShmDir = t.TempDir()
	if f.CPU == 0 {
		f.CPU = -1
	}
	c, err := Setup(f)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSetupInProcess(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "wd")
	c := setup(t, Flags{Sharedir: sharedir(t, workdir)})

	want, err := targets.PacketSchema()
	if err != nil {
		t.Fatal(err)
	}
	if c.Spec.Checksum != want.Checksum {
		t.Errorf("spec checksum %x, want the packet schema %x", c.Spec.Checksum, want.Checksum)
	}
	if len(c.Dict) != 1 || string(c.Dict[0]) != "AB" {
		t.Errorf("dict = %q", c.Dict)
	}
	for _, p := range []string{"metadata/run.json", "seeds", "corpus/crash"} {
		if _, err := os.Stat(filepath.Join(workdir, p)); err != nil {
			t.Errorf("workdir: %v", err)
		}
	}
	if c.RunID == "" || c.Queue.Len() != 0 {
		t.Errorf("run id %q, queue %d", c.RunID, c.Queue.Len())
	}
}

func TestSetupFlagsOverride(t *testing.T) {
	other := filepath.Join(t.TempDir(), "other")
	c := setup(t, Flags{Sharedir: sharedir(t, "/nonexistent/wd"), Workdir: other, Threads: 3, Seed: 9})
	if c.Config.Fuzz.WorkdirPath != other || c.Config.Fuzz.Threads != 3 || c.Config.Fuzz.Seed != 9 {
		t.Errorf("flags not applied: %+v", c.Config.Fuzz)
	}
	if _, err := os.Stat(filepath.Join(other, "metadata", "run.json")); err != nil {
		t.Error(err)
	}
}

func TestSetupUsesSpecFile(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "wd")
	dir := sharedir(t, workdir)
	b := spec.NewSchemaBuilder()
	b.Atom(spec.NewIntAtom("u8", 1))
	if err := b.Node("only", "u8", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	schema, err := b.Schema()
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, "spec.msgp"))
	if err != nil {
		t.Fatal(err)
	}
	if err := schema.Encode(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c := setup(t, Flags{Sharedir: dir})
	if c.Spec.Checksum != schema.Checksum || len(c.Spec.Nodes) != 1 {
		t.Errorf("loaded spec %x with %d nodes", c.Spec.Checksum, len(c.Spec.Nodes))
	}
}

func TestRunThreads(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "wd")
	c := setup(t, Flags{Sharedir: sharedir(t, workdir)})

	var mu sync.Mutex
	seeds := map[int]uint64{}
	err := c.Run(context.Background(), func(ctx context.Context, th Thread) error {
		if len(th.Exec.InputBuffer()) != 8192 || len(th.Exec.BitmapBuffer()) != 4096 {
			return errors.Errorf("thread %d: payload %d bitmap %d", th.ID, len(th.Exec.InputBuffer()), len(th.Exec.BitmapBuffer()))
		}
		if _, err := graph.NewRefGraphFromPayload(th.Exec.InputBuffer(), c.Spec.Checksum); err != nil {
			return err
		}
		if _, err := th.Exec.RunTest(); err != nil {
			return err
		}
		mu.Lock()
		seeds[th.ID] = th.Seed
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 2 || seeds[0] == seeds[1] {
		t.Errorf("thread seeds = %v", seeds)
	}
}

func TestRunStopsOnError(t *testing.T) {
	workdir := filepath.Join(t.TempDir(), "wd")
	c := setup(t, Flags{Sharedir: sharedir(t, workdir)})
	boom := errors.New("boom")
	err := c.Run(context.Background(), func(ctx context.Context, th Thread) error {
		if th.ID == 0 {
			return boom
		}
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want boom", err)
	}
}

func TestSetupUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	body := "fuzz:\n  workdir_path: " + filepath.Join(dir, "wd") + "\nrunner:\n  kind: in_process\n  target: nope\n"
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Setup(Flags{Sharedir: dir, CPU: -1, ShmDir: t.TempDir()}); err == nil {
		t.Error("Setup accepted an unknown target")
	}
}
