package nyx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/feedback"
)

var workdirDirs = []string{
	"metadata",
	"bitmaps",
	"imports",
	"seeds",
	"snapshot",
	"forced_imports",
}

var workdirFiles = []string{
	"filter",
	"page_cache.lock",
	"page_cache.dump",
	"page_cache.addr",
	"program",
}

var corpusDirs = []feedback.ExitKind{
	feedback.Normal,
	feedback.Crash,
	feedback.MemoryFault,
	feedback.Timeout,
	feedback.InvalidWriteToPayload,
}

// PrepareWorkdir wipes workdir and the project's shared memory files, then
// creates the directory layout and copies the files under seedPath into
// seeds/ as seed_<i>.bin.
func PrepareWorkdir(workdir, shmDir, seedPath string, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if shmDir == "" {
		shmDir = DefaultShmDir
	}
	if err := os.RemoveAll(workdir); err != nil {
		return errors.Wrap(err, "clear workdir")
	}
	if err := removeShm(shmDir, ProjectName(workdir)); err != nil {
		return err
	}

	dirs := append([]string(nil), workdirDirs...)
	for _, k := range corpusDirs {
		dirs = append(dirs, filepath.Join("corpus", k.String()))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(workdir, d), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", d)
		}
	}
	for _, f := range workdirFiles {
		if err := os.WriteFile(filepath.Join(workdir, f), nil, 0o644); err != nil {
			return errors.Wrapf(err, "create %s", f)
		}
	}

	if seedPath == "" {
		return nil
	}
	n, err := copySeeds(seedPath, filepath.Join(workdir, "seeds"))
	if err != nil {
		return err
	}
	log.WithField("seeds", n).Info("copied seeds")
	return nil
}

func removeShm(shmDir, project string) error {
	entries, err := os.ReadDir(shmDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "list shm dir")
	}
	g := glob.MustCompile(ShmPattern(project))
	for _, e := range entries {
		if !g.Match(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(shmDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove shm file")
		}
	}
	return nil
}

func copySeeds(src, dst string) (int, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, errors.Wrap(err, "read seed dir")
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for i, name := range names {
		raw, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			return i, errors.Wrapf(err, "read seed %s", name)
		}
		if err := os.WriteFile(filepath.Join(dst, fmt.Sprintf("seed_%d.bin", i)), raw, 0o644); err != nil {
			return i, errors.Wrap(err, "write seed")
		}
	}
	return len(names), nil
}

// RunMetadata is written to metadata/run.json when a campaign starts.
type RunMetadata struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Threads  int       `json:"threads"`
	SpecPath string    `json:"spec_path"`
	Runner   string    `json:"runner"`
}

func WriteRunMetadata(workdir string, md RunMetadata) error {
	raw, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(workdir, "metadata", "run.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write run metadata")
}
