package queue

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

var binPattern = glob.MustCompile("*.bin", '/')

// ListInputs returns the sorted paths of the *.bin files directly in dir.
// A missing dir has no inputs.
func ListInputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !binPattern.Match(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// SeedPollInterval is how often WaitForSeeds rechecks seeds/ without an
// event.
var SeedPollInterval = time.Second

// WaitForSeeds blocks until workdir/seeds holds no *.bin file. The first
// worker removes seeds as it imports them; the others wait here.
func WaitForSeeds(ctx context.Context, workdir string) error {
	dir := filepath.Join(workdir, "seeds")
	empty := func() (bool, error) {
		paths, err := ListInputs(dir)
		return len(paths) == 0, err
	}
	if ok, err := empty(); ok || err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create seed watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	tick := time.NewTicker(SeedPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "seed watcher")
		case <-tick.C:
		}
		if ok, err := empty(); ok || err != nil {
			return err
		}
	}
}
