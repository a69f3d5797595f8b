package nyx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareWorkdir(t *testing.T) {
	root := t.TempDir()
	workdir := filepath.Join(root, "proj")
	shm := filepath.Join(root, "shm")
	seeds := filepath.Join(root, "in")
	for _, d := range []string{workdir, shm, seeds} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite := func(path, body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite(filepath.Join(workdir, "stale"), "x")
	mustWrite(filepath.Join(shm, "specfuzz_proj_bitmap_0"), "x")
	mustWrite(filepath.Join(shm, "specfuzz_other_bitmap_0"), "x")
	mustWrite(filepath.Join(seeds, "b"), "second")
	mustWrite(filepath.Join(seeds, "a"), "first")

	if err := PrepareWorkdir(workdir, shm, seeds, nil); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{
		"corpus/normal", "corpus/crash", "corpus/kasan", "corpus/timeout", "corpus/invalid_write_to_payload",
		"metadata", "bitmaps", "imports", "seeds", "snapshot", "forced_imports",
		"filter", "page_cache.lock", "page_cache.dump", "page_cache.addr", "program",
	} {
		if _, err := os.Stat(filepath.Join(workdir, p)); err != nil {
			t.Errorf("%s missing: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(workdir, "stale")); !os.IsNotExist(err) {
		t.Errorf("stale file survived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(shm, "specfuzz_proj_bitmap_0")); !os.IsNotExist(err) {
		t.Errorf("project shm file survived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(shm, "specfuzz_other_bitmap_0")); err != nil {
		t.Errorf("other project's shm file removed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(workdir, "seeds", "seed_0.bin"))
	if err != nil || string(raw) != "first" {
		t.Errorf("seed_0.bin = %q, %v", raw, err)
	}
	if _, err := os.Stat(filepath.Join(workdir, "seeds", "seed_1.bin")); err != nil {
		t.Errorf("seed_1.bin missing: %v", err)
	}
}

func TestWriteRunMetadata(t *testing.T) {
	dir := t.TempDir()
	if err := WriteRunMetadata(dir, RunMetadata{RunID: "abc", Threads: 2}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "metadata", "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	var md RunMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		t.Fatal(err)
	}
	if md.RunID != "abc" || md.Threads != 2 {
		t.Errorf("metadata = %+v", md)
	}
}
