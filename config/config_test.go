package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, `
fuzz:
  workdir_path: /tmp/wd
  threads: 4
  time_limit: 2s
  dict: ["4142", "ff"]
  snapshot_placement: aggressive
runner:
  kind: qemu_snapshot
  qemu_binary: bin/qemu
  hda: disk.img
  snapshot_path: reuse:/snap
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fuzz.Threads != 4 || cfg.Fuzz.TimeLimit != 2*time.Second {
		t.Errorf("fuzz = %+v", cfg.Fuzz)
	}
	if cfg.Fuzz.SpecPath != filepath.Join(dir, "spec.msgp") {
		t.Errorf("spec path = %q", cfg.Fuzz.SpecPath)
	}
	if cfg.Runner.QemuBinary != filepath.Join(dir, "bin/qemu") {
		t.Errorf("qemu binary = %q", cfg.Runner.QemuBinary)
	}
	if cfg.Fuzz.BitmapSize != 1<<16 || cfg.DefaultPayloadSize() != 64<<10 {
		t.Errorf("defaults not applied: %+v", cfg.Fuzz)
	}
	dict, err := cfg.Fuzz.DictBytes()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{{'A', 'B'}, {0xff}}, dict); diff != "" {
		t.Errorf("dict mismatch (-want +got):\n%s", diff)
	}
	sp, err := ParseSnapshotPath(cfg.Runner.SnapshotPath)
	if err != nil || sp.Mode != SnapshotReuse || sp.Path != "/snap" {
		t.Errorf("snapshot path = %+v, %v", sp, err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := writeConfig(t, `
fuzz:
  workdir_path: /tmp/wd
runner:
  kind: in_process
  target: toy
`)
	t.Setenv("SPECFUZZ_THREADS", "3")
	t.Setenv("SPECFUZZ_WORKDIR", "/tmp/other")
	t.Setenv("SPECFUZZ_CPU_START", "2")
	t.Setenv("SPECFUZZ_RUNNER_TARGET", "echo")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fuzz.Threads != 3 || cfg.Fuzz.WorkdirPath != "/tmp/other" || cfg.Fuzz.CPUPinStartAt != 2 {
		t.Errorf("fuzz = %+v", cfg.Fuzz)
	}
	if cfg.Runner.Target != "echo" {
		t.Errorf("target = %q", cfg.Runner.Target)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"threads", func(c *Config) { c.Fuzz.Threads = 0 }, "Threads"},
		{"bitmap", func(c *Config) { c.Fuzz.BitmapSize = 1000 }, "BitmapSize"},
		{"spec", func(c *Config) { c.Fuzz.SpecPath = "" }, "SpecPath"},
		{"kind", func(c *Config) { c.Runner.Kind = "vm" }, "Kind"},
		{"placement", func(c *Config) { c.Fuzz.SnapshotPlacement = "always" }, "SnapshotPlacement"},
		{"snapshot path", func(c *Config) { c.Runner.SnapshotPath = "somewhere" }, "SnapshotPath"},
		{"kernel", func(c *Config) { c.Runner.Kind = QemuKernel }, "Kernel"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default("/share")
			cfg.Fuzz.WorkdirPath = "/tmp/wd"
			cfg.Runner.QemuBinary = "/qemu"
			cfg.Runner.HDA = "/disk"
			if err := cfg.Validate(); err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			c.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), c.field) {
				t.Errorf("Validate() = %v, want an error on %s", err, c.field)
			}
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := writeConfig(t, "fuzz:\n  threds: 2\n")
	if _, err := Load(dir); err == nil {
		t.Errorf("unknown key accepted")
	}
}
