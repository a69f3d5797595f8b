// Package config loads the fuzzer configuration from <sharedir>/config.yaml
// with SPECFUZZ_* environment overrides.
package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// FileName is the config file looked up in the sharedir.
const FileName = "config.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPECFUZZ"

type RunnerKind string

const (
	QemuKernel   RunnerKind = "qemu_kernel"
	QemuSnapshot RunnerKind = "qemu_snapshot"
	InProcess    RunnerKind = "in_process"
)

// SnapshotPlacement controls how often the havoc loop cuts an incremental
// snapshot before mutating.
type SnapshotPlacement string

const (
	PlacementNone         SnapshotPlacement = "none"
	PlacementBalanced     SnapshotPlacement = "balanced"
	PlacementAggressive   SnapshotPlacement = "aggressive"
	PlacementBalancedFast SnapshotPlacement = "balancedfast"
)

type FuzzerConfig struct {
	SpecPath    string `yaml:"spec_path" envconfig:"SPEC_PATH" validate:"required"`
	WorkdirPath string `yaml:"workdir_path" envconfig:"WORKDIR" validate:"required"`
	BitmapSize  int    `yaml:"bitmap_size" envconfig:"BITMAP_SIZE" validate:"pow2"`
	// MemLimit is the VM memory in MB.
	MemLimit int `yaml:"mem_limit" envconfig:"MEM_LIMIT" validate:"gte=0"`
	// TimeLimit is the per execution timeout handed to the agent.
	TimeLimit     time.Duration `yaml:"time_limit" envconfig:"TIME_LIMIT" validate:"gte=0"`
	Threads       int           `yaml:"threads" envconfig:"THREADS" validate:"min=1"`
	ThreadID      int           `yaml:"thread_id" envconfig:"THREAD_ID" validate:"gte=0"`
	CPUPinStartAt int           `yaml:"cpu_pin_start_at" envconfig:"CPU_START" validate:"gte=0"`
	SeedPath      string        `yaml:"seed_path" envconfig:"SEED_PATH"`
	// Dict entries are hex strings.
	Dict                    []string          `yaml:"dict" envconfig:"DICT" validate:"dive,hexadecimal"`
	SnapshotPlacement       SnapshotPlacement `yaml:"snapshot_placement" envconfig:"SNAPSHOT_PLACEMENT" validate:"oneof=none balanced aggressive balancedfast"`
	DumpPythonCodeForInputs bool              `yaml:"dump_python_code_for_inputs" envconfig:"DUMP_PYTHON_CODE"`
	ExitAfterFirstCrash     bool              `yaml:"exit_after_first_crash" envconfig:"EXIT_AFTER_FIRST_CRASH"`
	// PayloadSize overrides the runner's default payload size when set.
	PayloadSize int    `yaml:"payload_size" envconfig:"PAYLOAD_SIZE" validate:"gte=0"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	Seed        uint64 `yaml:"seed" envconfig:"SEED"`
}

type RunnerConfig struct {
	Kind       RunnerKind `yaml:"kind" envconfig:"KIND" validate:"oneof=qemu_kernel qemu_snapshot in_process"`
	QemuBinary string     `yaml:"qemu_binary" envconfig:"QEMU_BINARY" validate:"required_unless=Kind in_process"`

	Kernel string `yaml:"kernel" envconfig:"KERNEL" validate:"required_if=Kind qemu_kernel"`
	Ramfs  string `yaml:"ramfs" envconfig:"RAMFS" validate:"required_if=Kind qemu_kernel"`

	HDA         string `yaml:"hda" envconfig:"HDA" validate:"required_if=Kind qemu_snapshot"`
	Presnapshot string `yaml:"presnapshot" envconfig:"PRESNAPSHOT"`
	// SnapshotPath is "default", "reuse:<path>" or "create:<path>".
	SnapshotPath string `yaml:"snapshot_path" envconfig:"SNAPSHOT_PATH" validate:"snapshotpath"`

	Debug bool `yaml:"debug" envconfig:"DEBUG"`
	// Target names the in-process target.
	Target string `yaml:"target" envconfig:"TARGET" validate:"required_if=Kind in_process"`
}

type Config struct {
	Fuzz   FuzzerConfig `yaml:"fuzz"`
	Runner RunnerConfig `yaml:"runner"`
}

// Default returns the configuration used for keys the file leaves out.
// sharedir anchors the default spec path.
func Default(sharedir string) *Config {
	return &Config{
		Fuzz: FuzzerConfig{
			SpecPath:          filepath.Join(sharedir, "spec.msgp"),
			BitmapSize:        1 << 16,
			MemLimit:          512,
			TimeLimit:         500 * time.Millisecond,
			Threads:           1,
			SnapshotPlacement: PlacementBalanced,
			LogLevel:          "info",
		},
		Runner: RunnerConfig{
			Kind:         QemuSnapshot,
			SnapshotPath: "default",
		},
	}
}

// Load reads <sharedir>/config.yaml over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(sharedir string) (*Config, error) {
	cfg := Default(sharedir)
	raw, err := os.ReadFile(filepath.Join(sharedir, FileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrap(err, "read config")
	default:
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(sharedir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SPECFUZZ_<NAME> and SPECFUZZ_RUNNER_<NAME>.
// envconfig also falls back to the bare <NAME> when the prefixed variable is
// unset.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Fuzz); err != nil {
		return errors.Wrap(err, "fuzz environment")
	}
	if err := envconfig.Process(EnvPrefix+"_RUNNER", &c.Runner); err != nil {
		return errors.Wrap(err, "runner environment")
	}
	return nil
}

// resolvePaths makes relative file references relative to the sharedir.
func (c *Config) resolvePaths(sharedir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(sharedir, *p)
		}
	}
	abs(&c.Fuzz.SpecPath)
	abs(&c.Runner.QemuBinary)
	abs(&c.Runner.Kernel)
	abs(&c.Runner.Ramfs)
	abs(&c.Runner.HDA)
	abs(&c.Runner.Presnapshot)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	})
	v.RegisterValidation("snapshotpath", func(fl validator.FieldLevel) bool {
		_, err := ParseSnapshotPath(fl.Field().String())
		return err == nil
	})
	return v
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// DictBytes decodes the hex dictionary entries.
func (c *FuzzerConfig) DictBytes() ([][]byte, error) {
	var out [][]byte
	for _, s := range c.Dict {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "dict entry %q", s)
		}
		out = append(out, b)
	}
	return out, nil
}

// DefaultPayloadSize is the payload size for the runner kind unless the
// config overrides it.
func (c *Config) DefaultPayloadSize() int {
	if c.Fuzz.PayloadSize > 0 {
		return c.Fuzz.PayloadSize
	}
	if c.Runner.Kind == QemuKernel {
		return 128 << 10
	}
	return 64 << 10
}

type SnapshotMode int

const (
	SnapshotDefault SnapshotMode = iota
	SnapshotReuse
	SnapshotCreate
)

// SnapshotPath says where the root snapshot of snapshot mode lives.
type SnapshotPath struct {
	Mode SnapshotMode
	Path string
}

func ParseSnapshotPath(s string) (SnapshotPath, error) {
	switch {
	case s == "" || s == "default":
		return SnapshotPath{Mode: SnapshotDefault}, nil
	case strings.HasPrefix(s, "reuse:"):
		return SnapshotPath{Mode: SnapshotReuse, Path: strings.TrimPrefix(s, "reuse:")}, nil
	case strings.HasPrefix(s, "create:"):
		return SnapshotPath{Mode: SnapshotCreate, Path: strings.TrimPrefix(s, "create:")}, nil
	}
	return SnapshotPath{}, errors.Errorf("config: bad snapshot path %q", s)
}
