// Package campaign is the bootstrap shared by the fuzzing CLIs: it loads the
// sharedir config and spec, prepares the workdir and starts one executor
// per worker thread.
package campaign

import (
	"context"
	"flag"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"alma.local/specfuzz/config"
	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/internal/nyx"
	"alma.local/specfuzz/internal/targets"
	"alma.local/specfuzz/queue"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// Flags override config values from the command line.
type Flags struct {
	Sharedir string
	Workdir  string
	CPU      int
	Threads  int
	Seed     uint64
	ShmDir   string
}

func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Sharedir, "sharedir", ".", "directory holding config.yaml and spec.msgp")
	fs.StringVar(&f.Workdir, "workdir", "", "override workdir_path")
	fs.IntVar(&f.CPU, "cpu", -1, "override cpu_pin_start_at")
	fs.IntVar(&f.Threads, "threads", 0, "override threads")
	fs.Uint64Var(&f.Seed, "seed", 0, "override the master seed")
	fs.StringVar(&f.ShmDir, "shmdir", nyx.DefaultShmDir, "directory for the shared payload and bitmap files")
}

func (f *Flags) apply(cfg *config.Config) {
	if f.Workdir != "" {
		cfg.Fuzz.WorkdirPath = f.Workdir
	}
	if f.CPU >= 0 {
		cfg.Fuzz.CPUPinStartAt = f.CPU
	}
	if f.Threads > 0 {
		cfg.Fuzz.Threads = f.Threads
	}
	if f.Seed != 0 {
		cfg.Fuzz.Seed = f.Seed
	}
}

// Campaign holds everything the workers of one run share.
type Campaign struct {
	Config   *config.Config
	Sharedir string
	Spec     *spec.GraphSpec
	Queue    *queue.Queue
	Metrics  *feedback.Metrics
	Dict     [][]byte
	RunID    string
	Log      *logrus.Entry

	// ShmDir is where QEMU's payload and bitmap files live.
	ShmDir string

	target targets.Entry
	master *random.Romu
}

// Setup loads and validates the configuration, loads the spec and wipes and
// recreates the workdir.
func Setup(f Flags) (*Campaign, error) {
	cfg, err := config.Load(f.Sharedir)
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(cfg.Fuzz.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	logrus.SetLevel(level)

	c := &Campaign{
		Config:   cfg,
		Sharedir: f.Sharedir,
		Metrics:  feedback.NewMetrics(),
		RunID:    uuid.NewString(),
		ShmDir:   f.ShmDir,
	}
	if c.ShmDir == "" {
		c.ShmDir = nyx.DefaultShmDir
	}
	c.Log = logrus.WithField("run", c.RunID)

	if cfg.Runner.Kind == config.InProcess {
		if c.target, err = targets.Lookup(cfg.Runner.Target); err != nil {
			return nil, err
		}
	}
	if c.Spec, err = c.loadSpec(); err != nil {
		return nil, err
	}
	if c.Dict, err = cfg.Fuzz.DictBytes(); err != nil {
		return nil, err
	}

	seed := cfg.Fuzz.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	c.master = random.NewRomuFromSeed(seed)
	c.Log.Infof("master seed %d", seed)

	workdir := cfg.Fuzz.WorkdirPath
	if err := nyx.PrepareWorkdir(workdir, c.ShmDir, cfg.Fuzz.SeedPath, c.Log); err != nil {
		return nil, err
	}
	if err := nyx.WriteRunMetadata(workdir, nyx.RunMetadata{
		RunID:    c.RunID,
		Started:  time.Now(),
		Threads:  cfg.Fuzz.Threads,
		SpecPath: cfg.Fuzz.SpecPath,
		Runner:   string(cfg.Runner.Kind),
	}); err != nil {
		return nil, err
	}
	c.Queue = queue.New(workdir, cfg.Fuzz.BitmapSize, c.Log)
	return c, nil
}

// loadSpec reads spec_path. In-process targets fall back to their own schema
// when the file does not exist.
func (c *Campaign) loadSpec() (*spec.GraphSpec, error) {
	path := c.Config.Fuzz.SpecPath
	_, err := os.Stat(path)
	if os.IsNotExist(err) && c.target.Schema != nil {
		c.Log.Infof("%s not found, using the schema of target %s", path, c.target.Name)
		return c.target.Spec()
	}
	return spec.LoadSpecFile(path)
}

// ServeMetrics exposes the metrics on metrics_addr until ctx is done. It
// does nothing when no address is configured.
func (c *Campaign) ServeMetrics(ctx context.Context) {
	addr := c.Config.Fuzz.MetricsAddr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		c.Log.Infof("serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			c.Log.WithError(err).Error("metrics server failed")
		}
	}()
}

// NewExecutor starts the executor of worker thread id.
func (c *Campaign) NewExecutor(ctx context.Context, id int) (fuzzer.Executor, error) {
	log := c.Log.WithField("thread", id)
	if c.Config.Runner.Kind == config.InProcess {
		return fuzzer.NewInProcessExecutor(c.Spec, c.target.New(), fuzzer.InProcessOptions{
			PayloadSize: c.Config.DefaultPayloadSize(),
			BitmapSize:  c.Config.Fuzz.BitmapSize,
			Timeout:     c.Config.Fuzz.TimeLimit,
		}, log)
	}
	return nyx.NewFromConfig(ctx, c.Config, c.Sharedir, c.ShmDir, id, log)
}

// Thread is what a worker function gets to work with.
type Thread struct {
	ID   int
	Seed uint64
	Exec fuzzer.Executor
	Log  *logrus.Entry
}

// Run starts one goroutine per configured thread, each locked to its OS
// thread and pinned to cpu_pin_start_at+id, and calls fn with a fresh
// executor. The first error cancels the other threads.
func (c *Campaign) Run(ctx context.Context, fn func(context.Context, Thread) error) error {
	n := c.Config.Fuzz.Threads
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = c.master.Uint64()
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			log := c.Log.WithField("thread", id)
			if err := nyx.PinCPU(c.Config.Fuzz.CPUPinStartAt + id); err != nil {
				log.WithError(err).Warn("running unpinned")
			}
			exec, err := c.NewExecutor(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "start executor %d", id)
			}
			defer func() {
				if err := exec.Shutdown(); err != nil {
					log.WithError(err).Warn("executor shutdown")
				}
			}()
			return fn(ctx, Thread{ID: id, Seed: seeds[id], Exec: exec, Log: log})
		})
	}
	return g.Wait()
}
