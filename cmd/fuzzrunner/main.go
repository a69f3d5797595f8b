package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzz"
	"alma.local/specfuzz/internal/campaign"
)

func main() {
	var flags campaign.Flags
	flags.Register(flag.CommandLine)
	budget := flag.Duration("budget", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	c, err := campaign.Setup(flags)
	if err != nil {
		logrus.Fatalf("setup: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.ServeMetrics(ctx)

	cfg := c.Config.Fuzz
	var (
		mu    sync.Mutex
		total = feedback.NewRuntimeSignature()
	)
	start := time.Now()
	err = c.Run(ctx, func(ctx context.Context, th campaign.Thread) error {
		w := fuzz.New(th.Exec, c.Queue, c.Spec, fuzz.Options{
			Workdir:             cfg.WorkdirPath,
			ThreadID:            th.ID,
			Seed:                th.Seed,
			Dict:                c.Dict,
			Placement:           cfg.SnapshotPlacement,
			Budget:              *budget,
			ExitAfterFirstCrash: cfg.ExitAfterFirstCrash,
			DumpScript:          cfg.DumpPythonCodeForInputs,
			Log:                 th.Log,
			Metrics:             c.Metrics,
		})
		err := w.Run(ctx)
		s := w.Stats()
		mu.Lock()
		total.Executions += s.Executions
		total.NewInputs += s.NewInputs
		for k, n := range s.ByKind {
			total.ByKind[k] += n
		}
		mu.Unlock()
		return err
	})
	switch {
	case errors.Is(err, fuzz.ErrFirstCrash):
		logrus.Info("stopped after the first crash")
	case errors.Is(err, fuzz.ErrBudgetExceeded):
		logrus.Info("time budget exhausted")
	case err != nil:
		logrus.Fatalf("fuzz: %v", err)
	}
	if err := c.Queue.WriteStats(); err != nil {
		logrus.WithError(err).Warn("could not write queue stats")
	}
	elapsed := time.Since(start)
	fmt.Printf("[!] fuzzer: %d execs in %s (%.0f/s), %d inputs, %d crashes, %d timeouts\n",
		total.Executions, elapsed.Round(time.Second), float64(total.Executions)/elapsed.Seconds(),
		c.Queue.Len(), total.Crashes(), total.ByKind[feedback.Timeout])
}
