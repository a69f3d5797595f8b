package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"alma.local/specfuzz/internal/analyzer"
	"alma.local/specfuzz/internal/campaign"
)

func main() {
	var flags campaign.Flags
	flags.Register(flag.CommandLine)
	flag.Parse()

	c, err := campaign.Setup(flags)
	if err != nil {
		logrus.Fatalf("setup: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.ServeMetrics(ctx)

	cfg := c.Config.Fuzz
	err = c.Run(ctx, func(ctx context.Context, th campaign.Thread) error {
		a := analyzer.New(th.Exec, c.Queue, c.Spec, analyzer.Options{
			Workdir:    cfg.WorkdirPath,
			ThreadID:   th.ID,
			Threads:    cfg.Threads,
			Seed:       th.Seed,
			Dict:       c.Dict,
			RunID:      c.RunID,
			DumpScript: cfg.DumpPythonCodeForInputs,
			Log:        th.Log,
			Metrics:    c.Metrics,
		})
		return a.Run(ctx)
	})
	if err != nil && ctx.Err() == nil {
		logrus.Fatalf("measure: %v", err)
	}
	fmt.Printf("[Analyzer] calibrated %d test cases, reports in %s\n", c.Queue.Len(), cfg.WorkdirPath)
}
