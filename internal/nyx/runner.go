package nyx

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"alma.local/specfuzz/config"
)

// PinCPU binds the calling OS thread to cpu. Callers lock their goroutine
// to the thread first.
func PinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "pin to cpu %d", cpu)
	}
	return nil
}

// NewFromConfig starts the QEMU instance of one worker thread. shmDir
// overrides DefaultShmDir when set.
func NewFromConfig(ctx context.Context, cfg *config.Config, sharedir, shmDir string, threadID int, log *logrus.Entry) (*QemuProcess, error) {
	params, err := ParamsFromConfig(cfg, sharedir, threadID)
	if err != nil {
		return nil, err
	}
	params.ShmDir = shmDir
	return Start(ctx, params, log)
}
