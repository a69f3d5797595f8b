package nyx

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"alma.local/specfuzz/config"
)

// DefaultShmDir holds the payload and bitmap files shared with QEMU.
const DefaultShmDir = "/dev/shm"

const shmPrefix = "specfuzz"

// Params describes one QEMU instance.
type Params struct {
	Cmd []string

	Workdir     string
	Sharedir    string
	ShmDir      string
	Project     string
	ThreadID    int
	BitmapSize  int
	PayloadSize int
	TimeLimit   time.Duration
	Debug       bool
	// Dump asks the agent to dump every payload it receives.
	Dump bool
}

func (p *Params) shmDir() string {
	if p.ShmDir == "" {
		return DefaultShmDir
	}
	return p.ShmDir
}

func (p *Params) AuxPath() string {
	return filepath.Join(p.Workdir, fmt.Sprintf("aux_buffer_%d", p.ThreadID))
}

func (p *Params) ControlPath() string {
	return filepath.Join(p.Workdir, fmt.Sprintf("interface_%d", p.ThreadID))
}

func (p *Params) HprintfPath() string {
	return filepath.Join(p.Workdir, fmt.Sprintf("hprintf_log_%d", p.ThreadID))
}

func (p *Params) RedqueenWorkdir() string {
	return filepath.Join(p.Workdir, fmt.Sprintf("redqueen_workdir_%d", p.ThreadID))
}

func (p *Params) ProgramPath() string { return filepath.Join(p.Workdir, "program") }

func (p *Params) PayloadShm() string {
	return filepath.Join(p.shmDir(), fmt.Sprintf("%s_%s_qemu_payload_%d", shmPrefix, p.Project, p.ThreadID))
}

func (p *Params) BitmapShm() string {
	return filepath.Join(p.shmDir(), fmt.Sprintf("%s_%s_bitmap_%d", shmPrefix, p.Project, p.ThreadID))
}

// ShmPattern matches every shared file of a project, across threads.
func ShmPattern(project string) string {
	return fmt.Sprintf("%s_%s_*", shmPrefix, project)
}

// ProjectName derives the shm file namespace from the workdir.
func ProjectName(workdir string) string { return filepath.Base(filepath.Clean(workdir)) }

func baseParams(cfg *config.Config, sharedir string, threadID int) Params {
	return Params{
		Workdir:     cfg.Fuzz.WorkdirPath,
		Sharedir:    sharedir,
		Project:     ProjectName(cfg.Fuzz.WorkdirPath),
		ThreadID:    threadID,
		BitmapSize:  cfg.Fuzz.BitmapSize,
		PayloadSize: cfg.DefaultPayloadSize(),
		TimeLimit:   cfg.Fuzz.TimeLimit,
		Debug:       cfg.Runner.Debug,
		Dump:        cfg.Fuzz.DumpPythonCodeForInputs,
	}
}

// interfaceArgs are the arguments shared by kernel and snapshot mode that
// wire the kAFL device to this instance.
func (p *Params) interfaceArgs(memLimit int) []string {
	return []string{
		"-enable-kvm",
		"-net", "none",
		"-k", "de",
		"-m", strconv.Itoa(memLimit),
		"-chardev", fmt.Sprintf("socket,server,path=%s,id=kafl_interface", p.ControlPath()),
		"-device", fmt.Sprintf("kafl,chardev=kafl_interface,bitmap_size=%d,worker_id=%d,workdir=%s,sharedir=%s",
			p.BitmapSize+FeedbackRegionSize, p.ThreadID, p.Workdir, p.Sharedir),
		"-machine", "kAFL64-v1",
	}
}

// KernelParams builds the command line for booting a kernel and initrd.
func KernelParams(cfg *config.Config, sharedir string, threadID int) Params {
	p := baseParams(cfg, sharedir, threadID)
	r := cfg.Runner
	serial := "none"
	if r.Debug {
		serial = "mon:stdio"
	}
	cmd := []string{
		r.QemuBinary,
		"-kernel", r.Kernel,
		"-initrd", r.Ramfs,
		"-append", "nokaslr oops=panic nopti ignore_rlimit_data",
		"-display", "none",
		"-serial", serial,
	}
	cmd = append(cmd, p.interfaceArgs(cfg.Fuzz.MemLimit)...)
	cmd = append(cmd, "-cpu", "kAFL64-Hypervisor-v1,+vmx")
	if cfg.Fuzz.Threads > 1 {
		load := "on"
		if threadID == 0 {
			load = "off"
		}
		cmd = append(cmd, "-fast_vm_reload", fmt.Sprintf("path=%s/,load=%s", filepath.Join(p.Workdir, "snapshot"), load))
	}
	p.Cmd = cmd
	return p
}

// SnapshotParams builds the command line for resuming a VM from a disk
// image and a pre-snapshot.
func SnapshotParams(cfg *config.Config, sharedir string, threadID int) (Params, error) {
	p := baseParams(cfg, sharedir, threadID)
	r := cfg.Runner
	sp, err := config.ParseSnapshotPath(r.SnapshotPath)
	if err != nil {
		return Params{}, err
	}
	cmd := []string{
		r.QemuBinary,
		"-drive", fmt.Sprintf("file=%s,format=raw,index=0,media=disk", r.HDA),
	}
	if r.Debug {
		cmd = append(cmd, "-vnc", fmt.Sprintf(":%d", threadID), "-serial", "mon:stdio")
	} else {
		cmd = append(cmd, "-display", "none", "-serial", "stdio")
	}
	cmd = append(cmd, p.interfaceArgs(cfg.Fuzz.MemLimit)...)
	cmd = append(cmd, "-cpu", "kAFL64-Hypervisor-v1")

	if sp.Mode == config.SnapshotDefault {
		sp.Path = filepath.Join(p.Workdir, "snapshot") + "/"
		sp.Mode = config.SnapshotReuse
		if threadID == 0 {
			sp.Mode = config.SnapshotCreate
		}
	}
	var reload string
	switch sp.Mode {
	case config.SnapshotReuse:
		reload = fmt.Sprintf("path=%s,load=on", sp.Path)
	case config.SnapshotCreate:
		reload = fmt.Sprintf("path=%s,load=off", sp.Path)
		if r.Presnapshot != "" {
			reload += ",pre_path=" + r.Presnapshot
		}
		if cfg.Fuzz.Threads == 1 {
			reload += ",skip_serialization=on"
		}
	default:
		return Params{}, errors.Errorf("nyx: unknown snapshot mode %d", sp.Mode)
	}
	p.Cmd = append(cmd, "-fast_vm_reload", reload)
	return p, nil
}

// ParamsFromConfig picks kernel or snapshot mode from the runner kind.
func ParamsFromConfig(cfg *config.Config, sharedir string, threadID int) (Params, error) {
	switch cfg.Runner.Kind {
	case config.QemuKernel:
		return KernelParams(cfg, sharedir, threadID), nil
	case config.QemuSnapshot:
		return SnapshotParams(cfg, sharedir, threadID)
	}
	return Params{}, errors.Errorf("nyx: runner kind %q is not a QEMU runner", cfg.Runner.Kind)
}
