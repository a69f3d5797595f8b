package nyx

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
)

// ErrSnapshotState is the executor-wide snapshot sentinel.
var ErrSnapshotState = fuzzer.ErrSnapshotState

// MaxPageFaultRetries bounds how many distinct missing pages one run may
// request before the attempt is given up.
var MaxPageFaultRetries = 64

var (
	// StartupDelay is waited before and after spawning QEMU, plus
	// StartupStagger per thread id.
	StartupDelay   = time.Second
	StartupStagger = 200 * time.Millisecond
	dialInterval   = 10 * time.Millisecond
)

// QemuProcess is one running QEMU-Nyx instance. It implements
// fuzzer.Executor and is owned by a single worker.
type QemuProcess struct {
	params Params
	log    *logrus.Entry

	cmd  *exec.Cmd
	conn net.Conn

	payloadMem []byte
	bitmapMem  []byte
	auxMem     []byte

	aux      *AuxBuffer
	feedback FeedbackRegion
	hprintf  *os.File
}

var _ fuzzer.Executor = (*QemuProcess)(nil)

func mapFile(path string, size int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, errors.Wrapf(err, "truncate %s", path)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return mem, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// createShm creates the shared payload and bitmap files, links them into
// the workdir and maps them.
func (p *QemuProcess) createShm() error {
	pr := p.params
	if err := os.WriteFile(pr.PayloadShm(), []byte("not_init"), 0o644); err != nil {
		return errors.Wrap(err, "init payload file")
	}
	var err error
	if p.payloadMem, err = mapFile(pr.PayloadShm(), pr.PayloadSize+0x1000, false); err != nil {
		return err
	}
	if p.bitmapMem, err = mapFile(pr.BitmapShm(), pr.BitmapSize+FeedbackRegionSize, true); err != nil {
		return err
	}
	for link, target := range map[string]string{
		"bitmap_" + strconv.Itoa(pr.ThreadID):  pr.BitmapShm(),
		"payload_" + strconv.Itoa(pr.ThreadID): pr.PayloadShm(),
	} {
		link = filepath.Join(pr.Workdir, link)
		os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return errors.Wrapf(err, "link %s", link)
		}
	}
	p.feedback, err = NewFeedbackRegion(p.bitmapMem[pr.BitmapSize:])
	return err
}

// Start spawns QEMU with params.Cmd and brings the agent to the point
// where it accepts payloads.
func Start(ctx context.Context, params Params, log *logrus.Entry) (*QemuProcess, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(params.Cmd) == 0 {
		return nil, errors.New("nyx: empty qemu command")
	}
	p := &QemuProcess{
		params: params,
		log:    log.WithFields(logrus.Fields{"component": "nyx", "thread": params.ThreadID}),
	}
	if err := p.start(ctx); err != nil {
		p.Shutdown()
		return nil, err
	}
	return p, nil
}

func (p *QemuProcess) start(ctx context.Context) error {
	pr := p.params
	if err := os.MkdirAll(pr.RedqueenWorkdir(), 0o755); err != nil {
		return errors.Wrap(err, "redqueen workdir")
	}
	if err := p.createShm(); err != nil {
		return err
	}

	delay := StartupDelay + time.Duration(pr.ThreadID)*StartupStagger
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	p.cmd = exec.Command(pr.Cmd[0], pr.Cmd[1:]...)
	p.cmd.Env = os.Environ()
	if pr.Dump {
		p.cmd.Env = append(p.cmd.Env, "DUMP_PAYLOAD_MODE=TRUE")
	}
	if pr.Debug {
		p.cmd.Stdout, p.cmd.Stderr = os.Stdout, os.Stderr
	}
	p.log.WithField("cmd", pr.Cmd).Debug("starting qemu")
	if err := p.cmd.Start(); err != nil {
		return errors.Wrap(err, "start qemu")
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	if err := p.dial(ctx); err != nil {
		return err
	}
	if err := p.handshake(); err != nil {
		return err
	}

	var err error
	if p.auxMem, err = mapFile(pr.AuxPath(), AuxBufferSize, false); err != nil {
		return err
	}
	if p.aux, err = NewAuxBuffer(p.auxMem); err != nil {
		return err
	}
	if err := p.aux.Validate(); err != nil {
		return err
	}
	p.aux.UpdateConfig(func(c *AuxConfig) { c.ProtectPayloadBuffer = true })

	for p.aux.Result().State != AgentReady {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.handshake(); err != nil {
			return err
		}
		if p.aux.Result().Hprintf {
			p.log.Infof("hprintf: %s", p.aux.Misc())
		}
	}

	p.aux.UpdateConfig(func(c *AuxConfig) {
		c.ReloadMode = true
		c.TimeoutSec, c.TimeoutUsec = 0, 500000
		c.Changed = true
	})
	if pr.TimeLimit > 0 {
		p.SetTimeout(pr.TimeLimit)
	}
	if p.hprintf, err = os.OpenFile(pr.HprintfPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return errors.Wrap(err, "hprintf log")
	}
	p.log.Info("agent ready")
	return nil
}

func (p *QemuProcess) dial(ctx context.Context) error {
	for {
		conn, err := net.Dial("unix", p.params.ControlPath())
		if err == nil {
			p.conn = conn
			return nil
		}
		if err := sleepCtx(ctx, dialInterval); err != nil {
			return errors.Wrap(err, "connect to qemu")
		}
	}
}

// handshake lets the VM run the current payload once.
func (p *QemuProcess) handshake() error {
	if _, err := p.conn.Write([]byte{'x'}); err != nil {
		return errors.Wrap(err, "nyx: control socket write")
	}
	var ack [1]byte
	if _, err := io.ReadFull(p.conn, ack[:]); err != nil {
		return errors.Wrap(err, "nyx: control socket read")
	}
	return nil
}

// SetTimeout sets the per run timeout the agent enforces.
func (p *QemuProcess) SetTimeout(d time.Duration) {
	sec := d / time.Second
	if sec > 255 {
		sec = 255
	}
	usec := (d - sec*time.Second) / time.Microsecond
	p.aux.UpdateConfig(func(c *AuxConfig) {
		c.TimeoutSec = uint8(sec)
		c.TimeoutUsec = uint32(usec)
		c.Changed = true
	})
}

func (p *QemuProcess) logHprintf() {
	msg := p.aux.Misc()
	p.log.Debugf("hprintf: %s", msg)
	if p.hprintf != nil {
		p.hprintf.Write(msg)
	}
}

// sendPayload runs the payload until the agent reports an outcome. Missing
// guest pages are requested from QEMU and the run is retried; the same
// page faulting twice in a row ends the attempt.
func (p *QemuProcess) sendPayload() error {
	var lastFault uint64
	faulted := false
	faults := 0
	for {
		if err := p.handshake(); err != nil {
			return err
		}
		res := p.aux.Result()
		if res.Hprintf {
			p.logHprintf()
			continue
		}
		if res.Success || res.CrashFound || res.AsanFound || res.PayloadWriteAttemptFound || res.TimeoutFound {
			return nil
		}
		if !res.PageNotFound {
			return nil
		}
		addr := res.PageNotFoundAddr
		if faulted && addr == lastFault {
			p.log.Warnf("page %#x still missing after dump, giving up", addr)
			return nil
		}
		faults++
		if faults > MaxPageFaultRetries {
			p.log.Warnf("more than %d page faults in one run, giving up", MaxPageFaultRetries)
			return nil
		}
		faulted, lastFault = true, addr
		p.aux.UpdateConfig(func(c *AuxConfig) {
			c.PageAddr = addr
			c.PageDumpMode = true
			c.Changed = true
		})
	}
}

func (p *QemuProcess) RunTest() (feedback.TestInfo, error) {
	if err := p.sendPayload(); err != nil {
		return feedback.TestInfo{Exit: feedback.FuzzerErrorExit()}, err
	}
	res := p.aux.Result()
	info := feedback.TestInfo{OpsUsed: p.feedback.ExecutedOpcodeNum()}
	switch {
	case res.CrashFound:
		info.Exit = feedback.CrashExit(p.aux.Misc())
	case res.PayloadWriteAttemptFound:
		info.Exit = feedback.InvalidWriteExit(p.aux.Misc())
	case res.TimeoutFound:
		info.Exit = feedback.TimeoutExit()
	case res.AsanFound:
		info.Exit = feedback.MemoryFaultExit()
	case res.Success:
		info.Exit = feedback.NormalExit(0)
	default:
		info.Exit = feedback.FuzzerErrorExit()
	}
	return info, nil
}

func (p *QemuProcess) RunCreateSnapshot() (bool, error) {
	if p.aux.Result().TmpSnapshotCreated {
		return false, errors.Wrap(ErrSnapshotState, "snapshot already exists")
	}
	if err := p.sendPayload(); err != nil {
		return false, err
	}
	return p.aux.Result().TmpSnapshotCreated, nil
}

func (p *QemuProcess) DeleteSnapshot() error {
	if !p.aux.Result().TmpSnapshotCreated {
		return nil
	}
	p.aux.UpdateConfig(func(c *AuxConfig) {
		c.Changed = true
		c.DiscardTmpSnapshot = true
	})
	if err := p.sendPayload(); err != nil {
		return err
	}
	if p.aux.Result().TmpSnapshotCreated {
		return errors.Wrap(ErrSnapshotState, "snapshot survived discard")
	}
	return nil
}

func (p *QemuProcess) InputBuffer() []byte { return p.payloadMem[:p.params.PayloadSize] }

func (p *QemuProcess) BitmapBuffer() []byte { return p.bitmapMem[:p.params.BitmapSize] }

func (p *QemuProcess) ValueFeedbackBuffer() []byte { return p.feedback.MaxData() }

// Aux exposes the aux buffer for inspection.
func (p *QemuProcess) Aux() *AuxBuffer { return p.aux }

// Shutdown kills QEMU and releases the mappings. It is safe to call on a
// partially started process.
func (p *QemuProcess) Shutdown() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		p.cmd.Wait()
		p.cmd = nil
	}
	for _, mem := range []*[]byte{&p.payloadMem, &p.bitmapMem, &p.auxMem} {
		if *mem != nil {
			keep(unix.Munmap(*mem))
			*mem = nil
		}
	}
	if p.hprintf != nil {
		keep(p.hprintf.Close())
		p.hprintf = nil
	}
	return first
}
