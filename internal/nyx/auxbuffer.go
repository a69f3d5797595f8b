// Package nyx drives a QEMU-Nyx instance: it lays out the shared files,
// starts the VM, and exchanges payloads with the in-guest agent through the
// aux buffer and a unix control socket.
package nyx

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	AuxBufferSize = 0x1000

	AuxMagic   uint64 = 0x54502d554d4551
	AuxVersion uint16 = 1
	AuxHash    uint16 = 81

	headerOffset = 0
	capsOffset   = 128
	configOffset = 384
	resultOffset = 896
	miscOffset   = 1408

	// MiscSize is the capacity of the misc text area.
	MiscSize = AuxBufferSize - miscOffset - 2
)

// AgentReady is the result state the agent reports once it waits for
// payloads.
const AgentReady = 3

var ErrBadAuxHeader = errors.New("nyx: aux buffer header mismatch")

var le = binary.LittleEndian

// AuxBuffer is a view over the mapped aux file. Every accessor reads or
// writes the shared memory directly; nothing is cached.
type AuxBuffer struct {
	mem []byte
}

func NewAuxBuffer(mem []byte) (*AuxBuffer, error) {
	if len(mem) < AuxBufferSize {
		return nil, errors.Errorf("nyx: aux buffer is %d bytes, want %d", len(mem), AuxBufferSize)
	}
	return &AuxBuffer{mem: mem[:AuxBufferSize]}, nil
}

type AuxHeader struct {
	Magic   uint64
	Version uint16
	Hash    uint16
}

func (a *AuxBuffer) Header() AuxHeader {
	b := a.mem[headerOffset:]
	return AuxHeader{Magic: le.Uint64(b), Version: le.Uint16(b[8:]), Hash: le.Uint16(b[10:])}
}

func (a *AuxBuffer) SetHeader(h AuxHeader) {
	b := a.mem[headerOffset:]
	le.PutUint64(b, h.Magic)
	le.PutUint16(b[8:], h.Version)
	le.PutUint16(b[10:], h.Hash)
}

// Validate checks the header written by QEMU against the layout this
// package was built for.
func (a *AuxBuffer) Validate() error {
	h := a.Header()
	switch {
	case h.Magic != AuxMagic:
		return errors.Wrapf(ErrBadAuxHeader, "magic %#x", h.Magic)
	case h.Version != AuxVersion:
		return errors.Wrapf(ErrBadAuxHeader, "version %d", h.Version)
	case h.Hash != AuxHash:
		return errors.Wrapf(ErrBadAuxHeader, "hash %d", h.Hash)
	}
	return nil
}

type AuxCaps struct {
	Redqueen              bool
	AgentTimeoutDetection bool
	AgentTraceBitmap      bool
	AgentIJONTraceBitmap  bool
}

func (a *AuxBuffer) Caps() AuxCaps {
	b := a.mem[capsOffset:]
	return AuxCaps{
		Redqueen:              b[0] != 0,
		AgentTimeoutDetection: b[1] != 0,
		AgentTraceBitmap:      b[2] != 0,
		AgentIJONTraceBitmap:  b[3] != 0,
	}
}

func (a *AuxBuffer) SetCaps(c AuxCaps) {
	b := a.mem[capsOffset:]
	b[0], b[1], b[2], b[3] = flag(c.Redqueen), flag(c.AgentTimeoutDetection), flag(c.AgentTraceBitmap), flag(c.AgentIJONTraceBitmap)
}

// AuxConfig is the block the fuzzer writes. QEMU picks it up on the next
// run when Changed is set.
type AuxConfig struct {
	Changed              bool
	TimeoutSec           uint8
	TimeoutUsec          uint32
	RedqueenMode         bool
	TraceMode            bool
	ReloadMode           bool
	VerboseLevel         uint8
	PageDumpMode         bool
	PageAddr             uint64
	ProtectPayloadBuffer bool
	DiscardTmpSnapshot   bool
}

func (a *AuxBuffer) Config() AuxConfig {
	b := a.mem[configOffset:]
	return AuxConfig{
		Changed:              b[0] != 0,
		TimeoutSec:           b[1],
		TimeoutUsec:          le.Uint32(b[2:]),
		RedqueenMode:         b[6] != 0,
		TraceMode:            b[7] != 0,
		ReloadMode:           b[8] != 0,
		VerboseLevel:         b[9],
		PageDumpMode:         b[10] != 0,
		PageAddr:             le.Uint64(b[11:]),
		ProtectPayloadBuffer: b[19] != 0,
		DiscardTmpSnapshot:   b[20] != 0,
	}
}

func (a *AuxBuffer) SetConfig(c AuxConfig) {
	b := a.mem[configOffset:]
	b[0] = flag(c.Changed)
	b[1] = c.TimeoutSec
	le.PutUint32(b[2:], c.TimeoutUsec)
	b[6] = flag(c.RedqueenMode)
	b[7] = flag(c.TraceMode)
	b[8] = flag(c.ReloadMode)
	b[9] = c.VerboseLevel
	b[10] = flag(c.PageDumpMode)
	le.PutUint64(b[11:], c.PageAddr)
	b[19] = flag(c.ProtectPayloadBuffer)
	b[20] = flag(c.DiscardTmpSnapshot)
}

// UpdateConfig applies fn to the current config block and writes it back.
func (a *AuxBuffer) UpdateConfig(fn func(*AuxConfig)) {
	c := a.Config()
	fn(&c)
	a.SetConfig(c)
}

// AuxResult is the block QEMU fills after every run.
type AuxResult struct {
	State                    uint8
	TmpSnapshotCreated       bool
	BBCoverage               uint32
	Hprintf                  bool
	ExecDone                 bool
	CrashFound               bool
	AsanFound                bool
	TimeoutFound             bool
	Reloaded                 bool
	PTOverflow               bool
	RuntimeSec               uint8
	PageNotFound             bool
	Success                  bool
	RuntimeUsec              uint32
	PageNotFoundAddr         uint64
	DirtyPages               uint32
	PTTraceSize              uint32
	PayloadWriteAttemptFound bool
}

func (a *AuxBuffer) Result() AuxResult {
	b := a.mem[resultOffset:]
	return AuxResult{
		State:                    b[0],
		TmpSnapshotCreated:       b[1] != 0,
		BBCoverage:               le.Uint32(b[4:]),
		Hprintf:                  b[10] != 0,
		ExecDone:                 b[11] != 0,
		CrashFound:               b[12] != 0,
		AsanFound:                b[13] != 0,
		TimeoutFound:             b[14] != 0,
		Reloaded:                 b[15] != 0,
		PTOverflow:               b[16] != 0,
		RuntimeSec:               b[17],
		PageNotFound:             b[18] != 0,
		Success:                  b[19] != 0,
		RuntimeUsec:              le.Uint32(b[20:]),
		PageNotFoundAddr:         le.Uint64(b[24:]),
		DirtyPages:               le.Uint32(b[32:]),
		PTTraceSize:              le.Uint32(b[36:]),
		PayloadWriteAttemptFound: b[40] != 0,
	}
}

func (a *AuxBuffer) SetResult(r AuxResult) {
	b := a.mem[resultOffset:]
	b[0] = r.State
	b[1] = flag(r.TmpSnapshotCreated)
	le.PutUint32(b[4:], r.BBCoverage)
	b[10] = flag(r.Hprintf)
	b[11] = flag(r.ExecDone)
	b[12] = flag(r.CrashFound)
	b[13] = flag(r.AsanFound)
	b[14] = flag(r.TimeoutFound)
	b[15] = flag(r.Reloaded)
	b[16] = flag(r.PTOverflow)
	b[17] = r.RuntimeSec
	b[18] = flag(r.PageNotFound)
	b[19] = flag(r.Success)
	le.PutUint32(b[20:], r.RuntimeUsec)
	le.PutUint64(b[24:], r.PageNotFoundAddr)
	le.PutUint32(b[32:], r.DirtyPages)
	le.PutUint32(b[36:], r.PTTraceSize)
	b[40] = flag(r.PayloadWriteAttemptFound)
}

// Misc returns a copy of the misc text written by the agent.
func (a *AuxBuffer) Misc() []byte {
	n := int(le.Uint16(a.mem[miscOffset:]))
	if n > MiscSize {
		n = MiscSize
	}
	return append([]byte(nil), a.mem[miscOffset+2:miscOffset+2+n]...)
}

// SetMisc stores data as the misc text, truncated to MiscSize.
func (a *AuxBuffer) SetMisc(data []byte) {
	if len(data) > MiscSize {
		data = data[:MiscSize]
	}
	le.PutUint16(a.mem[miscOffset:], uint16(len(data)))
	copy(a.mem[miscOffset+2:], data)
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

const (
	// FeedbackRegionSize is the area behind the coverage bitmap that the
	// agent uses for run statistics and value feedback.
	FeedbackRegionSize = 0x1000
	maxDataOffset      = 0x800
	MaxDataSize        = 2048
)

// FeedbackRegion is the view over the bytes following the bitmap.
type FeedbackRegion struct {
	mem []byte
}

func NewFeedbackRegion(mem []byte) (FeedbackRegion, error) {
	if len(mem) < FeedbackRegionSize {
		return FeedbackRegion{}, errors.Errorf("nyx: feedback region is %d bytes, want %d", len(mem), FeedbackRegionSize)
	}
	return FeedbackRegion{mem: mem[:FeedbackRegionSize]}, nil
}

// ExecutedOpcodeNum is the number of graph nodes the agent ran.
func (f FeedbackRegion) ExecutedOpcodeNum() uint32 { return le.Uint32(f.mem) }

func (f FeedbackRegion) SetExecutedOpcodeNum(n uint32) { le.PutUint32(f.mem, n) }

// MaxData is the value feedback max buffer, shared with the agent.
func (f FeedbackRegion) MaxData() []byte {
	return f.mem[maxDataOffset : maxDataOffset+MaxDataSize]
}
