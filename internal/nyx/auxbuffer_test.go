package nyx

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"alma.local/specfuzz/fuzzer"
)

func newAux(t *testing.T) (*AuxBuffer, []byte) {
	t.Helper()
	mem := make([]byte, AuxBufferSize)
	a, err := NewAuxBuffer(mem)
	if err != nil {
		t.Fatal(err)
	}
	return a, mem
}

func TestAuxBufferTooSmall(t *testing.T) {
	if _, err := NewAuxBuffer(make([]byte, 100)); err == nil {
		t.Errorf("short aux buffer accepted")
	}
}

func TestAuxHeaderValidate(t *testing.T) {
	a, mem := newAux(t)
	a.SetHeader(AuxHeader{Magic: AuxMagic, Version: AuxVersion, Hash: AuxHash})
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
	if mem[0] != 0x51 || mem[8] != 1 || mem[10] != 81 {
		t.Errorf("header bytes = % x", mem[:12])
	}
	for _, h := range []AuxHeader{
		{Magic: 1, Version: AuxVersion, Hash: AuxHash},
		{Magic: AuxMagic, Version: 2, Hash: AuxHash},
		{Magic: AuxMagic, Version: AuxVersion, Hash: 80},
	} {
		a.SetHeader(h)
		if err := a.Validate(); !errors.Is(err, ErrBadAuxHeader) {
			t.Errorf("Validate(%+v) = %v", h, err)
		}
	}
}

func TestAuxResultOffsets(t *testing.T) {
	a, mem := newAux(t)
	r := AuxResult{
		State:                    AgentReady,
		TmpSnapshotCreated:       true,
		BBCoverage:               0x01020304,
		CrashFound:               true,
		Success:                  true,
		RuntimeUsec:              7,
		PageNotFoundAddr:         0xdeadbeef000,
		DirtyPages:               9,
		PayloadWriteAttemptFound: true,
	}
	a.SetResult(r)
	checks := []struct {
		off  int
		want byte
	}{
		{resultOffset, AgentReady},
		{resultOffset + 1, 1},
		{resultOffset + 4, 0x04},
		{resultOffset + 12, 1},
		{resultOffset + 19, 1},
		{resultOffset + 20, 7},
		{resultOffset + 25, 0xf0},
		{resultOffset + 32, 9},
		{resultOffset + 40, 1},
	}
	for _, c := range checks {
		if mem[c.off] != c.want {
			t.Errorf("byte %d = %#x, want %#x", c.off, mem[c.off], c.want)
		}
	}
	if diff := cmp.Diff(r, a.Result()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestAuxConfigOffsets(t *testing.T) {
	a, mem := newAux(t)
	a.UpdateConfig(func(c *AuxConfig) {
		c.Changed = true
		c.TimeoutUsec = 500000
		c.ReloadMode = true
		c.PageAddr = 0x1000
		c.DiscardTmpSnapshot = true
	})
	b := mem[configOffset:]
	if b[0] != 1 || b[8] != 1 || b[12] != 0x10 || b[20] != 1 {
		t.Errorf("config bytes = % x", b[:21])
	}
	if le.Uint32(b[2:]) != 500000 {
		t.Errorf("timeout_usec = %d", le.Uint32(b[2:]))
	}
	c := a.Config()
	if !c.Changed || !c.ReloadMode || c.PageAddr != 0x1000 || c.ProtectPayloadBuffer {
		t.Errorf("config = %+v", c)
	}
}

func TestAuxCaps(t *testing.T) {
	a, mem := newAux(t)
	a.SetCaps(AuxCaps{AgentTraceBitmap: true})
	if mem[capsOffset+2] != 1 || a.Caps().Redqueen {
		t.Errorf("caps = %+v", a.Caps())
	}
}

func TestAuxMisc(t *testing.T) {
	a, _ := newAux(t)
	a.SetMisc([]byte("kasan: use-after-free"))
	if got := a.Misc(); string(got) != "kasan: use-after-free" {
		t.Errorf("Misc() = %q", got)
	}
	a.SetMisc(bytes.Repeat([]byte{'a'}, MiscSize+10))
	if got := a.Misc(); len(got) != MiscSize {
		t.Errorf("len(Misc()) = %d, want %d", len(got), MiscSize)
	}
}

func TestFeedbackRegion(t *testing.T) {
	mem := make([]byte, FeedbackRegionSize)
	f, err := NewFeedbackRegion(mem)
	if err != nil {
		t.Fatal(err)
	}
	f.SetExecutedOpcodeNum(12)
	if f.ExecutedOpcodeNum() != 12 || mem[0] != 12 {
		t.Errorf("executed_opcode_num = %d", f.ExecutedOpcodeNum())
	}
	if len(f.MaxData()) != fuzzer.ValueFeedbackSize {
		t.Errorf("max data is %d bytes, want %d", len(f.MaxData()), fuzzer.ValueFeedbackSize)
	}
	f.MaxData()[0] = 5
	if mem[0x800] != 5 {
		t.Errorf("max data not at 0x800")
	}
}
