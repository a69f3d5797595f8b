package targets

import (
	"encoding/binary"
	"strings"
	"testing"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/spec"
)

var (
	connectOp    = []uint16{0, 1}
	sendOp       = []uint16{1, 1}
	flushOp      = []uint16{2, 1}
	disconnectOp = []uint16{3, 1}
)

func hello(version uint8) []byte { return []byte{version, 0, 0} }

func packet(kind uint8, seq uint16, payload string) []byte {
	out := []byte{kind, byte(seq), byte(seq >> 8), byte(len(payload)), byte(len(payload) >> 8)}
	out = append(out, payload...)
	return append(out, Checksum(kind, []byte(payload)))
}

type step struct {
	ops  []uint16
	data []byte
}

func packetSpec(t *testing.T) *spec.GraphSpec {
	t.Helper()
	e, err := Lookup("packet")
	if err != nil {
		t.Fatal(err)
	}
	sp, err := e.Spec()
	if err != nil {
		t.Fatal(err)
	}
	return sp
}

func runSteps(t *testing.T, sp *spec.GraphSpec, steps ...step) (*fuzzer.InProcessExecutor, feedback.TestInfo) {
	t.Helper()
	e, err := fuzzer.NewInProcessExecutor(sp, NewPacketTarget(), fuzzer.InProcessOptions{PayloadSize: 4096, BitmapSize: 256}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var ops []uint16
	var data []byte
	for _, s := range steps {
		ops = append(ops, s.ops...)
		data = append(data, s.data...)
	}
	g, err := graph.NewRefGraphFromPayload(e.InputBuffer(), sp.Checksum)
	if err != nil {
		t.Fatal(err)
	}
	if err := graph.CopyFrom(g, graph.NewVecGraph(ops, data)); err != nil {
		t.Fatal(err)
	}
	info, err := e.RunTest()
	if err != nil {
		t.Fatal(err)
	}
	return e, info
}

func TestPacketSchema(t *testing.T) {
	sp := packetSpec(t)
	if sp.SnapshotNodeID == nil {
		t.Fatal("packet spec has no snapshot node")
	}
	want := []string{"connect", "send", "flush", "disconnect", spec.SnapshotNodeName}
	if len(sp.Nodes) != len(want) {
		t.Fatalf("%d nodes, want %d", len(sp.Nodes), len(want))
	}
	for i, n := range sp.Nodes {
		if n.Name != want[i] {
			t.Errorf("node %d = %s, want %s", i, n.Name, want[i])
		}
	}
	g := graph.NewVecGraph(
		append(append([]uint16{}, connectOp...), sendOp...),
		append(hello(1), packet(KindPing, 0, "hi")...),
	)
	if n := graph.NodeLen(g, sp); n != 2 {
		t.Errorf("NodeLen = %d, want 2", n)
	}
}

func TestPacketTarget(t *testing.T) {
	sp := packetSpec(t)
	big := strings.Repeat("x", 32)
	cases := []struct {
		name  string
		steps []step
		exit  feedback.ExitKind
		code  int
		used  uint32
	}{
		{"ping", []step{{connectOp, hello(1)}, {sendOp, packet(KindPing, 0, "")}, {disconnectOp, nil}}, feedback.Normal, 0, 3},
		{"rejected", []step{{connectOp, hello(0)}, {sendOp, packet(KindPing, 0, "")}}, feedback.Normal, 1, 1},
		{"bad checksum ignored", []step{{connectOp, hello(1)}, {sendOp, []byte{KindPing, 0, 0, 0, 0, 9}}}, feedback.Normal, 0, 2},
		{"unauthenticated shutdown", []step{
			{connectOp, hello(3)},
			{sendOp, packet(KindData, 0, "abc")},
			{sendOp, packet(KindCommand, 1, "SHUTDOWN")},
		}, feedback.Normal, 0, 3},
		{"shutdown with pending data", []step{
			{connectOp, hello(3)},
			{sendOp, packet(KindAuth, 0, "letmein")},
			{sendOp, packet(KindData, 1, "abc")},
			{sendOp, packet(KindCommand, 2, "SHUTDOWN")},
		}, feedback.Crash, 0, 4},
		{"flushed shutdown", []step{
			{connectOp, hello(3)},
			{sendOp, packet(KindAuth, 0, "letmein")},
			{sendOp, packet(KindData, 1, "abc")},
			{flushOp, nil},
			{sendOp, packet(KindCommand, 2, "SHUTDOWN")},
		}, feedback.Normal, 0, 5},
		{"version 2 shutdown", []step{
			{connectOp, hello(2)},
			{sendOp, packet(KindAuth, 0, "letmein")},
			{sendOp, packet(KindData, 1, "abc")},
			{sendOp, packet(KindCommand, 2, "SHUTDOWN")},
		}, feedback.Normal, 0, 4},
		{"buffer overflow", []step{
			{connectOp, hello(1)},
			{sendOp, packet(KindData, 0, big)},
			{sendOp, packet(KindData, 1, big)},
			{sendOp, packet(KindData, 2, big)},
			{sendOp, packet(KindData, 3, big)},
		}, feedback.MemoryFault, 0, 5},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, info := runSteps(t, sp, c.steps...)
			if info.Exit.Kind != c.exit || info.Exit.Code != c.code {
				t.Errorf("exit = %v, want %v code %d", info.Exit, c.exit, c.code)
			}
			if info.OpsUsed != c.used {
				t.Errorf("OpsUsed = %d, want %d", info.OpsUsed, c.used)
			}
		})
	}
}

func TestPacketCrashDetail(t *testing.T) {
	sp := packetSpec(t)
	_, info := runSteps(t, sp,
		step{connectOp, hello(3)},
		step{sendOp, packet(KindAuth, 0, "letmein")},
		step{sendOp, packet(KindData, 1, "abcd")},
		step{sendOp, packet(KindCommand, 2, "SHUTDOWN now")},
	)
	if got := string(info.Exit.Detail); got != "packet: shutdown with 4 bytes pending" {
		t.Errorf("detail = %q", got)
	}
}

func TestPacketAuthValueFeedback(t *testing.T) {
	sp := packetSpec(t)
	slot := func(payload string) uint64 {
		e, _ := runSteps(t, sp, step{connectOp, hello(1)}, step{sendOp, packet(KindAuth, 0, payload)})
		vf := e.ValueFeedbackBuffer()
		off := (cidAuthPrefix % uint64(len(vf)/8)) * 8
		return binary.LittleEndian.Uint64(vf[off:])
	}
	if short, long := slot("lx"), slot("letmx"); long <= short {
		t.Errorf("prefix feedback %d for 4 matching bytes, %d for 1", long, short)
	}
}

func TestLookup(t *testing.T) {
	if _, err := Lookup("nope"); err == nil {
		t.Error("Lookup of an unknown target succeeded")
	}
	if names := Names(); len(names) != 1 || names[0] != "packet" {
		t.Errorf("Names() = %v", names)
	}
}
