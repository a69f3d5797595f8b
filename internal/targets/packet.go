package targets

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"alma.local/specfuzz/fuzzer"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/spec"
	"alma.local/specfuzz/tracer"
)

// Hello opens a session.
type Hello struct {
	Version uint8 `fuzz-opts:"1|2|3"`
	Flags   uint16
}

// Packet is one frame sent over a session. Sum is the xor of Kind and
// every payload byte.
type Packet struct {
	Kind    uint8 `fuzz-opts:"1|2|3|4"`
	Seq     uint16
	Payload []byte `fuzz-max:"32"`
	Sum     uint8
}

// Packet kinds.
const (
	KindAuth uint8 = iota + 1
	KindData
	KindCommand
	KindPing
)

const (
	// MaxBuffered is the number of data bytes a session holds before the
	// target reports a memory fault.
	MaxBuffered = 96

	password = "letmein"
	shutdown = "SHUTDOWN"
)

// ErrRejected is returned for handshakes the server refuses.
var ErrRejected = errors.New("packet: handshake rejected")

// Checksum computes the Sum field for kind and payload.
func Checksum(kind uint8, payload []byte) uint8 {
	s := kind
	for _, b := range payload {
		s ^= b
	}
	return s
}

// PacketSchema describes the packet protocol: connect produces a session,
// send and flush borrow it and disconnect consumes it.
func PacketSchema() (*spec.Schema, error) {
	b := spec.NewSchemaBuilder()
	hello, err := b.AtomFromStruct(Hello{})
	if err != nil {
		return nil, err
	}
	packet, err := b.AtomFromStruct(Packet{})
	if err != nil {
		return nil, err
	}
	nodes := []struct {
		name, atom               string
		inputs, borrows, outputs []string
	}{
		{"connect", hello, nil, nil, []string{"session"}},
		{"send", packet, nil, []string{"session"}, nil},
		{"flush", "", nil, []string{"session"}, nil},
		{"disconnect", "", []string{"session"}, nil, nil},
		{spec.SnapshotNodeName, "", nil, nil, nil},
	}
	for _, n := range nodes {
		if err := b.Node(n.name, n.atom, n.inputs, n.borrows, n.outputs); err != nil {
			return nil, err
		}
	}
	return b.Schema()
}

type session struct {
	version uint8
	seq     uint16
	authed  bool
	buf     []byte
}

// PacketTarget is a small stateful server for the packet protocol. Shutdown
// commands from an authenticated version 3 session panic while data is
// still buffered.
type PacketTarget struct {
	sessions map[uint16]*session
}

func NewPacketTarget() *PacketTarget {
	return &PacketTarget{sessions: map[uint16]*session{}}
}

var _ fuzzer.Target = (*PacketTarget)(nil)

func (p *PacketTarget) Reset() { clear(p.sessions) }

func cid(site string) uint64 { return xxhash.Sum64String(site) }

var (
	cidConnect    = cid("connect")
	cidVersion    = cid("connect.version")
	cidFlags      = cid("connect.flags")
	cidReject     = cid("connect.reject")
	cidSend       = cid("send")
	cidBadSum     = cid("send.bad_sum")
	cidSeqGap     = cid("send.seq_gap")
	cidAuthPrefix = cid("send.auth.prefix")
	cidAuthOK     = cid("send.auth.ok")
	cidData       = cid("send.data")
	cidDataLen    = cid("send.data.len")
	cidCommand    = cid("send.command")
	cidDenied     = cid("send.command.denied")
	cidShutdown   = cid("send.command.shutdown")
	cidPing       = cid("send.ping")
	cidFlush      = cid("flush")
	cidDisconnect = cid("disconnect")
	cidDirty      = cid("disconnect.dirty")
)

func commonPrefix(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func (p *PacketTarget) Step(ctx context.Context, tr *tracer.Tracer, sp *spec.GraphSpec, n *graph.Node) error {
	ns, err := sp.Node(n.Type)
	if err != nil {
		return err
	}
	inputs, borrows, outputs := n.Operands(ns)
	switch ns.Name {
	case "connect":
		var h Hello
		if _, err := spec.DecodeInto(n.Data, &h); err != nil {
			return err
		}
		tr.Hit(cidConnect)
		tr.Record(cidVersion, tracer.ToScalar(h.Version))
		tr.Record(cidFlags, tracer.ToScalar(h.Flags))
		if h.Version == 0 || h.Version > 3 {
			tr.Hit(cidReject)
			return ErrRejected
		}
		p.sessions[outputs[0]] = &session{version: h.Version}
	case "send":
		var pkt Packet
		if _, err := spec.DecodeInto(n.Data, &pkt); err != nil {
			return err
		}
		s, ok := p.sessions[borrows[0]]
		if !ok {
			return errors.Errorf("packet: no session %d", borrows[0])
		}
		tr.Hit(cidSend)
		return p.send(tr, s, &pkt)
	case "flush":
		tr.Hit(cidFlush)
		if s, ok := p.sessions[borrows[0]]; ok {
			s.buf = s.buf[:0]
		}
	case "disconnect":
		tr.Hit(cidDisconnect)
		if s, ok := p.sessions[inputs[0]]; ok && len(s.buf) > 0 {
			tr.Hit(cidDirty)
		}
		delete(p.sessions, inputs[0])
	default:
		return errors.Errorf("packet: unexpected node %s", ns.Name)
	}
	return nil
}

func (p *PacketTarget) send(tr *tracer.Tracer, s *session, pkt *Packet) error {
	if pkt.Sum != Checksum(pkt.Kind, pkt.Payload) {
		tr.Hit(cidBadSum)
		return nil
	}
	if pkt.Seq != s.seq {
		tr.Record(cidSeqGap, int64(pkt.Seq)-int64(s.seq))
		return nil
	}
	s.seq++
	switch pkt.Kind {
	case KindAuth:
		tr.Record(cidAuthPrefix, int64(commonPrefix(pkt.Payload, []byte(password))))
		if bytes.Equal(pkt.Payload, []byte(password)) {
			tr.Hit(cidAuthOK)
			s.authed = true
		}
	case KindData:
		tr.Hit(cidData)
		s.buf = append(s.buf, pkt.Payload...)
		tr.Record(cidDataLen, int64(len(s.buf)))
		if len(s.buf) > MaxBuffered {
			return errors.Wrapf(fuzzer.ErrMemoryFault, "packet: %d bytes buffered", len(s.buf))
		}
	case KindCommand:
		tr.Record(cidCommand, tracer.ToScalar(pkt.Payload))
		if !s.authed {
			tr.Hit(cidDenied)
			return nil
		}
		if bytes.HasPrefix(pkt.Payload, []byte(shutdown)) {
			tr.Hit(cidShutdown)
			if s.version == 3 && len(s.buf) > 0 {
				panic(fmt.Sprintf("packet: shutdown with %d bytes pending", len(s.buf)))
			}
		}
	case KindPing:
		tr.Hit(cidPing)
	}
	return nil
}
