package graph

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"alma.local/specfuzz/spec"
)

// PayloadHeaderLen is the size of the five u64 words in front of a
// payload: checksum, op count, data length, op offset and data offset.
const PayloadHeaderLen = 5 * 8

// RefGraph is a graph in fixed buffers that are usually shared with a
// target. The cursors live outside of the graph so the target reads the
// current lengths from the payload header.
type RefGraph struct {
	ops   []uint16
	data  []byte
	opsI  *uint64
	dataI *uint64
}

func NewRefGraph(ops []uint16, data []byte, opsI, dataI *uint64) *RefGraph {
	return &RefGraph{ops: ops, data: data, opsI: opsI, dataI: dataI}
}

// NewRefGraphFromPayload carves a graph out of payload and writes the
// header. The payload must be 8 byte aligned and its length minus the
// header a multiple of 8. Half of the remaining bytes hold ops, the other
// half data.
func NewRefGraphFromPayload(payload []byte, checksum uint64) (*RefGraph, error) {
	if len(payload) < PayloadHeaderLen || (len(payload)-PayloadHeaderLen)%8 != 0 {
		return nil, errors.Errorf("graph: payload of %d bytes has no valid layout", len(payload))
	}
	base := unsafe.Pointer(&payload[0])
	if uintptr(base)%8 != 0 {
		return nil, errors.New("graph: payload is not 8 byte aligned")
	}
	buff := (len(payload) - PayloadHeaderLen) / 2
	words := unsafe.Slice((*uint64)(base), 5)
	words[0] = checksum
	words[1] = 0
	words[2] = 0
	words[3] = PayloadHeaderLen
	words[4] = uint64(PayloadHeaderLen + buff)

	var ops []uint16
	if buff >= 2 {
		ops = unsafe.Slice((*uint16)(unsafe.Pointer(&payload[PayloadHeaderLen])), buff/2)
	}
	data := payload[PayloadHeaderLen+buff:]
	return NewRefGraph(ops, data, &words[1], &words[2]), nil
}

func (g *RefGraph) Clear() {
	*g.opsI = 0
	*g.dataI = 0
}

func (g *RefGraph) TruncateTo(opsI, dataI int) {
	if uint64(opsI) > *g.opsI || uint64(dataI) > *g.dataI {
		panic("graph: truncate beyond current length")
	}
	*g.opsI = uint64(opsI)
	*g.dataI = uint64(dataI)
}

func (g *RefGraph) AppendOp(op uint16) bool {
	if *g.opsI >= uint64(len(g.ops)) {
		return false
	}
	g.ops[*g.opsI] = op
	*g.opsI++
	return true
}

func (g *RefGraph) GetData(size int) ([]byte, bool) {
	start := int(*g.dataI)
	if start+size > len(g.data) {
		return nil, false
	}
	buf := g.data[start : start+size]
	for i := range buf {
		buf[i] = 0
	}
	*g.dataI += uint64(size)
	return buf, true
}

func (g *RefGraph) AppendData(data []byte) ([]byte, bool) {
	buf, ok := g.GetData(len(data))
	if !ok {
		return nil, false
	}
	copy(buf, data)
	return buf, true
}

func (g *RefGraph) DataAvailable() int { return len(g.data) - int(*g.dataI) }
func (g *RefGraph) OpsAvailable() int  { return len(g.ops) - int(*g.opsI) }

// CanAppend holds iff both the ops and the data of n fit.
func (g *RefGraph) CanAppend(n *Node) bool {
	return len(n.Ops) <= g.OpsAvailable() && len(n.Data) <= g.DataAvailable()
}

func (g *RefGraph) DataLen() int  { return int(*g.dataI) }
func (g *RefGraph) OpLen() int    { return int(*g.opsI) }
func (g *RefGraph) Ops() []uint16 { return g.ops[:*g.opsI] }
func (g *RefGraph) Data() []byte  { return g.data[:*g.dataI] }

// NewPayload allocates an 8 byte aligned payload of size bytes, rounded up
// so that the area after the header is a multiple of 8.
func NewPayload(size int) []byte {
	if size < PayloadHeaderLen {
		size = PayloadHeaderLen
	}
	size = PayloadHeaderLen + (size-PayloadHeaderLen+7)/8*8
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// ReadPayload is the target side of NewRefGraphFromPayload: it parses the
// header and returns a copy of the graph currently held in payload.
func ReadPayload(payload []byte, sp *spec.GraphSpec) (*VecGraph, error) {
	if len(payload) < PayloadHeaderLen {
		return nil, errors.Wrap(ErrMalformedFile, "payload shorter than its header")
	}
	var hdr [5]uint64
	for i := range hdr {
		hdr[i] = binary.LittleEndian.Uint64(payload[8*i:])
	}
	if hdr[0] != sp.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "payload %#x, spec %#x", hdr[0], sp.Checksum)
	}
	size := uint64(len(payload))
	if hdr[3] > size || hdr[1] > (size-hdr[3])/2 || hdr[4] > size || hdr[2] > size-hdr[4] {
		return nil, errors.Wrapf(ErrMalformedFile, "payload sections exceed %d bytes", len(payload))
	}
	dataEnd := hdr[4] + hdr[2]
	ops := make([]uint16, hdr[1])
	for i := range ops {
		ops[i] = binary.LittleEndian.Uint16(payload[hdr[3]+2*uint64(i):])
	}
	data := append([]byte(nil), payload[hdr[4]:dataEnd]...)
	return NewVecGraph(ops, data), nil
}
