package graph

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"alma.local/specfuzz/spec"
)

var (
	ErrChecksumMismatch = errors.New("graph: spec checksum mismatch")
	ErrMalformedFile    = errors.New("graph: malformed graph file")
)

// Encode writes s in the corpus file format: a header of five u64 words
// (checksum, op count, data length, op offset, data offset) followed by
// the ops as u16 and the data bytes, all little endian.
func Encode(w io.Writer, s Storage, sp *spec.GraphSpec) error {
	ops := s.Ops()
	var hdr [PayloadHeaderLen]byte
	binary.LittleEndian.PutUint64(hdr[0:], sp.Checksum)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(ops)))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(s.DataLen()))
	binary.LittleEndian.PutUint64(hdr[24:], PayloadHeaderLen)
	binary.LittleEndian.PutUint64(hdr[32:], uint64(PayloadHeaderLen+2*len(ops)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 2*len(ops))
	for i, op := range ops {
		binary.LittleEndian.PutUint16(buf[2*i:], op)
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(s.Data())
	return err
}

// EncodeBytes is Encode into memory.
func EncodeBytes(s Storage, sp *spec.GraphSpec) []byte {
	out := make([]byte, 0, PayloadHeaderLen+2*s.OpLen()+s.DataLen())
	w := sliceWriter{&out}
	_ = Encode(w, s, sp)
	return out
}

type sliceWriter struct{ b *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.b = append(*w.b, p...)
	return len(p), nil
}

func WriteToFile(path string, s Storage, sp *spec.GraphSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create graph file")
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, s, sp); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// Decode parses a corpus file. The checksum must match sp.
func Decode(raw []byte, sp *spec.GraphSpec) (*VecGraph, error) {
	if len(raw) < PayloadHeaderLen {
		return nil, errors.Wrapf(ErrMalformedFile, "%d bytes is shorter than the header", len(raw))
	}
	le := binary.LittleEndian
	if sum := le.Uint64(raw[0:]); sum != sp.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "file has %#x, spec has %#x", sum, sp.Checksum)
	}
	numOps := le.Uint64(raw[8:])
	numData := le.Uint64(raw[16:])
	opOff := le.Uint64(raw[24:])
	dataOff := le.Uint64(raw[32:])
	size := uint64(len(raw))
	if opOff > size || numOps > (size-opOff)/2 || dataOff > size || numData > size-dataOff {
		return nil, errors.Wrapf(ErrMalformedFile, "sections (%d ops @%d, %d bytes @%d) exceed %d bytes",
			numOps, opOff, numData, dataOff, size)
	}
	ops := make([]uint16, numOps)
	for i := range ops {
		ops[i] = le.Uint16(raw[opOff+2*uint64(i):])
	}
	data := append([]byte(nil), raw[dataOff:dataOff+numData]...)
	return NewVecGraph(ops, data), nil
}

func ReadFromFile(path string, sp *spec.GraphSpec) (*VecGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read graph file")
	}
	g, err := Decode(raw, sp)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return g, nil
}
