package spec

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"alma.local/specfuzz/domains"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
)

// IntType is a little endian unsigned integer of Size bytes (1 to 32).
type IntType struct {
	Size       int
	Generators []domains.IntGenerator
	buckets    []domains.Bucket
}

func NewIntType(size int, generators []domains.IntGenerator) *IntType {
	bits := size * 8
	if bits > 64 {
		bits = 64
	}
	return &IntType{Size: size, Generators: generators, buckets: GenerateUintBuckets(bits)}
}

func (t *IntType) MinDataSize() int        { return t.Size }
func (t *IntType) FixedSize() (int, bool)  { return t.Size, true }
func (t *IntType) MutableLen(_ []byte) int { return t.Size }

func (t *IntType) DataSize(data []byte) (int, bool) {
	return t.Size, len(data) >= t.Size
}

func (t *IntType) Generate(dist *random.Distributions, _ int) []byte {
	out := make([]byte, t.Size)
	if len(t.Generators) > 0 {
		g := t.Generators[dist.GenRange(0, len(t.Generators))]
		t.put(out, t.runGenerator(g, dist))
		return out
	}
	if t.Size > 8 {
		for i := range out {
			out[i] = dist.Uint8()
		}
		return out
	}
	t.put(out, SampleBuckets(t.buckets, dist))
	return out
}

func (t *IntType) runGenerator(g domains.IntGenerator, dist *random.Distributions) uint64 {
	switch g.Kind {
	case domains.Options:
		if len(g.Opts) == 0 {
			return 0
		}
		return g.Opts[dist.GenRange(0, len(g.Opts))]
	case domains.Flags:
		var v uint64
		for _, f := range g.Opts {
			if dist.Bool() {
				v |= f
			}
		}
		return v
	case domains.Limits:
		v := dist.GenRangeInclusiveU64(g.Range.Min, g.Range.Max)
		if g.Align > 1 {
			v -= (v - g.Range.Min) % g.Align
		}
		return v
	}
	return dist.Uint64()
}

func (t *IntType) put(out []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(out, buf[:])
}

func (t *IntType) Mutate(orig []byte, dict *primitive.CustomDict, mut *primitive.Mutator, dist *random.Distributions, maxSize int) []byte {
	if len(t.Generators) > 0 && dist.GenRange(0, 4) == 0 {
		return t.Generate(dist, maxSize)
	}
	out := make([]byte, t.Size)
	copy(out, orig)
	mut.Mutate(primitive.NewDataBuff(out, t.Size), dict, dist)
	return out
}

func (t *IntType) ApplyDet(orig []byte, op primitive.DetOp, off int) []byte {
	out := clone(orig[:t.Size])
	if off >= 0 && off < t.Size {
		out[off] = op.Transform(out[off])
	}
	return out
}

func (t *IntType) Inspect(data []byte) string {
	if len(data) < t.Size {
		return "<short int>"
	}
	if t.Size <= 8 {
		var buf [8]byte
		copy(buf[:], data[:t.Size])
		return fmt.Sprintf("%d", binary.LittleEndian.Uint64(buf[:]))
	}
	be := make([]byte, t.Size)
	for i := range be {
		be[i] = data[t.Size-1-i]
	}
	return new(uint256.Int).SetBytes(be).Hex()
}
