package spec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"alma.local/specfuzz/domains"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
)

const vecHeaderLen = 2

// VecType is a u16 little endian element count followed by the elements.
// Elements must have a fixed size.
type VecType struct {
	Elem       AtomicType
	ElemSize   int
	MinElems   int
	MaxElems   int
	Generators []domains.VecGenerator
}

func NewVecType(elem AtomicType, minElems, maxElems int, generators []domains.VecGenerator) (*VecType, error) {
	size, fixed := elem.FixedSize()
	if !fixed || size == 0 {
		return nil, fmt.Errorf("spec: vec element must have a fixed non-zero size")
	}
	if maxElems > math.MaxUint16 {
		maxElems = math.MaxUint16
	}
	if minElems > maxElems {
		return nil, fmt.Errorf("spec: vec size range [%d,%d] is empty", minElems, maxElems)
	}
	return &VecType{Elem: elem, ElemSize: size, MinElems: minElems, MaxElems: maxElems, Generators: generators}, nil
}

func (t *VecType) MinDataSize() int       { return vecHeaderLen + t.MinElems*t.ElemSize }
func (t *VecType) FixedSize() (int, bool) { return 0, false }

func (t *VecType) count(data []byte) (int, bool) {
	if len(data) < vecHeaderLen {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(data)), true
}

func (t *VecType) DataSize(data []byte) (int, bool) {
	n, ok := t.count(data)
	if !ok {
		return 0, false
	}
	size := vecHeaderLen + n*t.ElemSize
	return size, len(data) >= size
}

func (t *VecType) MutableLen(data []byte) int {
	size, ok := t.DataSize(data)
	if !ok {
		return 0
	}
	return size - vecHeaderLen
}

func (t *VecType) encode(content []byte) []byte {
	out := make([]byte, vecHeaderLen+len(content))
	binary.LittleEndian.PutUint16(out, uint16(len(content)/t.ElemSize))
	copy(out[vecHeaderLen:], content)
	return out
}

// maxElemsFor is the largest element count that fits into maxSize bytes,
// never below MinElems.
func (t *VecType) maxElemsFor(maxSize int) int {
	fit := (maxSize - vecHeaderLen) / t.ElemSize
	if fit > t.MaxElems {
		fit = t.MaxElems
	}
	if fit < t.MinElems {
		fit = t.MinElems
	}
	return fit
}

func (t *VecType) Generate(dist *random.Distributions, maxSize int) []byte {
	hi := t.maxElemsFor(maxSize)
	if len(t.Generators) > 0 {
		g := t.Generators[dist.GenRange(0, len(t.Generators))]
		if g.Kind == domains.Options && len(g.Opts) > 0 {
			content := g.Opts[dist.GenRange(0, len(g.Opts))]
			n := len(content) / t.ElemSize
			if n > hi {
				n = hi
			}
			content = clone(content[:n*t.ElemSize])
			for n < t.MinElems {
				content = append(content, t.Elem.Generate(dist, t.ElemSize)...)
				n++
			}
			return t.encode(content)
		}
	}
	n := int(SampleBuckets(LengthBuckets(uint64(t.MinElems), uint64(hi)), dist))
	content := make([]byte, 0, n*t.ElemSize)
	for i := 0; i < n; i++ {
		content = append(content, t.Elem.Generate(dist, t.ElemSize)...)
	}
	return t.encode(content)
}

func (t *VecType) Mutate(orig []byte, dict *primitive.CustomDict, mut *primitive.Mutator, dist *random.Distributions, maxSize int) []byte {
	size, ok := t.DataSize(orig)
	if !ok {
		return t.Generate(dist, maxSize)
	}
	if len(t.Generators) > 0 && dist.GenRange(0, 4) == 0 {
		return t.Generate(dist, maxSize)
	}
	content := orig[vecHeaderLen:size]
	count := len(content) / t.ElemSize
	if count == 0 {
		return t.Generate(dist, maxSize)
	}
	capElems := t.maxElemsFor(maxSize)
	if capElems < count {
		capElems = count
	}

	if t.ElemSize == 1 {
		buf := make([]byte, capElems)
		db := primitive.NewDataBuff(buf, copy(buf, content))
		mut.MutateSized(db, dict, dist)
		out := db.Bytes()
		for len(out) < t.MinElems {
			out = append(out, 0)
		}
		return t.encode(out)
	}

	switch dist.GenRange(0, 8) {
	case 0:
		if count < capElems {
			at := dist.GenRange(0, count+1) * t.ElemSize
			next := make([]byte, 0, len(content)+t.ElemSize)
			next = append(next, content[:at]...)
			next = append(next, t.Elem.Generate(dist, t.ElemSize)...)
			next = append(next, content[at:]...)
			return t.encode(next)
		}
	case 1:
		if count > t.MinElems {
			at := dist.GenRange(0, count) * t.ElemSize
			next := make([]byte, 0, len(content)-t.ElemSize)
			next = append(next, content[:at]...)
			next = append(next, content[at+t.ElemSize:]...)
			return t.encode(next)
		}
	}
	next := clone(content)
	at := dist.GenRange(0, count) * t.ElemSize
	elem := t.Elem.Mutate(next[at:at+t.ElemSize], dict, mut, dist, t.ElemSize)
	copy(next[at:at+t.ElemSize], elem)
	return t.encode(next)
}

func (t *VecType) ApplyDet(orig []byte, op primitive.DetOp, off int) []byte {
	size, ok := t.DataSize(orig)
	if !ok {
		return clone(orig)
	}
	out := clone(orig[:size])
	if off >= 0 && vecHeaderLen+off < size {
		out[vecHeaderLen+off] = op.Transform(out[vecHeaderLen+off])
	}
	return out
}

func (t *VecType) Inspect(data []byte) string {
	size, ok := t.DataSize(data)
	if !ok {
		return "<short vec>"
	}
	content := data[vecHeaderLen:size]
	if t.ElemSize == 1 {
		if isPrintable(content) {
			return fmt.Sprintf("%q", content)
		}
		return "0x" + hex.EncodeToString(content)
	}
	parts := make([]string, 0, len(content)/t.ElemSize)
	for i := 0; i+t.ElemSize <= len(content); i += t.ElemSize {
		parts = append(parts, t.Elem.Inspect(content[i:i+t.ElemSize]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
