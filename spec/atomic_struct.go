package spec

import (
	"strings"

	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
)

// StructField is one named member of a StructType.
type StructField struct {
	Name string
	Type AtomicType
}

// StructType is the concatenation of its fields.
type StructType struct {
	Fields []StructField
}

func NewStructType(fields []StructField) *StructType {
	return &StructType{Fields: fields}
}

func (t *StructType) MinDataSize() int {
	n := 0
	for _, f := range t.Fields {
		n += f.Type.MinDataSize()
	}
	return n
}

func (t *StructType) FixedSize() (int, bool) {
	n := 0
	for _, f := range t.Fields {
		s, ok := f.Type.FixedSize()
		if !ok {
			return 0, false
		}
		n += s
	}
	return n, true
}

// spans returns the [start, end) byte range of every field.
func (t *StructType) spans(data []byte) ([][2]int, bool) {
	out := make([][2]int, len(t.Fields))
	pos := 0
	for i, f := range t.Fields {
		n, ok := f.Type.DataSize(data[pos:])
		if !ok {
			return nil, false
		}
		out[i] = [2]int{pos, pos + n}
		pos += n
	}
	return out, true
}

func (t *StructType) DataSize(data []byte) (int, bool) {
	spans, ok := t.spans(data)
	if !ok {
		return 0, false
	}
	if len(spans) == 0 {
		return 0, true
	}
	return spans[len(spans)-1][1], true
}

func (t *StructType) MutableLen(data []byte) int {
	spans, ok := t.spans(data)
	if !ok {
		return 0
	}
	n := 0
	for i, f := range t.Fields {
		n += f.Type.MutableLen(data[spans[i][0]:spans[i][1]])
	}
	return n
}

func (t *StructType) Generate(dist *random.Distributions, maxSize int) []byte {
	reserve := t.MinDataSize()
	var out []byte
	for _, f := range t.Fields {
		reserve -= f.Type.MinDataSize()
		out = append(out, f.Type.Generate(dist, maxSize-len(out)-reserve)...)
	}
	return out
}

func (t *StructType) Mutate(orig []byte, dict *primitive.CustomDict, mut *primitive.Mutator, dist *random.Distributions, maxSize int) []byte {
	spans, ok := t.spans(orig)
	if !ok || len(t.Fields) == 0 {
		return t.Generate(dist, maxSize)
	}
	total := spans[len(spans)-1][1]
	pick := dist.GenRange(0, len(t.Fields))
	out := make([]byte, 0, total)
	for i, f := range t.Fields {
		span := orig[spans[i][0]:spans[i][1]]
		if i != pick {
			out = append(out, span...)
			continue
		}
		budget := maxSize - (total - len(span))
		out = append(out, f.Type.Mutate(span, dict, mut, dist, budget)...)
	}
	return out
}

func (t *StructType) ApplyDet(orig []byte, op primitive.DetOp, off int) []byte {
	spans, ok := t.spans(orig)
	if !ok {
		return clone(orig)
	}
	var out []byte
	for i, f := range t.Fields {
		span := orig[spans[i][0]:spans[i][1]]
		ml := f.Type.MutableLen(span)
		if off >= 0 && off < ml {
			out = append(out, f.Type.ApplyDet(span, op, off)...)
		} else {
			out = append(out, span...)
		}
		off -= ml
	}
	return out
}

func (t *StructType) Inspect(data []byte) string {
	spans, ok := t.spans(data)
	if !ok {
		return "<short struct>"
	}
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f.Name + ": " + f.Type.Inspect(data[spans[i][0]:spans[i][1]])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
