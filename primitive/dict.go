package primitive

import (
	"bytes"

	"alma.local/specfuzz/random"
)

// DictEntry replaces Lhs by Rhs.
type DictEntry struct {
	Lhs []byte
	Rhs []byte
}

// CustomDict holds groups of related replacements. An input that exactly
// matches a known Lhs is swapped for one of its Rhs values.
type CustomDict struct {
	groups   [][]DictEntry
	lhsToRhs map[string][][]byte
}

func NewCustomDict() *CustomDict {
	return &CustomDict{lhsToRhs: map[string][][]byte{}}
}

func NewCustomDictFromGroups(groups [][]DictEntry) *CustomDict {
	d := &CustomDict{lhsToRhs: map[string][][]byte{}}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		d.groups = append(d.groups, g)
		for _, e := range g {
			d.lhsToRhs[string(e.Lhs)] = append(d.lhsToRhs[string(e.Lhs)], e.Rhs)
		}
	}
	return d
}

// Len is the number of groups.
func (d *CustomDict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.groups)
}

// Mutate tries a dictionary substitution on buff. It reports whether the
// caller should continue with a regular mutation.
func (d *CustomDict) Mutate(buff *DataBuff, dist *random.Distributions) bool {
	if rhs, ok := d.SampleRhs(buff, dist); ok && dist.Bool() {
		buff.CopyFrom(rhs, 0)
		return dist.Bool()
	}
	if e, ok := d.SampleEntry(dist); ok {
		if pos, found := d.FindPos(buff, e.Lhs, dist); found {
			buff.CopyFrom(e.Rhs, pos)
		}
		return dist.Bool()
	}
	return true
}

// SampleRhs returns a replacement for the whole buffer content, if any.
func (d *CustomDict) SampleRhs(buff *DataBuff, dist *random.Distributions) ([]byte, bool) {
	opts := d.lhsToRhs[string(buff.Bytes())]
	if len(opts) == 0 {
		return nil, false
	}
	return opts[dist.GenRange(0, len(opts))], true
}

func (d *CustomDict) SampleEntry(dist *random.Distributions) (DictEntry, bool) {
	if len(d.groups) == 0 {
		return DictEntry{}, false
	}
	g := d.groups[dist.GenRange(0, len(d.groups))]
	return g[dist.GenRange(0, len(g))], true
}

// FindPos returns a random occurrence of lhs in buff, or a random position
// where lhs would fit.
func (d *CustomDict) FindPos(buff *DataBuff, lhs []byte, dist *random.Distributions) (int, bool) {
	data := buff.Bytes()
	var offsets []int
	if len(lhs) > 0 {
		for i := 0; i+len(lhs) <= len(data); i++ {
			if bytes.Equal(data[i:i+len(lhs)], lhs) {
				offsets = append(offsets, i)
			}
		}
	}
	if len(offsets) > 0 {
		return offsets[dist.GenRange(0, len(offsets))], true
	}
	if len(data) >= len(lhs) {
		return dist.GenRange(0, len(data)-len(lhs)+1), true
	}
	return 0, false
}
