package analyzer

import (
	"github.com/cespare/xxhash/v2"
)

// LocalHashmap hands out dense indices for distinct feedback buffers. Equal
// buffers always map to the same index, so calibration records with the
// same effect can be compared by index.
type LocalHashmap struct {
	runSeen   map[uint64]int
	covSeen   map[uint64]int
	valueSeen map[uint64]int

	covBuf []byte
}

func NewLocalHashmap() *LocalHashmap {
	return &LocalHashmap{
		runSeen:   make(map[uint64]int),
		covSeen:   make(map[uint64]int),
		valueSeen: make(map[uint64]int),
	}
}

func index(seen map[uint64]int, h uint64) int {
	if i, ok := seen[h]; ok {
		return i
	}
	i := len(seen)
	seen[h] = i
	return i
}

// HandleRunBitmap indexes the raw bitmap including hit counts.
func (m *LocalHashmap) HandleRunBitmap(run []byte) int {
	return index(m.runSeen, xxhash.Sum64(run))
}

// HandleCovBitmap indexes the bitmap reduced to hit or not hit.
func (m *LocalHashmap) HandleCovBitmap(run []byte) int {
	if cap(m.covBuf) < len(run) {
		m.covBuf = make([]byte, len(run))
	}
	cov := m.covBuf[:len(run)]
	for i, v := range run {
		if v > 0 {
			cov[i] = 1
		} else {
			cov[i] = 0
		}
	}
	return index(m.covSeen, xxhash.Sum64(cov))
}

// HandleValueMap indexes the value feedback max buffer.
func (m *LocalHashmap) HandleValueMap(values []byte) int {
	return index(m.valueSeen, xxhash.Sum64(values))
}

// Len returns the number of distinct raw bitmaps, coverage bitmaps and
// value maps seen.
func (m *LocalHashmap) Len() (run, cov, value int) {
	return len(m.runSeen), len(m.covSeen), len(m.valueSeen)
}

func (m *LocalHashmap) Clear() {
	clear(m.runSeen)
	clear(m.covSeen)
	clear(m.valueSeen)
}
