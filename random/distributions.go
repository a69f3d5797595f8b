package random

import (
	"math"
	"time"
)

// BlockRange is a half open [Min, Max) range of block sizes.
type BlockRange struct {
	Min int
	Max int
}

// Distributions is the single entropy source of a worker. Every mutation
// decision goes through it so a run can be reproduced from its seed.
// It is not safe for concurrent use.
type Distributions struct {
	rng       *Romu
	BlockSize Choices[BlockRange]
	Endianess float64
	Dict      [][]byte
}

// NewDistributions creates a source seeded from the clock.
func NewDistributions(dict [][]byte) *Distributions {
	return &Distributions{
		rng: NewRomuFromSeed(uint64(time.Now().UnixNano())),
		BlockSize: NewChoices([]int{10, 4, 1}, []BlockRange{
			{Min: 1, Max: 32},
			{Min: 32, Max: 128},
			{Min: 128, Max: 1500},
		}),
		Endianess: 0.5,
		Dict:      dict,
	}
}

// NewSeeded creates a source with a fixed seed.
func NewSeeded(seed uint64, dict [][]byte) *Distributions {
	d := NewDistributions(dict)
	d.SetSeed(seed)
	return d
}

func (d *Distributions) SetSeed(seed uint64) {
	d.rng = NewRomuFromSeed(seed)
}

// SetFullSeed replaces the whole generator state.
func (d *Distributions) SetFullSeed(x, y uint64) {
	d.rng = NewRomu(x, y)
}

// Uint64 makes Distributions usable as a Source.
func (d *Distributions) Uint64() uint64 {
	return d.rng.Uint64()
}

func (d *Distributions) Uint8() uint8 {
	return uint8(d.rng.Uint64() >> 56)
}

func (d *Distributions) Bool() bool {
	return d.rng.Uint64()>>63 == 1
}

// Float64 returns a value in [0, 1).
func (d *Distributions) Float64() float64 {
	return float64(d.rng.Uint64()>>11) / (1 << 53)
}

// GenBool returns true with probability p.
func (d *Distributions) GenBool(p float64) bool {
	return d.Float64() < p
}

// GenRange returns a value in [lo, hi). An empty range yields lo.
func (d *Distributions) GenRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(d.rng.Uint64()%uint64(hi-lo))
}

// GenRangeU64 is GenRange for unsigned 64 bit bounds.
func (d *Distributions) GenRangeU64(lo, hi uint64) uint64 {
	if hi <= lo {
		return lo
	}
	return lo + d.rng.Uint64()%(hi-lo)
}

// GenRangeInclusiveU64 returns a value in [lo, hi].
func (d *Distributions) GenRangeInclusiveU64(lo, hi uint64) uint64 {
	if hi <= lo {
		return lo
	}
	if lo == 0 && hi == math.MaxUint64 {
		return d.rng.Uint64()
	}
	return lo + d.rng.Uint64()%(hi-lo+1)
}

// GenRangeI64 returns a value in [lo, hi).
func (d *Distributions) GenRangeI64(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + int64(d.rng.Uint64()%uint64(hi-lo))
}

// GenBlockSize draws one of the weighted block size ranges.
func (d *Distributions) GenBlockSize() BlockRange {
	return d.BlockSize.Sample(d)
}

// GenEndianess returns true for big endian.
func (d *Distributions) GenEndianess() bool {
	return d.GenBool(d.Endianess)
}

func (d *Distributions) GenNumberOfRandomNodes() int {
	return d.GenRange(1, 64)
}

// GenChangePercentage returns one of 1, 2, 4, ... 32.
func (d *Distributions) GenChangePercentage() int {
	return 1 << d.GenRange(0, 6)
}

// GenRandomOverwriteData returns n bytes of replacement content. Half of the
// time a dictionary entry that fits is used instead of random bytes.
func (d *Distributions) GenRandomOverwriteData(n int) []byte {
	if len(d.Dict) > 0 && d.Uint8()&1 == 0 {
		entry := d.Dict[d.GenRange(0, len(d.Dict))]
		if len(entry) <= n {
			return append([]byte(nil), entry...)
		}
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = d.Uint8()
	}
	return out
}

// GenMinimizationBlockSize picks a block of nodes to drop during the i-th of
// maxI minimization rounds. Blocks shrink as the rounds progress.
func (d *Distributions) GenMinimizationBlockSize(i, maxI, graphLen int) (int, int) {
	n := d.GenRange(0, graphLen/2)
	if i > maxI/4 {
		n /= 2
	}
	if i > maxI/2 {
		n /= 2
	}
	if i > 3*(maxI/4) {
		n /= 4
	}
	if n < 1 {
		n = 1
	}
	if graphLen <= n {
		return 0, graphLen
	}
	start := d.GenRange(0, graphLen-n)
	return start, start + n
}

// GenWeightedRange is biased heavily towards lo.
func (d *Distributions) GenWeightedRange(lo, hi int) int {
	span := float64(hi - lo)
	return lo + int(math.Pow(d.Float64(), 4)*span)
}

// Choose returns a uniform index in [0, n) or -1 if n is zero.
func (d *Distributions) Choose(n int) int {
	if n <= 0 {
		return -1
	}
	return d.GenRange(0, n)
}

func (d *Distributions) ShouldMutateSpliceGenerator() bool {
	return d.GenRange(0, 2) < 1
}

// ShouldMutateData decides whether a replayed node gets its data mutated.
// The probability only depends on the number of nodes in the replay.
func (d *Distributions) ShouldMutateData(numNodes int) bool {
	return d.GenRange(0, numNodes+1) <= 2
}

// ShouldMutateDict is true one time in three.
func (d *Distributions) ShouldMutateDict() bool {
	return d.GenRange(0, 3) == 0
}
