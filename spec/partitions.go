package spec

import (
	"fmt"
	"math"

	"alma.local/specfuzz/domains"
	"alma.local/specfuzz/random"
)

// GenerateUintBuckets creates a set of mutually exclusive buckets for unsigned integers.
func GenerateUintBuckets(bitSize int) []domains.Bucket {
	maxVal := uint64(math.MaxUint64)
	if bitSize < 64 {
		maxVal = (uint64(1) << bitSize) - 1
	}
	buckets := []domains.Bucket{
		{ID: "Zero", Description: "Value is 0", Range: domains.Range{Min: 0, Max: 0}, Tag: "boundary"},
	}
	if maxVal == 0 {
		return buckets
	}
	buckets = append(buckets, domains.Bucket{ID: "One", Description: "Value is 1", Range: domains.Range{Min: 1, Max: 1}, Tag: "boundary"})
	currentMin := uint64(2)
	for k := 1; k < bitSize && currentMin <= maxVal; k++ {
		upper := (uint64(1) << (k + 1)) - 1
		if upper > maxVal || k+1 >= 64 {
			upper = maxVal
		}
		if currentMin <= upper {
			buckets = append(buckets, domains.Bucket{
				ID:          domains.BucketID(fmt.Sprintf("%d..%d", currentMin, upper)),
				Description: fmt.Sprintf("Range %d to %d", currentMin, upper),
				Range:       domains.Range{Min: currentMin, Max: upper},
				Tag:         "power_of_2_range",
			})
		}
		if upper == maxVal {
			break
		}
		currentMin = upper + 1
	}
	return buckets
}

// LengthBuckets partitions an element count range [min, max] into an empty
// or minimal bucket, a small one, a medium one and whatever remains.
func LengthBuckets(min, max uint64) []domains.Bucket {
	bounds := []struct {
		id  domains.BucketID
		hi  uint64
		tag string
	}{
		{"MinLen", min, "length"},
		{"SmallLen", 16, "length"},
		{"MidLen", 256, "length"},
		{"MaxLen", max, "length_max"},
	}
	var out []domains.Bucket
	lo := min
	for _, b := range bounds {
		hi := b.hi
		if hi > max {
			hi = max
		}
		if hi < lo {
			continue
		}
		out = append(out, domains.Bucket{
			ID:          b.id,
			Description: fmt.Sprintf("Length %d to %d", lo, hi),
			Range:       domains.Range{Min: lo, Max: hi},
			Tag:         b.tag,
		})
		if hi == max {
			break
		}
		lo = hi + 1
	}
	return out
}

// SampleBuckets picks a bucket uniformly and then a value inside it.
func SampleBuckets(buckets []domains.Bucket, dist *random.Distributions) uint64 {
	if len(buckets) == 0 {
		return 0
	}
	b := buckets[dist.GenRange(0, len(buckets))]
	return dist.GenRangeInclusiveU64(b.Range.Min, b.Range.Max)
}
