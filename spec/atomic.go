package spec

import (
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
)

// AtomicType is the data payload of a node. The set of implementations is
// closed: IntType, VecType and StructType.
//
// Generate and Mutate never return more than maxSize bytes as long as
// maxSize is at least MinDataSize (Mutate: at least len(orig)).
type AtomicType interface {
	MinDataSize() int
	// FixedSize reports the encoded size if every value has the same size.
	FixedSize() (int, bool)
	// DataSize is the length of the value encoded at the start of data.
	DataSize(data []byte) (int, bool)
	// MutableLen is the number of content bytes deterministic mutations can
	// address. Length prefixes are not part of it.
	MutableLen(data []byte) int
	Generate(dist *random.Distributions, maxSize int) []byte
	Mutate(orig []byte, dict *primitive.CustomDict, mut *primitive.Mutator, dist *random.Distributions, maxSize int) []byte
	// ApplyDet returns a copy of orig with op applied to the content byte
	// at off. Offsets outside the content leave the copy unchanged.
	ApplyDet(orig []byte, op primitive.DetOp, off int) []byte
	Inspect(data []byte) string
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
