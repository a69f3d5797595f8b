package domains

// BucketID uniquely identifies a bucket within a value domain.
type BucketID string

// Range defines the numeric bounds of a bucket (inclusive).
type Range struct {
	Min uint64
	Max uint64
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v uint64) bool {
	return v >= r.Min && v <= r.Max
}

// Bucket represents a specific abstract value or range.
type Bucket struct {
	ID          BucketID
	Description string
	Range       Range
	Tag         string // e.g., "boundary", "power_of_2_range", "length"
}

// GeneratorKind selects how a generator produces a value.
type GeneratorKind string

const (
	// Options picks one of a fixed list of values.
	Options GeneratorKind = "Options"
	// Flags ORs together a random subset of a list of values.
	Flags GeneratorKind = "Flags"
	// Limits draws from an inclusive range, optionally aligned.
	Limits GeneratorKind = "Limits"
	// Elements builds a vector element by element from its element type.
	Elements GeneratorKind = "Elements"
)

// IntGenerator describes how values of an integer atom are produced.
type IntGenerator struct {
	Kind  GeneratorKind
	Opts  []uint64
	Range Range
	Align uint64
}

// VecGenerator describes how the content of a vector atom is produced.
// For Options, every entry is a complete run of encoded elements.
type VecGenerator struct {
	Kind GeneratorKind
	Opts [][]byte
}
