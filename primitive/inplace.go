package primitive

import "math"

// InplaceKind enumerates the mutations that keep the buffer length.
type InplaceKind int

const (
	OverwriteRandomKind InplaceKind = iota
	FlipBitKind
	AddU8Kind
	AddU16Kind
	AddU32Kind
	AddU64Kind
	InterestingU8Kind
	InterestingU16Kind
	InterestingU32Kind
	InterestingU64Kind
	OverwriteRandomByteKind
	OverwriteChunkKind
	OverwriteFixedKind
)

var allInplaceKinds = []InplaceKind{
	OverwriteRandomKind,
	FlipBitKind,
	AddU8Kind,
	AddU16Kind,
	AddU32Kind,
	AddU64Kind,
	InterestingU8Kind,
	InterestingU16Kind,
	InterestingU32Kind,
	InterestingU64Kind,
	OverwriteRandomByteKind,
	OverwriteChunkKind,
	OverwriteFixedKind,
}

// MinSize is the smallest buffer the mutation can be applied to.
func (k InplaceKind) MinSize() int {
	switch k {
	case AddU16Kind, InterestingU16Kind:
		return 2
	case AddU32Kind, InterestingU32Kind:
		return 4
	case AddU64Kind, InterestingU64Kind:
		return 8
	case OverwriteChunkKind:
		return 2
	default:
		return 1
	}
}

func (k InplaceKind) width() int {
	switch k {
	case AddU16Kind, InterestingU16Kind:
		return 2
	case AddU32Kind, InterestingU32Kind:
		return 4
	case AddU64Kind, InterestingU64Kind:
		return 8
	default:
		return 1
	}
}

var interestingU8 = []int64{-128, -1, 0, 1, 16, 32, 64, 100, 127}

var interestingU16 = append(append([]int64{}, interestingU8...),
	-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767)

var interestingU32 = append(append([]int64{}, interestingU16...),
	-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647)

var interestingU64 = append(append([]uint64{}, toUint64(interestingU32)...),
	1<<63, math.MaxInt64, 0x8080808080808080)

func toUint64(vals []int64) []uint64 {
	out := make([]uint64, len(vals))
	for i, v := range vals {
		out[i] = uint64(v)
	}
	return out
}

// Mutation is one concrete, fully parameterised edit of a buffer.
type Mutation interface {
	Apply(b *DataBuff)
}

type FlipBit struct {
	Offset int
	Bit    uint
}

func (m FlipBit) Apply(b *DataBuff) {
	b.WriteU8(m.Offset, b.ReadU8(m.Offset)^(1<<m.Bit))
}

// AddInt adds Val (two's complement) to an integer of Width bytes.
type AddInt struct {
	Offset    int
	Width     int
	Val       uint64
	BigEndian bool
}

func (m AddInt) Apply(b *DataBuff) {
	v := b.ReadUint(m.Offset, m.Width, m.BigEndian)
	b.WriteUint(m.Offset, m.Width, v+m.Val, m.BigEndian)
}

// SetInt overwrites an integer of Width bytes.
type SetInt struct {
	Offset    int
	Width     int
	Val       uint64
	BigEndian bool
}

func (m SetInt) Apply(b *DataBuff) {
	b.WriteUint(m.Offset, m.Width, m.Val, m.BigEndian)
}

type OverwriteRandomByte struct {
	Offset int
	Val    uint8
}

func (m OverwriteRandomByte) Apply(b *DataBuff) {
	b.WriteU8(m.Offset, m.Val)
}

type OverwriteChunk struct {
	Src Block
	Dst int
}

func (m OverwriteChunk) Apply(b *DataBuff) {
	b.CopyWithin(m.Src, m.Dst)
}

type OverwriteRandom struct {
	Data []byte
	Dst  int
}

func (m OverwriteRandom) Apply(b *DataBuff) {
	b.CopyFrom(m.Data, m.Dst)
}

type OverwriteFixed struct {
	Block Block
	Val   uint8
}

func (m OverwriteFixed) Apply(b *DataBuff) {
	b.Fill(m.Block, m.Val)
}
