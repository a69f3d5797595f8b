package primitive

import (
	"encoding/binary"

	"alma.local/specfuzz/random"
)

// Block is a half open byte range inside a DataBuff.
type Block struct {
	Start int
	End   int
}

func (b Block) Len() int { return b.End - b.Start }

// DataBuff is a length-tracked view over a fixed backing slice. Mutations
// never grow the backing slice; inserts are truncated at capacity.
type DataBuff struct {
	data []byte
	used int
}

// NewDataBuff wraps backing with used bytes already filled.
func NewDataBuff(backing []byte, used int) *DataBuff {
	if used > len(backing) {
		used = len(backing)
	}
	return &DataBuff{data: backing, used: used}
}

func (b *DataBuff) Len() int       { return b.used }
func (b *DataBuff) Cap() int       { return len(b.data) }
func (b *DataBuff) Available() int { return len(b.data) - b.used }
func (b *DataBuff) IsEmpty() bool  { return b.used == 0 }

// Bytes returns the used part of the buffer. It aliases the backing slice.
func (b *DataBuff) Bytes() []byte { return b.data[:b.used] }

// SetLen changes the used length, clamped to capacity.
func (b *DataBuff) SetLen(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}
	if n < 0 {
		n = 0
	}
	b.used = n
}

// SetToSlice replaces the content with src, truncated to capacity.
func (b *DataBuff) SetToSlice(src []byte) {
	b.used = copy(b.data, src)
}

// SetToRandom fills the first n bytes with random content.
func (b *DataBuff) SetToRandom(n int, dist *random.Distributions) {
	b.SetLen(n)
	for i := 0; i < b.used; i++ {
		b.data[i] = dist.Uint8()
	}
}

func (b *DataBuff) ReadU8(off int) uint8 { return b.data[off] }

func (b *DataBuff) WriteU8(off int, v uint8) { b.data[off] = v }

// ReadUint reads an unsigned integer of width 1, 2, 4 or 8 bytes.
func (b *DataBuff) ReadUint(off, width int, bigEndian bool) uint64 {
	s := b.data[off : off+width]
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		return uint64(s[0])
	case 2:
		return uint64(order.Uint16(s))
	case 4:
		return uint64(order.Uint32(s))
	default:
		return order.Uint64(s)
	}
}

// WriteUint is the inverse of ReadUint; v is truncated to width.
func (b *DataBuff) WriteUint(off, width int, v uint64, bigEndian bool) {
	s := b.data[off : off+width]
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		s[0] = uint8(v)
	case 2:
		order.PutUint16(s, uint16(v))
	case 4:
		order.PutUint32(s, uint32(v))
	default:
		order.PutUint64(s, v)
	}
}

// CopyFrom writes src at dst, clamped to the used length.
func (b *DataBuff) CopyFrom(src []byte, dst int) {
	if dst >= b.used {
		return
	}
	copy(b.data[dst:b.used], src)
}

// CopyWithin copies a block to dst inside the used area.
func (b *DataBuff) CopyWithin(src Block, dst int) {
	if dst >= b.used {
		return
	}
	copy(b.data[dst:b.used], b.data[src.Start:src.End])
}

func (b *DataBuff) Fill(blk Block, v uint8) {
	for i := blk.Start; i < blk.End && i < b.used; i++ {
		b.data[i] = v
	}
}

// Insert places src at dst and shifts the tail. Bytes that would move past
// capacity are dropped.
func (b *DataBuff) Insert(dst int, src []byte) {
	if dst > b.used {
		dst = b.used
	}
	n := len(src)
	if n > b.Available() {
		n = b.Available()
	}
	if n == 0 {
		return
	}
	copy(b.data[dst+n:b.used+n], b.data[dst:b.used])
	copy(b.data[dst:dst+n], src[:n])
	b.used += n
}

// Delete removes a block and closes the gap.
func (b *DataBuff) Delete(blk Block) {
	if blk.End > b.used {
		blk.End = b.used
	}
	if blk.Start >= blk.End {
		return
	}
	copy(b.data[blk.Start:], b.data[blk.End:b.used])
	b.used -= blk.Len()
}
