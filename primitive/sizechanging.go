package primitive

// SizeChangingKind enumerates mutations that grow or shrink the buffer.
type SizeChangingKind int

const (
	DeleteKind SizeChangingKind = iota
	InsertChunkKind
	InsertFixedKind
	InsertRandomKind
)

var allSizeChangingKinds = []SizeChangingKind{DeleteKind, InsertChunkKind, InsertFixedKind, InsertRandomKind}

func (k SizeChangingKind) MinSize() int {
	switch k {
	case DeleteKind:
		return 2
	default:
		return 1
	}
}

// MinAvailable is the free capacity the mutation needs, exclusive.
func (k SizeChangingKind) MinAvailable() int {
	if k == DeleteKind {
		return 0
	}
	return 1
}

type Delete struct {
	Block Block
}

func (m Delete) Apply(b *DataBuff) { b.Delete(m.Block) }

type InsertChunk struct {
	Src Block
	Dst int
}

func (m InsertChunk) Apply(b *DataBuff) {
	chunk := append([]byte(nil), b.Bytes()[m.Src.Start:m.Src.End]...)
	b.Insert(m.Dst, chunk)
}

type InsertFixed struct {
	Dst    int
	Amount int
	Val    uint8
}

func (m InsertFixed) Apply(b *DataBuff) {
	chunk := make([]byte, m.Amount)
	for i := range chunk {
		chunk[i] = m.Val
	}
	b.Insert(m.Dst, chunk)
}

type InsertRandom struct {
	Data []byte
	Dst  int
}

func (m InsertRandom) Apply(b *DataBuff) { b.Insert(m.Dst, m.Data) }
