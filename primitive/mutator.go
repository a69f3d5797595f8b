package primitive

import "alma.local/specfuzz/random"

// Mutator applies AFL style byte level mutations to a DataBuff.
type Mutator struct {
	inplace      random.Choices[InplaceKind]
	sizeChanging random.Choices[SizeChangingKind]
}

// NewMutator builds the mutation tables. With a dictionary the random
// overwrite (which may splice in a dictionary entry) is twice as likely.
func NewMutator(hasDict bool) *Mutator {
	weights := make([]int, len(allInplaceKinds))
	for i := range weights {
		weights[i] = 1
	}
	if hasDict {
		weights[0] = 2
	}
	return &Mutator{
		inplace:      random.NewChoices(weights, allInplaceKinds),
		sizeChanging: random.NewChoices([]int{1, 1, 1, 1}, allSizeChangingKinds),
	}
}

// Mutate edits buff in place. When a dictionary is given it is tried first,
// one time in three; a successful dictionary substitution may end the
// mutation early.
func (m *Mutator) Mutate(buff *DataBuff, dict *CustomDict, dist *random.Distributions) {
	if buff.IsEmpty() {
		return
	}
	if dict != nil && dist.ShouldMutateDict() {
		if !dict.Mutate(buff, dist) {
			return
		}
	}
	m.GenInplace(buff, dist).Apply(buff)
}

// MutateSized is Mutate for buffers that may change length. Half of the
// mutations change the size when there is room for it.
func (m *Mutator) MutateSized(buff *DataBuff, dict *CustomDict, dist *random.Distributions) {
	if buff.IsEmpty() || buff.Cap() <= 16 || dist.Bool() {
		m.Mutate(buff, dict, dist)
		return
	}
	m.GenSizeChanging(buff, dist).Apply(buff)
}

func (m *Mutator) inplaceKind(buff *DataBuff, dist *random.Distributions) InplaceKind {
	for i := 0; i < 4; i++ {
		k := m.inplace.Sample(dist)
		if k.MinSize() <= buff.Len() {
			return k
		}
	}
	return FlipBitKind
}

// GenInplace draws a length preserving mutation for buff. buff must not be
// empty.
func (m *Mutator) GenInplace(buff *DataBuff, dist *random.Distributions) Mutation {
	k := m.inplaceKind(buff, dist)
	switch k {
	case FlipBitKind:
		return FlipBit{Offset: genOffset(1, buff, dist), Bit: uint(dist.GenRange(0, 8))}
	case AddU8Kind, AddU16Kind, AddU32Kind, AddU64Kind:
		w := k.width()
		return AddInt{
			Offset:    genOffset(w, buff, dist),
			Width:     w,
			Val:       uint64(genArithVal(dist)),
			BigEndian: w > 1 && dist.GenEndianess(),
		}
	case InterestingU8Kind:
		return SetInt{Offset: genOffset(1, buff, dist), Width: 1, Val: uint64(pick(interestingU8, dist))}
	case InterestingU16Kind:
		return SetInt{Offset: genOffset(2, buff, dist), Width: 2, Val: uint64(pick(interestingU16, dist)), BigEndian: dist.GenEndianess()}
	case InterestingU32Kind:
		return SetInt{Offset: genOffset(4, buff, dist), Width: 4, Val: uint64(pick(interestingU32, dist)), BigEndian: dist.GenEndianess()}
	case InterestingU64Kind:
		return SetInt{Offset: genOffset(8, buff, dist), Width: 8, Val: pick(interestingU64, dist), BigEndian: dist.GenEndianess()}
	case OverwriteRandomByteKind:
		off := genOffset(1, buff, dist)
		return OverwriteRandomByte{Offset: off, Val: uint8(dist.GenRange(1, 0xff)) ^ buff.ReadU8(off)}
	case OverwriteChunkKind:
		src := genBlockRange(buff, dist)
		dst := genOffset(src.Len(), buff, dist)
		for tries := 0; src.Start == dst && src.Len() != buff.Len() && tries < 16; tries++ {
			dst = genOffset(src.Len(), buff, dist)
		}
		return OverwriteChunk{Src: src, Dst: dst}
	case OverwriteRandomKind:
		dst := genBlockRange(buff, dist)
		return OverwriteRandom{Data: dist.GenRandomOverwriteData(dst.Len()), Dst: dst.Start}
	default:
		return OverwriteFixed{Block: genBlockRange(buff, dist), Val: dist.Uint8()}
	}
}

func (m *Mutator) sizeChangingKind(buff *DataBuff, dist *random.Distributions) SizeChangingKind {
	for i := 0; i < 4; i++ {
		k := m.sizeChanging.Sample(dist)
		if k.MinSize() <= buff.Len() && k.MinAvailable() < buff.Available() {
			return k
		}
	}
	if buff.Available() > InsertRandomKind.MinAvailable() {
		return InsertRandomKind
	}
	return DeleteKind
}

// GenSizeChanging draws a mutation that inserts or deletes bytes. buff must
// not be empty and must have a capacity above 16 bytes.
func (m *Mutator) GenSizeChanging(buff *DataBuff, dist *random.Distributions) Mutation {
	switch m.sizeChangingKind(buff, dist) {
	case InsertChunkKind:
		return InsertChunk{
			Src: genBlockMax(buff.Len(), buff.Cap()-buff.Len(), dist),
			Dst: genOffset(1, buff, dist),
		}
	case InsertFixedKind:
		return InsertFixed{
			Dst:    genOffset(1, buff, dist),
			Amount: dist.GenRange(1, buff.Cap()-buff.Len()),
			Val:    dist.Uint8(),
		}
	case InsertRandomKind:
		n := dist.GenRange(1, buff.Available())
		data := make([]byte, n)
		for i := range data {
			data[i] = dist.Uint8()
		}
		return InsertRandom{Data: data, Dst: genOffset(1, buff, dist)}
	default:
		return Delete{Block: genBlockRange(buff, dist)}
	}
}

// GenNumArrayElems picks an element count in [minElems, maxElems) that
// still fits into maxData bytes.
func GenNumArrayElems(elemSize, minElems, maxElems, maxData int, dist *random.Distributions) int {
	fit := maxData / elemSize
	if fit > minElems {
		if maxElems < fit {
			fit = maxElems
		}
		return dist.GenRange(minElems, fit)
	}
	return fit
}

func genOffset(size int, buff *DataBuff, dist *random.Distributions) int {
	return dist.GenRange(0, buff.Len()-size+1)
}

func genArithVal(dist *random.Distributions) int64 {
	if dist.Bool() {
		return int64(dist.GenRange(1, 35))
	}
	return int64(dist.GenRange(-35, -1))
}

func pick[T any](vals []T, dist *random.Distributions) T {
	return vals[dist.GenRange(0, len(vals))]
}

func genBlockRange(buff *DataBuff, dist *random.Distributions) Block {
	return genBlockMax(buff.Len(), buff.Len(), dist)
}

// genBlockMax picks a block inside [0, end) no longer than maxLen.
func genBlockMax(end, maxLen int, dist *random.Distributions) Block {
	if end == 0 {
		return Block{}
	}
	sizes := dist.GenBlockSize()
	lo, hi := sizes.Min, sizes.Max
	if hi > maxLen {
		hi = maxLen
	}
	if hi > end {
		hi = end
	}
	if lo >= hi {
		lo = 1
	}
	size := dist.GenRange(lo, hi+1)
	start := dist.GenRange(0, end-size+1)
	return Block{Start: start, End: start + size}
}
