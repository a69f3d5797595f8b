package queue

import (
	"fmt"

	"alma.local/specfuzz/feedback"
)

// ReasonKind tells why an input was kept.
type ReasonKind uint8

const (
	ReasonBitmap ReasonKind = iota
	ReasonImported
)

// StorageReason records one bitmap slot that went from Old to New, or that
// the input was imported.
type StorageReason struct {
	Kind  ReasonKind
	Index int
	Old   uint8
	New   uint8
}

// HasNewByte reports a slot that was never hit before.
func (r StorageReason) HasNewByte() bool {
	return r.Kind == ReasonBitmap && r.Old == 0
}

// Imported is the reason attached to seed imports.
func Imported() StorageReason { return StorageReason{Kind: ReasonImported} }

// Bitmap is an accumulated coverage bitmap.
type Bitmap struct {
	bits []byte
}

func NewBitmap(size int) *Bitmap {
	return &Bitmap{bits: make([]byte, size)}
}

// NewBitmapFromBuffer copies buf.
func NewBitmapFromBuffer(buf []byte) *Bitmap {
	return &Bitmap{bits: append([]byte(nil), buf...)}
}

func (b *Bitmap) Bits() []byte { return b.bits }

// HitCount is the number of non-zero slots.
func (b *Bitmap) HitCount() int {
	n := 0
	for _, v := range b.bits {
		if v != 0 {
			n++
		}
	}
	return n
}

// CheckNewBytes merges run into b and returns a reason for every slot that
// run hits for the first time. It returns nil when there is none.
func (b *Bitmap) CheckNewBytes(run []byte) []StorageReason {
	if len(run) != len(b.bits) {
		panic(fmt.Sprintf("queue: bitmap of %d bytes checked against %d", len(run), len(b.bits)))
	}
	var res []StorageReason
	for i, v := range run {
		old := b.bits[i]
		if v > old && old == 0 {
			res = append(res, StorageReason{Kind: ReasonBitmap, Index: i, Old: old, New: v})
			b.bits[i] = v
		}
	}
	return res
}

// BitmapHandler keeps one accumulated bitmap per kept exit kind.
type BitmapHandler struct {
	normal       *Bitmap
	crash        *Bitmap
	timeout      *Bitmap
	invalidWrite *Bitmap
	size         int
}

func NewBitmapHandler(size int) *BitmapHandler {
	return &BitmapHandler{
		normal:       NewBitmap(size),
		crash:        NewBitmap(size),
		timeout:      NewBitmap(size),
		invalidWrite: NewBitmap(size),
		size:         size,
	}
}

// CheckNewBytes checks run against the bitmap of exit's kind. Memory faults
// and fuzzer errors have no bitmap and never produce reasons.
func (h *BitmapHandler) CheckNewBytes(run []byte, exit feedback.ExitReason) []StorageReason {
	switch exit.Kind {
	case feedback.Normal:
		return h.normal.CheckNewBytes(run)
	case feedback.Crash:
		return h.crash.CheckNewBytes(run)
	case feedback.Timeout:
		return h.timeout.CheckNewBytes(run)
	case feedback.InvalidWriteToPayload:
		return h.invalidWrite.CheckNewBytes(run)
	}
	return nil
}

func (h *BitmapHandler) Size() int { return h.size }

func (h *BitmapHandler) Normal() *Bitmap { return h.normal }
