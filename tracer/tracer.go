package tracer

import (
	"encoding/binary"
	"reflect"
	"sync/atomic"
)

// TraceEntry represents a single data point in the execution trace.
type TraceEntry struct {
	CID   uint64
	Value int64
}

// DefaultBufferSize is the ring size used by NewTracer when size is 0.
// Sizes are kept at a power of 2 for bitwise masking.
const DefaultBufferSize = 1 << 16

// Tracer is a circular buffer of trace entries owned by one executor.
type Tracer struct {
	buf   []TraceEntry
	mask  uint64
	index uint64
}

// NewTracer allocates a tracer whose ring holds size entries, rounded up to a
// power of two.
func NewTracer(size int) *Tracer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Tracer{buf: make([]TraceEntry, n), mask: uint64(n - 1)}
}

// Size is the capacity of the ring.
func (t *Tracer) Size() int { return len(t.buf) }

// Record captures a single execution point.
// cid: Context ID (hash of location+variable)
// val: The value observed
//
//go:noinline
func (t *Tracer) Record(cid uint64, val int64) {
	idx := atomic.AddUint64(&t.index, 1)
	// idx starts at 1.
	t.buf[(idx-1)&t.mask] = TraceEntry{CID: cid, Value: val}
}

// Hit records cid with a zero value.
func (t *Tracer) Hit(cid uint64) { t.Record(cid, 0) }

// Reset clears the trace index.
func (t *Tracer) Reset() {
	atomic.StoreUint64(&t.index, 0)
}

// Len is the number of entries recorded since the last Reset.
func (t *Tracer) Len() uint64 { return atomic.LoadUint64(&t.index) }

// Snapshot returns the valid part of the buffer. Once the ring has wrapped the
// whole buffer is returned, oldest entries no longer in order.
func (t *Tracer) Snapshot() []TraceEntry {
	currentIdx := atomic.LoadUint64(&t.index)
	if currentIdx == 0 {
		return nil
	}
	if currentIdx > uint64(len(t.buf)) {
		return t.buf
	}
	return t.buf[:currentIdx]
}

// EdgeBitmap folds the trace into an AFL style edge bitmap: every consecutive
// pair of context ids bumps one saturating hit counter. len(dst) must be a
// power of two. dst is cleared first.
func (t *Tracer) EdgeBitmap(dst []byte) {
	clear(dst)
	if len(dst) == 0 {
		return
	}
	mask := uint64(len(dst) - 1)
	var prev uint64
	for _, e := range t.Snapshot() {
		cur := mix(e.CID) & mask
		slot := cur ^ prev
		if dst[slot] != 0xff {
			dst[slot]++
		}
		prev = cur >> 1
	}
}

// MaxValues writes the per-slot maximum of recorded values into dst as
// little endian u64 words. A context id owns slot cid % (len(dst)/8).
// dst is cleared first; negative values never raise a slot above zero.
func (t *Tracer) MaxValues(dst []byte) {
	clear(dst)
	slots := uint64(len(dst) / 8)
	if slots == 0 {
		return
	}
	for _, e := range t.Snapshot() {
		if e.Value <= 0 {
			continue
		}
		off := (e.CID % slots) * 8
		if uint64(e.Value) > binary.LittleEndian.Uint64(dst[off:]) {
			binary.LittleEndian.PutUint64(dst[off:], uint64(e.Value))
		}
	}
}

// mix spreads sequential ids across the bitmap.
func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x
}

// ToScalar converts various types to an int64 representation for the tracer.
// It is optimized for speed.
func ToScalar(v any) int64 {
	if v == nil {
		return 0
	}
	// Fast path for common types
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case uint64:
		return int64(val)
	case int32:
		return int64(val)
	case uint32:
		return int64(val)
	case int16:
		return int64(val)
	case uint16:
		return int64(val)
	case int8:
		return int64(val)
	case uint8:
		return int64(val)
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		return hashSampled(val)
	case []byte:
		return hashSampled(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return int64(rv.Len())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
		// Dereferencing might cycle.
		return 1
	case reflect.Struct:
		return 1
	}

	return 0
}

// hashSampled is FNV-1a over at most the first and last 8 bytes plus the length.
func hashSampled[T string | []byte](b T) int64 {
	if len(b) == 0 {
		return 0
	}
	const (
		fnvOffset64 = 1469598103934665603
		fnvPrime64  = 1099511628211
		maxSample   = 8
	)
	h := uint64(fnvOffset64)
	limit := min(len(b), maxSample)
	for i := 0; i < limit; i++ {
		h ^= uint64(b[i])
		h *= fnvPrime64
	}
	if len(b) > maxSample {
		for i := len(b) - maxSample; i < len(b); i++ {
			h ^= uint64(b[i])
			h *= fnvPrime64
		}
	}
	h ^= uint64(len(b))
	return int64(h)
}
