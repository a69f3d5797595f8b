package tracer

import (
	"encoding/binary"
	"testing"
)

func TestRecordAndSnapshot(t *testing.T) {
	tr := NewTracer(16)

	tr.Record(1, 100)
	tr.Record(2, 200)
	tr.Record(3, 300)

	snapshot := tr.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("Expected snapshot length of 3, but got %d", len(snapshot))
	}

	expected := []TraceEntry{
		{CID: 1, Value: 100},
		{CID: 2, Value: 200},
		{CID: 3, Value: 300},
	}
	for i, entry := range snapshot {
		if entry != expected[i] {
			t.Errorf("Snapshot entry %d is incorrect. Expected %+v, but got %+v", i, expected[i], entry)
		}
	}
}

func TestReset(t *testing.T) {
	tr := NewTracer(16)
	tr.Record(1, 100)
	tr.Reset()

	if snapshot := tr.Snapshot(); len(snapshot) != 0 {
		t.Errorf("Expected empty snapshot after reset, but got length %d", len(snapshot))
	}
}

func TestRingBufferWrapping(t *testing.T) {
	tr := NewTracer(100)
	if tr.Size() != 128 {
		t.Fatalf("Size() = %d, want 128", tr.Size())
	}
	for i := 0; i < tr.Size()+10; i++ {
		tr.Record(uint64(i), int64(i*10))
	}
	if snapshot := tr.Snapshot(); len(snapshot) != tr.Size() {
		t.Errorf("Expected snapshot length of %d, but got %d", tr.Size(), len(snapshot))
	}
}

func TestEdgeBitmapDeterministic(t *testing.T) {
	tr := NewTracer(0)
	run := func(cids ...uint64) []byte {
		tr.Reset()
		for _, c := range cids {
			tr.Hit(c)
		}
		bm := make([]byte, 1024)
		tr.EdgeBitmap(bm)
		return bm
	}
	a := run(1, 2, 3)
	b := run(1, 2, 3)
	if string(a) != string(b) {
		t.Fatalf("same trace produced different bitmaps")
	}
	hits := 0
	for _, v := range a {
		hits += int(v)
	}
	if hits != 3 {
		t.Errorf("bitmap hit total = %d, want 3", hits)
	}
	if empty := run(); string(empty) != string(make([]byte, 1024)) {
		t.Errorf("empty trace should give an empty bitmap")
	}
}

func TestEdgeBitmapSaturates(t *testing.T) {
	tr := NewTracer(1024)
	for i := 0; i < 600; i++ {
		tr.Hit(0)
	}
	bm := make([]byte, 64)
	tr.EdgeBitmap(bm)
	for i, v := range bm {
		if v != 0 && v != 0xff {
			t.Errorf("slot %d = %d, want 0 or 255", i, v)
		}
	}
}

func TestMaxValues(t *testing.T) {
	tr := NewTracer(16)
	tr.Record(1, 5)
	tr.Record(1, 9)
	tr.Record(1, 7)
	tr.Record(2, -4)
	buf := make([]byte, 32)
	tr.MaxValues(buf)

	if got := binary.LittleEndian.Uint64(buf[8:]); got != 9 {
		t.Errorf("slot 1 = %d, want 9", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:]); got != 0 {
		t.Errorf("slot 2 = %d, want 0", got)
	}
}

func TestToScalar(t *testing.T) {
	if ToScalar(true) != 1 || ToScalar(uint8(7)) != 7 || ToScalar(nil) != 0 {
		t.Errorf("unexpected scalar for basic types")
	}
	if ToScalar([]int{1, 2, 3}) != 3 {
		t.Errorf("slices should map to their length")
	}
	if ToScalar("abc") != ToScalar([]byte("abc")) {
		t.Errorf("string and bytes with the same content should hash alike")
	}
}
