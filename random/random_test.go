package random

import "testing"

func TestRomuDeterministic(t *testing.T) {
	a := NewRomuFromSeed(1234)
	b := NewRomuFromSeed(1234)
	for i := 0; i < 100; i++ {
		if x, y := a.Uint64(), b.Uint64(); x != y {
			t.Fatalf("step %d: streams diverged %x != %x", i, x, y)
		}
	}
}

func TestRomuFirstValueIsSeed(t *testing.T) {
	r := NewRomu(7, 9)
	if got := r.Uint64(); got != 7 {
		t.Errorf("first output = %d, want 7", got)
	}
	y := uint64(9)
	if got := r.Uint64(); got != 15241094284759029579*y {
		t.Errorf("second output = %d", got)
	}
}

func TestGenRangeBounds(t *testing.T) {
	d := NewSeeded(42, nil)
	for i := 0; i < 1000; i++ {
		v := d.GenRange(3, 9)
		if v < 3 || v >= 9 {
			t.Fatalf("GenRange(3,9) = %d", v)
		}
	}
	// empty ranges collapse to the lower bound
	if v := d.GenRange(5, 5); v != 5 {
		t.Errorf("GenRange(5,5) = %d", v)
	}
	if v := d.GenRange(5, 2); v != 5 {
		t.Errorf("GenRange(5,2) = %d", v)
	}
}

func TestChoicesRespectsZeroWeight(t *testing.T) {
	d := NewSeeded(1, nil)
	c := NewChoices([]int{0, 1, 0}, []string{"a", "b", "c"})
	for i := 0; i < 200; i++ {
		if got := c.Sample(d); got != "b" {
			t.Fatalf("sampled %q from a table where only b has weight", got)
		}
	}
}

func TestChoicesPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for mismatched weights")
		}
	}()
	NewChoices([]int{1}, []int{1, 2})
}

func TestMinimizationBlockSize(t *testing.T) {
	d := NewSeeded(9, nil)
	for i := 0; i < 64; i++ {
		start, end := d.GenMinimizationBlockSize(i, 64, 20)
		if start < 0 || end > 20 || end-start < 1 {
			t.Fatalf("round %d: bad block [%d,%d)", i, start, end)
		}
	}
	if start, end := d.GenMinimizationBlockSize(0, 10, 1); start != 0 || end != 1 {
		t.Errorf("single node graph: got [%d,%d)", start, end)
	}
}

func TestOverwriteDataUsesDictWhenItFits(t *testing.T) {
	d := NewSeeded(3, [][]byte{{0xaa, 0xbb}})
	sawDict := false
	for i := 0; i < 64; i++ {
		out := d.GenRandomOverwriteData(4)
		if len(out) == 2 && out[0] == 0xaa && out[1] == 0xbb {
			sawDict = true
			continue
		}
		if len(out) != 4 {
			t.Fatalf("random overwrite has length %d, want 4", len(out))
		}
	}
	if !sawDict {
		t.Errorf("dictionary entry never used")
	}
	// an entry that does not fit falls back to random bytes
	if out := d.GenRandomOverwriteData(1); len(out) != 1 {
		t.Errorf("got %d bytes, want 1", len(out))
	}
}
