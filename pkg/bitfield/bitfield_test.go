package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)
	if bf.Len() != 16 {
		t.Fatalf("Len = %d, want 16", bf.Len())
	}

	if !bf.Set(0) || !bf.Set(9) {
		t.Fatal("Set on clear bits should report a change")
	}
	if bf.Set(9) {
		t.Fatal("Set on an already-set bit should report no change")
	}
	if !bf.Has(0) || !bf.Has(9) || bf.Has(5) {
		t.Fatalf("unexpected bits: %s", bf)
	}
	if bf.Has(-1) || bf.Has(16) {
		t.Fatal("out-of-range Has must be false")
	}

	if !bf.Clear(9) || bf.Clear(9) {
		t.Fatal("Clear change reporting wrong")
	}
	if bf.Has(9) {
		t.Fatal("bit 9 still set after Clear")
	}
}

func TestAllIgnoresSpareBits(t *testing.T) {
	bf := New(10)
	for i := 0; i < 10; i++ {
		bf.Set(i)
	}

	if !bf.All(10) {
		t.Fatalf("All(10) = false for fully set bitmap %s", bf)
	}
	// Spare bits 10..15 are zero: All(10) above ignores them, while
	// asking for all 16 bits counts them.
	if bf.All(16) {
		t.Fatal("All(16) = true but bits 10..15 are clear")
	}

	bf.Clear(3)
	if bf.All(10) {
		t.Fatal("All(10) = true with bit 3 clear")
	}
}

func TestCountResetAnyNone(t *testing.T) {
	bf := New(24)
	if !bf.None() || bf.Any() {
		t.Fatal("fresh bitfield should be empty")
	}

	for _, i := range []int{0, 7, 8, 23} {
		bf.Set(i)
	}
	if got := bf.Count(); got != 4 {
		t.Fatalf("Count = %d, want 4", got)
	}
	if !bf.Any() || bf.None() {
		t.Fatal("Any/None inconsistent after Set")
	}

	bf.Reset()
	if bf.Count() != 0 || !bf.None() {
		t.Fatalf("Reset left bits set: %s", bf)
	}
}

func TestFromBytesCopies(t *testing.T) {
	raw := []byte{0xAA, 0x55}
	bf := FromBytes(raw)
	raw[0] = 0x00

	if !bf.Has(0) || bf.Has(1) {
		t.Fatalf("FromBytes aliased its input: %s", bf)
	}
	if !bf.Equals(Bitfield{0xAA, 0x55}) {
		t.Fatalf("Equals mismatch: %s", bf)
	}

	cl := bf.Clone()
	cl.Set(1)
	if bf.Has(1) {
		t.Fatal("Clone aliased its receiver")
	}
}
