package bitset

import "testing"

func TestSetIsSetMSBFirst(t *testing.T) {
	b := New(16)
	b.Set(0)
	b.Set(7)
	b.Set(9)
	if got, want := b.Bytes()[0], byte(0b10000001); got != want {
		t.Fatalf("byte 0 = %08b, want %08b", got, want)
	}
	if got, want := b.Bytes()[1], byte(0b01000000); got != want {
		t.Fatalf("byte 1 = %08b, want %08b", got, want)
	}
	if b.Count() != 3 {
		t.Fatalf("count = %d, want 3", b.Count())
	}
	if !b.IsSet(0) || !b.IsSet(7) || !b.IsSet(9) || b.IsSet(1) {
		t.Fatalf("unexpected membership")
	}
}

func TestContainsAndDifference(t *testing.T) {
	a := New(8)
	a.Set(0)
	a.Set(1)
	o := New(8)
	o.Set(0)
	o.Set(1)
	o.Set(2)
	if a.Contains(o) {
		t.Fatalf("a should not contain o (o has index 2)")
	}
	diff := a.Difference(o)
	if diff.Count() != 1 || !diff.IsSet(2) {
		t.Fatalf("expected difference {2}, got indices %v", diff.Indices())
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	b := New(10)
	b.Set(3)
	b.Set(9)
	rt := FromBytes(b.Bytes(), 10)
	if !rt.IsSet(3) || !rt.IsSet(9) || rt.Count() != 2 {
		t.Fatalf("round trip mismatch: indices=%v", rt.Indices())
	}
}
