package compaction

import "testing"

func TestAddSSTToL0PrependsNewest(t *testing.T) {
	l := NewL0(nil)
	l.AddSSTToL0(1)
	l.AddSSTToL0(2)
	l.AddSSTToL0(3)

	got := l.IDs()
	want := []uint64{3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRemoveSST(t *testing.T) {
	l := NewL0([]uint64{3, 2, 1})
	l.RemoveSST(2)

	got := l.IDs()
	want := []uint64{3, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRemoveSSTAbsentIsNoOp(t *testing.T) {
	l := NewL0([]uint64{1, 2})
	l.RemoveSST(99)
	if l.Len() != 2 {
		t.Fatalf("expected length unchanged, got %d", l.Len())
	}
}
