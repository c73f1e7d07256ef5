package state

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListCapacity(t *testing.T) {
	l := NewList(2)
	if err := l.Insert(&frame{seq: 1}, Ready); err != nil {
		t.Fatal(err)
	}
	if err := l.Insert(&frame{seq: 2}, Ready); err != nil {
		t.Fatal(err)
	}
	if err := l.Insert(&frame{seq: 3}, Ready); !errors.Is(err, ErrListFull) {
		t.Fatalf("Insert over capacity = %v, want ErrListFull", err)
	}
	if err := l.Insert(&frame{seq: 2}, Ready); !errors.Is(err, ErrListFull) {
		t.Fatalf("Insert when full = %v, want ErrListFull", err)
	}
}

func TestListRejectsDuplicate(t *testing.T) {
	l := NewList(4)
	if err := l.Insert(&frame{seq: 5}, Ready); err != nil {
		t.Fatal(err)
	}
	if err := l.Insert(&frame{seq: 5}, Ready); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Insert = %v, want ErrDuplicate", err)
	}
}

func TestListKeepsAscendingOrder(t *testing.T) {
	l := NewList(8)
	for _, seq := range []int{4, 1, 3, 2} {
		if err := l.Insert(&frame{seq: seq}, Ready); err != nil {
			t.Fatal(err)
		}
	}

	var got []int
	l.Do(func(tx *Tx) {
		for e := range tx.All() {
			got = append(got, e.FrameSeq())
		}
	})
	if diff := cmp.Diff([]int{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

// TestWindowLastThree checks the SOF scan window: only sequences within
// Depth of the anchor are visible, indexed by distance.
func TestWindowLastThree(t *testing.T) {
	l := NewList(8)
	states := map[int]State{2: DoneNormal, 3: Inner, 4: Outer, 5: Sensor, 6: Ready}
	for seq := 2; seq <= 6; seq++ {
		if err := l.Insert(&frame{seq: seq}, states[seq]); err != nil {
			t.Fatal(err)
		}
	}

	var w Window
	l.Do(func(tx *Tx) { w = tx.Window(5) })

	if w.Len() != 3 {
		t.Fatalf("window len = %d, want 3", w.Len())
	}
	for i, wantSeq := range []int{5, 4, 3} {
		e, s, ok := w.At(i)
		if !ok {
			t.Fatalf("slot %d empty", i)
		}
		if e.FrameSeq() != wantSeq || s != states[wantSeq] {
			t.Errorf("slot %d = seq %d %s, want seq %d %s", i, e.FrameSeq(), s, wantSeq, states[wantSeq])
		}
	}
	if _, _, ok := w.At(3); ok {
		t.Error("slot 3 should be out of range")
	}

	var order []int
	for i := range w.All() {
		order = append(order, i)
	}
	if diff := cmp.Diff([]int{2, 1, 0}, order); diff != "" {
		t.Errorf("iteration order (-want +got):\n%s", diff)
	}
}

func TestDrainEmptiesList(t *testing.T) {
	l := NewList(4)
	for seq := 1; seq <= 3; seq++ {
		if err := l.Insert(&frame{seq: seq}, Ready); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(l.Drain()); got != 3 {
		t.Fatalf("Drain returned %d entries, want 3", got)
	}
	if l.Len() != 0 {
		t.Fatalf("Len after Drain = %d", l.Len())
	}
}
