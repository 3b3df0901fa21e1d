package apex

import (
	"errors"
	"testing"
	"time"
)

func TestWindow_Contiguity(t *testing.T) {
	w := NewWindow[uint64](2, 10, 0)

	for _, a := range []uint64{5, 3, 4, 6, 2} {
		if err := w.Add(a, a*10); err != nil {
			t.Fatalf("add %d: %v", a, err)
		}
	}

	if w.Len() != 1 {
		t.Fatalf("len before promotion = %d, want 1", w.Len())
	}

	if n := w.promote(); n != 4 {
		t.Fatalf("promoted = %d, want 4", n)
	}

	items := w.GetItems(2, 5, true)
	if len(items) != 5 {
		t.Fatalf("items = %v, want 5 items", items)
	}

	for i, it := range items {
		if want := uint64(i+2) * 10; it != want {
			t.Errorf("item %d = %d, want %d", i, it, want)
		}
	}

	if w.LastApex() != 6 {
		t.Errorf("last apex = %d, want 6", w.LastApex())
	}
}

func TestWindow_BackgroundPromotion(t *testing.T) {
	w := NewWindow[string](1, 100, time.Millisecond)
	w.Start()
	defer w.Close()

	_ = w.Add(3, "c")
	_ = w.Add(2, "b")
	_ = w.Add(1, "a")

	deadline := time.Now().Add(2 * time.Second)
	for w.LastApex() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("last apex = %d, want 3", w.LastApex())
		}
		time.Sleep(time.Millisecond)
	}

	if w.PendingLen() != 0 {
		t.Errorf("pending = %d, want 0", w.PendingLen())
	}
}

func TestWindow_ReplayAndRange(t *testing.T) {
	w := NewWindow[int](10, 5, 0)

	_ = w.Add(10, 1)
	_ = w.Add(11, 2)

	if err := w.Add(10, 99); err != nil {
		t.Fatalf("replay should be tolerated: %v", err)
	}

	if v, _ := w.Get(10); v != 1 {
		t.Errorf("replayed apex overwritten: got %d", v)
	}

	if err := w.Add(15, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("add past capacity err = %v, want ErrOutOfRange", err)
	}

	if err := w.Add(9, 99); err != nil {
		t.Errorf("add below start err = %v, want nil", err)
	}

	if _, ok := w.Get(9); ok || w.LastApex() != 11 {
		t.Errorf("apex below start changed the window: last = %d", w.LastApex())
	}

	// A stale pending duplicate is discarded once the frontier passes it.
	_ = w.Add(13, 4)
	_ = w.Add(12, 3)
	_ = w.Add(13, 4)
	w.promote()

	if w.LastApex() != 13 || w.PendingLen() != 0 {
		t.Errorf("last=%d pending=%d, want 13/0", w.LastApex(), w.PendingLen())
	}
}

func TestWindow_GetItemsExclusiveAndLimit(t *testing.T) {
	w := NewWindow[int](0, 10, 0)
	for i := 0; i < 6; i++ {
		_ = w.Add(uint64(i), i)
	}

	got := w.GetItems(2, 2, false)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("exclusive items = %v, want [3 4]", got)
	}

	if got := w.GetItems(5, 10, false); got != nil {
		t.Errorf("items past frontier = %v, want nil", got)
	}

	if w.Fulfilled() {
		t.Error("partial window reported fulfilled")
	}
}

func TestWindow_Fulfilled(t *testing.T) {
	w := NewWindow[int](4, 2, 0)
	_ = w.Add(4, 0)
	_ = w.Add(5, 0)

	if !w.Fulfilled() {
		t.Error("full window should be fulfilled")
	}
}
