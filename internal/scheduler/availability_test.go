package scheduler

import "testing"

func TestAvailabilityIndex_TrackAndRarest(t *testing.T) {
	a := newAvailabilityIndex(4)

	for _, i := range []int{0, 1, 2, 3} {
		a.Inc(i) // count=1 each, but none tracked yet
	}
	for _, i := range []int{0, 1, 2, 3} {
		a.Track(i)
	}
	a.Inc(0) // piece 0 now has count 2

	has := func(i int) bool { return true } // peer claims everything

	index, ok := a.RarestFor(has)
	if !ok {
		t.Fatalf("expected a match")
	}
	if index != 1 {
		t.Fatalf("expected rarest (count=1, lowest index) to be piece 1, got %d", index)
	}
}

func TestAvailabilityIndex_UntrackRemovesFromBucket(t *testing.T) {
	a := newAvailabilityIndex(2)
	a.Inc(0)
	a.Track(0)
	a.Inc(1)
	a.Track(1)

	a.Untrack(0)

	index, ok := a.RarestFor(func(i int) bool { return true })
	if !ok || index != 1 {
		t.Fatalf("expected only piece 1 to remain selectable, got (%d,%v)", index, ok)
	}
}

func TestAvailabilityIndex_DecNeverNegative(t *testing.T) {
	a := newAvailabilityIndex(1)
	a.Dec(0)
	if a.Count(0) != 0 {
		t.Fatalf("Count() = %d, want 0", a.Count(0))
	}
}

func TestAvailabilityIndex_RarestForHonorsPeerFilter(t *testing.T) {
	a := newAvailabilityIndex(2)
	a.Inc(0)
	a.Track(0)
	a.Inc(1)
	a.Track(1)

	index, ok := a.RarestFor(func(i int) bool { return i == 1 })
	if !ok || index != 1 {
		t.Fatalf("expected piece 1 (the only piece the filter accepts), got (%d,%v)", index, ok)
	}
}
