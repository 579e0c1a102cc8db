package scheduler

import "math/bits"

// availabilityIndex tracks, for every piece still in the Missing state, how
// many connected peers currently claim it, and groups pieces into dense
// per-count buckets so the rarest tier can be found without scanning every
// piece. Only pieces that are selectable right now (status Missing with a
// non-zero count, i.e. members of `ready`) are tracked in a bucket; a piece
// that is Assigned or Complete keeps its count current but is untracked.
type availabilityIndex struct {
	count    []int   // per-piece current availability count
	bucket   []int   // per-piece index of the bucket it lives in, -1 if untracked
	pos      []int   // per-piece position within buckets[bucket[i]]
	buckets  [][]int // buckets[c] = piece indices with count==c that are tracked
	nonEmpty []uint64
}

func newAvailabilityIndex(numPieces int) *availabilityIndex {
	count := make([]int, numPieces)
	bkt := make([]int, numPieces)
	for i := range bkt {
		bkt[i] = -1
	}
	return &availabilityIndex{
		count:  count,
		bucket: bkt,
		pos:    make([]int, numPieces),
	}
}

func (a *availabilityIndex) growTo(c int) {
	for len(a.buckets) <= c {
		a.buckets = append(a.buckets, nil)
	}
	need := c/64 + 1
	for len(a.nonEmpty) < need {
		a.nonEmpty = append(a.nonEmpty, 0)
	}
}

func (a *availabilityIndex) setBit(c int) { a.nonEmpty[c/64] |= 1 << uint(c%64) }
func (a *availabilityIndex) clearBit(c int) {
	if c/64 < len(a.nonEmpty) {
		a.nonEmpty[c/64] &^= 1 << uint(c%64)
	}
}

// Count returns piece i's current availability.
func (a *availabilityIndex) Count(i int) int { return a.count[i] }

// Track makes piece i selectable at its current count. Called when a piece
// enters the Missing state with count > 0 (becomes ready).
func (a *availabilityIndex) Track(i int) {
	if a.bucket[i] != -1 {
		return
	}
	c := a.count[i]
	a.growTo(c)
	a.pos[i] = len(a.buckets[c])
	a.buckets[c] = append(a.buckets[c], i)
	a.bucket[i] = c
	a.setBit(c)
}

// Untrack removes piece i from bucket membership without changing its
// count. Called when a piece leaves Missing (Assigned or Complete) or drops
// to zero availability (becomes an orphan).
func (a *availabilityIndex) Untrack(i int) {
	c := a.bucket[i]
	if c == -1 {
		return
	}
	a.removeFrom(c, i)
	a.bucket[i] = -1
}

func (a *availabilityIndex) removeFrom(c, i int) {
	b := a.buckets[c]
	last := len(b) - 1
	p := a.pos[i]
	moved := b[last]
	b[p] = moved
	a.pos[moved] = p
	a.buckets[c] = b[:last]
	if len(a.buckets[c]) == 0 {
		a.clearBit(c)
	}
}

// Inc records a new peer claiming piece i.
func (a *availabilityIndex) Inc(i int) {
	tracked := a.bucket[i] != -1
	if tracked {
		a.removeFrom(a.bucket[i], i)
		a.bucket[i] = -1
	}
	a.count[i]++
	if tracked {
		a.Track(i)
	}
}

// Dec records a peer no longer claiming (or disconnecting from) piece i.
// Count never goes negative.
func (a *availabilityIndex) Dec(i int) {
	if a.count[i] == 0 {
		return
	}
	tracked := a.bucket[i] != -1
	if tracked {
		a.removeFrom(a.bucket[i], i)
		a.bucket[i] = -1
	}
	a.count[i]--
	if tracked {
		a.Track(i)
	}
}

// RarestFor returns the lowest-indexed piece among those the peer's
// bitfield claims and that are currently tracked (ready), picking from the
// rarest non-empty bucket first. ok is false if the peer holds nothing
// ready.
func (a *availabilityIndex) RarestFor(has func(piece int) bool) (int, bool) {
	for c, ok := a.firstNonEmpty(0); ok; c, ok = a.firstNonEmpty(c + 1) {
		best, found := -1, false
		for _, piece := range a.buckets[c] {
			if !has(piece) {
				continue
			}
			if !found || piece < best {
				best, found = piece, true
			}
		}
		if found {
			return best, true
		}
	}
	return 0, false
}

// firstNonEmpty reports the smallest bucket index >= start with members,
// using bits.TrailingZeros64 to skip up to 64 empty buckets at a time.
func (a *availabilityIndex) firstNonEmpty(start int) (int, bool) {
	if start < 0 {
		start = 0
	}
	for w := start / 64; w < len(a.nonEmpty); w++ {
		word := a.nonEmpty[w]
		if w == start/64 {
			word &^= (1 << uint(start%64)) - 1
		}
		if word == 0 {
			continue
		}
		return w*64 + bits.TrailingZeros64(word), true
	}
	return 0, false
}
