// Package scheduler owns the global piece picture: which pieces remain,
// which connected peers hold which pieces, and which piece is currently
// assigned to which peer. It is the single writer of that state, reading
// one event at a time off an inbound channel and reacting by dispatching
// new assignments, forwarding piece bytes to the Verifier, and eventually
// declaring the download done or fatally stalled.
package scheduler

import (
	"context"
	"net/netip"
	"time"

	"github.com/arvindh/leech/internal/bitfield"
)

type pieceStatus int

const (
	statusMissing pieceStatus = iota
	statusAssigned
	statusComplete
)

type pieceRecord struct {
	status pieceStatus
	peer   netip.AddrPort
	since  time.Time
}

// Scheduler is a single-threaded worker; all of its state is owned
// exclusively by the goroutine running Run, so no field is protected by a
// lock.
type Scheduler struct {
	numPieces   int
	pieceLength int32
	totalLength int64

	pieces []pieceRecord
	avail  *availabilityIndex

	peerBits map[netip.AddrPort]bitfield.Bitfield
	peerSeen map[netip.AddrPort]struct{} // connected, whether or not assigned

	remaining int // pieces not yet Complete

	waveSettled bool

	toAssign chan<- Assignment
	toVerify chan<- VerifyJob
}

// New constructs a Scheduler for a torrent of totalLength bytes cut into
// numPieces pieces of pieceLength bytes (the last piece may be shorter).
// toAssign carries orders to the ConnectionManager; toVerify is the
// bounded channel to the Verifier (4 pieces in flight by default).
func New(numPieces int, pieceLength int32, totalLength int64, toAssign chan<- Assignment, toVerify chan<- VerifyJob) *Scheduler {
	return &Scheduler{
		numPieces:   numPieces,
		pieceLength: pieceLength,
		totalLength: totalLength,
		pieces:      make([]pieceRecord, numPieces),
		avail:       newAvailabilityIndex(numPieces),
		peerBits:    make(map[netip.AddrPort]bitfield.Bitfield),
		peerSeen:    make(map[netip.AddrPort]struct{}),
		remaining:   numPieces,
		toAssign:    toAssign,
		toVerify:    toVerify,
	}
}

// Run processes events from in until a terminal Outcome is reached, the
// context is canceled, or in is closed.
func (s *Scheduler) Run(ctx context.Context, in <-chan Event) Outcome {
	for {
		select {
		case <-ctx.Done():
			return OutcomeNone
		case ev, ok := <-in:
			if !ok {
				return OutcomeNone
			}
			if outcome := s.Handle(ev); outcome != OutcomeNone {
				return outcome
			}
		}
	}
}

// Handle applies a single event to the scheduler's state and returns a
// non-None Outcome exactly when the download is finished or has fatally
// stalled. It is exported directly (rather than only reachable through
// Run) so tests can drive the state machine without channels.
func (s *Scheduler) Handle(ev Event) Outcome {
	switch e := ev.(type) {
	case PeerPieces:
		s.handlePeerPieces(e)
	case Have:
		s.handleHave(e)
	case PieceBytes:
		s.handlePieceBytes(e)
	case SuccessfulDownload:
		s.handleSuccessfulDownload(e)
	case FailedDownload:
		s.handleFailedDownload(e)
	case FailedConnection:
		s.handleFailedConnection(e)
	case FinishedEstablishingConnections:
		s.waveSettled = true
	case ReaskedTracker:
		s.waveSettled = false
	}

	if s.remaining == 0 {
		return OutcomeAllDone
	}
	if s.isFatallyStalled() {
		return OutcomeFatalStall
	}
	return OutcomeNone
}

func (s *Scheduler) handlePeerPieces(e PeerPieces) {
	s.peerSeen[e.Peer] = struct{}{}

	bf := e.Bitfield
	if bf == nil {
		bf = bitfield.New(s.numPieces)
	}
	s.peerBits[e.Peer] = bf

	for i := 0; i < s.numPieces; i++ {
		if bf.Has(i) {
			s.addAvailability(i, e.Peer)
		}
	}

	s.tryAssign(e.Peer)
}

func (s *Scheduler) handleHave(e Have) {
	if e.Index < 0 || e.Index >= s.numPieces {
		return
	}

	bf, ok := s.peerBits[e.Peer]
	if !ok {
		bf = bitfield.New(s.numPieces)
		s.peerBits[e.Peer] = bf
		s.peerSeen[e.Peer] = struct{}{}
	}
	if bf.Has(e.Index) {
		return
	}
	bf.Set(e.Index)

	s.addAvailability(e.Index, e.Peer)
	s.tryAssign(e.Peer)
}

// addAvailability increments piece i's availability count and, if the
// piece is Missing, keeps its ready/orphan tracking consistent.
func (s *Scheduler) addAvailability(i int, peer netip.AddrPort) {
	wasOrphan := s.pieces[i].status == statusMissing && s.avail.Count(i) == 0
	s.avail.Inc(i)

	if wasOrphan {
		s.avail.Track(i)
	}
}

// handlePieceBytes forwards assembled-but-unverified piece bytes to the
// Verifier. The send blocks if the bounded channel is full; that is the
// backpressure is intentional, not a bug.
func (s *Scheduler) handlePieceBytes(e PieceBytes) {
	s.toVerify <- VerifyJob{Peer: e.Peer, Index: e.Index, Data: e.Data, Since: time.Now()}
}

func (s *Scheduler) handleSuccessfulDownload(e SuccessfulDownload) {
	if e.Index < 0 || e.Index >= s.numPieces {
		return
	}
	if s.pieces[e.Index].status == statusComplete {
		return
	}

	s.pieces[e.Index].status = statusComplete
	s.remaining--
	s.avail.Untrack(e.Index)

	s.tryAssign(e.Peer)
}

func (s *Scheduler) handleFailedDownload(e FailedDownload) {
	if e.Index < 0 || e.Index >= s.numPieces {
		return
	}
	if s.pieces[e.Index].status == statusComplete {
		return
	}

	s.dropAvailability(e.Index, e.Peer)
	s.revertToMissing(e.Index)

	s.assignIdlePeers()
}

func (s *Scheduler) handleFailedConnection(e FailedConnection) {
	delete(s.peerSeen, e.Peer)
	bf, had := s.peerBits[e.Peer]
	delete(s.peerBits, e.Peer)
	if !had {
		return
	}

	for i := 0; i < s.numPieces; i++ {
		if bf.Has(i) {
			s.dropAvailability(i, e.Peer)
		}
	}
	for i := 0; i < s.numPieces; i++ {
		if s.pieces[i].status == statusAssigned && s.pieces[i].peer == e.Peer {
			s.revertToMissing(i)
		}
	}

	s.assignIdlePeers()
}

// assignIdlePeers offers a new assignment to every connected peer that
// currently has none, so a piece freed by a failure is picked up
// immediately rather than waiting for its eventual new holder to generate
// its own event.
func (s *Scheduler) assignIdlePeers() {
	for peer := range s.peerBits {
		s.tryAssign(peer)
	}
}

// revertToMissing moves piece i from Assigned back to Missing and
// re-establishes ready/orphan tracking from its current availability.
func (s *Scheduler) revertToMissing(i int) {
	s.pieces[i].status = statusMissing
	s.pieces[i].peer = netip.AddrPort{}
	if s.avail.Count(i) > 0 {
		s.avail.Track(i)
	}
}

// dropAvailability withdraws peer's claim on piece i: the aggregate count
// is decremented and, if peer is still tracked under peerBits, its stored
// bitfield forgets the claim too, so a misbehaving peer is never
// reselected for the same piece.
func (s *Scheduler) dropAvailability(i int, peer netip.AddrPort) {
	if s.pieces[i].status == statusComplete {
		return
	}
	wasTracked := s.pieces[i].status == statusMissing
	if wasTracked {
		s.avail.Untrack(i)
	}
	s.avail.Dec(i)
	if wasTracked && s.avail.Count(i) > 0 {
		s.avail.Track(i)
	}

	if bf, ok := s.peerBits[peer]; ok {
		bf.Clear(i)
	}
}

// tryAssign gives peer a new assignment if it is idle and holds at least
// one ready piece, following the rarest-first-then-lowest-index policy.
func (s *Scheduler) tryAssign(peer netip.AddrPort) {
	bf, ok := s.peerBits[peer]
	if !ok {
		return
	}
	if s.peerHasAssignment(peer) {
		return
	}

	index, ok := s.avail.RarestFor(func(i int) bool {
		return bf.Has(i) && s.pieces[i].status == statusMissing
	})
	if !ok {
		return
	}

	s.avail.Untrack(index)
	s.pieces[index] = pieceRecord{status: statusAssigned, peer: peer, since: time.Now()}

	length := s.pieceLength
	if int64(index+1)*int64(s.pieceLength) > s.totalLength {
		length = int32(s.totalLength - int64(index)*int64(s.pieceLength))
	}

	s.toAssign <- Assignment{Peer: peer, Index: index, Length: length}
}

func (s *Scheduler) peerHasAssignment(peer netip.AddrPort) bool {
	for i := range s.pieces {
		if s.pieces[i].status == statusAssigned && s.pieces[i].peer == peer {
			return true
		}
	}
	return false
}

// isFatallyStalled reports whether every remaining piece is an orphan (no
// connected peer claims it and none is in flight), the connection latch
// has settled, and no tracker re-ask is outstanding. This matches
// orphans == remaining in the scheduler's own state invariants.
func (s *Scheduler) isFatallyStalled() bool {
	if !s.waveSettled || s.remaining == 0 {
		return false
	}

	for i := range s.pieces {
		if s.pieces[i].status == statusMissing && s.avail.Count(i) > 0 {
			return false // ready
		}
		if s.pieces[i].status == statusAssigned {
			return false // in flight
		}
	}
	return true
}

// Remaining returns the number of pieces not yet Complete, for tests and
// progress reporting.
func (s *Scheduler) Remaining() int { return s.remaining }

// ConnectedPeers returns the number of peers the scheduler currently knows
// about (have sent at least one PeerPieces or Have event and have not yet
// failed).
func (s *Scheduler) ConnectedPeers() int { return len(s.peerSeen) }
