package scheduler

import (
	"net/netip"
	"strconv"
	"testing"

	"github.com/arvindh/leech/internal/bitfield"
)

func addr(port int) netip.AddrPort {
	return netip.MustParseAddrPort("10.0.0.1:" + strconv.Itoa(port))
}

func bitsOf(n int, indices ...int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for _, i := range indices {
		bf.Set(i)
	}
	return bf
}

func newTestScheduler(numPieces int, pieceLen int32, total int64) (*Scheduler, chan Assignment, chan VerifyJob) {
	toAssign := make(chan Assignment, 64)
	toVerify := make(chan VerifyJob, 64)
	return New(numPieces, pieceLen, total, toAssign, toVerify), toAssign, toVerify
}

func TestScheduler_RarestFirstTieBreak(t *testing.T) {
	s, toAssign, _ := newTestScheduler(3, 8, 24)
	peerA, peerB, peerC := addr(1), addr(2), addr(3)

	// PeerPieces dispatches at once, so record every claim before any peer
	// is offered a piece: availability is {0:{A,B,C}, 1:{A}, 2:{A,B}} when
	// A becomes eligible.
	claims := []struct {
		peer netip.AddrPort
		bf   bitfield.Bitfield
	}{
		{peerA, bitsOf(3, 0, 1, 2)},
		{peerB, bitsOf(3, 0, 2)},
		{peerC, bitsOf(3, 0)},
	}
	for _, c := range claims {
		s.peerBits[c.peer] = c.bf
		for i := 0; i < 3; i++ {
			if c.bf.Has(i) {
				s.addAvailability(i, c.peer)
			}
		}
	}

	s.tryAssign(peerA)
	assign := <-toAssign
	if assign.Peer != peerA || assign.Index != 1 {
		t.Fatalf("expected A assigned piece 1 (rarest), got %+v", assign)
	}

	s.tryAssign(peerB)
	second := <-toAssign
	if second.Index != 2 {
		t.Fatalf("expected next assignment to be piece 2, got %+v", second)
	}

	s.tryAssign(peerC)
	third := <-toAssign
	if third.Index != 0 {
		t.Fatalf("expected piece 0 (most available) assigned last, got %+v", third)
	}
}

func TestScheduler_CorruptBlockOrphansAndStalls(t *testing.T) {
	s, toAssign, _ := newTestScheduler(2, 8, 16)
	peer := addr(1)

	s.Handle(PeerPieces{Peer: peer, Bitfield: bitsOf(2, 0, 1)})
	<-toAssign // piece 0 (lowest index among equally-available pieces)
	// The connection wave settles with this single peer.
	s.Handle(FinishedEstablishingConnections{Count: 1})

	outcome := s.Handle(SuccessfulDownload{Peer: peer, Index: 0})
	if outcome != OutcomeNone {
		t.Fatalf("unexpected outcome after first piece: %v", outcome)
	}

	assign := <-toAssign
	if assign.Index != 1 {
		t.Fatalf("expected piece 1 assignment, got %+v", assign)
	}

	// Piece 1 loses its only holder: with the latch set and nothing else
	// ready or in flight, the download is fatally stalled.
	outcome = s.Handle(FailedDownload{Peer: peer, Index: 1})
	if outcome != OutcomeFatalStall {
		t.Fatalf("outcome = %v, want OutcomeFatalStall once piece 1 is orphaned", outcome)
	}
	if s.Remaining() != 1 {
		t.Fatalf("Remaining() = %d, want 1", s.Remaining())
	}

	// The peer that sent the corrupt block is no longer credited with
	// piece 1, and no other peer holds it, so piece 1 is now an orphan:
	// no further assignment should be dispatched for it.
	select {
	case a := <-toAssign:
		t.Fatalf("unexpected reassignment of orphaned piece: %+v", a)
	default:
	}

	// The stall stands once the only peer drops.
	outcome = s.Handle(FailedConnection{Peer: peer})
	if outcome != OutcomeFatalStall {
		t.Fatalf("outcome = %v, want OutcomeFatalStall once the only peer drops", outcome)
	}
}

func TestScheduler_MidPieceDisconnectReassigns(t *testing.T) {
	s, toAssign, _ := newTestScheduler(1, 8, 8)
	peerA, peerB := addr(1), addr(2)

	s.Handle(PeerPieces{Peer: peerA, Bitfield: bitsOf(1, 0)})
	first := <-toAssign
	if first.Peer != peerA {
		t.Fatalf("expected piece assigned to A first, got %+v", first)
	}

	s.Handle(PeerPieces{Peer: peerB, Bitfield: bitsOf(1, 0)})
	// B has nothing to be assigned yet: the single piece is Assigned to A.
	select {
	case a := <-toAssign:
		t.Fatalf("unexpected premature assignment: %+v", a)
	default:
	}

	s.Handle(FailedConnection{Peer: peerA})

	second := <-toAssign
	if second.Peer != peerB || second.Index != 0 {
		t.Fatalf("expected piece 0 reassigned to B, got %+v", second)
	}

	outcome := s.Handle(SuccessfulDownload{Peer: peerB, Index: 0})
	if outcome != OutcomeAllDone {
		t.Fatalf("outcome = %v, want OutcomeAllDone", outcome)
	}
}

func TestScheduler_EmptyBitfieldStallsAfterLatch(t *testing.T) {
	s, toAssign, _ := newTestScheduler(2, 8, 16)
	peer := addr(1)

	outcome := s.Handle(PeerPieces{Peer: peer, Bitfield: bitsOf(2)})
	if outcome != OutcomeNone {
		t.Fatalf("unexpected outcome for empty bitfield: %v", outcome)
	}
	select {
	case a := <-toAssign:
		t.Fatalf("peer with empty bitfield should not receive an assignment: %+v", a)
	default:
	}

	outcome = s.Handle(FinishedEstablishingConnections{Count: 1})
	if outcome != OutcomeFatalStall {
		t.Fatalf("outcome = %v, want OutcomeFatalStall once the latch settles with only empty peers", outcome)
	}
}

func TestScheduler_ReaskedTrackerDelaysStall(t *testing.T) {
	s, _, _ := newTestScheduler(1, 8, 8)
	peer := addr(1)

	// The peer claims nothing, so the latch alone would declare a stall;
	// only the re-ask keeps it from being reported.
	s.Handle(PeerPieces{Peer: peer, Bitfield: bitsOf(1)})
	s.Handle(FinishedEstablishingConnections{Count: 1})
	outcome := s.Handle(ReaskedTracker{})
	if outcome != OutcomeNone {
		t.Fatalf("outcome = %v, want OutcomeNone while a re-ask is pending", outcome)
	}
}

func TestScheduler_NeverAssignsPieceToTwoPeersSimultaneously(t *testing.T) {
	s, toAssign, _ := newTestScheduler(1, 8, 8)
	peerA, peerB := addr(1), addr(2)

	s.Handle(PeerPieces{Peer: peerA, Bitfield: bitsOf(1, 0)})
	<-toAssign
	s.Handle(PeerPieces{Peer: peerB, Bitfield: bitsOf(1, 0)})

	if s.pieces[0].status != statusAssigned || s.pieces[0].peer != peerA {
		t.Fatalf("expected piece 0 assigned only to peerA, got %+v", s.pieces[0])
	}
}
