package scheduler

import (
	"net/netip"
	"time"

	"github.com/arvindh/leech/internal/bitfield"
)

// Event is implemented by every message the Scheduler accepts on its inbound
// channel. Events are processed one at a time, in arrival order.
type Event interface{ isSchedulerEvent() }

// PeerPieces reports a peer's claimed bitfield, received at handshake time
// or synthesized from an empty one if the peer never sends a Bitfield
// message.
type PeerPieces struct {
	Peer     netip.AddrPort
	Bitfield bitfield.Bitfield
}

// Have reports a single piece a peer has newly announced.
type Have struct {
	Peer  netip.AddrPort
	Index int
}

// PieceBytes carries a transport-level-complete piece from the
// ConnectionManager on its way to verification. The Scheduler forwards the
// bytes to the Verifier's bounded inbound channel; the piece remains
// Assigned to Peer until the Verifier resolves it.
type PieceBytes struct {
	Peer  netip.AddrPort
	Index int
	Data  []byte
}

// SuccessfulDownload reports that the Verifier confirmed piece Index's
// digest. The piece moves to Complete.
type SuccessfulDownload struct {
	Peer  netip.AddrPort
	Index int
}

// FailedDownload reports that the Verifier rejected piece Index's digest.
// (The ConnectionManager reports every failed download as a
// FailedConnection instead.) Peer is dropped from the piece's availability.
type FailedDownload struct {
	Peer  netip.AddrPort
	Index int
}

// FailedConnection reports that a peer's session is gone. Every piece
// Assigned to Peer reverts to Missing and all of Peer's claimed
// availability is withdrawn.
type FailedConnection struct {
	Peer netip.AddrPort
}

// FinishedEstablishingConnections latches the number of sessions the
// ConnectionManager attempted to open, so the Scheduler can recognize a
// fatal stall once every one of them has failed or gone idle.
type FinishedEstablishingConnections struct {
	Count int
}

// ReaskedTracker resets the connection latch, signaling that a fresh wave
// of candidate peers may still arrive and a stall should not yet be
// declared final.
type ReaskedTracker struct{}

func (PeerPieces) isSchedulerEvent()                      {}
func (Have) isSchedulerEvent()                            {}
func (PieceBytes) isSchedulerEvent()                      {}
func (SuccessfulDownload) isSchedulerEvent()              {}
func (FailedDownload) isSchedulerEvent()                  {}
func (FailedConnection) isSchedulerEvent()                {}
func (FinishedEstablishingConnections) isSchedulerEvent() {}
func (ReaskedTracker) isSchedulerEvent()                  {}

// Assignment is an outbound order to the ConnectionManager: have Peer
// request piece Index, which is Length bytes long, from its session.
type Assignment struct {
	Peer   netip.AddrPort
	Index  int
	Length int32
}

// VerifyJob is an outbound unit of work to the Verifier.
type VerifyJob struct {
	Peer  netip.AddrPort
	Index int
	Data  []byte
	Since time.Time
}

// Outcome is the terminal result a Scheduler run reports.
type Outcome int

const (
	// OutcomeNone means the run loop exited without reaching a terminal
	// state (context canceled or inbound channel closed).
	OutcomeNone Outcome = iota
	// OutcomeAllDone means every piece reached Complete.
	OutcomeAllDone
	// OutcomeFatalStall means pieces remain, none of them is claimed by a
	// connected peer or in flight, the connection latch is set, and no
	// tracker re-ask is pending. Connected peers that hold none of the
	// remaining pieces do not prevent it.
	OutcomeFatalStall
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllDone:
		return "all-done"
	case OutcomeFatalStall:
		return "fatal-stall"
	default:
		return "none"
	}
}
