// Package progress defines the UI-facing event stream emitted by the
// download core. Every worker holds only a Sender and fires events at it;
// the Sink never blocks a caller, matching the "shared progress sink" design
// called for by a system where many workers need to report to one UI
// without becoming coupled to it.
package progress

import (
	"net/netip"

	"github.com/arvindh/leech/internal/meta"
)

// Event is implemented by every progress notification.
type Event interface{ isProgressEvent() }

// Metadata reports the parsed torrent description once, at startup.
type Metadata struct{ Info *meta.Metainfo }

// InitialPeerCount reports how many candidate peers the tracker returned.
type InitialPeerCount struct{ N int }

// NewConnection reports that a session with Addr reached the ready state.
type NewConnection struct{ Addr netip.AddrPort }

// DownloadedPiece reports that piece Index was verified and written.
type DownloadedPiece struct{ Index int }

// FinalStatus reports the terminal outcome of the download.
type FinalStatus struct{ OK bool }

func (Metadata) isProgressEvent()         {}
func (InitialPeerCount) isProgressEvent() {}
func (NewConnection) isProgressEvent()    {}
func (DownloadedPiece) isProgressEvent()  {}
func (FinalStatus) isProgressEvent()      {}

// Sender is the capability workers are handed: a cheap, non-blocking send.
type Sender interface {
	Send(Event)
}

// Sink is a fire-and-forget event bus. Send never blocks its caller; if the
// internal buffer is full, the event is dropped rather than stalling a
// worker that has no business waiting on the UI.
type Sink struct {
	events chan Event
}

// NewSink returns a Sink buffering up to capacity pending events.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 64
	}
	return &Sink{events: make(chan Event, capacity)}
}

// Send implements Sender.
func (s *Sink) Send(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// Events returns the channel a renderer drains.
func (s *Sink) Events() <-chan Event { return s.events }

// Close signals that no further events will be sent. It must only be
// called after every worker holding this Sink's Sender has exited.
func (s *Sink) Close() { close(s.events) }
