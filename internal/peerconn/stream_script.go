package peerconn

import (
	"crypto/sha1"
	"errors"
	"sync"
	"time"

	"github.com/arvindh/leech/internal/protocol"
)

// ScriptedStream is an in-memory Stream used by tests to drive a
// PeerSession through a scripted sequence of inbound messages without a
// live socket.
type ScriptedStream struct {
	mu sync.Mutex

	// HandshakeInfoHash is returned as the remote's handshake info_hash.
	// If it differs from the info_hash PeerSession hands to Handshake,
	// the caller's verification fails exactly as a real mismatched peer
	// would.
	HandshakeInfoHash [sha1.Size]byte
	RemotePeerID      [sha1.Size]byte
	HandshakeErr      error

	// Inbound is consumed in order by WaitForMessage.
	Inbound []*protocol.Message

	// Sent records every message handed to SendMessage, in order.
	Sent []*protocol.Message

	// SendErr, when non-nil, is returned by every SendMessage call from
	// that point on.
	SendErr error

	closed bool
}

var errScriptExhausted = errors.New("peerconn: scripted stream has no more inbound messages")

func (s *ScriptedStream) Handshake(infoHash, peerID [sha1.Size]byte) ([sha1.Size]byte, error) {
	if s.HandshakeErr != nil {
		return [sha1.Size]byte{}, s.HandshakeErr
	}
	if s.HandshakeInfoHash != infoHash {
		return [sha1.Size]byte{}, protocol.ErrInfoHashMismatch
	}

	return s.RemotePeerID, nil
}

func (s *ScriptedStream) SendMessage(m *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SendErr != nil {
		return s.SendErr
	}

	s.Sent = append(s.Sent, m)
	return nil
}

func (s *ScriptedStream) WaitForMessage(timeout time.Duration) (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("peerconn: scripted stream is closed")
	}
	if len(s.Inbound) == 0 {
		return nil, errScriptExhausted
	}

	m := s.Inbound[0]
	s.Inbound = s.Inbound[1:]

	return m, nil
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
