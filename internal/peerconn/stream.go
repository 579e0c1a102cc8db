package peerconn

import (
	"context"
	"crypto/sha1"
	"net"
	"time"

	"github.com/arvindh/leech/internal/protocol"
)

// Stream abstracts the duplex byte-stream a PeerSession drives: handshake,
// message send, and message receive. Production code uses a real TCP
// connection; tests script a sequence of messages without touching a
// socket.
type Stream interface {
	// Handshake performs the outbound BitTorrent handshake, verifying the
	// remote peer's info_hash matches infoHash, and returns the remote's
	// peer id.
	Handshake(infoHash, peerID [sha1.Size]byte) (remotePeerID [sha1.Size]byte, err error)

	// SendMessage writes a single message frame. A nil message is a
	// keep-alive.
	SendMessage(m *protocol.Message) error

	// WaitForMessage blocks until a message frame is available or the
	// deadline elapses.
	WaitForMessage(timeout time.Duration) (*protocol.Message, error)

	// Close releases any underlying resources. Idempotent.
	Close() error
}

// netStream implements Stream over a live TCP connection.
type netStream struct {
	conn             net.Conn
	handshakeTimeout time.Duration
}

// DialStream opens a TCP connection to addr within dialTimeout and wraps it
// as a Stream. handshakeTimeout bounds the subsequent handshake exchange.
func DialStream(ctx context.Context, addr string, dialTimeout, handshakeTimeout time.Duration) (Stream, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &netStream{conn: conn, handshakeTimeout: handshakeTimeout}, nil
}

func (s *netStream) Handshake(infoHash, peerID [sha1.Size]byte) ([sha1.Size]byte, error) {
	_ = s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	local := protocol.NewHandshake(infoHash, peerID)

	remote, err := local.Exchange(s.conn, true)
	if err != nil {
		return [sha1.Size]byte{}, err
	}

	return remote.PeerID, nil
}

func (s *netStream) SendMessage(m *protocol.Message) error {
	return protocol.WriteMessage(s.conn, m)
}

func (s *netStream) WaitForMessage(timeout time.Duration) (*protocol.Message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	return protocol.ReadMessage(s.conn)
}

func (s *netStream) Close() error {
	return s.conn.Close()
}
