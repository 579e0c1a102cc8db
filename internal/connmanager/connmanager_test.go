package connmanager

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"github.com/arvindh/leech/internal/peerconn"
	"github.com/arvindh/leech/internal/protocol"
	"github.com/arvindh/leech/internal/scheduler"
)

var (
	testInfoHash = [sha1.Size]byte{1}
	testPeerID   = [sha1.Size]byte{2}
)

func scriptedDialer(streams map[netip.AddrPort]*peerconn.ScriptedStream) Dialer {
	return func(_ context.Context, addr netip.AddrPort) (peerconn.Stream, error) {
		s, ok := streams[addr]
		if !ok {
			return nil, errNoSuchPeer
		}
		return s, nil
	}
}

var errNoSuchPeer = &dialErr{"connmanager test: no stream scripted for peer"}

type dialErr struct{ msg string }

func (e *dialErr) Error() string { return e.msg }

func readyStream(block []byte) *peerconn.ScriptedStream {
	return &peerconn.ScriptedStream{
		HandshakeInfoHash: testInfoHash,
		RemotePeerID:      [sha1.Size]byte{9},
		Inbound: []*protocol.Message{
			protocol.MessageBitfield([]byte{0xFF}),
			protocol.MessageUnchoke(),
			protocol.MessagePiece(0, 0, block),
		},
	}
}

func TestManager_DialReportsPeerPiecesAndDownloads(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:6001")
	block := make([]byte, 4)
	copy(block, "abcd")

	streams := map[netip.AddrPort]*peerconn.ScriptedStream{addr: readyStream(block)}

	events := make(chan scheduler.Event, 16)
	assignments := make(chan scheduler.Assignment, 1)

	cfg := DefaultConfig()
	m := New([]netip.AddrPort{addr}, testInfoHash, testPeerID, 1, cfg, scriptedDialer(streams), events, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, assignments)
		close(done)
	}()

	if ev := mustRecv(t, events); ev.(scheduler.PeerPieces).Peer != addr {
		t.Fatalf("expected PeerPieces for %v, got %+v", addr, ev)
	}
	if ev := mustRecv(t, events); ev.(scheduler.FinishedEstablishingConnections).Count != 1 {
		t.Fatalf("expected FinishedEstablishingConnections{1}, got %+v", ev)
	}

	assignments <- scheduler.Assignment{Peer: addr, Index: 0, Length: 4}

	ev := mustRecv(t, events)
	pb, ok := ev.(scheduler.PieceBytes)
	if !ok || pb.Index != 0 || string(pb.Data) != "abcd" {
		t.Fatalf("expected PieceBytes{0,abcd}, got %+v", ev)
	}

	cancel()
	<-done
}

func TestManager_UnreachablePeerNeverReported(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:6002")
	streams := map[netip.AddrPort]*peerconn.ScriptedStream{}

	events := make(chan scheduler.Event, 16)
	assignments := make(chan scheduler.Assignment, 1)

	cfg := DefaultConfig()
	m := New([]netip.AddrPort{addr}, testInfoHash, testPeerID, 1, cfg, scriptedDialer(streams), events, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, assignments)
		close(done)
	}()

	ev := mustRecv(t, events)
	fec, ok := ev.(scheduler.FinishedEstablishingConnections)
	if !ok || fec.Count != 1 {
		t.Fatalf("expected only FinishedEstablishingConnections, got %+v", ev)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event for a peer that never opened: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestManager_DownloadFailureReportsFailedConnection(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:6003")
	stream := &peerconn.ScriptedStream{
		HandshakeInfoHash: testInfoHash,
		RemotePeerID:      [sha1.Size]byte{9},
		Inbound: []*protocol.Message{
			protocol.MessageBitfield([]byte{0xFF}),
			protocol.MessageUnchoke(),
			// No Piece reply follows the Request: WaitForMessage will
			// return the scripted-exhausted error, making DownloadPiece
			// fail as it would against a peer that went silent.
		},
	}
	streams := map[netip.AddrPort]*peerconn.ScriptedStream{addr: stream}

	events := make(chan scheduler.Event, 16)
	assignments := make(chan scheduler.Assignment, 1)

	cfg := DefaultConfig()
	m := New([]netip.AddrPort{addr}, testInfoHash, testPeerID, 1, cfg, scriptedDialer(streams), events, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, assignments)
		close(done)
	}()

	mustRecv(t, events)                  // PeerPieces
	mustRecv(t, events)                  // FinishedEstablishingConnections
	assignments <- scheduler.Assignment{Peer: addr, Index: 0, Length: 4}

	ev := mustRecv(t, events)
	if _, ok := ev.(scheduler.FailedConnection); !ok {
		t.Fatalf("expected FailedConnection, got %+v", ev)
	}

	cancel()
	<-done
}

func mustRecv(t *testing.T, ch <-chan scheduler.Event) scheduler.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
