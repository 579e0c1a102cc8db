package logging

import (
	"log/slog"
	"net/netip"
)

// PeerAttr formats a peer address as a structured logging attribute, so
// every component that logs about a peer (connmanager, the verifier,
// progress rendering) uses the same key and the same string form.
func PeerAttr(addr netip.AddrPort) slog.Attr {
	return slog.String("peer", addr.String())
}

// PieceAttr formats a piece index consistently across the verifier and
// connmanager.
func PieceAttr(index int) slog.Attr {
	return slog.Int("piece", index)
}
