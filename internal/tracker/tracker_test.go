package tracker

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_RejectsNonHTTPScheme(t *testing.T) {
	if _, err := New("udp://tracker.example.com:80/announce"); err == nil {
		t.Fatalf("expected error for udp scheme")
	}
}

func TestNew_AcceptsHTTP(t *testing.T) {
	if _, err := New("http://tracker.example.com/announce"); err != nil {
		t.Fatalf("New() error: %v", err)
	}
}

func TestAnnounce_ParsesCompactPeers(t *testing.T) {
	body := "d8:intervali1800e5:peers12:" +
		string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 127, 0, 0, 2, 0x1A, 0xE2}) +
		"e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	resp, err := c.Announce(context.Background(), AnnounceParams{
		InfoHash: [sha1.Size]byte{1, 2, 3},
		PeerID:   [sha1.Size]byte{4, 5, 6},
		Port:     6881,
		Left:     1000,
	})
	if err != nil {
		t.Fatalf("Announce() error: %v", err)
	}

	if len(resp.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(resp.Peers))
	}
	if resp.Peers[0].Addr().String() != "127.0.0.1" || resp.Peers[0].Port() != 6881 {
		t.Fatalf("peer[0] = %v", resp.Peers[0])
	}
}

func TestAnnounce_FailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = c.Announce(context.Background(), AnnounceParams{})
	if err == nil {
		t.Fatalf("expected error for failure reason")
	}
}

func TestDecodeCompactPeersV4_InvalidLength(t *testing.T) {
	if _, err := decodeCompactPeersV4([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for invalid length")
	}
}
