package manager

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arvindh/leech/internal/config"
	"github.com/arvindh/leech/internal/meta"
	"github.com/arvindh/leech/internal/scheduler"
	"github.com/arvindh/leech/internal/tracker"
)

func testMetainfo() *meta.Metainfo {
	return &meta.Metainfo{
		Info: meta.Info{
			Name:        "testfile",
			PieceLength: 4,
			Length:      4,
			Pieces:      [][sha1.Size]byte{sha1.Sum([]byte("abcd"))},
		},
		Announce: "http://unused.example/announce",
		InfoHash: [sha1.Size]byte{7},
	}
}

func TestManager_NoPeersStallsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	track, err := tracker.New(srv.URL)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.MaxPeers = 5

	m := New(cfg, testMetainfo(), track, [sha1.Size]byte{8}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if outcome != scheduler.OutcomeFatalStall {
		t.Fatalf("outcome = %v, want %v", outcome, scheduler.OutcomeFatalStall)
	}
}

func TestManager_AnnounceFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	track, err := tracker.New(srv.URL)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()

	m := New(cfg, testMetainfo(), track, [sha1.Size]byte{8}, nil, nil)

	_, err = m.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error from failed announce")
	}
}
