// Command leech downloads a single-file torrent to disk from the command
// line, reporting progress on stdout.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/arvindh/leech/internal/config"
	"github.com/arvindh/leech/internal/logging"
	"github.com/arvindh/leech/internal/manager"
	"github.com/arvindh/leech/internal/meta"
	"github.com/arvindh/leech/internal/progress"
	"github.com/arvindh/leech/internal/scheduler"
	"github.com/arvindh/leech/internal/tracker"
)

// Exit codes follow the taxonomy: 0 success, 1 bad input/config, 2 tracker
// failure, 3 fatal stall or a system-fatal error surfaced mid-run.
const (
	exitOK          = 0
	exitBadInput    = 1
	exitTrackerFail = 2
	exitRunFailed   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	downloadDir := flag.String("dir", "", "download destination directory (default: platform download dir)")
	listenPort := flag.Uint("port", 0, "TCP port advertised to the tracker (default: config default)")
	flag.Parse()

	log := setupLogger()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: leech <torrent-file>")
		return exitBadInput
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Error("cannot open torrent file", "err", err)
		return exitBadInput
	}
	defer f.Close()

	info, err := meta.Parse(f)
	if err != nil {
		log.Error("cannot parse torrent file", "err", err)
		return exitBadInput
	}

	cfg := config.Default()
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}
	if *listenPort != 0 {
		cfg.ListenPort = uint16(*listenPort)
	}

	track, err := tracker.New(info.Announce)
	if err != nil {
		log.Error("cannot build tracker client", "err", err)
		return exitBadInput
	}

	peerID, err := generatePeerID(cfg.ClientIDPrefix)
	if err != nil {
		log.Error("cannot generate peer id", "err", err)
		return exitBadInput
	}

	runID := uuid.New()
	log = log.With("run", runID.String(), "torrent", info.Info.Name)

	sink := progress.NewSink(64)
	renderDone := make(chan struct{})
	go func() {
		progress.Render(sink, info.NumPieces(), os.Stdout, log)
		close(renderDone)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := manager.New(cfg, info, track, peerID, sink, log)

	outcome, err := mgr.Run(ctx)
	sink.Close()
	<-renderDone

	if err != nil {
		log.Error("download ended in error", "err", err)
		if errors.Is(err, manager.ErrTrackerUnreachable) {
			return exitTrackerFail
		}
		return exitRunFailed
	}

	switch outcome {
	case scheduler.OutcomeAllDone:
		log.Info("download complete")
		return exitOK
	case scheduler.OutcomeFatalStall:
		log.Error("download stalled: no peers hold the remaining pieces")
		return exitRunFailed
	default:
		log.Warn("download interrupted")
		return exitRunFailed
	}
}

func setupLogger() *slog.Logger {
	opts := logging.DefaultOptions()
	h := logging.NewPrettyHandler(os.Stderr, &opts)
	return slog.New(h)
}

// generatePeerID seeds a 20-byte peer id with prefix, padding the
// remainder with random bytes, truncating the prefix if it is too long.
func generatePeerID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}
