// Package verifier checks downloaded piece bytes against their SHA-1
// digest and persists the good ones to disk. It is deliberately a worker
// separate from the peer sessions and the scheduler: hashing is CPU-bound
// and disk I/O can stall, and neither should hold up protocol message
// handling.
package verifier

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/arvindh/leech/internal/logging"
	"github.com/arvindh/leech/internal/progress"
	"github.com/arvindh/leech/internal/scheduler"
)

// Config bounds the verifier's resource use.
type Config struct {
	// Workers is how many goroutines concurrently hash and write pieces.
	// os.File.WriteAt is safe for concurrent use at distinct offsets, so
	// a small pool is safe even though every worker shares one *os.File.
	Workers int
}

// DefaultConfig sets a conservative in-flight bound for the
// channel feeding this package.
func DefaultConfig() Config { return Config{Workers: 4} }

// Verifier hashes and persists pieces. It holds the one file handle the
// whole download writes through.
type Verifier struct {
	cfg Config
	log *slog.Logger

	file        *os.File
	hashes      [][sha1.Size]byte
	pieceLength int32
	totalLength int64

	progress progress.Sender
}

// Open creates (or reuses) the destination file at downloadDir/name,
// pre-sized to totalLength, and returns a Verifier ready to run.
func Open(downloadDir, name string, hashes [][sha1.Size]byte, pieceLength int32, totalLength int64, cfg Config, log *slog.Logger, sink progress.Sender) (*Verifier, error) {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "verifier")

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("verifier: create download dir: %w", err)
	}

	path := filepath.Join(downloadDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("verifier: open %s: %w", path, err)
	}
	if err := f.Truncate(totalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("verifier: truncate %s: %w", path, err)
	}

	return &Verifier{
		cfg:         cfg,
		log:         log,
		file:        f,
		hashes:      hashes,
		pieceLength: pieceLength,
		totalLength: totalLength,
		progress:    sink,
	}, nil
}

// Run starts cfg.Workers goroutines draining in and posting outcomes to
// out (the scheduler's inbound event channel) until in is closed or ctx
// is canceled. A write failure is system-fatal and is returned from Run,
// since a write failure means the download can no longer make progress safely.
func (v *Verifier) Run(ctx context.Context, in <-chan scheduler.VerifyJob, out chan<- scheduler.Event) error {
	defer v.file.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < v.cfg.Workers; i++ {
		g.Go(func() error { return v.worker(gctx, in, out) })
	}
	return g.Wait()
}

func (v *Verifier) worker(ctx context.Context, in <-chan scheduler.VerifyJob, out chan<- scheduler.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-in:
			if !ok {
				return nil
			}
			if err := v.handle(ctx, job, out); err != nil {
				return err
			}
		}
	}
}

func (v *Verifier) handle(ctx context.Context, job scheduler.VerifyJob, out chan<- scheduler.Event) error {
	sum := sha1.Sum(job.Data)
	if job.Index < 0 || job.Index >= len(v.hashes) || sum != v.hashes[job.Index] {
		v.log.Warn("piece hash mismatch, discarding", logging.PieceAttr(job.Index), logging.PeerAttr(job.Peer))
		return sendEvent(ctx, out, scheduler.FailedDownload{Peer: job.Peer, Index: job.Index})
	}

	offset := int64(job.Index) * int64(v.pieceLength)
	if _, err := v.file.WriteAt(job.Data, offset); err != nil {
		return fmt.Errorf("verifier: write piece %d: %w", job.Index, err)
	}

	if v.progress != nil {
		v.progress.Send(progress.DownloadedPiece{Index: job.Index})
	}

	return sendEvent(ctx, out, scheduler.SuccessfulDownload{Peer: job.Peer, Index: job.Index})
}

func sendEvent(ctx context.Context, out chan<- scheduler.Event, ev scheduler.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return nil
	}
}
