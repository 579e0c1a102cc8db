// Package manager is the composition root that wires a Scheduler, a
// Verifier, a ConnectionManager, and a progress sink into one supervised
// download run.
package manager

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvindh/leech/internal/config"
	"github.com/arvindh/leech/internal/connmanager"
	"github.com/arvindh/leech/internal/meta"
	"github.com/arvindh/leech/internal/progress"
	"github.com/arvindh/leech/internal/scheduler"
	"github.com/arvindh/leech/internal/tracker"
	"github.com/arvindh/leech/internal/verifier"
	"github.com/arvindh/leech/pkg/retry"
)

// ErrTrackerUnreachable wraps a failure of the initial announce, letting
// callers distinguish "couldn't reach the tracker" from every other failure
// mode this package can return.
var ErrTrackerUnreachable = errors.New("tracker unreachable")

// maxReannounces bounds how many times a fatal stall is allowed to send
// the Manager back to the tracker before it gives up for good. The
// cadence and decision to re-ask at all is the CLI's (config.Config's)
// call, per ReannounceOnExhaustion; this only bounds the worst case so a
// tracker that always returns zero peers can't loop forever.
const maxReannounces = 3

// eventBuffer sizes the Scheduler's inbound channel generously. The
// Verifier's own inbound channel (toVerify) is intentionally small and
// bounded to cap memory held by in-flight pieces, but a worker reporting
// back to the Scheduler must never be made to wait behind the Scheduler's
// own attempt to push a VerifyJob into that same small channel — that
// pairing is a circular wait. Sizing the event channel well above the
// verify bound breaks the cycle.
const eventBuffer = 1024

// Manager runs a single torrent download end to end.
type Manager struct {
	cfg   config.Config
	info  *meta.Metainfo
	track *tracker.Client
	sink  *progress.Sink
	log   *slog.Logger

	peerID [sha1.Size]byte
}

// New constructs a Manager for the parsed torrent info, announcing via
// track and identifying this client with peerID.
func New(cfg config.Config, info *meta.Metainfo, track *tracker.Client, peerID [sha1.Size]byte, sink *progress.Sink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, info: info, track: track, sink: sink, log: log.With("component", "manager"), peerID: peerID}
}

// Run announces to the tracker, opens peer connections, and drives the
// download to completion. It returns scheduler.OutcomeAllDone on success,
// scheduler.OutcomeFatalStall if the swarm can no longer make progress, or
// an error if a component failed irrecoverably (e.g. a persistence
// failure).
func (m *Manager) Run(ctx context.Context) (scheduler.Outcome, error) {
	numPieces := m.info.NumPieces()
	pieceLength := int32(m.info.Info.PieceLength)
	totalLength := m.info.Info.Length

	if m.sink != nil {
		m.sink.Send(progress.Metadata{Info: m.info})
	}

	resp, err := m.track.Announce(ctx, tracker.AnnounceParams{
		InfoHash: m.info.InfoHash,
		PeerID:   m.peerID,
		Port:     m.cfg.ListenPort,
		Left:     uint64(totalLength),
		NumWant:  m.cfg.NumWant,
		Event:    tracker.EventStarted,
	})
	if err != nil {
		return scheduler.OutcomeNone, fmt.Errorf("manager: initial announce: %w: %w", ErrTrackerUnreachable, err)
	}
	if m.sink != nil {
		m.sink.Send(progress.InitialPeerCount{N: len(resp.Peers)})
	}

	toAssign := make(chan scheduler.Assignment, m.cfg.MaxPeers+1)
	toVerify := make(chan scheduler.VerifyJob, verifier.DefaultConfig().Workers)
	events := make(chan scheduler.Event, eventBuffer)

	sched := scheduler.New(numPieces, pieceLength, totalLength, toAssign, toVerify)

	v, err := verifier.Open(m.cfg.DownloadDir, m.info.Info.Name, m.info.Info.Pieces, pieceLength, totalLength, verifier.DefaultConfig(), m.log, m.sink)
	if err != nil {
		return scheduler.OutcomeNone, fmt.Errorf("manager: open verifier: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	vg, vctx := errgroup.WithContext(runCtx)
	vg.Go(func() error {
		return v.Run(vctx, toVerify, events)
	})

	outcome := m.driveWaves(vctx, sched, numPieces, events, toAssign, capPeers(resp.Peers, m.cfg.MaxPeers))

	cancel()
	verifyErr := vg.Wait()

	if m.sink != nil {
		m.sink.Send(progress.FinalStatus{OK: outcome == scheduler.OutcomeAllDone})
	}

	if verifyErr != nil {
		return outcome, fmt.Errorf("manager: %w", verifyErr)
	}
	return outcome, nil
}

// driveWaves runs the Scheduler through one or more connection waves. A
// wave ends when the Scheduler reaches a terminal outcome; a fatal stall
// re-announces to the tracker and starts a fresh wave with whatever new
// peers it returns, up to maxReannounces times, as long as the config
// allows it.
func (m *Manager) driveWaves(ctx context.Context, sched *scheduler.Scheduler, numPieces int, events chan scheduler.Event, toAssign chan scheduler.Assignment, peers []netip.AddrPort) scheduler.Outcome {
	cmCfg := connmanager.DefaultConfig()
	cmCfg.DialTimeout = m.cfg.DialTimeout
	cmCfg.HandshakeTimeout = m.cfg.HandshakeTimeout
	cmCfg.Session.ReadTimeout = m.cfg.ReadTimeout

	for attempt := 0; ; attempt++ {
		waveCtx, waveCancel := context.WithCancel(ctx)
		cm := connmanager.New(peers, m.info.InfoHash, m.peerID, numPieces, cmCfg, nil, events, m.sink, m.log)

		cg, cgctx := errgroup.WithContext(waveCtx)
		cg.Go(func() error {
			return cm.Run(cgctx, toAssign)
		})

		outcome := sched.Run(waveCtx, events)
		waveCancel()
		_ = cg.Wait()

		if outcome != scheduler.OutcomeFatalStall {
			return outcome
		}
		if !m.cfg.ReannounceOnExhaustion || attempt >= maxReannounces || ctx.Err() != nil {
			return outcome
		}

		next, err := m.reannounce(ctx)
		if err != nil {
			m.log.Warn("reannounce failed, giving up", "err", err)
			return outcome
		}
		if len(next) == 0 {
			return outcome
		}

		sched.Handle(scheduler.ReaskedTracker{})
		peers = capPeers(next, m.cfg.MaxPeers)
	}
}

// reannounce retries the tracker announce with backoff, since a tracker
// that is momentarily unreachable should not be treated the same as one
// that genuinely has no more peers to offer.
func (m *Manager) reannounce(ctx context.Context) ([]netip.AddrPort, error) {
	var resp *tracker.Response
	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := m.track.Announce(ctx, tracker.AnnounceParams{
			InfoHash: m.info.InfoHash,
			PeerID:   m.peerID,
			Port:     m.cfg.ListenPort,
			Left:     uint64(m.info.Info.Length),
			NumWant:  m.cfg.NumWant,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Second), retry.WithMaxDelay(10*time.Second))
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func capPeers(peers []netip.AddrPort, max int) []netip.AddrPort {
	if max <= 0 || len(peers) <= max {
		return peers
	}
	return peers[:max]
}
