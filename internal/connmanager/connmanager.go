// Package connmanager owns the set of live peer sessions. It opens one
// PeerSession per candidate peer, fans scheduler assignments out to the
// right session, and translates each session's outcome back into
// scheduler events. It holds no piece-selection logic of its own; the
// Scheduler is the only component that decides what to request.
package connmanager

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvindh/leech/internal/logging"
	"github.com/arvindh/leech/internal/peerconn"
	"github.com/arvindh/leech/internal/progress"
	"github.com/arvindh/leech/internal/scheduler"
	"github.com/arvindh/leech/pkg/syncmap"
)

// Config bounds dial and session behavior.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Session          peerconn.Config
	// AssignmentBuffer is the per-peer inbox depth. At most one assignment
	// is ever outstanding per peer, so 1 is the natural size.
	AssignmentBuffer int
}

// DefaultConfig mirrors internal/config's defaults for peer connections.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Session:          peerconn.DefaultConfig(),
		AssignmentBuffer: 1,
	}
}

// Dialer opens a Stream to a candidate address. Production code dials a
// real TCP socket; tests substitute a constructor that hands back a
// peerconn.ScriptedStream.
type Dialer func(ctx context.Context, addr netip.AddrPort) (peerconn.Stream, error)

// NetDialer is the production Dialer, backed by peerconn.DialStream.
func NetDialer(cfg Config) Dialer {
	return func(ctx context.Context, addr netip.AddrPort) (peerconn.Stream, error) {
		return peerconn.DialStream(ctx, addr.String(), cfg.DialTimeout, cfg.HandshakeTimeout)
	}
}

// handle is everything the manager keeps for one live session.
type handle struct {
	sess        *peerconn.Session
	assignments chan scheduler.Assignment
}

// Manager is a single-instance worker. Run owns its own goroutines and
// returns once ctx is canceled.
type Manager struct {
	candidates []netip.AddrPort
	infoHash   [sha1.Size]byte
	peerID     [sha1.Size]byte
	numPieces  int

	cfg  Config
	dial Dialer

	toScheduler chan<- scheduler.Event
	progress    progress.Sender
	log         *slog.Logger

	handles *syncmap.Map[netip.AddrPort, *handle]
}

// New constructs a Manager that will dial candidates for the torrent
// identified by infoHash, identifying itself as peerID. toScheduler is the
// Scheduler's inbound event channel; sink may be nil.
func New(candidates []netip.AddrPort, infoHash, peerID [sha1.Size]byte, numPieces int, cfg Config, dial Dialer, toScheduler chan<- scheduler.Event, sink progress.Sender, log *slog.Logger) *Manager {
	if cfg.AssignmentBuffer <= 0 {
		cfg.AssignmentBuffer = 1
	}
	if dial == nil {
		dial = NetDialer(cfg)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		candidates:  candidates,
		infoHash:    infoHash,
		peerID:      peerID,
		numPieces:   numPieces,
		cfg:         cfg,
		dial:        dial,
		toScheduler: toScheduler,
		progress:    sink,
		log:         log.With("component", "connmanager"),
		handles:     syncmap.New[netip.AddrPort, *handle](),
	}
}

// Run dials every candidate concurrently, reports each peer that completes
// its handshake to the Scheduler and progress sink, then serves assignments
// from fromScheduler until ctx is canceled; it keeps running after every
// session has exited. It never returns an error of its own: a peer-level
// failure is reported as a scheduler.FailedConnection event, not propagated up, since one bad peer
// must never take down the download.
func (m *Manager) Run(ctx context.Context, fromScheduler <-chan scheduler.Assignment) error {
	opened := m.dialAll(ctx)

	m.toScheduler <- scheduler.FinishedEstablishingConnections{Count: len(m.candidates)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.route(gctx, fromScheduler)
		return nil
	})

	for _, addr := range opened {
		addr := addr
		g.Go(func() error {
			h, ok := m.handles.Get(addr)
			if !ok {
				return nil
			}
			m.consume(gctx, addr, h)
			return nil
		})
	}

	<-gctx.Done()
	g.Wait()
	return nil
}

// dialAll attempts to open every candidate concurrently and returns the
// addresses that completed handshake and are ready to download from. A
// candidate that fails to dial or complete its handshake is never
// reported to the scheduler at all: it holds no pieces we know about, so
// there is nothing to revert.
func (m *Manager) dialAll(ctx context.Context) []netip.AddrPort {
	results := make(chan netip.AddrPort, len(m.candidates))

	var wg sync.WaitGroup
	for _, addr := range m.candidates {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.dialOne(ctx, addr) {
				results <- addr
			}
		}()
	}
	wg.Wait()
	close(results)

	opened := make([]netip.AddrPort, 0, len(m.candidates))
	for addr := range results {
		opened = append(opened, addr)
	}
	return opened
}

func (m *Manager) dialOne(ctx context.Context, addr netip.AddrPort) bool {
	stream, err := m.dial(ctx, addr)
	if err != nil {
		m.log.Debug("dial failed", logging.PeerAttr(addr), "err", err)
		return false
	}

	sess := peerconn.New(addr, stream, m.infoHash, m.peerID, m.numPieces, m.cfg.Session)
	bf, err := sess.Open()
	if err != nil {
		m.log.Debug("open failed", logging.PeerAttr(addr), "err", err)
		_ = sess.Close()
		return false
	}

	m.handles.Put(addr, &handle{
		sess:        sess,
		assignments: make(chan scheduler.Assignment, m.cfg.AssignmentBuffer),
	})

	m.toScheduler <- scheduler.PeerPieces{Peer: addr, Bitfield: bf}
	if m.progress != nil {
		m.progress.Send(progress.NewConnection{Addr: addr})
	}
	return true
}

// route dispatches scheduler assignments to the named peer's inbox. An
// assignment for a peer with no live handle (the session died after the
// scheduler issued the order) is silently dropped; the scheduler will see
// the matching FailedConnection and reassign.
func (m *Manager) route(ctx context.Context, fromScheduler <-chan scheduler.Assignment) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-fromScheduler:
			if !ok {
				return
			}
			h, ok := m.handles.Get(a.Peer)
			if !ok {
				continue
			}
			select {
			case h.assignments <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}

// consume serves one peer's assignment inbox for the lifetime of its
// session, downloading each assigned piece in turn and reporting the
// outcome. Any error from DownloadPiece is treated as session-fatal: the
// session's blocking read/write protocol gives no finer-grained way to
// distinguish a transient hiccup from a dead peer, and treating either
// case as fatal is an acceptable simplification.
func (m *Manager) consume(ctx context.Context, addr netip.AddrPort, h *handle) {
	defer func() {
		_ = h.sess.Close()
		m.handles.Delete(addr)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-h.assignments:
			if !ok {
				return
			}
			data, err := h.sess.DownloadPiece(a.Index, a.Length)
			if err != nil {
				m.log.Debug("download failed, closing session", logging.PeerAttr(addr), logging.PieceAttr(a.Index), "err", err)
				m.send(ctx, scheduler.FailedConnection{Peer: addr})
				return
			}
			m.send(ctx, scheduler.PieceBytes{Peer: addr, Index: a.Index, Data: data})
		}
	}
}

func (m *Manager) send(ctx context.Context, ev scheduler.Event) {
	select {
	case m.toScheduler <- ev:
	case <-ctx.Done():
	}
}
