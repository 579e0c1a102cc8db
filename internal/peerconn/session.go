// Package peerconn implements the per-peer wire protocol state machine.
//
// One Session is created per peer assignment. It owns a duplex Stream,
// performs the handshake, tracks the four protocol flags, and downloads
// pieces block by block on request. A Session never decides which piece to
// fetch next — that is the Scheduler's job, relayed through the
// ConnectionManager.
package peerconn

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/arvindh/leech/internal/bitfield"
	"github.com/arvindh/leech/internal/pieceutil"
	"github.com/arvindh/leech/internal/protocol"
)

// BlockSize is the standard BitTorrent block size requested per Request
// message.
const BlockSize = 16 * 1024

// State enumerates the lifecycle of a Session.
type State int

const (
	StateDialing State = iota
	StateHandshaking
	StateExchanging
	StateDownloading
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateExchanging:
		return "exchanging"
	case StateDownloading:
		return "downloading"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady           = errors.New("peerconn: session is not ready to download")
	ErrUnexpectedMessage  = errors.New("peerconn: unexpected message while waiting for readiness")
	ErrMalformedPiece     = errors.New("peerconn: malformed piece message")
	ErrPieceIndexMismatch = errors.New("peerconn: piece message carries unexpected index")
	ErrPieceOffsetInvalid = errors.New("peerconn: piece message carries out-of-range offset")
	ErrShortPieceData     = errors.New("peerconn: assembled piece is shorter than expected")
	ErrPeerChoking        = errors.New("peerconn: peer is choking, cannot request blocks")
)

// Config bounds the timeouts a Session enforces on its Stream.
type Config struct {
	ReadTimeout time.Duration
}

// DefaultConfig sets a 2-minute block-read budget, generous enough for a slow peer without hanging forever.
func DefaultConfig() Config {
	return Config{ReadTimeout: 2 * time.Minute}
}

// Session drives a single peer connection through handshake, readiness, and
// piece downloads.
type Session struct {
	addr   netip.AddrPort
	stream Stream
	cfg    Config

	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte

	state State

	peerBitfield bitfield.Bitfield
	numPieces    int

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
}

// New constructs a Session bound to stream. numPieces sizes the peer
// bitfield the session will build from a Bitfield message.
func New(addr netip.AddrPort, stream Stream, infoHash, peerID [sha1.Size]byte, numPieces int, cfg Config) *Session {
	return &Session{
		addr:        addr,
		stream:      stream,
		cfg:         cfg,
		infoHash:    infoHash,
		peerID:      peerID,
		numPieces:   numPieces,
		state:       StateDialing,
		amChoking:   true,
		peerChoking: true,
	}
}

// Addr returns the peer's network address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Open performs the handshake, announces interest, and waits for the peer
// to unchoke us, absorbing any Bitfield/Have messages observed meanwhile.
// It returns the peer's claimed bitfield once the session is ready to
// download, or an error if the handshake or readiness wait fails.
func (s *Session) Open() (bitfield.Bitfield, error) {
	s.state = StateHandshaking

	remoteID, err := s.stream.Handshake(s.infoHash, s.peerID)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("peerconn: handshake: %w", err)
	}
	s.peerID = remoteID

	s.state = StateExchanging

	if err := s.stream.SendMessage(protocol.MessageUnchoke()); err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("peerconn: send unchoke: %w", err)
	}
	s.amChoking = false

	if err := s.stream.SendMessage(protocol.MessageInterested()); err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("peerconn: send interested: %w", err)
	}
	s.amInterested = true

	s.peerBitfield = bitfield.New(s.numPieces)

	for !s.ready() {
		m, err := s.stream.WaitForMessage(s.cfg.ReadTimeout)
		if err != nil {
			s.state = StateFailed
			return nil, fmt.Errorf("peerconn: wait for message: %w", err)
		}

		if err := s.handleControlMessage(m); err != nil {
			s.state = StateFailed
			return nil, err
		}
	}

	s.state = StateDownloading
	return s.peerBitfield, nil
}

func (s *Session) ready() bool {
	return !s.peerChoking
}

func (s *Session) handleControlMessage(m *protocol.Message) error {
	if protocol.IsKeepAlive(m) {
		return nil
	}

	switch m.ID {
	case protocol.Choke:
		s.peerChoking = true
	case protocol.Unchoke:
		s.peerChoking = false
	case protocol.Interested:
		s.peerInterested = true
	case protocol.NotInterested:
		s.peerInterested = false
	case protocol.Bitfield:
		s.peerBitfield = bitfield.FromBytes(m.Payload)
	case protocol.Have:
		idx, ok := m.ParseHave()
		if !ok {
			return fmt.Errorf("peerconn: %w: have", ErrMalformedPiece)
		}
		if s.peerBitfield == nil {
			s.peerBitfield = bitfield.New(s.numPieces)
		}
		s.peerBitfield.Set(int(idx))
	case protocol.Port:
		// Port announces a DHT listen port; rabbit runs no DHT node and
		// simply acknowledges the message by ignoring its payload.
	case protocol.Request, protocol.Cancel:
		// Upload path is out of scope; requests from the peer are ignored.
	default:
		return fmt.Errorf("%w: id=%d", ErrUnexpectedMessage, m.ID)
	}

	return nil
}

// DownloadPiece requests pieceLength bytes of piece index from the peer,
// BlockSize bytes at a time, validates each Piece reply's header, and
// returns the assembled piece. It performs no cryptographic validation;
// that is the Verifier's responsibility.
func (s *Session) DownloadPiece(index int, pieceLength int32) ([]byte, error) {
	if s.peerChoking {
		return nil, ErrPeerChoking
	}

	numBlocks := pieceutil.BlocksInPiece(pieceLength)
	data := make([]byte, pieceLength)

	for blockIdx := 0; blockIdx < numBlocks; blockIdx++ {
		begin, length, err := pieceutil.BlockBounds(pieceLength, blockIdx)
		if err != nil {
			return nil, fmt.Errorf("peerconn: block bounds: %w", err)
		}

		req := protocol.MessageRequest(uint32(index), uint32(begin), uint32(length))
		if err := s.stream.SendMessage(req); err != nil {
			return nil, fmt.Errorf("peerconn: send request: %w", err)
		}

		block, err := s.awaitBlock(index, begin, length)
		if err != nil {
			return nil, err
		}

		copy(data[begin:begin+length], block)
	}

	return data, nil
}

// awaitBlock reads messages until the expected Piece reply arrives,
// absorbing interleaved control messages (Choke/Unchoke/Have/Bitfield) the
// peer may send between our request and its reply.
func (s *Session) awaitBlock(wantIndex int, wantBegin, wantLength int32) ([]byte, error) {
	for {
		m, err := s.stream.WaitForMessage(s.cfg.ReadTimeout)
		if err != nil {
			return nil, fmt.Errorf("peerconn: wait for piece: %w", err)
		}

		if protocol.IsKeepAlive(m) {
			continue
		}

		if m.ID != protocol.Piece {
			if err := s.handleControlMessage(m); err != nil {
				return nil, err
			}
			continue
		}

		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return nil, ErrMalformedPiece
		}
		if int(idx) != wantIndex {
			return nil, ErrPieceIndexMismatch
		}
		if int32(begin) != wantBegin {
			return nil, ErrPieceOffsetInvalid
		}
		if int32(len(block)) != wantLength {
			return nil, ErrShortPieceData
		}

		return block, nil
	}
}

// Close idempotently tears down the underlying stream.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.stream.Close()
}
