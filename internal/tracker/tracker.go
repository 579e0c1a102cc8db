// Package tracker implements an HTTP(S) BitTorrent tracker client.
//
// UDP trackers, DHT, and peer-exchange are out of scope; a candidate peer
// list is obtained exclusively via HTTP(S) announce requests.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"net/netip"
	"net/url"
	"time"
)

// Event signals lifecycle transitions to the tracker.
type Event uint32

const (
	// EventNone is used for regular periodic announces.
	EventNone Event = iota

	// EventStarted signals the first announce after starting download.
	EventStarted

	// EventStopped signals graceful shutdown.
	EventStopped

	// EventCompleted signals download completion.
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams contains all information needed for a tracker announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Event      Event
	TrackerID  string
}

// Response is the candidate peer list and swarm statistics from a tracker.
type Response struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int64
	Incomplete  int64
	Peers       []netip.AddrPort
}

const (
	strideV4 = 6
	strideV6 = 18
)

// Client announces to a single tracker endpoint over HTTP(S).
type Client struct {
	http *httpTracker
}

// New builds a tracker Client from the primary announce URL found in the
// torrent's metainfo. Non-HTTP(S) schemes are rejected.
func New(announce string) (*Client, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, errors.New("tracker: unsupported scheme " + u.Scheme + " (only http/https are supported)")
	}

	return &Client{http: newHTTPTracker(u)}, nil
}

// Announce performs a single announce request and returns the candidate
// peer list.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*Response, error) {
	return c.http.Announce(ctx, params)
}
