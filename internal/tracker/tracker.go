// Package tracker announces to HTTP and UDP trackers and merges their peer
// lists. Each tracker is queried independently; one dead tracker never
// blocks discovery.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"goswarm/internal/shared/models"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported tracker scheme")
	ErrTrackerFailure    = errors.New("tracker failure")
	ErrMalformedResponse = errors.New("malformed tracker response")
)

// Event tags an announce. The zero value is the plain periodic announce.
// The constants match the UDP protocol's event codes.
type Event uint32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// String is the HTTP query form of the event; none is omitted entirely.
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceRequest carries everything a tracker wants to know about us:
// identity, listen port, transfer counters and the lifecycle event.
type AnnounceRequest struct {
	URL        string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

type AnnounceResponse struct {
	Interval time.Duration
	Peers    []models.Addr
}

// Announcer is one announce exchange with one tracker. Implementations must
// honor the context deadline.
type Announcer interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
}

// Client dispatches an announce to the protocol implementation matching the
// tracker URL's scheme.
type Client struct {
	http Announcer
	udp  Announcer
}

func NewClient(httpClient *http.Client) *Client {
	return &Client{
		http: NewHTTPAnnouncer(httpClient),
		udp:  NewUDPAnnouncer(),
	}
}

func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.http.Announce(ctx, req)
	case "udp":
		return c.udp.Announce(ctx, req)
	default:
		return AnnounceResponse{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// parseCompactPeers splits the 6-bytes-per-peer form shared by both tracker
// protocols.
func parseCompactPeers(data []byte) ([]models.Addr, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("%w: peer list of %d bytes", ErrMalformedResponse, len(data))
	}
	peers := make([]models.Addr, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		var addr models.Addr
		if err := addr.ReadFromBytes(data[i : i+6]); err != nil {
			return nil, err
		}
		peers = append(peers, addr)
	}
	return peers, nil
}
