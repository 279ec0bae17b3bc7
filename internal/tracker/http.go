package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// HTTPAnnouncer speaks the original HTTP announce protocol: query
// parameters in, bencoded dictionary with compact peers out.
type HTTPAnnouncer struct {
	client *http.Client
}

func NewHTTPAnnouncer(client *http.Client) *HTTPAnnouncer {
	return &HTTPAnnouncer{client: client}
}

type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return AnnounceResponse{}, err
	}

	query := u.Query()
	query.Set("info_hash", string(req.InfoHash[:]))
	query.Set("peer_id", string(req.PeerID[:]))
	query.Set("port", strconv.Itoa(int(req.Port)))
	query.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Set("left", strconv.FormatInt(req.Left, 10))
	query.Set("compact", "1")
	if req.NumWant > 0 {
		query.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if event := req.Event.String(); event != "" {
		query.Set("event", event)
	}
	u.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResponse{}, err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", ErrTrackerFailure, resp.Status)
	}

	var body httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &body); err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if body.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", ErrTrackerFailure, body.FailureReason)
	}

	peers, err := parseCompactPeers([]byte(body.Peers))
	if err != nil {
		return AnnounceResponse{}, err
	}
	return AnnounceResponse{
		Interval: time.Duration(body.Interval) * time.Second,
		Peers:    peers,
	}, nil
}
