package tracker

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goswarm/internal/shared/models"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{
		Transport: RoundTripFunc(fn),
	}
}

func compactPeers(addrs ...models.Addr) string {
	var buf bytes.Buffer
	for _, a := range addrs {
		buf.Write(a.IP.To4())
		buf.WriteByte(byte(a.Port >> 8))
		buf.WriteByte(byte(a.Port))
	}
	return buf.String()
}

func bencoded(t *testing.T, resp httpAnnounceResponse) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, resp))
	return io.NopCloser(&buf)
}

func TestHTTPAnnounce(t *testing.T) {
	infoHash := [20]byte{1, 2, 3, 4}
	peerID := [20]byte{9, 8, 7}

	var tests = []struct {
		name   string
		req    AnnounceRequest
		setup  func(t *testing.T) *HTTPAnnouncer
		assert func(t *testing.T, actual AnnounceResponse, err error)
	}{
		{
			name: "announce with success",
			req: AnnounceRequest{
				URL:        "http://tracker.example.com/announce",
				InfoHash:   infoHash,
				PeerID:     peerID,
				Port:       6881,
				Uploaded:   10,
				Downloaded: 20,
				Left:       70,
				Event:      EventStarted,
			},
			setup: func(t *testing.T) *HTTPAnnouncer {
				return NewHTTPAnnouncer(NewTestClient(func(req *http.Request) *http.Response {
					q := req.URL.Query()
					assert.Equal(t, string(infoHash[:]), q.Get("info_hash"))
					assert.Equal(t, string(peerID[:]), q.Get("peer_id"))
					assert.Equal(t, "6881", q.Get("port"))
					assert.Equal(t, "10", q.Get("uploaded"))
					assert.Equal(t, "20", q.Get("downloaded"))
					assert.Equal(t, "70", q.Get("left"))
					assert.Equal(t, "1", q.Get("compact"))
					assert.Equal(t, "started", q.Get("event"))
					return &http.Response{
						StatusCode: http.StatusOK,
						Body: bencoded(t, httpAnnounceResponse{
							Interval: 60,
							Peers: compactPeers(
								models.Addr{IP: net.IPv4(192, 168, 100, 100), Port: 6889},
								models.Addr{IP: net.IPv4(10, 0, 0, 7), Port: 51413},
							),
						}),
					}
				}))
			},
			assert: func(t *testing.T, actual AnnounceResponse, err error) {
				require.NoError(t, err)
				assert.Equal(t, time.Minute, actual.Interval)
				require.Len(t, actual.Peers, 2)
				assert.Equal(t, "192.168.100.100:6889", actual.Peers[0].String())
				assert.Equal(t, "10.0.0.7:51413", actual.Peers[1].String())
			},
		},
		{
			name: "periodic announce omits the event parameter",
			req: AnnounceRequest{
				URL:      "http://tracker.example.com/announce",
				InfoHash: infoHash,
				PeerID:   peerID,
			},
			setup: func(t *testing.T) *HTTPAnnouncer {
				return NewHTTPAnnouncer(NewTestClient(func(req *http.Request) *http.Response {
					_, present := req.URL.Query()["event"]
					assert.False(t, present)
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencoded(t, httpAnnounceResponse{Interval: 60}),
					}
				}))
			},
			assert: func(t *testing.T, actual AnnounceResponse, err error) {
				require.NoError(t, err)
				assert.Empty(t, actual.Peers)
			},
		},
		{
			name: "tracker-level failure reason",
			req:  AnnounceRequest{URL: "http://tracker.example.com/announce"},
			setup: func(t *testing.T) *HTTPAnnouncer {
				return NewHTTPAnnouncer(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencoded(t, httpAnnounceResponse{FailureReason: "unregistered torrent"}),
					}
				}))
			},
			assert: func(t *testing.T, actual AnnounceResponse, err error) {
				require.ErrorIs(t, err, ErrTrackerFailure)
				assert.Contains(t, err.Error(), "unregistered torrent")
			},
		},
		{
			name: "http error status",
			req:  AnnounceRequest{URL: "http://tracker.example.com/announce"},
			setup: func(t *testing.T) *HTTPAnnouncer {
				return NewHTTPAnnouncer(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusServiceUnavailable,
						Status:     "503 Service Unavailable",
						Body:       io.NopCloser(bytes.NewReader(nil)),
					}
				}))
			},
			assert: func(t *testing.T, actual AnnounceResponse, err error) {
				require.ErrorIs(t, err, ErrTrackerFailure)
			},
		},
		{
			name: "truncated compact peer list",
			req:  AnnounceRequest{URL: "http://tracker.example.com/announce"},
			setup: func(t *testing.T) *HTTPAnnouncer {
				return NewHTTPAnnouncer(NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencoded(t, httpAnnounceResponse{Interval: 60, Peers: "abcd"}),
					}
				}))
			},
			assert: func(t *testing.T, actual AnnounceResponse, err error) {
				require.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			announcer := tt.setup(t)
			actual, err := announcer.Announce(context.Background(), tt.req)
			tt.assert(t, actual, err)
		})
	}
}

func TestClientDispatchesByScheme(t *testing.T) {
	c := NewClient(http.DefaultClient)
	_, err := c.Announce(context.Background(), AnnounceRequest{URL: "wss://tracker.example.com"})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}
