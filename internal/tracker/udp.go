package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// connectMagic is the fixed protocol identifier of the UDP connect request.
const connectMagic = 0x41727101980

const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	// defaultUDPTimeout bounds the whole connect+announce exchange when the
	// caller's context carries no deadline of its own.
	defaultUDPTimeout = 15 * time.Second

	// maxUDPPeers is how many compact peer entries the response buffer can
	// hold; trackers rarely return more than the num_want we send.
	maxUDPPeers = 512
)

// UDPAnnouncer speaks the UDP tracker protocol: a connect exchange yields a
// connection id, which authorizes one announce exchange. Both responses are
// validated against the transaction id we randomized.
type UDPAnnouncer struct {
	timeout time.Duration
}

func NewUDPAnnouncer() *UDPAnnouncer {
	return &UDPAnnouncer{timeout: defaultUDPTimeout}
}

func (u *UDPAnnouncer) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	tu, err := url.Parse(req.URL)
	if err != nil {
		return AnnounceResponse{}, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", tu.Host)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return AnnounceResponse{}, err
	}

	connID, err := connect(conn)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return announce(conn, connID, req)
}

func connect(conn net.Conn) (uint64, error) {
	txID := rand.Uint32()
	pkt := make([]byte, 16)
	binary.BigEndian.PutUint64(pkt, connectMagic)
	binary.BigEndian.PutUint32(pkt[8:], actionConnect)
	binary.BigEndian.PutUint32(pkt[12:], txID)
	if _, err := conn.Write(pkt); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if err := checkHeader(resp[:n], actionConnect, txID, 16); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func announce(conn net.Conn, connID uint64, req AnnounceRequest) (AnnounceResponse, error) {
	txID := rand.Uint32()
	numWant := int32(req.NumWant)
	if numWant <= 0 {
		numWant = -1 // tracker default
	}

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash[:])
	copy(pkt[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(pkt[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(pkt[84:88], 0) // ip: sender of this packet
	binary.BigEndian.PutUint32(pkt[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], req.Port)
	if _, err := conn.Write(pkt); err != nil {
		return AnnounceResponse{}, err
	}

	resp := make([]byte, 20+6*maxUDPPeers)
	n, err := conn.Read(resp)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if err := checkHeader(resp[:n], actionAnnounce, txID, 20); err != nil {
		return AnnounceResponse{}, err
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := parseCompactPeers(resp[20:n])
	if err != nil {
		return AnnounceResponse{}, err
	}
	return AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

// checkHeader validates one response datagram: minimum length, transaction
// id match, and the expected action. An error action carries a message in
// the remaining bytes.
func checkHeader(buf []byte, wantAction, txID uint32, minLen int) error {
	if len(buf) < 8 {
		return fmt.Errorf("%w: %d byte datagram", ErrMalformedResponse, len(buf))
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != txID {
		return fmt.Errorf("%w: transaction id %d, sent %d", ErrMalformedResponse, got, txID)
	}
	action := binary.BigEndian.Uint32(buf[:4])
	if action == actionError {
		return fmt.Errorf("%w: %s", ErrTrackerFailure, string(buf[8:]))
	}
	if action != wantAction {
		return fmt.Errorf("%w: action %d", ErrMalformedResponse, action)
	}
	if len(buf) < minLen {
		return fmt.Errorf("%w: %d byte datagram", ErrMalformedResponse, len(buf))
	}
	return nil
}
