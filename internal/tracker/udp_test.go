package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goswarm/internal/shared/models"
)

// fakeUDPTracker answers one connect and one announce exchange on a local
// socket, checking the request layout with assert so failures surface in
// the main goroutine's test report.
func fakeUDPTracker(t *testing.T, infoHash [20]byte, peers []models.Addr) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	const connID = 0x1122334455667788

	go func() {
		buf := make([]byte, 1024)

		n, addr, err := pc.ReadFrom(buf)
		if err != nil || n < 16 {
			return
		}
		assert.Equal(t, uint64(connectMagic), binary.BigEndian.Uint64(buf[:8]))
		assert.Equal(t, uint32(actionConnect), binary.BigEndian.Uint32(buf[8:12]))
		txID := binary.BigEndian.Uint32(buf[12:16])

		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], actionConnect)
		binary.BigEndian.PutUint32(resp[4:8], txID)
		binary.BigEndian.PutUint64(resp[8:16], connID)
		pc.WriteTo(resp, addr)

		n, addr, err = pc.ReadFrom(buf)
		if err != nil || n < 98 {
			return
		}
		assert.Equal(t, uint64(connID), binary.BigEndian.Uint64(buf[:8]))
		assert.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(buf[8:12]))
		assert.Equal(t, infoHash[:], buf[16:36])
		assert.Equal(t, uint32(EventStarted), binary.BigEndian.Uint32(buf[80:84]))
		assert.Equal(t, uint16(6881), binary.BigEndian.Uint16(buf[96:98]))
		txID = binary.BigEndian.Uint32(buf[12:16])

		resp = make([]byte, 20+6*len(peers))
		binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(resp[4:8], txID)
		binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
		binary.BigEndian.PutUint32(resp[12:16], 3)   // leechers
		binary.BigEndian.PutUint32(resp[16:20], 5)   // seeders
		for i, p := range peers {
			copy(resp[20+i*6:], p.IP.To4())
			binary.BigEndian.PutUint16(resp[24+i*6:], p.Port)
		}
		pc.WriteTo(resp, addr)
	}()

	return "udp://" + pc.LocalAddr().String()
}

func TestUDPAnnounce(t *testing.T) {
	infoHash := [20]byte{0xAA, 0xBB}
	want := []models.Addr{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
	}
	url := fakeUDPTracker(t, infoHash, want)

	u := NewUDPAnnouncer()
	resp, err := u.Announce(context.Background(), AnnounceRequest{
		URL:      url,
		InfoHash: infoHash,
		PeerID:   [20]byte{1},
		Port:     6881,
		Left:     1000,
		Event:    EventStarted,
	})
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, want[0].String(), resp.Peers[0].String())
	assert.Equal(t, want[1].String(), resp.Peers[1].String())
}

func TestUDPAnnounceTrackerError(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1024)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil || n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		msg := []byte("torrent not registered")
		resp := make([]byte, 8+len(msg))
		binary.BigEndian.PutUint32(resp[0:4], actionError)
		binary.BigEndian.PutUint32(resp[4:8], txID)
		copy(resp[8:], msg)
		pc.WriteTo(resp, addr)
	}()

	u := NewUDPAnnouncer()
	_, err = u.Announce(context.Background(), AnnounceRequest{
		URL: "udp://" + pc.LocalAddr().String(),
	})
	require.ErrorIs(t, err, ErrTrackerFailure)
	assert.Contains(t, err.Error(), "torrent not registered")
}

func TestUDPAnnounceHonorsContextDeadline(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	// the fake tracker never answers

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	u := NewUDPAnnouncer()
	start := time.Now()
	_, err = u.Announce(ctx, AnnounceRequest{URL: "udp://" + pc.LocalAddr().String()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "deadline must cut the exchange short")
}
