// Package wire implements the peer wire protocol: the fixed 68-byte
// handshake and the length-prefixed message framing that follows it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// Protocol is the literal identifier exchanged during the handshake.
	Protocol = "BitTorrent protocol"

	handshakeLen = 68

	// maxFrameLen bounds a single frame: a 16 KiB block plus the piece
	// header, with slack for bitfields of very large contents. Anything
	// bigger is treated as a protocol violation rather than buffered.
	maxFrameLen = 1 << 18
)

var (
	ErrBadHandshake = errors.New("bad handshake")
	ErrFrameTooBig  = errors.New("frame exceeds maximum length")
)

// Handshake is the fixed preamble both sides exchange before any framed
// message: length byte, protocol string, 8 reserved bytes, info hash,
// peer identity.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func decodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != handshakeLen {
		return Handshake{}, ErrBadHandshake
	}
	if int(buf[0]) != len(Protocol) || string(buf[1:20]) != Protocol {
		return Handshake{}, fmt.Errorf("%w: unknown protocol identifier", ErrBadHandshake)
	}
	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Conn frames messages over one reliable stream. Every read and write
// carries a deadline so a stalled peer can never block its session forever.
// Writes are serialized; the session's request pump and its keepalive
// ticker share the connection.
type Conn struct {
	conn    net.Conn
	timeout time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

func NewConn(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{conn: conn, timeout: timeout}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// LastSent reports when any frame was last written, used to decide whether
// a keepalive is due.
func (c *Conn) LastSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

// Handshake sends the local preamble and reads the remote one. The caller
// decides whether the returned info hash matches its content.
func (c *Conn) Handshake(h Handshake) (Handshake, error) {
	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(h.Encode())
	c.lastSent = time.Now()
	c.mu.Unlock()
	if err != nil {
		return Handshake{}, err
	}

	buf := make([]byte, handshakeLen)
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	return decodeHandshake(buf)
}

// AcceptHandshake is the accept-side ordering: read the remote preamble
// first, then reply with ours.
func (c *Conn) AcceptHandshake(h Handshake) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}
	remote, err := decodeHandshake(buf)
	if err != nil {
		return Handshake{}, err
	}

	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = c.conn.Write(h.Encode())
	c.lastSent = time.Now()
	c.mu.Unlock()
	if err != nil {
		return Handshake{}, err
	}
	return remote, nil
}

// ReadMessage reads one frame. A keepalive is returned as (nil, nil).
func (c *Conn) ReadMessage() (*Message, error) {
	var lengthBuf [4]byte
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, length)
	}

	body := make([]byte, length)
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// WriteMessage writes one frame; a nil message sends a keepalive.
func (c *Conn) WriteMessage(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(m.Encode())
	c.lastSent = time.Now()
	return err
}
