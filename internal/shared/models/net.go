package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// Addr is a peer network address. Its String form doubles as the dedup key
// for tracker discovery and as the peer identity inside the session pool.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid compact address")

// ReadFromBytes parses the 6-byte compact form (4 IP bytes, 2 port bytes)
// used by both tracker protocols.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}
	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])
	return nil
}
