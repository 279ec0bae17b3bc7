package models

import "time"

// Block is a delivered sub-range of a piece, the unit actually moved over
// the wire.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

// BlockRequest is one outstanding unit of work: a block assigned to a peer
// at a point in time. The coordinator creates these and removes them on
// completion, timeout or peer loss.
type BlockRequest struct {
	Index    int
	Begin    int
	Length   int
	Peer     string
	IssuedAt time.Time
}
