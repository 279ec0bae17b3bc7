package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"goswarm/internal/shared/models"
)

type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is one post-handshake frame. A nil *Message stands for the
// zero-length keepalive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode serializes the message with its 4-byte big-endian length prefix.
func (m *Message) Encode() []byte {
	if m == nil {
		return make([]byte, 4) // keepalive
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf, length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

func NewBitfield(bitfield []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: bitfield}
}

func NewRequest(index, begin, length int) *Message {
	return &Message{ID: MsgRequest, Payload: encodeTriple(index, begin, length)}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{ID: MsgCancel, Payload: encodeTriple(index, begin, length)}
}

func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

func encodeTriple(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return payload
}

func ParseHave(m *Message) (int, error) {
	if m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrMalformedMessage, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

func ParseRequest(m *Message) (index, begin, length int, err error) {
	if (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload of %d bytes", ErrMalformedMessage, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:]))
	return index, begin, length, nil
}

func ParsePiece(m *Message) (models.Block, error) {
	if m.ID != MsgPiece || len(m.Payload) < 8 {
		return models.Block{}, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformedMessage, len(m.Payload))
	}
	return models.Block{
		Index: int(binary.BigEndian.Uint32(m.Payload)),
		Begin: int(binary.BigEndian.Uint32(m.Payload[4:])),
		Data:  m.Payload[8:],
	}, nil
}
