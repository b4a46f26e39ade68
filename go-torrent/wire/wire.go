// Package wire encodes and decodes peer wire protocol frames. Builders return
// complete frames ready to be queued on a socket.
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	EXTENDED       = 20
)

const (
	PROTOCOL        = "BitTorrent protocol"
	HANDSHAKE_LEN   = 68
	MAX_MESSAGE_LEN = 1 << 20
)

var (
	ErrBadHandshake   = errors.New("malformed handshake")
	ErrInvalidMessage = errors.New("invalid message")
)

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds our handshake. The extension protocol is advertised
// with reserved bit 43.
func NewHandshake(infoHash, peerID [20]byte, extensions bool) *Handshake {
	h := &Handshake{
		Len:      uint8(len(PROTOCOL)),
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	copy(h.Protocol[:], PROTOCOL)
	if extensions {
		h.Reserved[5] |= 0x10
	}
	return h
}

func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&0x10 != 0
}

func (h *Handshake) Bytes() []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, h)
	return b.Bytes()
}

func ParseHandshake(data []byte) (*Handshake, error) {
	if len(data) != HANDSHAKE_LEN {
		return nil, errors.Wrapf(ErrBadHandshake, "length %d", len(data))
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return nil, errors.Wrap(ErrBadHandshake, err.Error())
	}
	if h.Len != uint8(len(PROTOCOL)) || string(h.Protocol[:]) != PROTOCOL {
		return nil, errors.Wrapf(ErrBadHandshake, "protocol %q", h.Protocol[:])
	}
	return h, nil
}

// Message is one framed message without its length prefix.
type Message struct {
	ID      uint8
	Payload []byte
}

// Valid reports whether id is a message this client understands.
func Valid(id uint8) bool {
	return id <= PORT || id == EXTENDED
}

func frame(id uint8, payload ...[]byte) []byte {
	n := 1
	for _, p := range payload {
		n += len(p)
	}
	b := &bytes.Buffer{}
	b.Grow(4 + n)
	binary.Write(b, binary.BigEndian, int32(n))
	binary.Write(b, binary.BigEndian, id)
	for _, p := range payload {
		b.Write(p)
	}
	return b.Bytes()
}

func uint32s(vs ...int) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

func KeepAlive() []byte {
	return make([]byte, 4)
}

func Choke() []byte {
	return frame(CHOKE)
}

func Unchoke() []byte {
	return frame(UNCHOKE)
}

func Interested() []byte {
	return frame(INTERESTED)
}

func NotInterested() []byte {
	return frame(NOT_INTERESTED)
}

func Have(pieceIndex int) []byte {
	return frame(HAVE, uint32s(pieceIndex))
}

func BitField(bitfield []byte) []byte {
	return frame(BITFIELD, bitfield)
}

func Request(pieceIndex, begin, length int) []byte {
	return frame(REQUEST, uint32s(pieceIndex, begin, length))
}

func Block(pieceIndex, begin int, block []byte) []byte {
	return frame(BLOCK, uint32s(pieceIndex, begin), block)
}

func Cancel(pieceIndex, begin, length int) []byte {
	return frame(CANCEL, uint32s(pieceIndex, begin, length))
}

func Extended(extendedID uint8, payload []byte) []byte {
	return frame(EXTENDED, []byte{extendedID}, payload)
}

// ParseHave returns the piece index of a have payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, errors.Wrapf(ErrInvalidMessage, "have payload of %d bytes", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}
