package peer

import (
	"encoding/binary"

	"github.com/Charana123/metatorrent/go-torrent/wire"
	"github.com/pkg/errors"
)

type parseState int

const (
	awaitingLength parseState = iota
	awaitingID
	awaitingPayload
)

type reader interface {
	Read(n int) ([]byte, error)
}

// parser frames messages out of a socket's read buffer. Fields that were
// already consumed survive a short read and are not read again.
type parser struct {
	state  parseState
	length int
	id     uint8
}

func (p *parser) reset() {
	*p = parser{}
}

// next returns the next complete message, nil for a keep-alive, or
// sock.ErrNotEnoughData when the buffer runs dry.
func (p *parser) next(r reader) (*wire.Message, error) {
	if p.state == awaitingLength {
		b, err := r.Read(4)
		if err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(b)
		if length > wire.MAX_MESSAGE_LEN {
			return nil, errors.Wrapf(wire.ErrInvalidMessage, "message length %d", length)
		}
		if length == 0 {
			return nil, nil
		}
		p.length = int(length)
		p.state = awaitingID
	}
	if p.state == awaitingID {
		b, err := r.Read(1)
		if err != nil {
			return nil, err
		}
		p.id = b[0]
		if !wire.Valid(p.id) {
			return nil, errors.Wrapf(wire.ErrInvalidMessage, "message id %d", p.id)
		}
		p.state = awaitingPayload
	}

	var payload []byte
	if n := p.length - 1; n > 0 {
		b, err := r.Read(n)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	msg := &wire.Message{ID: p.id, Payload: payload}
	p.reset()
	return msg, nil
}
