package wire

import (
	"bytes"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

const (
	// EXTENDED_HANDSHAKE is the extended id of the extension handshake.
	EXTENDED_HANDSHAKE = 0
	// UT_METADATA is the id this client assigns to the metadata extension.
	UT_METADATA = 1

	METADATA_REQUEST = 0
	METADATA_DATA    = 1
	METADATA_REJECT  = 2
)

var ErrBadExtension = errors.New("malformed extension message")

func encode(dict map[string]interface{}) []byte {
	b := &bytes.Buffer{}
	bencode.Marshal(b, dict)
	return b.Bytes()
}

func decodeDict(payload []byte) (map[string]interface{}, error) {
	v, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(ErrBadExtension, err.Error())
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Wrapf(ErrBadExtension, "expected dictionary, got %T", v)
	}
	return dict, nil
}

func intValue(dict map[string]interface{}, key string) (int64, bool) {
	switch v := dict[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// ExtendedHandshake is the part of the extension handshake this client uses.
type ExtendedHandshake struct {
	MetadataID   int
	MetadataSize int64
}

// ExtendedHandshakeMessage advertises ut_metadata and, once known, the
// metadata size.
func ExtendedHandshakeMessage(metadataSize int64) []byte {
	dict := map[string]interface{}{
		"m": map[string]interface{}{
			"ut_metadata": UT_METADATA,
		},
	}
	if metadataSize > 0 {
		dict["metadata_size"] = metadataSize
	}
	return Extended(EXTENDED_HANDSHAKE, encode(dict))
}

func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	dict, err := decodeDict(payload)
	if err != nil {
		return nil, err
	}
	eh := &ExtendedHandshake{}
	if m, ok := dict["m"].(map[string]interface{}); ok {
		if id, ok := intValue(m, "ut_metadata"); ok && id > 0 && id < 256 {
			eh.MetadataID = int(id)
		}
	}
	if size, ok := intValue(dict, "metadata_size"); ok && size > 0 {
		eh.MetadataSize = size
	}
	return eh, nil
}

// MetadataMessage is a decoded ut_metadata message. Data is whatever follows
// the dictionary; for data messages that is the chunk.
type MetadataMessage struct {
	Type      int
	Piece     int
	TotalSize int64
	Data      []byte
}

func MetadataRequest(extendedID uint8, piece int) []byte {
	return Extended(extendedID, encode(map[string]interface{}{
		"msg_type": METADATA_REQUEST,
		"piece":    piece,
	}))
}

func MetadataData(extendedID uint8, piece int, totalSize int64, data []byte) []byte {
	dict := encode(map[string]interface{}{
		"msg_type":   METADATA_DATA,
		"piece":      piece,
		"total_size": totalSize,
	})
	return Extended(extendedID, append(dict, data...))
}

func MetadataReject(extendedID uint8, piece int) []byte {
	return Extended(extendedID, encode(map[string]interface{}{
		"msg_type": METADATA_REJECT,
		"piece":    piece,
	}))
}

// ParseMetadataMessage decodes a ut_metadata payload. The dictionary length
// is found by encoding the decoded dictionary again, which matches any peer
// that sends canonical bencode.
func ParseMetadataMessage(payload []byte) (*MetadataMessage, error) {
	dict, err := decodeDict(payload)
	if err != nil {
		return nil, err
	}
	msgType, ok := intValue(dict, "msg_type")
	if !ok {
		return nil, errors.Wrap(ErrBadExtension, "missing msg_type")
	}
	piece, ok := intValue(dict, "piece")
	if !ok || piece < 0 {
		return nil, errors.Wrap(ErrBadExtension, "missing piece")
	}
	msg := &MetadataMessage{
		Type:  int(msgType),
		Piece: int(piece),
	}
	msg.TotalSize, _ = intValue(dict, "total_size")
	if n := len(encode(dict)); n < len(payload) {
		msg.Data = payload[n:]
	}
	return msg, nil
}
