// Package torrent holds the identity of the torrent being fetched: our peer
// id, the info hash, and the info dictionary once its metadata arrives.
package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"strings"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

const PEER_ID_PREFIX = "-GT0001-"

var (
	ErrBadInfoHash = errors.New("invalid info hash")
	ErrBadInfo     = errors.New("malformed info dictionary")
)

// NewPeerID returns PEER_ID_PREFIX followed by random bytes.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], PEER_ID_PREFIX)
	if _, err := rand.Read(id[len(PEER_ID_PREFIX):]); err != nil {
		return id, errors.Wrap(err, "generate peer id")
	}
	return id, nil
}

// ParseInfoHash accepts the 40 character hex or 32 character base32 form.
func ParseInfoHash(s string) ([20]byte, error) {
	var h [20]byte
	var raw []byte
	var err error
	switch len(s) {
	case 40:
		raw, err = hex.DecodeString(s)
	case 32:
		raw, err = base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return h, errors.Wrapf(ErrBadInfoHash, "%q has length %d", s, len(s))
	}
	if err != nil {
		return h, errors.Wrap(ErrBadInfoHash, err.Error())
	}
	copy(h[:], raw)
	return h, nil
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int
	Md5sum      string
	Files       []File
}

type File struct {
	Length int
	Md5sum string
	Path   []string
}

// NumPieces is the number of pieces described by the piece hashes.
func (i *Info) NumPieces() int {
	return len(i.Pieces) / 20
}

// TotalLength sums the file lengths of a multi-file torrent.
func (i *Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return int64(i.Length)
	}
	var n int64
	for _, f := range i.Files {
		n += int64(f.Length)
	}
	return n
}

// Verify reports whether metadata hashes to infoHash.
func Verify(metadata []byte, infoHash [20]byte) bool {
	return sha1.Sum(metadata) == infoHash
}

// DecodeInfo parses a bencoded info dictionary. Input that is not a
// dictionary, or whose fields have the wrong types, yields ErrBadInfo.
func DecodeInfo(metadata []byte) (info *Info, err error) {
	raw, err := bencode.Decode(bytes.NewReader(metadata))
	if err != nil {
		return nil, errors.Wrap(ErrBadInfo, err.Error())
	}
	if _, ok := raw.(map[string]interface{}); !ok {
		return nil, errors.Wrapf(ErrBadInfo, "top level is %T, not a dictionary", raw)
	}

	// Unmarshal panics on a field of the wrong type
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, errors.Wrapf(ErrBadInfo, "%v", r)
		}
	}()
	info = &Info{}
	if err := bencode.Unmarshal(bytes.NewReader(metadata), info); err != nil {
		return nil, errors.Wrap(ErrBadInfo, err.Error())
	}
	if info.Name == "" || info.PieceLength <= 0 {
		return nil, errors.Wrap(ErrBadInfo, "missing name or piece length")
	}
	return info, nil
}
