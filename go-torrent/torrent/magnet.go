package torrent

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var ErrBadMagnet = errors.New("invalid magnet uri")

// MagnetURI is the part of a magnet link needed to fetch metadata.
type MagnetURI struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

// ParseMagnet reads xt, dn and every tr parameter. Duplicate trackers are
// dropped.
func ParseMagnet(uri string) (*MagnetURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(ErrBadMagnet, err.Error())
	}
	if u.Scheme != "magnet" {
		return nil, errors.Wrapf(ErrBadMagnet, "scheme %q", u.Scheme)
	}
	q := u.Query()
	xt := q.Get("xt")
	if !strings.HasPrefix(xt, "urn:btih:") {
		return nil, errors.Wrapf(ErrBadMagnet, "xt %q", xt)
	}
	infoHash, err := ParseInfoHash(strings.TrimPrefix(xt, "urn:btih:"))
	if err != nil {
		return nil, err
	}
	return &MagnetURI{
		InfoHash:    infoHash,
		DisplayName: q.Get("dn"),
		Trackers:    lo.Uniq(q["tr"]),
	}, nil
}
