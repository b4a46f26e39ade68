// Package stats keeps windowed transfer rates per peer and logs periodic
// summaries.
package stats

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stats")

type Stats interface {
	UpdatePeer(id string, upload, download float64)
	RemovePeer(id string)
	GetPeerStats() map[string]PeerStat
	ClientRates() (upload, download float64)
	Log(totals Totals)
}

// Totals supplies the byte counters of the torrent.
type Totals interface {
	Totals() (uploaded, downloaded, left int64)
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	peerStats map[string]*PeerStat
}

// PeerStat holds rates in bytes per second averaged over the last
// PONDERATION_TIME samples.
type PeerStat struct {
	UploadRate       float64
	DownloadRate     float64
	uploadActivity   [PONDERATION_TIME]float64
	downloadActivity [PONDERATION_TIME]float64
	i                int
}

func NewStats() Stats {
	return &stats{
		peerStats: make(map[string]*PeerStat),
	}
}

// UpdatePeer records one sample of a peer's socket rates, given in bytes per
// millisecond.
func (s *stats) UpdatePeer(id string, upload, download float64) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.uploadActivity[peerStat.i] = upload * 1000
	peerStat.downloadActivity[peerStat.i] = download * 1000
	peerStat.i = (peerStat.i + 1) % PONDERATION_TIME
	peerStat.UploadRate = lo.Sum(peerStat.uploadActivity[:]) / PONDERATION_TIME
	peerStat.DownloadRate = lo.Sum(peerStat.downloadActivity[:]) / PONDERATION_TIME
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	out := make(map[string]PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		out[id] = *ps
	}
	return out
}

func (s *stats) ClientRates() (upload, download float64) {
	s.Lock()
	defer s.Unlock()

	peers := lo.Values(s.peerStats)
	upload = lo.SumBy(peers, func(p *PeerStat) float64 { return p.UploadRate })
	download = lo.SumBy(peers, func(p *PeerStat) float64 { return p.DownloadRate })
	return upload, download
}

func (s *stats) Log(totals Totals) {
	upload, download := s.ClientRates()
	uploaded, downloaded, left := totals.Totals()
	s.Lock()
	peers := len(s.peerStats)
	s.Unlock()

	log.WithFields(logrus.Fields{
		"peers":      peers,
		"download":   humanize.Bytes(uint64(download)) + "/s",
		"upload":     humanize.Bytes(uint64(upload)) + "/s",
		"downloaded": humanize.Bytes(uint64(downloaded)),
		"uploaded":   humanize.Bytes(uint64(uploaded)),
		"left":       humanize.Bytes(uint64(left)),
	}).Info("transfer")
}
