package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type totals struct{}

func (totals) Totals() (int64, int64, int64) { return 0, 100, 50 }

func TestRatesAreWindowed(t *testing.T) {
	s := NewStats()
	for i := 0; i < PONDERATION_TIME; i++ {
		s.UpdatePeer("a", 1, 2)
	}
	ps := s.GetPeerStats()["a"]
	assert.InDelta(t, 1000, ps.UploadRate, 0.001)
	assert.InDelta(t, 2000, ps.DownloadRate, 0.001)

	// a fresh sample only moves the average by a tenth
	s.UpdatePeer("a", 11, 2)
	ps = s.GetPeerStats()["a"]
	assert.InDelta(t, 2000, ps.UploadRate, 0.001)
}

func TestClientRatesSumPeers(t *testing.T) {
	s := NewStats()
	s.UpdatePeer("a", 10, 0)
	s.UpdatePeer("b", 10, 20)

	up, down := s.ClientRates()
	assert.InDelta(t, 2000, up, 0.001)
	assert.InDelta(t, 2000, down, 0.001)

	s.RemovePeer("a")
	up, _ = s.ClientRates()
	assert.InDelta(t, 1000, up, 0.001)
	s.Log(totals{})
}
