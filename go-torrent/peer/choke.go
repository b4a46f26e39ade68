package peer

import (
	"github.com/Charana123/metatorrent/go-torrent/wire"
	"github.com/sirupsen/logrus"
)

// seeding reports whether the peer advertised every piece.
func (s *Session) seeding() bool {
	return s.remote != nil && s.remote.All()
}

// offersNeeded reports whether the peer has a piece we have not completed.
func (s *Session) offersNeeded() bool {
	if s.remote == nil || !s.needed() {
		return false
	}
	if !s.store.IsActive() {
		return s.remote.Count() > 0
	}
	s.remote.Lock()
	defer s.remote.Unlock()
	for i := 0; i < s.remote.Len(); i++ {
		if s.remote.GetUnlocked(i) && !s.store.IsPieceComplete(i) {
			return true
		}
	}
	return false
}

// evaluate re-applies the choke and interest policy after the peer's pieces
// or ours changed. A seed has nothing to gain from us, so it is choked.
func (s *Session) evaluate() {
	choke := s.seeding()
	if choke != s.amChoking {
		s.amChoking = choke
		if choke {
			s.send(wire.Choke())
		} else {
			s.send(wire.Unchoke())
		}
	}

	interested := s.offersNeeded()
	if interested != s.amInterested {
		s.amInterested = interested
		if interested {
			s.send(wire.Interested())
		} else {
			s.send(wire.NotInterested())
		}
	}

	log.WithFields(logrus.Fields{
		"addr":       s.id,
		"choking":    s.amChoking,
		"interested": s.amInterested,
	}).Debug("peer state evaluated")
}
