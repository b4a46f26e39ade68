package peer

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

const (
	MAX_PEERS = 100
	// MAX_ATTEMPTS is how many failed connects a session gets before it is
	// dropped.
	MAX_ATTEMPTS = 5
)

// Manager tracks the sessions of one torrent and the addresses that must not
// be dialled again.
type Manager interface {
	AddSession(s *Session) bool
	RemoveSession(id string)
	Sessions() []*Session
	Len() int
	Ban(id string)
	Banned(id string) bool
	BroadcastHave(pieceIndex int)
	CloseAll()
}

type peerManager struct {
	sync.RWMutex
	sessions    map[string]*Session
	maxPeers    int
	bannedPeers mapset.Set
}

func NewManager(maxPeers int) Manager {
	if maxPeers <= 0 {
		maxPeers = MAX_PEERS
	}
	return &peerManager{
		sessions:    make(map[string]*Session),
		maxPeers:    maxPeers,
		bannedPeers: mapset.NewSet(),
	}
}

// AddSession registers s unless its address is banned, already present, or
// the manager is full.
func (pm *peerManager) AddSession(s *Session) bool {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(s.ID()) {
		return false
	}
	if len(pm.sessions) >= pm.maxPeers {
		return false
	}
	if _, ok := pm.sessions[s.ID()]; ok {
		return false
	}
	pm.sessions[s.ID()] = s
	return true
}

func (pm *peerManager) RemoveSession(id string) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.sessions, id)
}

func (pm *peerManager) Sessions() []*Session {
	pm.RLock()
	defer pm.RUnlock()

	sessions := make([]*Session, 0, len(pm.sessions))
	for _, s := range pm.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (pm *peerManager) Len() int {
	pm.RLock()
	defer pm.RUnlock()

	return len(pm.sessions)
}

func (pm *peerManager) Ban(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.bannedPeers.Add(id)
	log.WithField("addr", id).Info("peer banned")
}

func (pm *peerManager) Banned(id string) bool {
	pm.RLock()
	defer pm.RUnlock()

	return pm.bannedPeers.Contains(id)
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, s := range pm.sessions {
		s.QueueHave(pieceIndex)
	}
}

// CloseAll closes every session. Callers must make sure no job is running one.
func (pm *peerManager) CloseAll() {
	pm.Lock()
	defer pm.Unlock()

	for id, s := range pm.sessions {
		s.Close()
		delete(pm.sessions, id)
	}
	log.WithFields(logrus.Fields{"banned": pm.bannedPeers.Cardinality()}).Debug("peers closed")
}
