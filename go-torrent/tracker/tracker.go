// Package tracker talks to UDP trackers (BEP 15). A Session is a resumable
// state machine driven one action at a time by the orchestrator.
package tracker

import (
	"context"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charana123/metatorrent/go-torrent/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "tracker")

// Announce events.
const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	// BASE_TIMEOUT is the reply timeout before any failure; it doubles with
	// every consecutive failure.
	BASE_TIMEOUT = 60 * time.Second
	// POLL_INTERVAL bounds each wait for a reply so cancellation is noticed.
	POLL_INTERVAL = time.Second
	// CONNECTION_ID_TTL is how long a tracker honours a connection id.
	CONNECTION_ID_TTL = time.Minute
	DEFAULT_INTERVAL  = 30 * time.Minute
	MAX_ATTEMPTS      = 8
	NUM_WANT          = int32(-1)
)

var (
	ErrBadURL              = errors.New("invalid tracker url")
	ErrTimeout             = errors.New("tracker timed out")
	ErrTransactionMismatch = errors.New("transaction id mismatch")
	ErrUnexpectedAction    = errors.New("unexpected action")
	ErrMalformedResponse   = errors.New("malformed tracker response")
	ErrTrackerFailure      = errors.New("tracker returned an error")
)

type Status int

const (
	Unconnected Status = iota
	Connecting
	Connected
	Announcing
	Scraping
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Announcing:
		return "announcing"
	case Scraping:
		return "scraping"
	default:
		return "unconnected"
	}
}

// Totals supplies the transfer counters reported in announces.
type Totals interface {
	Totals() (uploaded, downloaded, left int64)
}

// ScrapeResult is the swarm summary from the last scrape.
type ScrapeResult struct {
	Seeders   int32
	Completed int32
	Leechers  int32
}

var dialUDP = func(host string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, addr)
}

// Session is one tracker. Like a peer session it is owned by the job running
// it; Begin/End and the embedded lock let the scheduler enforce that.
type Session struct {
	sync.Mutex
	busy atomic.Bool

	url      string
	host     string
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	key      int32
	totals   Totals
	peers    *worker.Queue[*net.TCPAddr]

	conn         *net.UDPConn
	status       Status
	connectionID int64
	connectedAt  time.Time
	attempts     int
	retryAt      time.Time

	event        int32
	interval     time.Duration
	nextAnnounce time.Time
	scrapeDue    bool
	scrape       ScrapeResult
	swarm        ScrapeResult
}

func NewSession(
	trackerURL string,
	infoHash [20]byte,
	peerID [20]byte,
	port int,
	totals Totals,
	peers *worker.Queue[*net.TCPAddr]) (*Session, error) {

	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, errors.Wrap(ErrBadURL, err.Error())
	}
	if u.Scheme != "udp" || u.Host == "" || u.Port() == "" {
		return nil, errors.Wrapf(ErrBadURL, "%q", trackerURL)
	}
	return &Session{
		url:      trackerURL,
		host:     u.Host,
		infoHash: infoHash,
		peerID:   peerID,
		port:     uint16(port),
		key:      rand.Int31(),
		totals:   totals,
		peers:    peers,
		event:    STARTED,
	}, nil
}

func (s *Session) URL() string {
	return s.url
}

func (s *Session) Status() Status {
	return s.status
}

func (s *Session) Attempts() int {
	return s.attempts
}

// Timeout is how long the next request waits for its reply.
func (s *Session) Timeout() time.Duration {
	return BASE_TIMEOUT << uint(s.attempts)
}

// Swarm returns the seeder and leecher counts from the last announce.
func (s *Session) Swarm() ScrapeResult {
	return s.swarm
}

// LastScrape returns the result of the last scrape.
func (s *Session) LastScrape() ScrapeResult {
	return s.scrape
}

func (s *Session) Begin() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Session) End() {
	s.busy.Store(false)
}

// RequestScrape schedules a scrape as the next action.
func (s *Session) RequestScrape() {
	s.scrapeDue = true
}

// Exhausted reports whether the tracker failed too often to be worth
// retrying.
func (s *Session) Exhausted() bool {
	return s.attempts >= MAX_ATTEMPTS
}

// HasPendingAction reports whether Step has something to do now.
func (s *Session) HasPendingAction() bool {
	now := time.Now()
	switch s.status {
	case Unconnected:
		return !s.Exhausted() && !now.Before(s.retryAt)
	case Connected:
		return s.scrapeDue || !now.Before(s.nextAnnounce)
	}
	return false
}

// Step performs the next protocol action. It may wait up to Timeout for a
// reply, checking ctx every POLL_INTERVAL.
func (s *Session) Step(ctx context.Context) error {
	switch s.status {
	case Unconnected:
		return s.connect(ctx)
	case Connected:
		if time.Since(s.connectedAt) > CONNECTION_ID_TTL {
			s.status = Unconnected
			return s.connect(ctx)
		}
		if s.scrapeDue {
			return s.doScrape(ctx)
		}
		return s.announce(ctx)
	}
	return nil
}

// Close releases the socket.
func (s *Session) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.status = Unconnected
}

func (s *Session) fail(err error, sentAt time.Time) error {
	if errors.Cause(err) == context.Canceled || errors.Cause(err) == context.DeadlineExceeded {
		s.Close()
		return nil
	}
	timeout := s.Timeout()
	s.Close()
	s.attempts++
	s.retryAt = sentAt.Add(timeout)
	log.WithFields(logrus.Fields{
		"url":      s.url,
		"attempts": s.attempts,
		"timeout":  s.Timeout(),
	}).WithError(err).Warn("tracker request failed")
	return errors.Wrapf(err, "tracker %s", s.url)
}

func (s *Session) succeed() {
	s.attempts = 0
	s.retryAt = time.Time{}
}
