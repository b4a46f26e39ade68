package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	PROTOCOL_ID = int64(0x41727101980)

	ACTION_CONNECT  = int32(0)
	ACTION_ANNOUNCE = int32(1)
	ACTION_SCRAPE   = int32(2)
	ACTION_ERROR    = int32(3)

	MAX_PACKET = 65507
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
func (s *Session) connect(ctx context.Context) error {
	s.status = Connecting
	sentAt := time.Now()
	if s.conn == nil {
		conn, err := dialUDP(s.host)
		if err != nil {
			return s.fail(err, sentAt)
		}
		s.conn = conn
	}

	transactionID := rand.Int31()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, PROTOCOL_ID)
	binary.Write(req, binary.BigEndian, ACTION_CONNECT)
	binary.Write(req, binary.BigEndian, transactionID)

	resp, err := s.roundTrip(ctx, req.Bytes(), ACTION_CONNECT, transactionID)
	if err != nil {
		return s.fail(err, sentAt)
	}
	if len(resp) < 8 {
		return s.fail(errors.Wrapf(ErrMalformedResponse, "connect response of %d bytes", len(resp)), sentAt)
	}
	s.connectionID = int64(binary.BigEndian.Uint64(resp))
	s.connectedAt = time.Now()
	s.status = Connected
	s.succeed()
	log.WithField("url", s.url).Debug("tracker connected")
	return nil
}

func (s *Session) announce(ctx context.Context) error {
	s.status = Announcing
	sentAt := time.Now()
	uploaded, downloaded, left := s.totals.Totals()

	transactionID := rand.Int31()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, s.connectionID)
	binary.Write(req, binary.BigEndian, ACTION_ANNOUNCE)
	binary.Write(req, binary.BigEndian, transactionID)
	binary.Write(req, binary.BigEndian, s.infoHash)
	binary.Write(req, binary.BigEndian, s.peerID)
	binary.Write(req, binary.BigEndian, downloaded)
	binary.Write(req, binary.BigEndian, left)
	binary.Write(req, binary.BigEndian, uploaded)
	binary.Write(req, binary.BigEndian, s.event)
	binary.Write(req, binary.BigEndian, uint32(0)) // default ip
	binary.Write(req, binary.BigEndian, s.key)
	binary.Write(req, binary.BigEndian, NUM_WANT)
	binary.Write(req, binary.BigEndian, s.port)

	resp, err := s.roundTrip(ctx, req.Bytes(), ACTION_ANNOUNCE, transactionID)
	if err != nil {
		return s.fail(err, sentAt)
	}
	if len(resp) < 12 {
		return s.fail(errors.Wrapf(ErrMalformedResponse, "announce response of %d bytes", len(resp)), sentAt)
	}
	interval := time.Duration(binary.BigEndian.Uint32(resp[0:])) * time.Second
	s.swarm.Leechers = int32(binary.BigEndian.Uint32(resp[4:]))
	s.swarm.Seeders = int32(binary.BigEndian.Uint32(resp[8:]))
	if interval <= 0 {
		interval = DEFAULT_INTERVAL
	}
	s.interval = interval
	s.nextAnnounce = time.Now().Add(interval)
	s.event = NONE
	s.status = Connected
	s.succeed()

	peers := parsePeers(resp[12:])
	for _, p := range peers {
		s.peers.Push(p)
	}
	log.WithFields(logrus.Fields{
		"url":      s.url,
		"peers":    len(peers),
		"seeders":  s.swarm.Seeders,
		"leechers": s.swarm.Leechers,
		"interval": interval,
	}).Info("announced")
	return nil
}

func (s *Session) doScrape(ctx context.Context) error {
	s.status = Scraping
	sentAt := time.Now()

	transactionID := rand.Int31()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, s.connectionID)
	binary.Write(req, binary.BigEndian, ACTION_SCRAPE)
	binary.Write(req, binary.BigEndian, transactionID)
	binary.Write(req, binary.BigEndian, s.infoHash)

	resp, err := s.roundTrip(ctx, req.Bytes(), ACTION_SCRAPE, transactionID)
	if err != nil {
		return s.fail(err, sentAt)
	}
	if len(resp) < 12 {
		return s.fail(errors.Wrapf(ErrMalformedResponse, "scrape response of %d bytes", len(resp)), sentAt)
	}
	s.scrape = ScrapeResult{
		Seeders:   int32(binary.BigEndian.Uint32(resp[0:])),
		Completed: int32(binary.BigEndian.Uint32(resp[4:])),
		Leechers:  int32(binary.BigEndian.Uint32(resp[8:])),
	}
	s.scrapeDue = false
	s.status = Connected
	s.succeed()
	log.WithFields(logrus.Fields{
		"url":       s.url,
		"seeders":   s.scrape.Seeders,
		"completed": s.scrape.Completed,
		"leechers":  s.scrape.Leechers,
	}).Info("scraped")
	return nil
}

// roundTrip sends req and waits for the reply echoing transactionID. It
// returns the reply body after the action and transaction id.
func (s *Session) roundTrip(ctx context.Context, req []byte, action, transactionID int32) ([]byte, error) {
	if _, err := s.conn.Write(req); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(s.Timeout())
	buf := make([]byte, MAX_PACKET)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, ErrTimeout
		}
		wait := now.Add(POLL_INTERVAL)
		if wait.After(deadline) {
			wait = deadline
		}
		s.conn.SetReadDeadline(wait)
		n, err := s.conn.Read(buf)
		if err, ok := err.(net.Error); ok && err.Timeout() {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parseResponse(buf[:n], action, transactionID)
	}
}

func parseResponse(resp []byte, action, transactionID int32) ([]byte, error) {
	if len(resp) < 8 {
		return nil, errors.Wrapf(ErrMalformedResponse, "response of %d bytes", len(resp))
	}
	actionResp := int32(binary.BigEndian.Uint32(resp[0:]))
	transactionIDResp := int32(binary.BigEndian.Uint32(resp[4:]))
	if transactionIDResp != transactionID {
		return nil, errors.Wrapf(ErrTransactionMismatch, "sent %d, got %d", transactionID, transactionIDResp)
	}
	if actionResp == ACTION_ERROR {
		return nil, errors.Wrap(ErrTrackerFailure, string(resp[8:]))
	}
	if actionResp != action {
		return nil, errors.Wrapf(ErrUnexpectedAction, "expected %d, got %d", action, actionResp)
	}
	out := make([]byte, len(resp)-8)
	copy(out, resp[8:])
	return out, nil
}

// parsePeers decodes compact IPv4 peers. A trailing partial entry is ignored.
func parsePeers(data []byte) []*net.TCPAddr {
	peers := make([]*net.TCPAddr, 0, len(data)/6)
	for i := 0; i+6 <= len(data); i += 6 {
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		if port == 0 {
			continue
		}
		peers = append(peers, &net.TCPAddr{
			IP:   net.IPv4(data[i], data[i+1], data[i+2], data[i+3]),
			Port: int(port),
		})
	}
	return peers
}
