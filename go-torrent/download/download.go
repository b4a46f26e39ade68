// Package download drives one metadata fetch: it schedules tracker and peer
// jobs on a worker pool and feeds received chunks into the shared store.
package download

import (
	"context"
	"net"
	"time"

	"github.com/Charana123/metatorrent/go-torrent/bitfield"
	"github.com/Charana123/metatorrent/go-torrent/config"
	"github.com/Charana123/metatorrent/go-torrent/peer"
	"github.com/Charana123/metatorrent/go-torrent/server"
	"github.com/Charana123/metatorrent/go-torrent/stats"
	"github.com/Charana123/metatorrent/go-torrent/storage"
	"github.com/Charana123/metatorrent/go-torrent/torrent"
	"github.com/Charana123/metatorrent/go-torrent/tracker"
	"github.com/Charana123/metatorrent/go-torrent/wire"
	"github.com/Charana123/metatorrent/go-torrent/worker"
	mapset "github.com/deckarep/golang-set"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("component", "download")

var ErrNoTrackers = errors.New("no usable trackers or peers")

// SCRAPE_INTERVAL is how often connected trackers are scraped.
var SCRAPE_INTERVAL = 5 * time.Minute

type Download interface {
	// Start runs until the metadata is complete or ctx is done.
	Start(ctx context.Context) error
	// AddPeer queues an address to dial, bypassing the trackers.
	AddPeer(addr *net.TCPAddr)
	Stop()
	Info() *torrent.Info
}

type download struct {
	cfg      config.Config
	infoHash [20]byte
	peerID   [20]byte
	urls     []string

	store    *storage.ChunkStore
	pool     worker.Pool
	peerMgr  peer.Manager
	stats    stats.Stats
	sv       server.Server
	trackers []*tracker.Session

	newPeers *worker.Queue[*net.TCPAddr]
	incoming *worker.Queue[server.Incoming]
	results  *worker.Queue[peer.MetadataChunk]
	known    mapset.Set
	limiter  *rate.Limiter
	haves    *bitfield.Bitfield

	info *torrent.Info
}

func NewDownload(cfg config.Config, infoHash [20]byte, trackerURLs []string) (Download, error) {
	peerID, err := torrent.NewPeerID()
	if err != nil {
		return nil, err
	}
	burst := int(cfg.DialRate)
	if burst < 1 {
		burst = 1
	}
	d := &download{
		cfg:      cfg,
		infoHash: infoHash,
		peerID:   peerID,
		urls:     lo.Uniq(trackerURLs),
		store:    storage.NewChunkStore(),
		peerMgr:  peer.NewManager(cfg.MaxPeers),
		stats:    stats.NewStats(),
		newPeers: worker.NewQueue[*net.TCPAddr](),
		incoming: worker.NewQueue[server.Incoming](),
		results:  worker.NewQueue[peer.MetadataChunk](),
		known:    mapset.NewSet(),
		limiter:  rate.NewLimiter(cfg.DialRate, burst),
	}
	if err := d.store.SetOutputPath(cfg.Output); err != nil {
		return nil, err
	}
	d.store.SetValidator(func(_ int, metadata []byte) bool {
		return torrent.Verify(metadata, infoHash)
	})
	return d, nil
}

func (d *download) AddPeer(addr *net.TCPAddr) {
	d.newPeers.Push(addr)
}

func (d *download) Info() *torrent.Info {
	return d.info
}

// trackerTotals reports the store counters to trackers.
type trackerTotals struct {
	store *storage.ChunkStore
}

func (t trackerTotals) Totals() (uploaded, downloaded, left int64) {
	uploaded, downloaded, left = t.store.Totals()
	if !t.store.IsActive() {
		// size unknown; a zero left would mark us as a seed
		left = storage.METADATA_CHUNK_SIZE
	}
	return uploaded, downloaded, left
}

func (d *download) Start(ctx context.Context) error {
	pool, err := worker.NewPool(ctx, d.cfg.Workers)
	if err != nil {
		return err
	}
	d.pool = pool

	port := 0
	sv, err := server.NewServer(d.cfg.Port, d.incoming)
	if err != nil {
		log.WithError(err).Warn("not accepting incoming peers")
	} else {
		d.sv = sv
		port = sv.GetServerPort()
		go func() {
			if err := sv.Serve(ctx); err != nil {
				log.WithError(err).Error("peer listener stopped")
			}
		}()
	}

	for _, u := range d.urls {
		t, err := tracker.NewSession(u, d.infoHash, d.peerID, port, trackerTotals{d.store}, d.newPeers)
		if err != nil {
			log.WithError(err).WithField("url", u).Warn("skipping tracker")
			continue
		}
		d.trackers = append(d.trackers, t)
	}
	if len(d.trackers) == 0 && d.newPeers.Len() == 0 {
		return ErrNoTrackers
	}

	log.WithFields(logrus.Fields{
		"trackers": len(d.trackers),
		"workers":  d.cfg.Workers,
		"port":     port,
	}).Info("fetching metadata")

	tick := time.NewTicker(d.cfg.Tick)
	defer tick.Stop()
	statsTick := time.NewTicker(d.cfg.StatsInterval)
	defer statsTick.Stop()
	scrapeTick := time.NewTicker(SCRAPE_INTERVAL)
	defer scrapeTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statsTick.C:
			d.stats.Log(trackerTotals{d.store})
		case <-scrapeTick.C:
			d.requestScrapes()
		case <-tick.C:
			d.cycle()
			if d.store.IsComplete() {
				return d.finish()
			}
		}
	}
}

// cycle is one scheduling pass.
func (d *download) cycle() {
	d.scheduleTrackers()
	d.acceptIncoming()
	d.dialNewPeers()
	d.schedulePeers()
	d.writeChunks()
	d.store.ReleaseExpiredClaims()
	d.logFailures()
}

func (d *download) submit(job *worker.Job, end func()) {
	if !d.pool.Submit(job.WithRelease(end)) {
		end()
	}
}

func (d *download) scheduleTrackers() {
	for _, t := range d.trackers {
		if !t.Begin() {
			continue
		}
		if t.Exhausted() || !t.HasPendingAction() {
			t.End()
			continue
		}
		job := worker.NewJob(worker.KindTracker, t.URL(), t.Step).WithLock(t)
		d.submit(job, t.End)
	}
}

func (d *download) requestScrapes() {
	for _, t := range d.trackers {
		if !t.Begin() {
			continue
		}
		if t.Status() == tracker.Connected {
			t.RequestScrape()
		}
		t.End()
	}
}

func (d *download) acceptIncoming() {
	for _, in := range d.incoming.Drain() {
		id := in.Addr.String()
		s := peer.NewIncomingSession(in.Conn, in.Addr, d.infoHash, d.peerID, d.store, d.results)
		if !d.peerMgr.AddSession(s) {
			in.Conn.Close()
			continue
		}
		d.known.Add(id)
	}
}

func (d *download) dialNewPeers() {
	for {
		addr, ok := d.newPeers.Pop()
		if !ok {
			return
		}
		id := addr.String()
		if d.known.Contains(id) || d.peerMgr.Banned(id) {
			continue
		}
		if d.peerMgr.Len() >= d.cfg.MaxPeers {
			continue
		}
		s := peer.NewSession(addr, d.infoHash, d.peerID, d.store, d.results)
		if d.peerMgr.AddSession(s) {
			d.known.Add(id)
		}
	}
}

func (d *download) schedulePeers() {
	for _, s := range d.peerMgr.Sessions() {
		if !s.Begin() {
			continue
		}
		if s.Violated() {
			d.dropPeer(s, true)
			continue
		}
		if s.Status() == peer.Unconnected && s.Attempts() >= peer.MAX_ATTEMPTS {
			d.dropPeer(s, false)
			continue
		}
		// dials are throttled
		if s.Status() == peer.Unconnected && !d.limiter.Allow() {
			s.End()
			continue
		}
		if !s.HasPendingWork() {
			s.End()
			continue
		}
		up, down := s.Rates()
		d.stats.UpdatePeer(s.ID(), up, down)
		job := worker.NewJob(worker.KindPeer, s.ID(), s.Step).WithLock(s)
		d.submit(job, s.End)
	}
}

// dropPeer removes a session the caller has marked busy.
func (d *download) dropPeer(s *peer.Session, ban bool) {
	s.Close()
	d.peerMgr.RemoveSession(s.ID())
	d.stats.RemovePeer(s.ID())
	if ban {
		d.peerMgr.Ban(s.ID())
	} else {
		// may be dialled again if a tracker returns it
		d.known.Remove(s.ID())
	}
	s.End()
}

// chunkData returns the chunk bytes of a data message. They normally follow
// the dictionary; if the dictionary was not canonical they are taken from
// the end of the payload.
func chunkData(payload []byte, msg *wire.MetadataMessage, length int) []byte {
	if len(msg.Data) == length {
		return msg.Data
	}
	if len(payload) >= length {
		return payload[len(payload)-length:]
	}
	return msg.Data
}

func (d *download) writeChunks() {
	for _, chunk := range d.results.Drain() {
		msg, err := wire.ParseMetadataMessage(chunk.Payload)
		if err != nil {
			log.WithField("addr", chunk.Peer).WithError(err).Debug("dropping metadata message")
			continue
		}
		if !d.store.IsActive() || msg.Piece >= d.store.ChunkCount() {
			continue
		}
		data := chunkData(chunk.Payload, msg, d.store.ChunkLength(msg.Piece))
		err = d.store.WriteChunk(msg.Piece, data)
		if errors.Cause(err) == storage.ErrPieceInvalid {
			log.WithField("addr", chunk.Peer).Warn("metadata failed hash check")
			d.discardSuspectSize()
			continue
		}
		if err != nil {
			log.WithField("addr", chunk.Peer).WithError(err).Debug("chunk rejected")
			continue
		}
	}
	d.broadcastHaves()
}

// discardSuspectSize runs after the metadata failed its hash check. If some
// peer advertises a different size than the store's, the peers the store was
// sized from are banned and the store is reset so the next peer sizes it.
func (d *download) discardSuspectSize() {
	sessions := d.peerMgr.Sessions()
	if !lo.SomeBy(sessions, func(s *peer.Session) bool { return s.SizeConflict() }) {
		return
	}
	suspects := lo.Filter(sessions, func(s *peer.Session, _ int) bool { return s.SizedStore() })
	for _, s := range suspects {
		s.Flag()
	}
	if err := d.store.Reset(); err != nil {
		log.WithError(err).Warn("store reset")
	}
	for _, s := range sessions {
		s.ResetSizing()
	}
	d.haves = nil
	log.WithField("banned", lo.Map(suspects, func(s *peer.Session, _ int) string { return s.ID() })).
		Warn("metadata size in dispute, store reset")
}

func (d *download) broadcastHaves() {
	if !d.store.IsActive() {
		return
	}
	if d.haves == nil {
		d.haves = bitfield.New(d.store.PieceCount(), false, 0)
	}
	for p := 0; p < d.haves.Len(); p++ {
		if !d.haves.Get(p) && d.store.IsPieceComplete(p) {
			d.haves.Set(p, true)
			d.peerMgr.BroadcastHave(p)
		}
	}
}

func (d *download) logFailures() {
	for _, err := range d.pool.Results().Drain() {
		log.WithError(err).Debug("job failed")
	}
}

func (d *download) finish() error {
	metadata, err := d.store.ReadData(0, int(d.store.DataSize()))
	if err != nil {
		return errors.Wrap(err, "read metadata")
	}
	info, err := torrent.DecodeInfo(metadata)
	if err != nil {
		return err
	}
	d.info = info
	log.WithFields(logrus.Fields{
		"name":   info.Name,
		"size":   humanize.Bytes(uint64(info.TotalLength())),
		"pieces": info.NumPieces(),
		"files":  len(info.Files),
		"output": d.cfg.Output,
	}).Info("metadata complete")
	return nil
}

// Stop cancels outstanding jobs and releases every socket and file.
func (d *download) Stop() {
	if d.pool != nil {
		d.pool.Shutdown()
	}
	d.peerMgr.CloseAll()
	for _, t := range d.trackers {
		t.Close()
	}
	if d.sv != nil {
		d.sv.Close()
	}
	if err := d.store.Close(); err != nil {
		log.WithError(err).Warn("closing store")
	}
}
