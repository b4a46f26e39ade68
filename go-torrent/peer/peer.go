// Package peer runs one BitTorrent peer connection as a resumable state
// machine. Each call to Step does whatever work is ready and returns; no call
// ever waits on the network.
package peer

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charana123/metatorrent/go-torrent/bitfield"
	"github.com/Charana123/metatorrent/go-torrent/sock"
	"github.com/Charana123/metatorrent/go-torrent/storage"
	"github.com/Charana123/metatorrent/go-torrent/wire"
	"github.com/Charana123/metatorrent/go-torrent/worker"
	"github.com/RoaringBitmap/roaring"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "peer")

var (
	KEEP_ALIVE_INTERVAL = 2 * time.Minute
	// MAX_READS_PER_STEP bounds how many segments one Step pulls in.
	MAX_READS_PER_STEP = 64
)

var (
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrHungUp           = errors.New("peer hung up")
)

type Status int

const (
	Unconnected Status = iota
	Connecting
	Connected
	HandshakeSent
	HandshakeComplete
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case HandshakeSent:
		return "handshake sent"
	case HandshakeComplete:
		return "handshake complete"
	default:
		return "unconnected"
	}
}

// Conn is the socket a session talks through.
type Conn interface {
	PollReadable() bool
	PollWritable() bool
	HasHungUp() bool
	Write(data []byte)
	Flush() (bool, error)
	NetworkRead() (int, error)
	Read(n int) ([]byte, error)
	Rates() (upload, download float64)
	Close() error
}

// Store is the part of the shared chunk store a session uses.
type Store interface {
	IsActive() bool
	DataSize() int64
	ChunkSize() int
	ChunkCount() int
	ChunkLength(i int) int
	PieceCount() int
	Configure(pieceSize, chunkSize int, dataSize int64) error
	ClaimChunk(mask storage.Mask) (int, error)
	ReadData(offset int64, length int) ([]byte, error)
	IsComplete() bool
	IsPieceComplete(p int) bool
	PieceBitfield() *bitfield.Bitfield
	AddUploaded(n int)
}

// MetadataChunk is a ut_metadata data message received from a peer, handed
// to the orchestrator to be written to the store. Payload is the bencoded
// header followed by the chunk bytes.
type MetadataChunk struct {
	Peer    string
	Payload []byte
}

var dial = func(addr *net.TCPAddr) (Conn, error) {
	s, err := sock.Dial(addr)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Session is one peer connection. It is owned by whichever job is running
// it; Lock/Unlock let the scheduler enforce that.
type Session struct {
	sync.Mutex
	busy atomic.Bool

	id       string
	addr     *net.TCPAddr
	infoHash [20]byte
	peerID   [20]byte
	store    Store
	results  *worker.Queue[MetadataChunk]

	conn   Conn
	status Status
	parser parser

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	remote         *bitfield.Bitfield
	bitfieldSent   bool

	extensions   bool
	metadataID   int
	metadataSize int64
	requestMask  bitmap.Bitmap
	maskSize     int

	havesMu      sync.Mutex
	pendingHaves *roaring.Bitmap

	lastSent  time.Time
	attempts  int
	violation atomic.Bool

	// sizedStore is set when the store was activated from this peer's
	// metadata_size; sizeConflict when the peer advertises a different size
	// than the active store.
	sizedStore   atomic.Bool
	sizeConflict atomic.Bool
}

func NewSession(
	addr *net.TCPAddr,
	infoHash [20]byte,
	peerID [20]byte,
	store Store,
	results *worker.Queue[MetadataChunk]) *Session {

	return &Session{
		id:           addr.String(),
		addr:         addr,
		infoHash:     infoHash,
		peerID:       peerID,
		store:        store,
		results:      results,
		amChoking:    true,
		peerChoking:  true,
		pendingHaves: roaring.New(),
	}
}

// NewIncomingSession wraps a connection accepted by the listener. The session
// starts in Connected and sends its handshake on the first Step.
func NewIncomingSession(
	conn Conn,
	addr *net.TCPAddr,
	infoHash [20]byte,
	peerID [20]byte,
	store Store,
	results *worker.Queue[MetadataChunk]) *Session {

	s := NewSession(addr, infoHash, peerID, store, results)
	s.conn = conn
	s.status = Connected
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Addr() *net.TCPAddr {
	return s.addr
}

func (s *Session) Status() Status {
	return s.status
}

// Begin marks the session as scheduled. It returns false if a job for it is
// already queued or running.
func (s *Session) Begin() bool {
	return s.busy.CompareAndSwap(false, true)
}

// End clears the mark set by Begin.
func (s *Session) End() {
	s.busy.Store(false)
}

// Attempts counts connection attempts that ended in failure.
func (s *Session) Attempts() int {
	return s.attempts
}

// Violated reports whether the peer broke the protocol or was flagged.
func (s *Session) Violated() bool {
	return s.violation.Load()
}

// Flag marks the peer for banning. It may be called while a job is running
// the session.
func (s *Session) Flag() {
	s.violation.Store(true)
}

// SizedStore reports whether the store's size came from this peer.
func (s *Session) SizedStore() bool {
	return s.sizedStore.Load()
}

// SizeConflict reports whether the peer advertises a metadata size other
// than the store's.
func (s *Session) SizeConflict() bool {
	return s.sizeConflict.Load()
}

// ResetSizing forgets both size marks after the store has been reset.
func (s *Session) ResetSizing() {
	s.sizedStore.Store(false)
	s.sizeConflict.Store(false)
}

func (s *Session) Rates() (upload, download float64) {
	if s.conn == nil {
		return 0, 0
	}
	return s.conn.Rates()
}

// QueueHave schedules a have message for piece. It may be called while a job
// is running the session.
func (s *Session) QueueHave(piece int) {
	s.havesMu.Lock()
	defer s.havesMu.Unlock()

	s.pendingHaves.Add(uint32(piece))
}

func (s *Session) takeHaves() []uint32 {
	s.havesMu.Lock()
	defer s.havesMu.Unlock()

	if s.pendingHaves.IsEmpty() {
		return nil
	}
	haves := s.pendingHaves.ToArray()
	s.pendingHaves.Clear()
	return haves
}

// HasPendingWork reports whether a Step could make progress. An unconnected
// session always has a connect to try; the caller decides whether to retry.
func (s *Session) HasPendingWork() bool {
	switch s.status {
	case Unconnected:
		return true
	case Connected:
		return s.conn.PollWritable() || s.conn.HasHungUp()
	case HandshakeSent:
		return s.conn.PollReadable() || s.conn.HasHungUp()
	case HandshakeComplete:
		return true
	}
	return false
}

// Step advances the session as far as it can without waiting.
func (s *Session) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	switch s.status {
	case Unconnected:
		return s.connect()
	case Connecting:
		// a previous connect did not finish; start over
		return s.fail(errors.New("stale connect"))
	case Connected:
		return s.sendHandshake()
	case HandshakeSent:
		return s.handleHandshake(ctx)
	case HandshakeComplete:
		return s.messageLoop(ctx)
	}
	return nil
}

// Close drops the connection without counting a failure.
func (s *Session) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.reset()
}

func (s *Session) reset() {
	s.status = Unconnected
	s.parser.reset()
	s.bitfieldSent = false
	s.extensions = false
	s.metadataID = 0
	s.amChoking = true
	s.amInterested = false
	s.peerChoking = true
	s.peerInterested = false
}

// fail releases the socket and regresses to Unconnected.
func (s *Session) fail(err error) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if isViolation(err) {
		s.violation.Store(true)
	}
	s.attempts++
	log.WithFields(logrus.Fields{
		"addr":   s.id,
		"status": s.status,
	}).WithError(err).Debug("peer disconnected")
	s.reset()
	return errors.Wrapf(err, "peer %s", s.id)
}

func isViolation(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrInfoHashMismatch ||
		cause == wire.ErrBadHandshake ||
		cause == wire.ErrInvalidMessage ||
		cause == wire.ErrBadExtension
}

func (s *Session) connect() error {
	s.status = Connecting
	conn, err := dial(s.addr)
	if err != nil {
		return s.fail(err)
	}
	s.conn = conn
	s.status = Connected
	return nil
}

func (s *Session) send(msg []byte) {
	s.conn.Write(msg)
	s.lastSent = time.Now()
}

func (s *Session) flush() error {
	_, err := s.conn.Flush()
	return err
}

func (s *Session) sendHandshake() error {
	if s.conn.HasHungUp() {
		return s.fail(ErrHungUp)
	}
	if !s.conn.PollWritable() {
		return nil
	}
	s.send(wire.NewHandshake(s.infoHash, s.peerID, true).Bytes())
	if err := s.flush(); err != nil {
		return s.fail(err)
	}
	s.status = HandshakeSent
	return nil
}

// pull moves whatever the kernel has into the socket's read buffer. It
// reports an orderly close by the peer as hungUp rather than an error so that
// bytes already buffered can still be parsed.
func (s *Session) pull(ctx context.Context) (hungUp bool, err error) {
	for i := 0; i < MAX_READS_PER_STEP && ctx.Err() == nil; i++ {
		if !s.conn.PollReadable() {
			return false, nil
		}
		n, err := s.conn.NetworkRead()
		if errors.Cause(err) == sock.ErrConnFailed {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return false, nil
}

func (s *Session) handleHandshake(ctx context.Context) error {
	if err := s.flush(); err != nil {
		return s.fail(err)
	}
	hungUp, err := s.pull(ctx)
	if err != nil {
		return s.fail(err)
	}
	data, err := s.conn.Read(wire.HANDSHAKE_LEN)
	if err == sock.ErrNotEnoughData {
		if hungUp || s.conn.HasHungUp() {
			return s.fail(ErrHungUp)
		}
		return nil
	}
	if err != nil {
		return s.fail(err)
	}
	hs, err := wire.ParseHandshake(data)
	if err != nil {
		return s.fail(err)
	}
	if !bytes.Equal(hs.InfoHash[:], s.infoHash[:]) {
		return s.fail(ErrInfoHashMismatch)
	}

	s.status = HandshakeComplete
	s.attempts = 0
	if hs.SupportsExtensions() {
		s.extensions = true
		var size int64
		if s.store.IsActive() {
			size = s.store.DataSize()
		}
		s.send(wire.ExtendedHandshakeMessage(size))
	}
	s.sendBitfield()
	if err := s.flush(); err != nil {
		return s.fail(err)
	}
	log.WithField("addr", s.id).Debug("handshake complete")
	return nil
}

// sendBitfield sends our completed pieces once per connection.
func (s *Session) sendBitfield() {
	if s.bitfieldSent || !s.store.IsActive() {
		return
	}
	bf := s.store.PieceBitfield()
	if bf.Count() == 0 {
		return
	}
	s.send(wire.BitField(bf.Bytes()))
	s.bitfieldSent = true
}

func (s *Session) messageLoop(ctx context.Context) error {
	if err := s.flush(); err != nil {
		return s.fail(err)
	}
	if haves := s.takeHaves(); len(haves) > 0 {
		for _, piece := range haves {
			s.send(wire.Have(int(piece)))
		}
		s.sendBitfield()
		s.evaluate()
	}
	hungUp, err := s.pull(ctx)
	if err != nil {
		return s.fail(err)
	}
	for ctx.Err() == nil {
		msg, err := s.parser.next(s.conn)
		if err == sock.ErrNotEnoughData {
			break
		}
		if err != nil {
			return s.fail(err)
		}
		if msg == nil {
			// keep-alive
			continue
		}
		if err := s.handleMessage(msg); err != nil {
			return s.fail(err)
		}
	}
	if hungUp || s.conn.HasHungUp() {
		return s.fail(ErrHungUp)
	}
	if err := s.requestMetadata(); err != nil {
		return s.fail(err)
	}
	if time.Since(s.lastSent) > KEEP_ALIVE_INTERVAL {
		s.send(wire.KeepAlive())
	}
	if err := s.flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleMessage(msg *wire.Message) error {
	switch msg.ID {
	case wire.CHOKE:
		s.peerChoking = true
	case wire.UNCHOKE:
		s.peerChoking = false
	case wire.INTERESTED:
		s.peerInterested = true
	case wire.NOT_INTERESTED:
		s.peerInterested = false
	case wire.HAVE:
		piece, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		if s.remote == nil {
			s.remote = bitfield.New(s.expectedPieces(piece+1), false, 0)
		}
		if piece >= s.remote.Len() {
			s.remote.Resize(piece + 1)
		}
		s.remote.Set(piece, true)
		s.evaluate()
	case wire.BITFIELD:
		count := len(msg.Payload) * 8
		if expected := s.expectedPieces(0); expected > 0 && expected < count {
			count = expected
		}
		s.remote = bitfield.FromBytes(count, msg.Payload)
		if expected := s.expectedPieces(0); expected > count {
			s.remote.Resize(expected)
		}
		s.evaluate()
	case wire.REQUEST, wire.BLOCK, wire.CANCEL, wire.PORT:
		log.WithFields(logrus.Fields{
			"addr": s.id,
			"id":   msg.ID,
		}).Debug("ignoring message")
	case wire.EXTENDED:
		return s.handleExtended(msg.Payload)
	default:
		return errors.Wrapf(wire.ErrInvalidMessage, "message id %d", msg.ID)
	}
	return nil
}

func (s *Session) expectedPieces(atLeast int) int {
	n := 0
	if s.store.IsActive() {
		n = s.store.PieceCount()
	}
	if atLeast > n {
		return atLeast
	}
	return n
}

func (s *Session) needed() bool {
	return !s.store.IsComplete()
}

func (s *Session) handleExtended(payload []byte) error {
	if len(payload) == 0 {
		return errors.Wrap(wire.ErrInvalidMessage, "empty extension message")
	}
	extendedID, body := payload[0], payload[1:]
	switch extendedID {
	case wire.EXTENDED_HANDSHAKE:
		eh, err := wire.ParseExtendedHandshake(body)
		if err != nil {
			return err
		}
		s.metadataID = eh.MetadataID
		if eh.MetadataSize > 0 {
			s.metadataSize = eh.MetadataSize
		}
		if s.metadataID == 0 {
			s.extensions = false
		}
	case wire.UT_METADATA:
		msg, err := wire.ParseMetadataMessage(body)
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.METADATA_REQUEST:
			s.serveMetadata(msg.Piece)
		case wire.METADATA_DATA:
			chunk := make([]byte, len(body))
			copy(chunk, body)
			s.results.Push(MetadataChunk{Peer: s.id, Payload: chunk})
		case wire.METADATA_REJECT:
			log.WithField("addr", s.id).Debug("metadata request rejected")
			s.extensions = false
		}
	}
	return nil
}

func (s *Session) serveMetadata(piece int) {
	if s.metadataID == 0 {
		return
	}
	id := uint8(s.metadataID)
	if !s.store.IsComplete() || piece < 0 || piece >= s.store.ChunkCount() {
		s.send(wire.MetadataReject(id, piece))
		return
	}
	length := s.store.ChunkLength(piece)
	data, err := s.store.ReadData(int64(piece)*int64(s.store.ChunkSize()), length)
	if err != nil {
		log.WithField("addr", s.id).WithError(err).Warn("metadata read failed")
		s.send(wire.MetadataReject(id, piece))
		return
	}
	s.send(wire.MetadataData(id, piece, s.store.DataSize(), data))
	s.store.AddUploaded(len(data))
}

// requestMetadata claims the next chunk this peer has not been asked for and
// requests it.
func (s *Session) requestMetadata() error {
	if !s.needed() || !s.extensions || s.metadataID == 0 || s.status != HandshakeComplete {
		return nil
	}
	if s.violation.Load() {
		return nil
	}
	if !s.store.IsActive() {
		if s.metadataSize <= 0 {
			return nil
		}
		err := s.store.Configure(int(s.metadataSize), storage.METADATA_CHUNK_SIZE, s.metadataSize)
		if err != nil && errors.Cause(err) != storage.ErrDataSizeMismatch {
			return errors.Wrap(err, "configure store from peer metadata size")
		}
		if err == nil {
			s.sizedStore.Store(true)
		}
	}
	size := s.store.DataSize()
	if size == 0 {
		// reset under us
		return nil
	}
	if s.metadataSize > 0 && s.metadataSize != size {
		// nothing this peer sends would fit the store
		if !s.sizeConflict.Swap(true) {
			log.WithFields(logrus.Fields{
				"addr":       s.id,
				"advertised": s.metadataSize,
				"store":      size,
			}).Warn("peer disagrees on metadata size")
		}
		return nil
	}

	if s.requestMask == nil || s.maskSize != s.store.ChunkCount() {
		s.resetMask()
	}
	id, err := s.store.ClaimChunk(s.requestMask)
	if err == storage.ErrNotActive {
		return nil
	}
	if err == storage.ErrNoChunkAvailable {
		if s.maskEmpty() {
			s.resetMask()
		}
		return nil
	}
	if err != nil {
		return err
	}
	s.requestMask.Set(id, false)
	s.send(wire.MetadataRequest(uint8(s.metadataID), id))
	return nil
}

func (s *Session) resetMask() {
	s.maskSize = s.store.ChunkCount()
	s.requestMask = bitmap.New(s.maskSize)
	for i := 0; i < s.maskSize; i++ {
		s.requestMask.Set(i, true)
	}
}

func (s *Session) maskEmpty() bool {
	for i := 0; i < s.maskSize; i++ {
		if s.requestMask.Get(i) {
			return false
		}
	}
	return true
}
