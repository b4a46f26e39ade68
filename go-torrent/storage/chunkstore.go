package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Charana123/metatorrent/go-torrent/bitfield"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ClaimGrace is how long a claimed chunk stays reserved for its claimant.
	ClaimGrace = 1000 * time.Millisecond
)

// Mask selects which chunks a caller is willing to take.
type Mask interface {
	Get(i int) bool
}

// Validator checks an assembled piece before it is written out.
type Validator func(pieceIndex int, piece []byte) bool

// ChunkStore is shared by every peer session of a torrent. It starts out
// configuring (sizes and files may change) and becomes active once the data
// size is set, after which only the claim, write and read operations apply.
type ChunkStore struct {
	cfgMu      sync.RWMutex
	active     bool
	pieceSize  int
	chunkSize  int
	dataSize   int64
	pieceCount int
	chunkCount int
	outputPath string
	files      []*fileMapping
	filesSize  int64
	validator  Validator
	// autoFile is the output file mapping added on activation, if any.
	autoFile *fileMapping

	claimed   *bitfield.Bitfield
	completed *bitfield.Bitfield
	// claims is guarded by the claimed bitfield's lock.
	claims map[int]time.Time

	piecesMu sync.Mutex
	pieces   map[int][]byte

	downloaded int64
	left       int64
	uploaded   int64
	complete   atomic.Bool

	now func() time.Time
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		claims: make(map[int]time.Time),
		pieces: make(map[int][]byte),
		now:    time.Now,
	}
}

func (s *ChunkStore) configure(apply func() error) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if s.active {
		log.Warn("configuration change rejected, store is active")
		return ErrStoreActive
	}
	return apply()
}

func (s *ChunkStore) SetPieceSize(size int) error {
	return s.configure(func() error {
		if size <= 0 {
			return errors.Errorf("invalid piece size %d", size)
		}
		s.pieceSize = size
		return nil
	})
}

func (s *ChunkStore) SetChunkSize(size int) error {
	return s.configure(func() error {
		if size <= 0 {
			return errors.Errorf("invalid chunk size %d", size)
		}
		s.chunkSize = size
		return nil
	})
}

// AddFile maps the next size bytes of the data onto path.
func (s *ChunkStore) AddFile(path string, size int64) error {
	return s.configure(func() error {
		s.files = append(s.files, &fileMapping{
			path:   path,
			offset: s.filesSize,
			size:   size,
		})
		s.filesSize += size
		return nil
	})
}

// SetOutputPath names the file that receives whatever part of the data is not
// covered by AddFile once the data size is known.
func (s *ChunkStore) SetOutputPath(path string) error {
	return s.configure(func() error {
		s.outputPath = path
		return nil
	})
}

// SetValidator installs the check run on every assembled piece.
func (s *ChunkStore) SetValidator(v Validator) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	s.validator = v
}

// SetDataSize fixes the data size and activates the store. Calling it again
// with the same size is a no-op; a different size is rejected.
func (s *ChunkStore) SetDataSize(size int64) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	return s.activateLocked(size)
}

// Configure sets sizes and activates the store in one step. It succeeds
// without changes when the store is already active with the same sizes, so
// several sessions may race to initialise it.
func (s *ChunkStore) Configure(pieceSize, chunkSize int, dataSize int64) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if s.active {
		if s.pieceSize != pieceSize || s.chunkSize != chunkSize || s.dataSize != dataSize {
			return ErrDataSizeMismatch
		}
		return nil
	}
	if pieceSize <= 0 || chunkSize <= 0 {
		return errors.Errorf("invalid sizes piece=%d chunk=%d", pieceSize, chunkSize)
	}
	s.pieceSize = pieceSize
	s.chunkSize = chunkSize
	return s.activateLocked(dataSize)
}

func (s *ChunkStore) activateLocked(size int64) error {
	if s.active {
		if s.dataSize != size {
			log.WithFields(logrus.Fields{
				"current":   s.dataSize,
				"requested": size,
			}).Error("data size mismatch")
			return ErrDataSizeMismatch
		}
		return nil
	}
	if size <= 0 {
		return errors.Errorf("invalid data size %d", size)
	}
	if s.pieceSize <= 0 || s.chunkSize <= 0 {
		return errors.New("piece and chunk size must be set before the data size")
	}
	if s.filesSize < size {
		if s.outputPath == "" {
			return errors.Errorf("files cover %d of %d bytes", s.filesSize, size)
		}
		s.autoFile = &fileMapping{
			path:   s.outputPath,
			offset: s.filesSize,
			size:   size - s.filesSize,
		}
		s.files = append(s.files, s.autoFile)
		s.filesSize = size
	}

	s.dataSize = size
	s.pieceCount = int((size + int64(s.pieceSize) - 1) / int64(s.pieceSize))
	s.chunkCount = int((size + int64(s.chunkSize) - 1) / int64(s.chunkSize))
	s.claimed = bitfield.New(s.chunkCount, false, 0xFF)
	s.completed = bitfield.New(s.chunkCount, false, 0xFF)
	atomic.StoreInt64(&s.left, size)
	s.active = true

	log.WithFields(logrus.Fields{
		"size":   humanize.Bytes(uint64(size)),
		"pieces": s.pieceCount,
		"chunks": s.chunkCount,
	}).Info("store active")
	return nil
}

// Reset returns an active store to configuring, dropping its sizes, claims
// and every chunk received. Files added with AddFile are kept; the output
// file mapping is recreated on the next activation. A complete store cannot
// be reset.
func (s *ChunkStore) Reset() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if !s.active {
		return nil
	}
	if s.complete.Load() {
		return ErrStoreComplete
	}
	var err error
	if s.autoFile != nil {
		err = s.autoFile.close()
		s.files = s.files[:len(s.files)-1]
		s.filesSize -= s.autoFile.size
		s.autoFile = nil
	}

	s.piecesMu.Lock()
	s.pieces = make(map[int][]byte)
	s.piecesMu.Unlock()

	s.claims = make(map[int]time.Time)
	s.claimed = nil
	s.completed = nil
	s.dataSize = 0
	s.pieceCount = 0
	s.chunkCount = 0
	atomic.StoreInt64(&s.downloaded, 0)
	atomic.StoreInt64(&s.left, 0)
	s.active = false

	log.Warn("store reset")
	return err
}

func (s *ChunkStore) IsActive() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.active
}

func (s *ChunkStore) DataSize() int64 {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.dataSize
}

func (s *ChunkStore) PieceSize() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.pieceSize
}

func (s *ChunkStore) ChunkSize() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.chunkSize
}

func (s *ChunkStore) PieceCount() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.pieceCount
}

func (s *ChunkStore) ChunkCount() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return s.chunkCount
}

// ChunkLength is the size of chunk i; only the last chunk is short.
func (s *ChunkStore) ChunkLength(i int) int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return span(i, s.chunkSize, s.dataSize)
}

// PieceLength is the size of piece i; only the last piece is short.
func (s *ChunkStore) PieceLength(i int) int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	return span(i, s.pieceSize, s.dataSize)
}

func span(i, unit int, total int64) int {
	start := int64(i) * int64(unit)
	if i < 0 || start >= total {
		return 0
	}
	if start+int64(unit) > total {
		return int(total - start)
	}
	return unit
}

// ClaimChunk reserves the first chunk that is neither claimed nor completed
// and that mask selects. No two callers get the same chunk while its claim is
// live.
func (s *ChunkStore) ClaimChunk(mask Mask) (int, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return -1, ErrNotActive
	}

	s.claimed.Lock()
	defer s.claimed.Unlock()

	for i := 0; i < s.claimed.Len(); i++ {
		if s.claimed.GetUnlocked(i) || !mask.Get(i) || s.completed.Get(i) {
			continue
		}
		s.claimed.SetUnlocked(i, true)
		s.claims[i] = s.now().Add(ClaimGrace)
		return i, nil
	}
	return -1, ErrNoChunkAvailable
}

// ReleaseExpiredClaims drops claims past their deadline. Chunks that were not
// completed in time become claimable again. It returns the number of chunks
// released.
func (s *ChunkStore) ReleaseExpiredClaims() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return 0
	}

	s.claimed.Lock()
	defer s.claimed.Unlock()

	now := s.now()
	released := 0
	for i, deadline := range s.claims {
		if now.Before(deadline) {
			continue
		}
		delete(s.claims, i)
		if !s.completed.Get(i) {
			s.claimed.SetUnlocked(i, false)
			released++
		}
	}
	return released
}

// ClaimCount returns the number of live claim records.
func (s *ChunkStore) ClaimCount() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return 0
	}

	s.claimed.Lock()
	defer s.claimed.Unlock()

	return len(s.claims)
}

func (s *ChunkStore) settleClaim(chunk int, keep bool) {
	s.claimed.Lock()
	defer s.claimed.Unlock()

	delete(s.claims, chunk)
	s.claimed.SetUnlocked(chunk, keep)
}

// chunkRange returns the chunks overlapping piece p.
func (s *ChunkStore) chunkRange(p int) (first, last int) {
	start := int64(p) * int64(s.pieceSize)
	end := start + int64(span(p, s.pieceSize, s.dataSize))
	return int(start / int64(s.chunkSize)), int((end - 1) / int64(s.chunkSize))
}

// pieceRange returns the pieces overlapping chunk c.
func (s *ChunkStore) pieceRange(c int) (first, last int) {
	start := int64(c) * int64(s.chunkSize)
	end := start + int64(span(c, s.chunkSize, s.dataSize))
	return int(start / int64(s.pieceSize)), int((end - 1) / int64(s.pieceSize))
}

// WriteChunk records the data of chunk id. A chunk that is already complete
// is ignored. Pieces completed by this chunk are validated and written to
// their files.
func (s *ChunkStore) WriteChunk(id int, data []byte) error {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return ErrNotActive
	}
	if id < 0 || id >= s.chunkCount {
		return errors.Wrapf(ErrBadChunk, "chunk %d of %d", id, s.chunkCount)
	}
	if len(data) != span(id, s.chunkSize, s.dataSize) {
		return errors.Wrapf(ErrBadChunk, "chunk %d has %d bytes, want %d", id, len(data), span(id, s.chunkSize, s.dataSize))
	}

	s.piecesMu.Lock()
	defer s.piecesMu.Unlock()

	if s.completed.Get(id) {
		return nil
	}

	chunkStart := int64(id) * int64(s.chunkSize)
	firstPiece, lastPiece := s.pieceRange(id)
	for p := firstPiece; p <= lastPiece; p++ {
		pieceStart := int64(p) * int64(s.pieceSize)
		buf, ok := s.pieces[p]
		if !ok {
			buf = make([]byte, span(p, s.pieceSize, s.dataSize))
			s.pieces[p] = buf
		}
		lo := max64(chunkStart, pieceStart)
		hi := min64(chunkStart+int64(len(data)), pieceStart+int64(len(buf)))
		copy(buf[lo-pieceStart:hi-pieceStart], data[lo-chunkStart:hi-chunkStart])
	}

	s.completed.Set(id, true)
	s.settleClaim(id, true)
	atomic.AddInt64(&s.downloaded, int64(len(data)))
	atomic.AddInt64(&s.left, -int64(len(data)))

	for p := firstPiece; p <= lastPiece; p++ {
		if !s.pieceCompleteLocked(p) {
			continue
		}
		if err := s.finishPiece(p); err != nil {
			return err
		}
	}
	return nil
}

// finishPiece validates and persists an assembled piece. The caller holds
// piecesMu and cfgMu.
func (s *ChunkStore) finishPiece(p int) error {
	buf := s.pieces[p]
	if s.validator != nil && !s.validator(p, buf) {
		s.rollbackPiece(p)
		log.WithField("piece", p).Warn("piece failed validation")
		return errors.Wrapf(ErrPieceInvalid, "piece %d", p)
	}
	if err := writeRange(s.files, int64(p)*int64(s.pieceSize), buf); err != nil {
		s.rollbackPiece(p)
		return errors.Wrapf(err, "persist piece %d", p)
	}
	delete(s.pieces, p)
	log.WithField("piece", p).Debug("piece written")
	return nil
}

// rollbackPiece makes every chunk of piece p fetchable again. The piece
// buffer stays in the in-progress map and is overwritten by the next writes.
func (s *ChunkStore) rollbackPiece(p int) {
	first, last := s.chunkRange(p)
	for c := first; c <= last; c++ {
		if !s.completed.Get(c) {
			continue
		}
		s.completed.Set(c, false)
		s.settleClaim(c, false)
		n := int64(span(c, s.chunkSize, s.dataSize))
		atomic.AddInt64(&s.downloaded, -n)
		atomic.AddInt64(&s.left, n)
	}
}

func (s *ChunkStore) pieceCompleteLocked(p int) bool {
	if p < 0 || p >= s.pieceCount {
		return false
	}
	first, last := s.chunkRange(p)
	s.completed.Lock()
	defer s.completed.Unlock()

	for c := first; c <= last; c++ {
		if !s.completed.GetUnlocked(c) {
			return false
		}
	}
	return true
}

func (s *ChunkStore) IsPieceComplete(p int) bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return false
	}
	if !s.pieceCompleteLocked(p) {
		return false
	}
	s.piecesMu.Lock()
	defer s.piecesMu.Unlock()

	_, pending := s.pieces[p]
	return !pending
}

func (s *ChunkStore) IsChunkComplete(c int) bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return false
	}
	return s.completed.Get(c)
}

// IsComplete reports whether all data is on disk. Once true it stays true.
func (s *ChunkStore) IsComplete() bool {
	if s.complete.Load() {
		return true
	}
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active || !s.completed.All() {
		return false
	}
	s.piecesMu.Lock()
	pending := len(s.pieces)
	s.piecesMu.Unlock()
	if pending > 0 {
		return false
	}
	s.complete.Store(true)
	return true
}

// PieceBitfield returns the wire bitfield of completed pieces.
func (s *ChunkStore) PieceBitfield() *bitfield.Bitfield {
	count := s.PieceCount()
	bf := bitfield.New(count, false, 0)
	for p := 0; p < count; p++ {
		if s.IsPieceComplete(p) {
			bf.Set(p, true)
		}
	}
	return bf
}

// ReadData returns length bytes starting at offset. Every piece the range
// touches is read back from disk in full.
func (s *ChunkStore) ReadData(offset int64, length int) ([]byte, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	if !s.active {
		return nil, ErrNotActive
	}
	if offset < 0 || length < 0 || offset+int64(length) > s.dataSize {
		return nil, errors.Wrapf(ErrOutOfRange, "[%d, %d) of %d", offset, offset+int64(length), s.dataSize)
	}

	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}
	end := offset + int64(length)
	firstPiece := int(offset / int64(s.pieceSize))
	lastPiece := int((end - 1) / int64(s.pieceSize))
	for p := firstPiece; p <= lastPiece; p++ {
		pieceStart := int64(p) * int64(s.pieceSize)
		piece := make([]byte, span(p, s.pieceSize, s.dataSize))
		if err := readRange(s.files, pieceStart, piece); err != nil {
			return nil, errors.Wrapf(err, "read piece %d", p)
		}
		lo := max64(offset, pieceStart)
		hi := min64(end, pieceStart+int64(len(piece)))
		copy(out[lo-offset:hi-offset], piece[lo-pieceStart:hi-pieceStart])
	}
	return out, nil
}

// Totals returns the tracker accounting counters.
func (s *ChunkStore) Totals() (uploaded, downloaded, left int64) {
	return atomic.LoadInt64(&s.uploaded), atomic.LoadInt64(&s.downloaded), atomic.LoadInt64(&s.left)
}

func (s *ChunkStore) AddUploaded(n int) {
	atomic.AddInt64(&s.uploaded, int64(n))
}

// Close closes every backing file.
func (s *ChunkStore) Close() error {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	var firstErr error
	for _, fm := range s.files {
		if err := fm.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
