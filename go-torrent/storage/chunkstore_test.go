package storage

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type maskFunc func(i int) bool

func (f maskFunc) Get(i int) bool { return f(i) }

var all = maskFunc(func(int) bool { return true })

func useMemFS() afero.Fs {
	appFS = afero.NewMemMapFs()
	return appFS
}

func newStore(t *testing.T, pieceSize, chunkSize int) *ChunkStore {
	t.Helper()
	s := NewChunkStore()
	require.NoError(t, s.SetPieceSize(pieceSize))
	require.NoError(t, s.SetChunkSize(chunkSize))
	return s
}

func TestConfigureCounts(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(32))

	assert.True(t, s.IsActive())
	assert.Equal(t, 2, s.PieceCount())
	assert.Equal(t, 8, s.ChunkCount())

	for want := 0; want < 8; want++ {
		got, err := s.ClaimChunk(all)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := s.ClaimChunk(all)
	assert.Equal(t, ErrNoChunkAvailable, err)
}

func TestLastChunkAndPieceTruncated(t *testing.T) {
	useMemFS()
	s := newStore(t, 10, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(23))

	assert.Equal(t, 3, s.PieceCount())
	assert.Equal(t, 6, s.ChunkCount())
	assert.Equal(t, 3, s.ChunkLength(5))
	assert.Equal(t, 3, s.PieceLength(2))
	assert.Equal(t, 0, s.ChunkLength(6))
}

func TestConfigurationRejectedOnceActive(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(32))

	assert.Equal(t, ErrStoreActive, s.SetPieceSize(8))
	assert.Equal(t, ErrStoreActive, s.SetChunkSize(2))
	assert.Equal(t, ErrStoreActive, s.AddFile("other", 10))
	assert.NoError(t, s.SetDataSize(32))
	assert.Equal(t, ErrDataSizeMismatch, s.SetDataSize(64))

	assert.Equal(t, 16, s.PieceSize())
	assert.Equal(t, 4, s.ChunkSize())
	assert.Equal(t, int64(32), s.DataSize())
	assert.Equal(t, 8, s.ChunkCount())
}

func TestSetDataSizeNeedsFiles(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.AddFile("a", 10))
	assert.Error(t, s.SetDataSize(32))
	assert.False(t, s.IsActive())
}

func TestConcurrentConfigure(t *testing.T) {
	useMemFS()
	s := NewChunkStore()
	require.NoError(t, s.SetOutputPath("data"))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Configure(100, 16, 100)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 7, s.ChunkCount())
	assert.Equal(t, ErrDataSizeMismatch, s.Configure(100, 16, 200))
}

func TestClaimHonoursMask(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(32))

	odd := maskFunc(func(i int) bool { return i%2 == 1 })
	for _, want := range []int{1, 3, 5, 7} {
		got, err := s.ClaimChunk(odd)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := s.ClaimChunk(odd)
	assert.Equal(t, ErrNoChunkAvailable, err)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	useMemFS()
	s := newStore(t, 64, 1)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(256))

	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := s.ClaimChunk(all)
				if err == ErrNoChunkAvailable {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 256)
	for id, n := range seen {
		assert.Equal(t, 1, n, "chunk %d", id)
	}
}

func TestReleaseExpiredClaims(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(32))

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	c0, _ := s.ClaimChunk(all)
	c1, _ := s.ClaimChunk(all)
	require.NoError(t, s.WriteChunk(c1, []byte{1, 2, 3, 4}))
	assert.Equal(t, 1, s.ClaimCount())

	// not yet expired
	assert.Equal(t, 0, s.ReleaseExpiredClaims())
	c2, _ := s.ClaimChunk(all)
	assert.Equal(t, 2, c2)

	now = now.Add(ClaimGrace)
	assert.Equal(t, 2, s.ReleaseExpiredClaims())
	assert.Equal(t, 0, s.ClaimCount())
	assert.Equal(t, 0, s.ReleaseExpiredClaims())

	// released chunks are claimable again, the completed one never is
	got, err := s.ClaimChunk(all)
	require.NoError(t, err)
	assert.Equal(t, c0, got)
	got, err = s.ClaimChunk(all)
	require.NoError(t, err)
	assert.Equal(t, c2, got)
	assert.NotEqual(t, c1, got)
}

func TestWriteChunkTwiceCountsOnce(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(32))

	require.NoError(t, s.WriteChunk(3, []byte{1, 2, 3, 4}))
	require.NoError(t, s.WriteChunk(3, []byte{9, 9, 9, 9}))

	uploaded, downloaded, left := s.Totals()
	assert.Equal(t, int64(0), uploaded)
	assert.Equal(t, int64(4), downloaded)
	assert.Equal(t, int64(28), left)
	assert.True(t, s.IsChunkComplete(3))
	assert.False(t, s.IsPieceComplete(0))
}

func TestWriteChunkRejectsBadInput(t *testing.T) {
	useMemFS()
	s := newStore(t, 16, 4)
	assert.Equal(t, ErrNotActive, s.WriteChunk(0, []byte{1, 2, 3, 4}))

	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(30))
	assert.True(t, errors.Is(s.WriteChunk(8, []byte{1}), ErrBadChunk))
	assert.True(t, errors.Is(s.WriteChunk(0, []byte{1, 2}), ErrBadChunk))
	assert.NoError(t, s.WriteChunk(7, []byte{1, 2}))
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestRoundTripAcrossTwoFiles(t *testing.T) {
	fs := useMemFS()
	s := newStore(t, 16, 4)
	require.NoError(t, s.AddFile("root/a.bin", 20))
	require.NoError(t, s.AddFile("root/sub/b.bin", 12))
	require.NoError(t, s.SetDataSize(32))

	data := pattern(32)
	for c := 7; c >= 0; c-- {
		require.NoError(t, s.WriteChunk(c, data[c*4:c*4+4]))
	}
	assert.True(t, s.IsPieceComplete(0))
	assert.True(t, s.IsPieceComplete(1))
	assert.True(t, s.IsComplete())

	got, err := s.ReadData(0, 32)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = s.ReadData(10, 15)
	require.NoError(t, err)
	assert.Equal(t, data[10:25], got)

	a, err := afero.ReadFile(fs, "root/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data[:20], a)
	b, err := afero.ReadFile(fs, "root/sub/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[20:], b)

	_, err = s.ReadData(30, 4)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestFilePreSizedOnFirstWrite(t *testing.T) {
	fs := useMemFS()
	s := newStore(t, 8, 4)
	require.NoError(t, s.SetOutputPath("out.bin"))
	require.NoError(t, s.SetDataSize(24))

	require.NoError(t, s.WriteChunk(0, []byte{1, 1, 1, 1}))
	_, err := fs.Stat("out.bin")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.WriteChunk(1, []byte{2, 2, 2, 2}))
	info, err := fs.Stat("out.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(24), info.Size())

	// piece 1 has not been written yet
	_, err = s.ReadData(0, 8)
	require.NoError(t, err)
	got, err := s.ReadData(8, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestReadBeforeFileExistsFails(t *testing.T) {
	useMemFS()
	s := newStore(t, 8, 4)
	require.NoError(t, s.SetOutputPath("missing.bin"))
	require.NoError(t, s.SetDataSize(16))

	_, err := s.ReadData(0, 4)
	assert.Error(t, err)
}

func TestValidatorFailureMakesChunksFetchable(t *testing.T) {
	useMemFS()
	s := newStore(t, 8, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(16))

	good := pattern(8)
	s.SetValidator(func(p int, piece []byte) bool {
		return p != 0 || bytes.Equal(piece, good)
	})

	c0, _ := s.ClaimChunk(all)
	c1, _ := s.ClaimChunk(all)
	require.NoError(t, s.WriteChunk(c0, good[:4]))
	err := s.WriteChunk(c1, []byte{0, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrPieceInvalid))

	assert.False(t, s.IsChunkComplete(0))
	assert.False(t, s.IsChunkComplete(1))
	_, downloaded, left := s.Totals()
	assert.Equal(t, int64(0), downloaded)
	assert.Equal(t, int64(16), left)

	got, err := s.ClaimChunk(all)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	require.NoError(t, s.WriteChunk(0, good[:4]))
	require.NoError(t, s.WriteChunk(1, good[4:]))
	assert.True(t, s.IsPieceComplete(0))
}

func TestResetAllowsResizing(t *testing.T) {
	fs := useMemFS()
	s := NewChunkStore()
	require.NoError(t, s.SetOutputPath("data"))
	s.SetValidator(func(int, []byte) bool { return false })
	require.NoError(t, s.Configure(10, 4, 10))

	c, err := s.ClaimChunk(all)
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(c, pattern(4)))
	_, downloaded, _ := s.Totals()
	assert.Equal(t, int64(4), downloaded)

	require.NoError(t, s.Reset())
	assert.False(t, s.IsActive())
	assert.Equal(t, 0, s.ChunkCount())
	assert.Equal(t, 0, s.ClaimCount())
	assert.False(t, s.IsComplete())
	_, err = s.ClaimChunk(all)
	assert.Equal(t, ErrNotActive, err)
	uploaded, downloaded, left := s.Totals()
	assert.Equal(t, [3]int64{0, 0, 0}, [3]int64{uploaded, downloaded, left})

	s.SetValidator(nil)
	require.NoError(t, s.Configure(8, 4, 8))
	assert.Equal(t, 2, s.ChunkCount())
	require.NoError(t, s.WriteChunk(0, pattern(8)[:4]))
	require.NoError(t, s.WriteChunk(1, pattern(8)[4:]))
	assert.True(t, s.IsComplete())

	info, err := fs.Stat("data")
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size())
	assert.Equal(t, ErrStoreComplete, s.Reset())
}

func TestChunksStraddlingPieces(t *testing.T) {
	useMemFS()
	s := newStore(t, 6, 4)
	require.NoError(t, s.SetOutputPath("data"))
	require.NoError(t, s.SetDataSize(12))

	data := pattern(12)
	require.NoError(t, s.WriteChunk(0, data[0:4]))
	assert.False(t, s.IsPieceComplete(0))
	require.NoError(t, s.WriteChunk(1, data[4:8]))
	assert.True(t, s.IsPieceComplete(0))
	assert.False(t, s.IsPieceComplete(1))
	require.NoError(t, s.WriteChunk(2, data[8:12]))
	assert.True(t, s.IsComplete())

	got, err := s.ReadData(0, 12)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	bf := s.PieceBitfield()
	assert.Equal(t, []byte{0xC0}, bf.Bytes())
}

type mockFile struct {
	mock.Mock
	afero.File
}

func (m *mockFile) WriteAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) Truncate(size int64) error {
	args := m.Called(size)
	return args.Error(0)
}

func (m *mockFile) Close() error {
	return nil
}

func TestPieceWriteSpansFiles(t *testing.T) {
	useMemFS()
	files := map[string]*mockFile{"a": {}, "b": {}}
	defer func() {
		openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
			return appFS.OpenFile(name, flag, perm)
		}
	}()
	openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
		return files[name], nil
	}

	s := newStore(t, 256, 128)
	require.NoError(t, s.AddFile("a", 300))
	require.NoError(t, s.AddFile("b", 300))
	require.NoError(t, s.SetDataSize(600))

	files["a"].On("Truncate", int64(300)).Return(nil).Once()
	files["a"].On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 44
	}), int64(256)).Return(44, nil).Once()
	files["b"].On("Truncate", int64(300)).Return(nil).Once()
	files["b"].On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 212
	}), int64(0)).Return(212, nil).Once()

	require.NoError(t, s.WriteChunk(2, make([]byte, 128)))
	require.NoError(t, s.WriteChunk(3, make([]byte, 128)))
	assert.True(t, s.IsPieceComplete(1))

	files["a"].AssertExpectations(t)
	files["b"].AssertExpectations(t)
}
