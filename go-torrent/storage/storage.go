// Package storage coordinates concurrent downloads of one byte range split
// into pieces and chunks, and persists completed pieces to flat files.
package storage

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// METADATA_CHUNK_SIZE is the ut_metadata block size.
const METADATA_CHUNK_SIZE = 16384

var appFS = afero.NewOsFs()
var openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
	return appFS.OpenFile(name, flag, perm)
}

var log = logrus.WithField("component", "storage")

var (
	ErrStoreActive      = errors.New("store already active")
	ErrNotActive        = errors.New("store not active")
	ErrDataSizeMismatch = errors.New("data size already set to a different value")
	ErrNoChunkAvailable = errors.New("no chunk available")
	ErrBadChunk         = errors.New("invalid chunk")
	ErrOutOfRange       = errors.New("range outside data")
	ErrPieceInvalid     = errors.New("piece failed validation")
	ErrShortRead        = errors.New("short read from backing file")
	ErrStoreComplete    = errors.New("store already complete")
)
