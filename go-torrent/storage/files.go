package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// fileMapping places one backing file at [offset, offset+size) of the data.
type fileMapping struct {
	sync.Mutex
	path   string
	offset int64
	size   int64
	file   afero.File
}

func (fm *fileMapping) end() int64 {
	return fm.offset + fm.size
}

// open creates the file and sizes it on first use. The caller holds fm.
func (fm *fileMapping) open(create bool) (afero.File, error) {
	if fm.file != nil {
		return fm.file, nil
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
		if dir := filepath.Dir(fm.path); dir != "." {
			if err := appFS.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrapf(err, "mkdir %s", dir)
			}
		}
	}
	file, err := openFile(fm.path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", fm.path)
	}
	if create {
		if err := file.Truncate(fm.size); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "size %s", fm.path)
		}
	}
	fm.file = file
	return file, nil
}

func (fm *fileMapping) close() error {
	fm.Lock()
	defer fm.Unlock()

	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// writeRange writes data at absolute offset, spanning as many files as the
// range covers.
func writeRange(files []*fileMapping, offset int64, data []byte) error {
	for _, fm := range files {
		if len(data) == 0 {
			return nil
		}
		if offset >= fm.end() || offset+int64(len(data)) <= fm.offset {
			continue
		}
		writeLen := int64(len(data))
		if offset+writeLen > fm.end() {
			writeLen = fm.end() - offset
		}

		fm.Lock()
		file, err := fm.open(true)
		if err == nil {
			_, err = file.WriteAt(data[:writeLen], offset-fm.offset)
		}
		fm.Unlock()
		if err != nil {
			return errors.Wrapf(err, "write %s", fm.path)
		}

		data = data[writeLen:]
		offset += writeLen
	}
	if len(data) > 0 {
		return errors.Wrapf(ErrOutOfRange, "%d bytes past last file", len(data))
	}
	return nil
}

// readRange fills buf from absolute offset.
func readRange(files []*fileMapping, offset int64, buf []byte) error {
	for _, fm := range files {
		if len(buf) == 0 {
			return nil
		}
		if offset >= fm.end() || offset+int64(len(buf)) <= fm.offset {
			continue
		}
		readLen := int64(len(buf))
		if offset+readLen > fm.end() {
			readLen = fm.end() - offset
		}

		fm.Lock()
		file, err := fm.open(false)
		var n int
		if err == nil {
			n, err = file.ReadAt(buf[:readLen], offset-fm.offset)
		}
		fm.Unlock()
		if int64(n) < readLen {
			if err == nil {
				err = ErrShortRead
			}
			return errors.Wrapf(err, "read %s", fm.path)
		}

		buf = buf[readLen:]
		offset += readLen
	}
	if len(buf) > 0 {
		return errors.Wrapf(ErrShortRead, "%d bytes past last file", len(buf))
	}
	return nil
}
