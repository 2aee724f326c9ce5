// Package ioqueue owns all scratch-file state for the pipeline: the
// per-(FileID, bucket) stream sets, the single-dispatcher command queue
// that serializes every disk and heap-release effect, and the bit-packed
// bucket batch writer.
package ioqueue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	dperrors "github.com/plotforge/diskplot/errors"
)

// FileID names a logical bucketed stream. The 0/1 suffix pairs are
// double-buffered generations: a stage reads one while writing the other.
//
// The table pipeline packs y and metadata into one record and flows it
// through the y sets alone; the meta and x sets are part of the scratch
// layout contract and carry auxiliary streams (tests). All sets
// open eagerly so a block-size mismatch anywhere is fatal at init, and a
// file's handle lives until shutdown.
type FileID int

const (
	FileY0 FileID = iota
	FileY1
	FileMetaA0
	FileMetaA1
	FileMetaB0
	FileMetaB1
	FileX

	fileIDCount
)

var fileNames = [fileIDCount]string{
	"y0", "y1", "meta_a0", "meta_a1", "meta_b0", "meta_b1", "x",
}

// Name returns the on-disk base name for the stream.
func (id FileID) Name() string {
	return fileNames[id]
}

// FileStream is one bucket's scratch file. Implementations must report the
// device block size that all alignment math uses; the production stream is
// an OS file, tests substitute doubles through WithFileFactory.
type FileStream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	BlockSize() int64
	Close() error
}

// Checksummer is implemented by streams that keep a running hash of every
// byte written. The OS-backed stream does; fakes may.
type Checksummer interface {
	Checksum() uint64
}

// Factory opens the stream backing one bucket file.
type Factory func(path string, directIO bool) (FileStream, error)

type fileSet struct {
	id    FileID
	files []FileStream
}

func openFileSet(dir string, id FileID, buckets int, directIO bool, factory Factory) (*fileSet, int64, error) {
	fs := &fileSet{id: id, files: make([]FileStream, buckets)}
	var blockSize int64

	for b := 0; b < buckets; b++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.tmp", id.Name(), b))
		f, err := factory(path, directIO)
		if err != nil {
			fs.close()
			return nil, 0, fmt.Errorf("open %s.%d: %w", id.Name(), b, err)
		}
		fs.files[b] = f

		if b == 0 {
			blockSize = f.BlockSize()
			if blockSize < 2 {
				fs.close()
				return nil, 0, fmt.Errorf("%w: %s.0 reports block size %d",
					dperrors.ErrBlockSizeMismatch, id.Name(), blockSize)
			}
		} else if f.BlockSize() != blockSize {
			fs.close()
			return nil, 0, fmt.Errorf("%w: %s.%d reports %d, set uses %d",
				dperrors.ErrBlockSizeMismatch, id.Name(), b, f.BlockSize(), blockSize)
		}
	}
	return fs, blockSize, nil
}

func (fs *fileSet) close() error {
	var firstErr error
	for _, f := range fs.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// osStream is the production FileStream: an OS file plus a streaming
// xxhash64 of everything written, exposed for integrity checks.
type osStream struct {
	f         *os.File
	blockSize int64
	sum       *xxhash.Digest
}

// OpenOSFile is the default Factory. Under direct I/O it opens with the
// platform's unbuffered flag. In both modes it reports the volume's block
// size as given by deviceBlockSize.
func OpenOSFile(path string, directIO bool) (FileStream, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|directIOFlag(directIO), 0o644)
	if err != nil {
		return nil, err
	}
	bs, err := deviceBlockSize(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &osStream{f: f, blockSize: bs, sum: xxhash.New()}, nil
}

func (s *osStream) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	_, _ = s.sum.Write(p[:n])
	return n, err
}

func (s *osStream) Read(p []byte) (int, error) {
	return s.f.Read(p)
}

func (s *osStream) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}

func (s *osStream) BlockSize() int64 {
	return s.blockSize
}

func (s *osStream) Checksum() uint64 {
	return s.sum.Sum64()
}

func (s *osStream) Close() error {
	return s.f.Close()
}
