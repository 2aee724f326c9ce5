package ioqueue

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	dperrors "github.com/plotforge/diskplot/errors"
	"github.com/plotforge/diskplot/internal/heap"
)

type commandType int

const (
	cmdWriteBuckets commandType = iota
	cmdWriteFile
	cmdReadFile
	cmdSeekFile
	cmdSeekBucket
	cmdReleaseBuffer
	cmdMemoryFence
)

// command is the tagged record flowing through the queue. One struct for
// all variants; each variant reads the fields it needs.
type command struct {
	typ    commandType
	fileID FileID
	bucket int
	buf    []byte
	size   int64
	sizes  []int64
	offset int64
	whence int
	fence  *Fence
}

// Option configures a Queue.
type Option func(*config)

type config struct {
	directIO bool
	depth    int
	logger   *zap.Logger
	factory  Factory
}

// WithDirectIO toggles unbuffered file access for the whole queue.
func WithDirectIO(enabled bool) Option {
	return func(c *config) { c.directIO = enabled }
}

// WithDepth sets the command ring capacity.
func WithDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithLogger sets the queue's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFileFactory substitutes the stream constructor. Test seam.
func WithFileFactory(f Factory) Option {
	return func(c *config) {
		if f != nil {
			c.factory = f
		}
	}
}

// Queue serializes every file operation and heap release through a single
// dispatch goroutine. Producers claim commands, then publish them with
// CommitCommands; back-pressure is the bounded ring.
//
// Any I/O failure is terminal: the first error is latched, subsequent
// commands are skipped (releases and fences still execute so the producer
// can unwind), and Err surfaces it.
type Queue struct {
	heap      *heap.Heap
	files     [fileIDCount]*fileSet
	buckets   int
	blockSize int64
	directIO  bool
	log       *zap.Logger

	pending []command
	ring    chan command
	done    chan struct{}

	errMu sync.Mutex
	err   error

	bounce []byte // zero-padded trailing block for direct-I/O remainders
	closed bool
}

// New opens every file set under workDir and starts the dispatch goroutine.
func New(workDir string, buckets int, h *heap.Heap, opts ...Option) (*Queue, error) {
	cfg := config{
		depth:   256,
		logger:  zap.NewNop(),
		factory: OpenOSFile,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	q := &Queue{
		heap:     h,
		buckets:  buckets,
		directIO: cfg.directIO,
		log:      cfg.logger,
		ring:     make(chan command, cfg.depth),
		done:     make(chan struct{}),
	}

	for id := FileID(0); id < fileIDCount; id++ {
		fs, blockSize, err := openFileSet(workDir, id, buckets, cfg.directIO, cfg.factory)
		if err != nil {
			q.closeFiles()
			return nil, err
		}
		if id == 0 {
			q.blockSize = blockSize
		} else if blockSize != q.blockSize {
			q.closeFiles()
			return nil, fmt.Errorf("%w: file set %s reports %d, queue uses %d",
				dperrors.ErrBlockSizeMismatch, id.Name(), blockSize, q.blockSize)
		}
		q.files[id] = fs
	}

	q.bounce = make([]byte, q.blockSize)

	go q.dispatch()
	return q, nil
}

// BlockSize returns the uniform block size across all file sets.
func (q *Queue) BlockSize() int64 { return q.blockSize }

// DirectIO reports whether the queue bypasses the page cache.
func (q *Queue) DirectIO() bool { return q.directIO }

// Buckets returns the per-set file count.
func (q *Queue) Buckets() int { return q.buckets }

// GetBuffer lends a block-aligned buffer from the work heap. Blocks until
// pending releases free enough space.
func (q *Queue) GetBuffer(size int64) ([]byte, error) {
	return q.heap.Alloc(size, q.blockSize)
}

// Checksum returns the running write checksum for one bucket file, if the
// underlying stream keeps one.
func (q *Queue) Checksum(id FileID, bucket int) (uint64, bool) {
	if c, ok := q.files[id].files[bucket].(Checksummer); ok {
		return c.Checksum(), true
	}
	return 0, false
}

// WriteBuckets queues a scatter write: buckets contiguous regions of buf,
// one per file of the set, sizes[i] bytes each. Under direct I/O each
// region's write is truncated to a block multiple and the source advances
// by the block-rounded size; the caller owns the tails.
func (q *Queue) WriteBuckets(id FileID, buf []byte, sizes []int64) {
	q.enqueue(command{typ: cmdWriteBuckets, fileID: id, buf: buf, sizes: sizes})
}

// WriteFile queues a write of size bytes to one bucket file.
func (q *Queue) WriteFile(id FileID, bucket int, buf []byte, size int64) {
	q.enqueue(command{typ: cmdWriteFile, fileID: id, bucket: bucket, buf: buf, size: size})
}

// ReadFile queues a read of size bytes from one bucket file. Under direct
// I/O the read length is rounded up to a whole block; buffers lent by the
// heap are always large enough for that.
func (q *Queue) ReadFile(id FileID, bucket int, buf []byte, size int64) {
	q.enqueue(command{typ: cmdReadFile, fileID: id, bucket: bucket, buf: buf, size: size})
}

// SeekFile queues a cursor move on one bucket file.
func (q *Queue) SeekFile(id FileID, bucket int, offset int64, whence int) {
	q.enqueue(command{typ: cmdSeekFile, fileID: id, bucket: bucket, offset: offset, whence: whence})
}

// SeekBucket queues a cursor move on every file of the set.
func (q *Queue) SeekBucket(id FileID, offset int64, whence int) {
	q.enqueue(command{typ: cmdSeekBucket, fileID: id, offset: offset, whence: whence})
}

// ReleaseBuffer queues the return of a heap buffer. The producer enqueues
// this after the last command referencing the buffer; FIFO execution makes
// the release safe.
func (q *Queue) ReleaseBuffer(buf []byte) {
	q.enqueue(command{typ: cmdReleaseBuffer, buf: buf})
}

// SignalFence queues a fence. Once every previously committed command has
// executed, the dispatcher delivers the fence.
func (q *Queue) SignalFence(f *Fence) {
	q.enqueue(command{typ: cmdMemoryFence, fence: f})
}

func (q *Queue) enqueue(cmd command) {
	q.pending = append(q.pending, cmd)
}

// CommitCommands publishes every command claimed since the last commit, in
// claim order. Blocks when the ring is full.
func (q *Queue) CommitCommands() {
	for _, cmd := range q.pending {
		select {
		case q.ring <- cmd:
		default:
			start := time.Now()
			q.log.Debug("command ring full, waiting")
			q.ring <- cmd
			q.log.Debug("command slot freed", zap.Duration("waited", time.Since(start)))
		}
	}
	q.pending = q.pending[:0]
}

// CompletePendingReleases applies queued heap releases on the producer.
func (q *Queue) CompletePendingReleases() {
	q.heap.CompletePendingReleases()
}

// Err returns the first fatal I/O error, if any.
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) setErr(err error) {
	q.errMu.Lock()
	if q.err == nil {
		q.err = err
		q.log.Error("fatal I/O error, draining queue", zap.Error(err))
	}
	q.errMu.Unlock()
}

// Close commits outstanding commands, stops the dispatcher, and closes all
// files. Returns the latched fatal error if one occurred.
func (q *Queue) Close() error {
	if q.closed {
		return q.Err()
	}
	q.closed = true

	q.CommitCommands()
	close(q.ring)
	<-q.done

	if err := q.closeFiles(); err != nil && q.Err() == nil {
		q.setErr(err)
	}
	return q.Err()
}

func (q *Queue) closeFiles() error {
	var firstErr error
	for _, fs := range q.files {
		if fs == nil {
			continue
		}
		if err := fs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dispatch is the queue's state machine: wait for commands, drain, execute
// each in order. It is the only goroutine that touches file cursors or the
// heap's release side.
func (q *Queue) dispatch() {
	defer close(q.done)
	for cmd := range q.ring {
		q.execute(cmd)
	}
}

func (q *Queue) execute(cmd command) {
	// After a fatal error only effects the producer needs to unwind still
	// run: buffer releases and fences.
	if q.Err() != nil {
		switch cmd.typ {
		case cmdReleaseBuffer:
			_ = q.heap.Release(cmd.buf)
		case cmdMemoryFence:
			cmd.fence.Signal()
		}
		return
	}

	switch cmd.typ {
	case cmdWriteBuckets:
		q.execWriteBuckets(cmd)
	case cmdWriteFile:
		fs := q.files[cmd.fileID]
		q.writeToFile(fs.files[cmd.bucket], cmd.fileID, cmd.bucket, cmd.buf, cmd.size)
	case cmdReadFile:
		fs := q.files[cmd.fileID]
		q.readFromFile(fs.files[cmd.bucket], cmd.fileID, cmd.bucket, cmd.buf, cmd.size)
	case cmdSeekFile:
		fs := q.files[cmd.fileID]
		if _, err := fs.files[cmd.bucket].Seek(cmd.offset, cmd.whence); err != nil {
			q.setErr(fmt.Errorf("seek %s.%d: %w", cmd.fileID.Name(), cmd.bucket, err))
		}
	case cmdSeekBucket:
		fs := q.files[cmd.fileID]
		for b, f := range fs.files {
			if _, err := f.Seek(cmd.offset, cmd.whence); err != nil {
				q.setErr(fmt.Errorf("seek %s.%d: %w", cmd.fileID.Name(), b, err))
				return
			}
			if cmd.offset == 0 && cmd.whence == io.SeekStart {
				fadviseSequential(f)
			}
		}
	case cmdReleaseBuffer:
		if err := q.heap.Release(cmd.buf); err != nil {
			q.setErr(fmt.Errorf("release buffer: %w", err))
		}
	case cmdMemoryFence:
		cmd.fence.Signal()
	}
}

func (q *Queue) execWriteBuckets(cmd command) {
	fs := q.files[cmd.fileID]
	buf := cmd.buf

	for b := 0; b < q.buckets; b++ {
		size := cmd.sizes[b]

		// Only write up to the block-aligned boundary; the caller owns any
		// remainder and submits it on a later call or final flush.
		writeSize := size
		advance := size
		if q.directIO {
			writeSize = size / q.blockSize * q.blockSize
			advance = (size + q.blockSize - 1) / q.blockSize * q.blockSize
		}

		q.writeToFile(fs.files[b], cmd.fileID, b, buf[:writeSize], writeSize)
		if q.Err() != nil {
			return
		}
		buf = buf[advance:]
	}
}

func (q *Queue) writeToFile(f FileStream, id FileID, bucket int, buf []byte, size int64) {
	if size == 0 {
		return
	}

	if !q.directIO {
		if _, err := f.Write(buf[:size]); err != nil {
			q.setErr(fmt.Errorf("write %s.%d: %w", id.Name(), bucket, err))
		}
		return
	}

	whole := size / q.blockSize * q.blockSize
	remainder := size - whole

	if whole > 0 {
		if _, err := f.Write(buf[:whole]); err != nil {
			q.setErr(fmt.Errorf("write %s.%d: %w", id.Name(), bucket, err))
			return
		}
	}
	if remainder > 0 {
		// The trailing partial block goes out zero-padded from the bounce
		// buffer; the file tail past the data is zeros.
		for i := range q.bounce {
			q.bounce[i] = 0
		}
		copy(q.bounce, buf[whole:size])
		if _, err := f.Write(q.bounce); err != nil {
			q.setErr(fmt.Errorf("write %s.%d: %w", id.Name(), bucket, err))
		}
	}
}

func (q *Queue) readFromFile(f FileStream, id FileID, bucket int, buf []byte, size int64) {
	readSize := size
	if q.directIO {
		readSize = (size + q.blockSize - 1) / q.blockSize * q.blockSize
	}

	read := int64(0)
	for read < readSize {
		n, err := f.Read(buf[read:readSize])
		read += int64(n)
		if err == io.EOF && read >= size {
			// Buffered files may end short of the block-rounded size.
			return
		}
		if err != nil {
			q.setErr(fmt.Errorf("read %s.%d: %w", id.Name(), bucket, err))
			return
		}
	}
}
