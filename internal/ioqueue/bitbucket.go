package ioqueue

import (
	"github.com/plotforge/diskplot/internal/bitio"
	"github.com/plotforge/diskplot/internal/bits"
)

// BitBucketWriter accumulates bit-packed entries into per-bucket batch
// buffers and submits them through the queue.
//
// Each bucket's output is one continuous bit stream across batches. In
// buffered mode a batch flushes every whole byte and carries at most 63
// bits forward. Under direct I/O a mid-stream write must be a whole number
// of blocks, so the partial trailing block's bytes ride along with the
// carry bits into the next batch; only SubmitLeftovers pads, once, to the
// final byte (and block) boundary.
type BitBucketWriter struct {
	q      *Queue
	fileID FileID

	bufs      [][]byte // current batch buffer per bucket, nil between batches
	declared  []uint64 // bits declared for the current batch
	carryBits []uint64 // carried bits not yet flushed
	carry     [][]byte // carried bytes, first carryBits bits valid
}

// NewBitBucketWriter prepares a writer for one file set.
func NewBitBucketWriter(q *Queue, fileID FileID) *BitBucketWriter {
	buckets := q.Buckets()
	w := &BitBucketWriter{
		q:         q,
		fileID:    fileID,
		bufs:      make([][]byte, buckets),
		declared:  make([]uint64, buckets),
		carryBits: make([]uint64, buckets),
		carry:     make([][]byte, buckets),
	}
	for b := range w.carry {
		w.carry[b] = make([]byte, q.BlockSize()+8)
	}
	return w
}

// Begin lends one batch buffer per bucket, sized for bitCounts[b] new bits
// plus the carried prefix, rounded up to the block size. The carry bytes
// are spliced in at the head so writers continue the stream seamlessly.
// Blocks until the heap can serve the batch.
func (w *BitBucketWriter) Begin(bitCounts []uint64) error {
	blockSize := uint64(w.q.BlockSize())
	for b, newBits := range bitCounts {
		w.declared[b] = newBits
		if newBits == 0 {
			continue
		}
		total := w.carryBits[b] + newBits
		size := bits.RoundUp(bits.CDiv(total, 8), blockSize)

		buf, err := w.q.GetBuffer(int64(size))
		if err != nil {
			return err
		}
		copy(buf, w.carry[b][:bits.CDiv(w.carryBits[b], 8)])
		w.bufs[b] = buf
	}
	return nil
}

// Writer returns a bit cursor for one bucket, positioned bitOffset bits
// into the current batch (carry bits are accounted for automatically).
func (w *BitBucketWriter) Writer(bucket int, bitOffset uint64) bitio.Writer {
	return bitio.NewWriter(w.bufs[bucket], w.carryBits[bucket]+bitOffset)
}

// Submit flushes each bucket's batch: whole bytes in buffered mode, whole
// blocks under direct I/O. The unflushed tail becomes the next batch's
// carry and the batch buffer goes back to the heap behind the write.
func (w *BitBucketWriter) Submit() {
	blockSize := uint64(w.q.BlockSize())

	for b, buf := range w.bufs {
		if buf == nil {
			continue
		}
		total := w.carryBits[b] + w.declared[b]

		writeBytes := total / 8
		if w.q.DirectIO() {
			writeBytes = writeBytes / blockSize * blockSize
		}
		if writeBytes > 0 {
			w.q.WriteFile(w.fileID, b, buf[:writeBytes], int64(writeBytes))
		}

		w.carryBits[b] = total - writeBytes*8
		copy(w.carry[b], buf[writeBytes:bits.CDiv(total, 8)])

		w.q.ReleaseBuffer(buf)
		w.bufs[b] = nil
		w.declared[b] = 0
	}
	w.q.CommitCommands()
}

// SubmitLeftovers writes each bucket's remaining carry, zero-padded to the
// next byte boundary (and block boundary under direct I/O). Terminal.
func (w *BitBucketWriter) SubmitLeftovers() {
	for b := range w.carry {
		cb := w.carryBits[b]
		if cb == 0 {
			continue
		}
		n := bits.CDiv(cb, 8)
		if rem := cb % 8; rem != 0 {
			w.carry[b][n-1] &= byte(0xFF) << (8 - rem)
		}
		w.q.WriteFile(w.fileID, b, w.carry[b][:n], int64(n))
		w.carryBits[b] = 0
	}
	w.q.CommitCommands()
}
