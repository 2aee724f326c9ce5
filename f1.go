package diskplot

import (
	"fmt"

	"github.com/aead/chacha20/chacha"
	"go.uber.org/zap"

	dperrors "github.com/plotforge/diskplot/errors"
	"github.com/plotforge/diskplot/internal/bitio"
	"github.com/plotforge/diskplot/internal/bits"
	"github.com/plotforge/diskplot/internal/ioqueue"
	"github.com/plotforge/diskplot/internal/mtjob"
)

// f1Key derives the stream cipher key: a 0x01 prefix followed by the first
// 31 bytes of the plot id.
func f1Key(plotID [32]byte) []byte {
	key := make([]byte, 32)
	key[0] = 1
	copy(key[1:], plotID[:31])
	return key
}

// runF1 seeds table 1: every x in [0, 2^k) expands through the counter-mode
// cipher into a y, gets classified by its top bits, and lands bit-packed as
// (y || x) in its bucket of the generation-0 y files.
//
// The x space is walked in batches of up to ceil(2^k / B) entries; each
// batch is split across the workers, counted, prefix-summed, scattered and
// packed cooperatively, then submitted as one write per bucket.
func (p *Plotter) runF1() error {
	k := p.cfg.K
	numBuckets := p.cfg.Buckets
	workers := p.cfg.Workers
	logBuckets := bits.Log2(uint64(numBuckets))

	yBits := k + KExtraBits
	entryBits := entryBitsOf(Table1, k)
	yMask := uint64(1)<<yBits - 1

	entriesPerBlock := uint64(f1BlockSizeBits) / uint64(k)
	entriesPerBatch := bits.CDiv(1<<k, uint64(numBuckets))

	// The last worker absorbs the batch remainder, so the keystream buffer
	// must be sized for base + remainder entries, plus one block in case the
	// window starts mid-block.
	perWorkerBase := entriesPerBatch / uint64(workers)
	maxPerWorker := entriesPerBatch - perWorkerBase*uint64(workers-1)
	blocksPerWorker := bits.CDiv(maxPerWorker, entriesPerBlock) + 1

	bw := ioqueue.NewBitBucketWriter(p.queue, ioqueue.FileY0)
	key := f1Key(p.cfg.PlotID)

	// Shared scatter space and per-worker count table.
	scatY := make([]uint64, entriesPerBatch)
	scatX := make([]uint64, entriesPerBatch)
	jobCounts := make([][]uint32, workers)
	for i := range jobCounts {
		jobCounts[i] = make([]uint32, numBuckets)
	}
	totalCounts := p.counts[Table1]
	bitCounts := make([]uint64, numBuckets)

	var ctrlErr error

	err := mtjob.Run(workers, func(j *mtjob.Job) error {
		cipher, err := chacha.NewCipher(make([]byte, 8), key, 8)
		if err != nil {
			return fmt.Errorf("init f1 cipher: %w", err)
		}

		ksBuf := make([]byte, blocksPerWorker*f1BlockSizeBytes)
		zeros := make([]byte, len(ksBuf))
		ends := make([]uint32, numBuckets)
		totals := make([]uint32, numBuckets)
		starts := make([]uint64, numBuckets)

		remaining := uint64(1) << k
		nextX := uint64(0)

		for batch := uint32(0); batch < numBuckets; batch++ {
			batchEntries := entriesPerBatch
			if batchEntries > remaining {
				batchEntries = remaining
			}

			perWorker := batchEntries / uint64(workers)
			x0 := nextX + perWorker*uint64(j.ID())
			if j.IsLast() {
				perWorker = batchEntries - perWorker*uint64(workers-1)
			}

			// Counter-mode keystream covering [x0, x0+perWorker). Each block
			// holds entriesPerBlock k-bit fields; trailing block bits unused.
			var firstBlock uint64
			ks := bitio.NewReader(nil)
			if perWorker > 0 {
				firstBlock = x0 / entriesPerBlock
				lastBlock := (x0 + perWorker - 1) / entriesPerBlock
				n := (lastBlock - firstBlock + 1) * f1BlockSizeBytes

				cipher.SetCounter(firstBlock)
				cipher.XORKeyStream(ksBuf[:n], zeros[:n])
				ks = bitio.NewReader(ksBuf[:n])
			}

			f1At := func(x uint64) uint64 {
				off := (x/entriesPerBlock-firstBlock)*f1BlockSizeBits + (x%entriesPerBlock)*uint64(k)
				return ks.ReadAt(off, uint(k))
			}

			myCounts := jobCounts[j.ID()]
			for i := range myCounts {
				myCounts[i] = 0
			}
			for i := uint64(0); i < perWorker; i++ {
				myCounts[f1At(x0+i)>>(k-logBuckets)]++
			}

			j.Sync()

			prefixEnds(jobCounts, j.ID(), 0, ends, totals)

			if j.IsControl() {
				var sum uint64
				for i, c := range totals {
					totalCounts[i] += uint64(c)
					bitCounts[i] = uint64(c) * uint64(entryBits)
					sum += uint64(c)
				}
				if sum != batchEntries {
					ctrlErr = fmt.Errorf("%w: f1 batch %d scattered %d of %d",
						dperrors.ErrBucketConservation, batch, sum, batchEntries)
				} else {
					ctrlErr = bw.Begin(bitCounts)
				}
			}

			j.Sync()
			if ctrlErr != nil {
				return ctrlErr
			}

			for i := uint64(0); i < perWorker; i++ {
				x := x0 + i
				y := f1At(x)
				b := y >> (k - logBuckets)
				ends[b]--
				dst := ends[b]
				scatY[dst] = (y<<KExtraBits | x>>(k-KExtraBits)) & yMask
				scatX[dst] = x
			}

			j.Sync()

			// Pack buckets round-robin: bucket-disjoint writers never share
			// a byte, so no further ordering is needed.
			starts[0] = 0
			for i := uint32(1); i < numBuckets; i++ {
				starts[i] = starts[i-1] + uint64(totals[i-1])
			}
			for b := uint32(j.ID()); b < numBuckets; b += uint32(workers) {
				cnt := uint64(totals[b])
				if cnt == 0 {
					continue
				}
				w := bw.Writer(int(b), 0)
				base := starts[b]
				for e := uint64(0); e < cnt; e++ {
					w.Write(scatY[base+e], uint(yBits))
					w.Write(scatX[base+e], uint(k))
				}
			}

			j.Sync()

			if j.IsControl() {
				bw.Submit()
			}

			remaining -= batchEntries
			nextX += batchEntries
		}

		if j.IsControl() {
			bw.SubmitLeftovers()
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.queue.SignalFence(p.fence)
	p.queue.CommitCommands()
	p.fence.Wait()
	if err := p.queue.Err(); err != nil {
		return err
	}

	var total uint64
	for _, c := range totalCounts {
		total += c
	}
	if total != uint64(1)<<k {
		return fmt.Errorf("%w: f1 produced %d entries, want %d",
			dperrors.ErrBucketConservation, total, uint64(1)<<k)
	}

	p.log.Info("f1 complete",
		zap.Uint32("k", k),
		zap.Uint32("buckets", numBuckets),
		zap.Uint64("entries", total))
	return nil
}
