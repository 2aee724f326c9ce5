package diskplot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"go.uber.org/zap"

	dperrors "github.com/plotforge/diskplot/errors"
	"github.com/plotforge/diskplot/internal/bitio"
	"github.com/plotforge/diskplot/internal/bits"
	"github.com/plotforge/diskplot/internal/heap"
	"github.com/plotforge/diskplot/internal/ioqueue"
	"github.com/plotforge/diskplot/internal/mtjob"
)

// Plotter drives the seven-table pipeline over bucketed scratch files.
//
// One plotter runs once: F1 seeds table 1, then each Fx pass reads the
// previous table's buckets back through the command queue, sorts them,
// pairs them through the supplied Matcher, and streams the derived table
// out to the opposite file generation.
type Plotter struct {
	cfg   *Config
	log   *zap.Logger
	heap  *heap.Heap
	queue *ioqueue.Queue
	fence *ioqueue.Fence

	counts map[TableID][]uint64
	ran    bool
}

// New validates the configuration and prepares a plotter. No files are
// touched until Run or RunF1.
func New(plotID [32]byte, k uint32, workDir string, opts ...Option) (*Plotter, error) {
	cfg, err := newConfig(plotID, k, workDir, opts...)
	if err != nil {
		return nil, err
	}

	counts := make(map[TableID][]uint64, 7)
	for t := Table1; t <= Table7; t++ {
		counts[t] = make([]uint64, cfg.Buckets)
	}
	return &Plotter{cfg: cfg, log: cfg.logger, counts: counts}, nil
}

// BucketCounts returns the per-bucket entry counts recorded for a table.
// Valid after the table's pass has completed.
func (p *Plotter) BucketCounts(t TableID) []uint64 {
	return p.counts[t]
}

// AdjacentMatcher pairs consecutive sorted entries: (0,1), (2,3), ...
// It stands in for the real matching function, which is outside this
// engine; tests and the bench tool use it to drive full pipelines.
func AdjacentMatcher(_ TableID, _ uint32, y []uint64) []Pair {
	pairs := make([]Pair, 0, len(y)/2)
	for i := 0; i+1 < len(y); i += 2 {
		pairs = append(pairs, Pair{Left: uint32(i), RightDelta: 1})
	}
	return pairs
}

// Run executes the full pipeline: F1, then tables 2 through 7. match
// supplies pairing for each sorted bucket; nil uses AdjacentMatcher.
// Any I/O or invariant failure aborts the run and is returned.
func (p *Plotter) Run(ctx context.Context, match Matcher) error {
	if p.ran {
		return dperrors.ErrPlotterReused
	}
	p.ran = true
	if match == nil {
		match = AdjacentMatcher
	}

	if err := p.open(); err != nil {
		return err
	}
	err := p.runPipeline(ctx, match)
	if cerr := p.closeIO(); err == nil {
		err = cerr
	}
	return err
}

// RunF1 executes only the table-1 seeding pass, leaving the generation-0
// bucket files on disk for inspection.
func (p *Plotter) RunF1(ctx context.Context) error {
	if p.ran {
		return dperrors.ErrPlotterReused
	}
	p.ran = true

	if err := p.open(); err != nil {
		return err
	}
	err := ctx.Err()
	if err == nil {
		err = p.runF1()
	}
	if err == nil {
		err = p.checkHeapDrained()
	}
	if cerr := p.closeIO(); err == nil {
		err = cerr
	}
	return err
}

func (p *Plotter) open() error {
	h, err := heap.New(p.cfg.ArenaSize)
	if err != nil {
		return err
	}

	opts := []ioqueue.Option{
		ioqueue.WithDirectIO(p.cfg.DirectIO),
		ioqueue.WithDepth(p.cfg.QueueDepth),
		ioqueue.WithLogger(p.log),
	}
	if p.cfg.factory != nil {
		opts = append(opts, ioqueue.WithFileFactory(p.cfg.factory))
	}

	q, err := ioqueue.New(p.cfg.WorkDir, int(p.cfg.Buckets), h, opts...)
	if err != nil {
		_ = h.Close()
		return err
	}

	// The batch footprint depends on the device block size, so the
	// insufficient-arena check has to wait until the files are open.
	if err := arenaFits(p.cfg, q.BlockSize()); err != nil {
		_ = q.Close()
		_ = h.Close()
		return err
	}

	p.heap = h
	p.queue = q
	p.fence = ioqueue.NewFence()
	return nil
}

func (p *Plotter) closeIO() error {
	qErr := p.queue.Close()
	hErr := p.heap.Close()
	return errors.Join(qErr, hErr)
}

func (p *Plotter) runPipeline(ctx context.Context, match Matcher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.runF1(); err != nil {
		return err
	}

	for t := Table2; t <= Table7; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runTable(ctx, t, match); err != nil {
			return err
		}
	}
	return p.checkHeapDrained()
}

// checkHeapDrained verifies every lent buffer came back: after the final
// fence the arena must coalesce to a single free span.
func (p *Plotter) checkHeapDrained() error {
	p.heap.CompletePendingReleases()
	if spans := p.heap.FreeSpanCount(); spans != 1 || p.heap.FreeBytes() != p.heap.Size() {
		return fmt.Errorf("diskplot: %d bytes of the arena still lent across %d spans",
			p.heap.Size()-p.heap.FreeBytes(), spans)
	}
	return nil
}

func yFile(gen int) ioqueue.FileID {
	if gen == 0 {
		return ioqueue.FileY0
	}
	return ioqueue.FileY1
}

// readWidths returns the bit widths of table t's packed record fields.
func readWidths(t TableID, k uint32) (yBits, aBits, bBits uint32) {
	if t == Table1 {
		return k + KExtraBits, k, 0
	}
	a, b := metaSplit(fxWidths[t].out, k)
	return yBitsOf(t, k), a, b
}

// readBucket reads one bucket of table t back through the queue, unpacks
// it, and returns it sorted by (y, metaA, metaB).
func (p *Plotter) readBucket(t TableID, bucket int, id ioqueue.FileID) ([]fxEntry, error) {
	count := p.counts[t][bucket]
	if count == 0 {
		return nil, nil
	}

	yb, ab, bb := readWidths(t, p.cfg.K)
	entryBits := uint64(yb + ab + bb)
	size := int64(bits.CDiv(count*entryBits, 8))

	buf, err := p.queue.GetBuffer(size)
	if err != nil {
		return nil, err
	}
	p.queue.ReadFile(id, bucket, buf, size)
	p.queue.SignalFence(p.fence)
	p.queue.CommitCommands()
	p.fence.Wait()
	if err := p.queue.Err(); err != nil {
		return nil, err
	}

	entries := make([]fxEntry, count)
	r := bitio.NewReader(buf)
	for i := range entries {
		entries[i].y = r.Read(uint(yb))
		if ab > 0 {
			entries[i].metaA = r.Read(uint(ab))
		}
		if bb > 0 {
			entries[i].metaB = r.Read(uint(bb))
		}
	}

	p.queue.ReleaseBuffer(buf)
	p.queue.CommitCommands()

	slices.SortFunc(entries, func(a, b fxEntry) int {
		switch {
		case a.y != b.y:
			return cmpU64(a.y, b.y)
		case a.metaA != b.metaA:
			return cmpU64(a.metaA, b.metaA)
		default:
			return cmpU64(a.metaB, b.metaB)
		}
	})
	return entries, nil
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// runTable executes one Fx pass: for every input bucket, read + sort, pair
// through the matcher, hash, classify, scatter, and stream the derived
// entries to the output generation's bucket files.
func (p *Plotter) runTable(ctx context.Context, t TableID, match Matcher) error {
	k := p.cfg.K
	numBuckets := p.cfg.Buckets
	workers := p.cfg.Workers
	logBuckets := bits.Log2(uint64(numBuckets))

	inID := yFile(tableGen(t - 1))
	outID := yFile(tableGen(t))

	p.queue.SeekBucket(inID, 0, io.SeekStart)
	p.queue.SeekBucket(outID, 0, io.SeekStart)
	p.queue.CommitCommands()

	bw := ioqueue.NewBitBucketWriter(p.queue, outID)
	outCounts := p.counts[t]
	yOutBits, outABits, outBBits := readWidths(t, k)
	entryBits := uint64(yOutBits + outABits + outBBits)

	jobCounts := make([][]uint32, workers)
	for i := range jobCounts {
		jobCounts[i] = make([]uint32, numBuckets)
	}
	bitCounts := make([]uint64, numBuckets)

	var totalPairs, totalOut uint64

	for b := 0; b < int(numBuckets); b++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		in, err := p.readBucket(t-1, b, inID)
		if err != nil {
			return err
		}
		if len(in) == 0 {
			continue
		}

		ys := make([]uint64, len(in))
		for i := range in {
			ys[i] = in[i].y
		}
		pairs := match(t, uint32(b), ys)
		if len(pairs) == 0 {
			continue
		}
		totalPairs += uint64(len(pairs))

		n := len(pairs)
		fxY := make([]uint64, n)
		fxA := make([]uint64, n)
		fxB := make([]uint64, n)
		fxBucket := make([]byte, n)
		scatY := make([]uint64, n)
		scatA := make([]uint64, n)
		scatB := make([]uint64, n)

		var ctrlErr error

		err = mtjob.Run(workers, func(j *mtjob.Job) error {
			per := n / workers
			start := j.ID() * per
			end := start + per
			if j.IsLast() {
				end = n
			}

			ev := newFxEvaluator(t, k)
			ev.computeRange(in, pairs, start, end, logBuckets, fxY, fxA, fxB, fxBucket)
			countBuckets(fxBucket[start:end], jobCounts[j.ID()])

			j.Sync()

			ends := make([]uint32, numBuckets)
			totals := make([]uint32, numBuckets)
			prefixEnds(jobCounts, j.ID(), 0, ends, totals)

			if j.IsControl() {
				var sum uint64
				for i, c := range totals {
					outCounts[i] += uint64(c)
					bitCounts[i] = uint64(c) * entryBits
					sum += uint64(c)
				}
				totalOut += sum
				if sum != uint64(n) {
					ctrlErr = fmt.Errorf("%w: table %d bucket %d scattered %d of %d",
						dperrors.ErrBucketConservation, t, b, sum, n)
				} else {
					ctrlErr = bw.Begin(bitCounts)
				}
			}

			j.Sync()
			if ctrlErr != nil {
				return ctrlErr
			}

			scatter(fxY[start:end], fxA[start:end], fxB[start:end],
				fxBucket[start:end], ends, scatY, scatA, scatB)

			j.Sync()

			// Pack buckets round-robin; bucket-disjoint writers never
			// share a byte.
			starts := make([]uint64, numBuckets)
			for i := uint32(1); i < numBuckets; i++ {
				starts[i] = starts[i-1] + uint64(totals[i-1])
			}
			for ob := uint32(j.ID()); ob < numBuckets; ob += uint32(workers) {
				cnt := uint64(totals[ob])
				if cnt == 0 {
					continue
				}
				w := bw.Writer(int(ob), 0)
				base := starts[ob]
				for e := uint64(0); e < cnt; e++ {
					w.Write(scatY[base+e], uint(yOutBits))
					if outABits > 0 {
						w.Write(scatA[base+e], uint(outABits))
					}
					if outBBits > 0 {
						w.Write(scatB[base+e], uint(outBBits))
					}
				}
			}

			j.Sync()

			if j.IsControl() {
				bw.Submit()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := p.queue.Err(); err != nil {
			return err
		}
	}

	bw.SubmitLeftovers()
	p.queue.SignalFence(p.fence)
	p.queue.CommitCommands()
	p.fence.Wait()
	if err := p.queue.Err(); err != nil {
		return err
	}

	if totalOut != totalPairs {
		return fmt.Errorf("%w: table %d emitted %d entries for %d pairs",
			dperrors.ErrBucketConservation, t, totalOut, totalPairs)
	}

	p.log.Info("table complete",
		zap.Int("table", int(t)),
		zap.Uint64("pairs", totalPairs),
		zap.Uint64("entries", totalOut))
	return nil
}
