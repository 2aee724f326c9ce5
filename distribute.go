package diskplot

import "github.com/plotforge/diskplot/internal/bits"

// The bucket distributor turns per-worker bucket counts into disjoint,
// contiguous write windows inside each bucket. Worker w's window for bucket
// i covers [end-count, end) where end is the global prefix through bucket i
// minus the counts of every worker with id > w; scattering decrements from
// the end, so entries land reversed within the window. Order within a
// bucket is irrelevant, buckets are re-sorted on read.

// countBuckets tallies a slice of bucket indices into counts.
func countBuckets(bucketIdx []byte, counts []uint32) {
	for i := range counts {
		counts[i] = 0
	}
	for _, b := range bucketIdx {
		counts[b]++
	}
}

// prefixEnds computes worker self's decrement-style window ends.
//
// alignEntries, when non-zero, pads every bucket's total (except the last)
// up to the next multiple so that, at entrySize bytes per entry, successive
// buckets start at block-aligned offsets in a raw scatter buffer; the
// padding is subtracted back out so entries occupy the true start of each
// bucket. totals, when non-nil, receives the unpadded per-bucket counts
// across all workers.
func prefixEnds(jobCounts [][]uint32, self int, alignEntries uint32, ends, totals []uint32) {
	numBuckets := len(ends)

	for i := 0; i < numBuckets; i++ {
		ends[i] = 0
	}
	for _, counts := range jobCounts {
		for i, c := range counts {
			ends[i] += c
		}
	}
	if totals != nil {
		copy(totals, ends)
	}

	// Pad bucket totals so each bucket's region begins on a block boundary,
	// remembering the padding to re-point entries at the region's true start.
	var padding []uint32
	if alignEntries > 0 {
		padding = make([]uint32, numBuckets)
		for i := 0; i < numBuckets-1; i++ {
			padded := uint32(bits.RoundUp(uint64(ends[i]), uint64(alignEntries)))
			padding[i] = padded - ends[i]
			ends[i] = padded
		}
	}

	for i := 1; i < numBuckets; i++ {
		ends[i] += ends[i-1]
	}

	// Subtract the counts of every worker after self to carve this worker's
	// window out of each bucket.
	for w := self + 1; w < len(jobCounts); w++ {
		for i, c := range jobCounts[w] {
			ends[i] -= c
		}
	}

	if padding != nil {
		for i := 0; i < numBuckets-1; i++ {
			ends[i] -= padding[i]
		}
	}
}

// scatter distributes one worker's entries into its windows. ends is
// consumed: on return it holds each window's start offset.
func scatter(y, metaA, metaB []uint64, bucketIdx []byte, ends []uint32, dstY, dstA, dstB []uint64) {
	for i, b := range bucketIdx {
		ends[b]--
		dst := ends[b]
		dstY[dst] = y[i]
		if dstA != nil {
			dstA[dst] = metaA[i]
		}
		if dstB != nil {
			dstB[dst] = metaB[i]
		}
	}
}
