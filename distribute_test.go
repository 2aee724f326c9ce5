package diskplot

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"testing"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x1234567890ABCDEF
	testSeed2 = 0xFEDCBA9876543210
)

func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewSource(int64(testSeed1^s1) ^ int64(testSeed2^s2)))
}

func randomJobCounts(rng *rand.Rand, workers, buckets int) [][]uint32 {
	jc := make([][]uint32, workers)
	for w := range jc {
		jc[w] = make([]uint32, buckets)
		for b := range jc[w] {
			jc[w][b] = uint32(rng.Intn(100))
		}
	}
	return jc
}

// Worker windows within each bucket must be disjoint, contiguous, and sum
// to the bucket's global count.
func TestPrefixEndsDisjointWindows(t *testing.T) {
	rng := newTestRNG(t)
	const workers, buckets = 4, 16

	jc := randomJobCounts(rng, workers, buckets)

	allEnds := make([][]uint32, workers)
	totals := make([]uint32, buckets)
	for w := 0; w < workers; w++ {
		allEnds[w] = make([]uint32, buckets)
		prefixEnds(jc, w, 0, allEnds[w], totals)
	}

	var wantTotal uint32
	for b := 0; b < buckets; b++ {
		var bucketTotal uint32
		for w := 0; w < workers; w++ {
			bucketTotal += jc[w][b]
		}
		if totals[b] != bucketTotal {
			t.Errorf("bucket %d: totals = %d, want %d", b, totals[b], bucketTotal)
		}

		// Worker w's window is [end-count, end); window boundaries must
		// chain across workers starting at the bucket's base.
		base := wantTotal
		for w := 0; w < workers; w++ {
			start := allEnds[w][b] - jc[w][b]
			if start != base {
				t.Errorf("bucket %d worker %d: window starts at %d, want %d", b, w, start, base)
			}
			base = allEnds[w][b]
		}
		wantTotal += bucketTotal
	}
}

// With a block-entry alignment, every bucket's region base is aligned and
// the alignment padding is subtracted back so entries start at the base.
func TestPrefixEndsBlockPadding(t *testing.T) {
	rng := newTestRNG(t)
	const workers, buckets = 3, 8
	const alignEntries = 1024 // e.g. 4096-byte blocks of 4-byte entries

	jc := randomJobCounts(rng, workers, buckets)

	allEnds := make([][]uint32, workers)
	totals := make([]uint32, buckets)
	for w := 0; w < workers; w++ {
		allEnds[w] = make([]uint32, buckets)
		prefixEnds(jc, w, alignEntries, allEnds[w], totals)
	}

	base := uint32(0)
	for b := 0; b < buckets; b++ {
		if b > 0 && base%alignEntries != 0 {
			t.Errorf("bucket %d: base %d not aligned to %d entries", b, base, alignEntries)
		}
		cursor := base
		for w := 0; w < workers; w++ {
			start := allEnds[w][b] - jc[w][b]
			if start != cursor {
				t.Errorf("bucket %d worker %d: window starts at %d, want %d", b, w, start, cursor)
			}
			cursor = allEnds[w][b]
		}
		if cursor != base+totals[b] {
			t.Errorf("bucket %d: entries end at %d, want base+total %d", b, cursor, base+totals[b])
		}

		if b < buckets-1 {
			base += (totals[b] + alignEntries - 1) / alignEntries * alignEntries
		} else {
			base += totals[b]
		}
	}
}

func TestScatterPlacesEveryEntry(t *testing.T) {
	rng := newTestRNG(t)
	const buckets = 8
	const n = 500

	y := make([]uint64, n)
	a := make([]uint64, n)
	bmeta := make([]uint64, n)
	idx := make([]byte, n)
	counts := make([]uint32, buckets)
	for i := 0; i < n; i++ {
		y[i] = rng.Uint64()
		a[i] = rng.Uint64()
		bmeta[i] = rng.Uint64()
		idx[i] = byte(rng.Intn(buckets))
		counts[idx[i]]++
	}

	jc := [][]uint32{counts}
	ends := make([]uint32, buckets)
	prefixEnds(jc, 0, 0, ends, nil)

	dstY := make([]uint64, n)
	dstA := make([]uint64, n)
	dstB := make([]uint64, n)
	scatter(y, a, bmeta, idx, ends, dstY, dstA, dstB)

	// Each bucket region must hold exactly that bucket's entries with their
	// metadata still attached.
	region := uint32(0)
	for b := 0; b < buckets; b++ {
		seen := make(map[uint64]int)
		for i := region; i < region+counts[b]; i++ {
			seen[dstY[i]]++
		}
		for i := 0; i < n; i++ {
			if idx[i] == byte(b) {
				if seen[y[i]] == 0 {
					t.Fatalf("bucket %d: entry %#x missing from its region", b, y[i])
				}
				seen[y[i]]--
			}
		}
		region += counts[b]
	}

	// Metadata rides with its y.
	pos := make(map[uint64]int, n)
	for i, v := range dstY {
		pos[v] = i
	}
	for i := 0; i < n; i++ {
		j, ok := pos[y[i]]
		if !ok {
			t.Fatalf("entry %d lost in scatter", i)
		}
		if dstA[j] != a[i] || dstB[j] != bmeta[i] {
			t.Errorf("entry %d: metadata separated from y", i)
		}
	}
}

func TestCountBuckets(t *testing.T) {
	idx := []byte{0, 1, 1, 3, 3, 3, 7}
	counts := make([]uint32, 8)
	counts[5] = 99 // must be reset
	countBuckets(idx, counts)

	want := []uint32{1, 2, 0, 3, 0, 0, 0, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], want[i])
		}
	}
}
