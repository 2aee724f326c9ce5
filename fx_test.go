package diskplot

import (
	"math/big"
	"slices"
	"testing"

	"github.com/zeebo/blake3"
)

// refPack assembles fields into a big-endian MSB-first byte stream using
// big.Int arithmetic, independently of internal/bitio.
func refPack(fields []uint64, widths []uint) []byte {
	v := new(big.Int)
	var totalBits uint
	for i, f := range fields {
		v.Lsh(v, widths[i])
		v.Or(v, new(big.Int).SetUint64(f))
		totalBits += widths[i]
	}
	numBytes := (totalBits + 7) / 8
	v.Lsh(v, numBytes*8-totalBits) // left-align within the byte stream
	out := make([]byte, numBytes)
	v.FillBytes(out)
	return out
}

// refSlice extracts the n-bit big-endian field at bit offset off of a
// 32-byte digest.
func refSlice(hash [32]byte, off, n uint) uint64 {
	v := new(big.Int).SetBytes(hash[:])
	v.Rsh(v, 256-off-n)
	mask := new(big.Int).Lsh(big.NewInt(1), n)
	mask.Sub(mask, big.NewInt(1))
	v.And(v, mask)
	return v.Uint64()
}

// Scenario S4 shape: a seeded 32-entry sorted bucket through the table-2
// Fx, checked field by field against an independent reference.
func TestFxTable2MatchesReference(t *testing.T) {
	rng := newTestRNG(t)
	const k = 12
	const logBuckets = 3
	const bucket = 5

	// 32 sorted entries confined to bucket 5: top 3 of 18 y bits fixed.
	const n = 32
	in := make([]fxEntry, n)
	ys := make([]uint64, n)
	for i := range in {
		ys[i] = uint64(bucket)<<15 | uint64(rng.Intn(1<<15))
	}
	slices.Sort(ys)
	for i := range in {
		in[i] = fxEntry{y: ys[i], metaA: uint64(rng.Intn(1 << k))}
	}

	pairs := make([]Pair, 0, n/2)
	for i := 0; i+1 < n; i += 2 {
		pairs = append(pairs, Pair{Left: uint32(i), RightDelta: 1})
	}

	ev := newFxEvaluator(Table2, k)
	for _, pr := range pairs {
		l, r := in[pr.Left], in[pr.Left+uint32(pr.RightDelta)]
		got := ev.compute(l.y, l, r)

		input := refPack(
			[]uint64{l.y, l.metaA, r.metaA},
			[]uint{k + KExtraBits, k, k})
		hash := blake3.Sum256(input)

		wantY := refSlice(hash, 0, k+KExtraBits)
		wantA := l.metaA<<k | r.metaA

		if got.y != wantY {
			t.Errorf("pair %d: y' = %#x, want %#x", pr.Left, got.y, wantY)
		}
		if got.metaA != wantA {
			t.Errorf("pair %d: metaA = %#x, want %#x (concatenation)", pr.Left, got.metaA, wantA)
		}
		if got.metaB != 0 {
			t.Errorf("pair %d: metaB = %#x, want 0", pr.Left, got.metaB)
		}

		// Classification: top log2(B) bits of y'.
		wantBucket := uint32(wantY >> (k + KExtraBits - logBuckets))
		if b := bucketOf(got.y, Table2, k, logBuckets); b != wantBucket {
			t.Errorf("pair %d: bucket %d, want %d", pr.Left, b, wantBucket)
		}
	}
}

// Table 5 consumes 4k-bit metadata and slices its 3k-bit output metadata
// out of the hash just past y'.
func TestFxTable5HashSliceMeta(t *testing.T) {
	rng := newTestRNG(t)
	const k = 12

	for i := 0; i < 64; i++ {
		l := fxEntry{
			y:     uint64(rng.Intn(1 << (k + KExtraBits))),
			metaA: uint64(rng.Intn(1 << (2 * k))),
			metaB: uint64(rng.Intn(1 << (2 * k))),
		}
		r := fxEntry{
			metaA: uint64(rng.Intn(1 << (2 * k))),
			metaB: uint64(rng.Intn(1 << (2 * k))),
		}

		ev := newFxEvaluator(Table5, k)
		got := ev.compute(l.y, l, r)

		input := refPack(
			[]uint64{l.y, l.metaA, l.metaB, r.metaA, r.metaB},
			[]uint{k + KExtraBits, 2 * k, 2 * k, 2 * k, 2 * k})
		hash := blake3.Sum256(input)

		if want := refSlice(hash, 0, k+KExtraBits); got.y != want {
			t.Errorf("case %d: y' = %#x, want %#x", i, got.y, want)
		}
		if want := refSlice(hash, k+KExtraBits, 2*k); got.metaA != want {
			t.Errorf("case %d: metaA = %#x, want hash slice %#x", i, got.metaA, want)
		}
		if want := refSlice(hash, k+KExtraBits+2*k, k); got.metaB != want {
			t.Errorf("case %d: metaB = %#x, want hash slice %#x", i, got.metaB, want)
		}
	}
}

// The final table drops the extra bits: y' is k wide, has no metadata, and
// its bucket tag comes from the top bits of the k-bit value.
func TestFxTable7DropsExtraBits(t *testing.T) {
	rng := newTestRNG(t)
	const k = 12
	const logBuckets = 3

	l := fxEntry{
		y:     uint64(rng.Intn(1 << (k + KExtraBits))),
		metaA: uint64(rng.Intn(1 << (2 * k))),
	}
	r := fxEntry{metaA: uint64(rng.Intn(1 << (2 * k)))}

	ev := newFxEvaluator(Table7, k)
	got := ev.compute(l.y, l, r)

	input := refPack(
		[]uint64{l.y, l.metaA, r.metaA},
		[]uint{k + KExtraBits, 2 * k, 2 * k})
	hash := blake3.Sum256(input)

	if want := refSlice(hash, 0, k); got.y != want {
		t.Errorf("y' = %#x, want top k bits %#x", got.y, want)
	}
	if got.metaA != 0 || got.metaB != 0 {
		t.Errorf("table 7 produced metadata: %#x %#x", got.metaA, got.metaB)
	}
	if want := uint32(got.y >> (k - logBuckets)); bucketOf(got.y, Table7, k, logBuckets) != want {
		t.Errorf("table 7 bucket tag mismatch")
	}
}

// computeRange must agree with entry-at-a-time evaluation regardless of how
// the pair range is split (thread independence of the evaluator).
func TestFxComputeRangeSplitIndependence(t *testing.T) {
	rng := newTestRNG(t)
	const k = 12
	const logBuckets = 3
	const n = 90

	in := make([]fxEntry, n+1)
	for i := range in {
		in[i] = fxEntry{
			y:     uint64(rng.Intn(1 << (k + KExtraBits))),
			metaA: uint64(rng.Intn(1 << (2 * k))),
		}
	}
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Left: uint32(i), RightDelta: 1}
	}

	run := func(splits []int) ([]uint64, []uint64, []byte) {
		y := make([]uint64, n)
		a := make([]uint64, n)
		bm := make([]uint64, n)
		bk := make([]byte, n)
		prev := 0
		for _, s := range append(splits, n) {
			ev := newFxEvaluator(Table3, k)
			ev.computeRange(in, pairs, prev, s, logBuckets, y, a, bm, bk)
			prev = s
		}
		return y, a, bk
	}

	y1, a1, b1 := run(nil)
	y2, a2, b2 := run([]int{1, 7, 40, 41, 89})
	for i := 0; i < n; i++ {
		if y1[i] != y2[i] || a1[i] != a2[i] || b1[i] != b2[i] {
			t.Fatalf("entry %d differs across splits", i)
		}
	}
}
