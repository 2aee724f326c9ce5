package diskplot

import (
	"github.com/zeebo/blake3"

	"github.com/plotforge/diskplot/internal/bitio"
	"github.com/plotforge/diskplot/internal/bits"
)

// Pair references two matched entries within one sorted bucket:
// rightIndex = Left + RightDelta.
type Pair struct {
	Left       uint32
	RightDelta uint16
}

// Matcher produces the pairs for one sorted bucket stream. Matching itself
// is outside this engine; tests and the bench tool plug in simple pairers.
type Matcher func(table TableID, bucket uint32, y []uint64) []Pair

// fxEntry is one table entry in memory: the full-width y and the two
// metadata words (A holds up to 2k bits, B the rest).
type fxEntry struct {
	y     uint64
	metaA uint64
	metaB uint64
}

// fxEvaluator computes one table's Fx over paired entries. Each worker owns
// an evaluator; the hash input scratch is reused across pairs.
type fxEvaluator struct {
	table TableID
	k     uint32

	yInBits   uint32
	inABits   uint32
	inBBits   uint32
	outABits  uint32
	outBBits  uint32
	yOutBits  uint32
	inputBits uint32

	packBuf [80]byte
}

func newFxEvaluator(table TableID, k uint32) *fxEvaluator {
	w := fxWidths[table]
	inA, inB := metaSplit(w.in, k)
	outA, outB := metaSplit(w.out, k)

	e := &fxEvaluator{
		table:    table,
		k:        k,
		yInBits:  k + KExtraBits,
		inABits:  inA,
		inBBits:  inB,
		outABits: outA,
		outBBits: outB,
		yOutBits: yBitsOf(table, k),
	}
	e.inputBits = e.yInBits + 2*(inA+inB)
	return e
}

// compute hashes one pair into its derived entry. y carries the full
// k+kExtraBits input width; the bucket identity lives in its top bits.
func (e *fxEvaluator) compute(y uint64, l, r fxEntry) fxEntry {
	// Pack (y, metaL, metaR) big-endian and hash.
	w := bitio.NewWriter(e.packBuf[:], 0)
	w.Write(y, uint(e.yInBits))
	w.Write(l.metaA, uint(e.inABits))
	if e.inBBits > 0 {
		w.Write(l.metaB, uint(e.inBBits))
	}
	w.Write(r.metaA, uint(e.inABits))
	if e.inBBits > 0 {
		w.Write(r.metaB, uint(e.inBBits))
	}

	hash := blake3.Sum256(e.packBuf[:bits.CDiv(uint64(e.inputBits), 8)])
	rd := bitio.NewReader(hash[:])

	out := fxEntry{y: rd.ReadAt(0, uint(e.yOutBits))}

	// Early tables concatenate the input metadata; later tables slice the
	// hash output just past y'.
	switch e.table {
	case Table2:
		out.metaA = l.metaA<<e.k | r.metaA
	case Table3:
		out.metaA = l.metaA
		out.metaB = r.metaA
	case Table7:
		// No output metadata.
	default:
		off := uint64(e.k + KExtraBits)
		out.metaA = rd.ReadAt(off, uint(e.outABits))
		if e.outBBits > 0 {
			out.metaB = rd.ReadAt(off+uint64(e.outABits), uint(e.outBBits))
		}
	}
	return out
}

// computeRange evaluates pairs[start:end] against the sorted input bucket,
// writing derived entries and bucket tags into the shared output slices at
// the same indices.
func (e *fxEvaluator) computeRange(
	in []fxEntry, pairs []Pair, start, end int,
	logBuckets uint32,
	outY, outA, outB []uint64, outBucket []byte,
) {
	for i := start; i < end; i++ {
		l := pairs[i].Left
		r := l + uint32(pairs[i].RightDelta)

		d := e.compute(in[l].y, in[l], in[r])

		outY[i] = d.y
		outA[i] = d.metaA
		outB[i] = d.metaB
		outBucket[i] = byte(bucketOf(d.y, e.table, e.k, logBuckets))
	}
}
