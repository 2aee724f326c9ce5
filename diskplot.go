// Package diskplot implements the bucketed external-sort pipeline that
// builds a proof-of-space plot's tables on scratch storage.
//
// The pipeline expands a 32-byte plot id into 2^k seed entries (F1), then
// runs six Fx passes, each reading the previous table's sorted buckets,
// hashing matched pairs into derived entries, and scattering them across a
// fixed number of bucket files. All disk effects flow through a single
// dispatch goroutine fed by a bounded command queue; buffers come from a
// pre-reserved arena that bounds outstanding I/O.
//
// # Basic Usage
//
//	plotter, err := diskplot.New(plotID, 32, "/mnt/scratch",
//	    diskplot.WithBuckets(64),
//	    diskplot.WithWorkers(8),
//	    diskplot.WithDirectIO(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := plotter.Run(ctx, match); err != nil {
//	    log.Fatal(err)
//	}
//
// Matching — deciding which sorted entries pair up — is not part of this
// engine; Run takes it as a function. AdjacentMatcher is a stand-in used
// by tests and benchmarks.
//
// # Package Structure
//
//   - Public API: plotter.go (New, Run, RunF1), config.go (Option, With*)
//   - Stages: f1.go (seed generation), fx.go (pair hashing),
//     distribute.go (prefix-sum bucket windows), tables.go (widths)
//   - I/O: internal/ioqueue (command queue, file sets, bit-packed batch
//     writer), internal/heap (arena allocator)
//   - Workers: internal/mtjob (lock-step barrier groups)
//   - Bit layout: internal/bitio (big-endian fields at bit offsets)
package diskplot
