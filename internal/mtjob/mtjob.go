// Package mtjob runs a fixed set of workers in lock step.
//
// The Fx and F1 stages need every worker to observe every other worker's
// bucket counts between two phases of the same loop iteration, which a
// channel pipeline cannot express without re-forming the pool per bucket.
// A reusable generation barrier gives the rendezvous. F1 keeps one group,
// and so one barrier, across all of its batches; each Fx table pass forms a
// new group, with a new barrier, for every input bucket.
package mtjob

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Barrier is a reusable synchronization point for a fixed number of
// goroutines. It may be waited on any number of times.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	count      int
	waiting    int
	generation uint64
}

// NewBarrier creates a barrier for count goroutines.
func NewBarrier(count int) *Barrier {
	b := &Barrier{count: count}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all count goroutines have called Wait for the current
// generation, then releases them together.
func (b *Barrier) Wait() {
	b.mu.Lock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.count {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Job is one worker's view of a lock-step group.
type Job struct {
	id      int
	count   int
	barrier *Barrier
}

// ID returns this worker's index in [0, Count).
func (j *Job) ID() int { return j.id }

// Count returns the number of workers in the group.
func (j *Job) Count() int { return j.count }

// IsControl reports whether this worker performs the group's single-writer
// duties (count bookkeeping, batch begin/submit).
func (j *Job) IsControl() bool { return j.id == 0 }

// IsLast reports whether this worker is the highest-indexed one; it absorbs
// remainder entries when the input does not divide evenly.
func (j *Job) IsLast() bool { return j.id == j.count-1 }

// Sync blocks until every worker in the group reaches the same point.
// Workers must call Sync the same number of times on every path; returning
// early between paired Syncs would wedge the group.
func (j *Job) Sync() { j.barrier.Wait() }

// Run executes fn on count workers in lock step, waits for all of them, and
// returns the first error. Per the Sync contract, a worker may only return
// early at a point where every other worker returns too.
func Run(count int, fn func(j *Job) error) error {
	barrier := NewBarrier(count)
	var g errgroup.Group
	for i := 0; i < count; i++ {
		job := &Job{id: i, count: count, barrier: barrier}
		g.Go(func() error {
			return fn(job)
		})
	}
	return g.Wait()
}
