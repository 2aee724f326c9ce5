// Package heap implements the bounded aligned allocator backing all I/O
// buffers in the pipeline.
//
// The arena is a single anonymous mapping reserved up front. Allocation runs
// on the producer and blocks until enough contiguous space is free; releases
// arrive from the queue's dispatch goroutine and are queued until applied.
// The only reference threaded through I/O commands is the buffer itself;
// the heap maps it back to its arena span on release.
package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	dperrors "github.com/plotforge/diskplot/errors"
	"github.com/plotforge/diskplot/internal/bits"
)

type span struct {
	off  int64
	size int64
}

// Heap is a first-fit allocator over a pre-reserved arena.
type Heap struct {
	mu   sync.Mutex
	cond *sync.Cond

	arena mmap.MMap
	base  uintptr
	size  int64

	free      []span          // sorted by offset, coalesced
	allocated map[int64]int64 // span offset -> span size

	pendingMu sync.Mutex
	pending   []int64 // offsets released by the dispatcher, not yet applied
}

// New reserves an arena of the given size. The mapping is page-aligned,
// which covers every device block alignment the file layer requests.
func New(size int64) (*Heap, error) {
	arena, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("reserve %d byte arena: %w", size, err)
	}
	h := &Heap{
		arena:     arena,
		base:      uintptr(unsafe.Pointer(unsafe.SliceData([]byte(arena)))),
		size:      size,
		free:      []span{{0, size}},
		allocated: make(map[int64]int64),
	}
	h.cond = sync.NewCond(&h.mu)
	return h, nil
}

// Close unmaps the arena. All buffers must have been released.
func (h *Heap) Close() error {
	return h.arena.Unmap()
}

// Alloc lends a buffer of at least size bytes whose backing address is
// aligned to align bytes. The returned slice's length is size rounded up to
// the next align multiple, so block-granular reads always fit. Alloc blocks
// until pending releases free enough contiguous space.
func (h *Heap) Alloc(size int64, align int64) ([]byte, error) {
	want := int64(bits.RoundUp(uint64(size), uint64(align)))
	if want > h.size {
		return nil, fmt.Errorf("%w: need %d, arena %d", dperrors.ErrOversizedAlloc, want, h.size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		h.applyPendingLocked()
		if buf := h.tryAllocLocked(want, align); buf != nil {
			return buf, nil
		}
		h.cond.Wait()
	}
}

func (h *Heap) tryAllocLocked(size, align int64) []byte {
	for i, s := range h.free {
		start := int64(bits.RoundUp(uint64(s.off), uint64(align)))
		if start+size > s.off+s.size {
			continue
		}

		// Carve [start, start+size) out of the span.
		tail := span{start + size, s.off + s.size - (start + size)}
		head := span{s.off, start - s.off}

		switch {
		case head.size > 0 && tail.size > 0:
			h.free[i] = head
			h.free = append(h.free, span{})
			copy(h.free[i+2:], h.free[i+1:])
			h.free[i+1] = tail
		case head.size > 0:
			h.free[i] = head
		case tail.size > 0:
			h.free[i] = tail
		default:
			h.free = append(h.free[:i], h.free[i+1:]...)
		}

		h.allocated[start] = size
		return h.arena[start : start+size : start+size]
	}
	return nil
}

// Release marks a buffer reclaimable. It is called only from the queue's
// dispatch goroutine while executing a ReleaseBuffer command. The space
// becomes allocatable once applied, either by a blocked Alloc or by
// CompletePendingReleases.
func (h *Heap) Release(buf []byte) error {
	off, err := h.offsetOf(buf)
	if err != nil {
		return err
	}
	h.pendingMu.Lock()
	h.pending = append(h.pending, off)
	h.pendingMu.Unlock()

	// Taking mu here pairs the signal with the allocator's wait; a signal
	// sent between its pending check and cond.Wait would otherwise be lost.
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
	return nil
}

// CompletePendingReleases makes every release queued so far visible to
// subsequent Alloc calls. Producer-side.
func (h *Heap) CompletePendingReleases() {
	h.mu.Lock()
	h.applyPendingLocked()
	h.mu.Unlock()
}

func (h *Heap) applyPendingLocked() {
	h.pendingMu.Lock()
	pending := h.pending
	h.pending = nil
	h.pendingMu.Unlock()

	for _, off := range pending {
		size, ok := h.allocated[off]
		if !ok {
			continue
		}
		delete(h.allocated, off)
		h.insertFreeLocked(span{off, size})
	}
	if len(pending) > 0 {
		h.cond.Broadcast()
	}
}

func (h *Heap) insertFreeLocked(s span) {
	// Find insertion point to keep the list address-ordered.
	i := 0
	for i < len(h.free) && h.free[i].off < s.off {
		i++
	}
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	// Coalesce with successor, then predecessor.
	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

func (h *Heap) offsetOf(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, dperrors.ErrForeignBuffer
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if addr < h.base || addr >= h.base+uintptr(h.size) {
		return 0, dperrors.ErrForeignBuffer
	}
	return int64(addr - h.base), nil
}

// FreeSpanCount returns the number of spans on the free list after applying
// pending releases. A fully reclaimed heap reports exactly 1.
func (h *Heap) FreeSpanCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyPendingLocked()
	return len(h.free)
}

// FreeBytes returns the total free space after applying pending releases.
func (h *Heap) FreeBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyPendingLocked()
	var total int64
	for _, s := range h.free {
		total += s.size
	}
	return total
}

// Size returns the arena size.
func (h *Heap) Size() int64 {
	return h.size
}
