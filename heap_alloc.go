package main

import (
	"fmt"
	"sort"
	"sync"
)

// HeapAllocator is a first-fit allocator handing out guest addresses from
// the heap window. It is single-owner by contract: one task owns the heap,
// or callers wrap allocation in a critical section. The allocator keeps its
// bookkeeping host-side; only the payload lives in guest SRAM.
//
// Free coalesces adjacent blocks, enough for a workload of hundreds of
// live allocations up to a few KiB each.
type HeapAllocator struct {
	mu     sync.Mutex
	region MemRegion
	free   []MemRegion // sorted by Start, non-adjacent, non-overlapping
	live   map[uint32]uint32
}

const HEAP_ALIGN = 8

func NewHeapAllocator(region MemRegion) *HeapAllocator {
	return &HeapAllocator{
		region: region,
		free:   []MemRegion{{"free", region.Start, region.End}},
		live:   make(map[uint32]uint32),
	}
}

// Alloc returns the guest address of a block of at least size bytes, or an
// error when no free run fits.
func (h *HeapAllocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-length allocation")
	}
	size = (size + HEAP_ALIGN - 1) &^ (HEAP_ALIGN - 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.free {
		if h.free[i].Size() >= size {
			addr := h.free[i].Start
			h.free[i].Start += size
			if h.free[i].Size() == 0 {
				h.free = append(h.free[:i], h.free[i+1:]...)
			}
			h.live[addr] = size
			return addr, nil
		}
	}
	return 0, fmt.Errorf("heap: out of memory allocating %d bytes", size)
}

// Free returns a block to the free list, coalescing neighbours. Freeing an
// address that was never handed out is a programming error.
func (h *HeapAllocator) Free(addr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.live[addr]
	if !ok {
		panic(fmt.Sprintf("heap: free of unallocated address 0x%08X", addr))
	}
	delete(h.live, addr)

	h.free = append(h.free, MemRegion{"free", addr, addr + size})
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].Start < h.free[j].Start })

	merged := h.free[:1]
	for _, r := range h.free[1:] {
		last := &merged[len(merged)-1]
		if last.End == r.Start {
			last.End = r.End
		} else {
			merged = append(merged, r)
		}
	}
	h.free = merged
}

// FreeBytes returns the total unallocated byte count.
func (h *HeapAllocator) FreeBytes() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint32
	for _, r := range h.free {
		n += r.Size()
	}
	return n
}

// LiveCount returns the number of outstanding allocations.
func (h *HeapAllocator) LiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
