package main

import (
	"testing"
)

func testHeap() *HeapAllocator {
	return NewHeapAllocator(MemRegion{"heap", 0x40000, 0x42000}) // 8KB
}

// TestHeapFirstFit verifies allocation order and region confinement.
func TestHeapFirstFit(t *testing.T) {
	h := testHeap()

	a, err := h.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}
	if a != 0x40000 {
		t.Fatalf("first block at 0x%X, expected the region start", a)
	}
	if b != a+512 {
		t.Fatalf("second block at 0x%X, expected first fit after the first", b)
	}
}

// TestHeapFreeAndReuse verifies a freed hole is refilled first-fit.
func TestHeapFreeAndReuse(t *testing.T) {
	h := testHeap()
	a, _ := h.Alloc(512)
	_, _ = h.Alloc(512)
	h.Free(a)

	c, err := h.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("reused block at 0x%X, expected the freed hole 0x%X", c, a)
	}
}

// TestHeapCoalescing verifies adjacent frees merge, allowing a large
// allocation to succeed afterwards.
func TestHeapCoalescing(t *testing.T) {
	h := testHeap()
	a, _ := h.Alloc(2048)
	b, _ := h.Alloc(2048)
	c, _ := h.Alloc(2048)
	_ = c

	h.Free(a)
	h.Free(b)

	big, err := h.Alloc(4096)
	if err != nil {
		t.Fatalf("coalesced allocation failed: %v", err)
	}
	if big != a {
		t.Fatalf("coalesced block at 0x%X, expected 0x%X", big, a)
	}
}

// TestHeapExhaustion verifies out-of-memory surfaces as an error, not a
// halt, and recovers after a free.
func TestHeapExhaustion(t *testing.T) {
	h := testHeap()
	a, err := h.Alloc(8192)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(1); err == nil {
		t.Fatal("allocation on a full heap succeeded")
	}
	h.Free(a)
	if _, err := h.Alloc(1); err != nil {
		t.Fatalf("allocation after free failed: %v", err)
	}
}

// TestHeapChurn runs hundreds of mixed-size allocations with interleaved
// frees, the profile the allocator is specified for.
func TestHeapChurn(t *testing.T) {
	h := NewHeapAllocator(DefaultMemoryMap().Heap)

	live := make([]uint32, 0, 400)
	for round := 0; round < 5; round++ {
		for i := 0; i < 200; i++ {
			size := uint32(16 + (i%32)*16)
			if i%10 == 0 {
				size = 2048
			}
			addr, err := h.Alloc(size)
			if err != nil {
				t.Fatalf("round %d alloc %d: %v", round, i, err)
			}
			live = append(live, addr)
		}
		// Free every other block, then everything.
		for i := 0; i < len(live); i += 2 {
			h.Free(live[i])
		}
		for i := 1; i < len(live); i += 2 {
			h.Free(live[i])
		}
		live = live[:0]
	}
	if h.LiveCount() != 0 {
		t.Fatalf("%d blocks leaked", h.LiveCount())
	}
	if h.FreeBytes() != DefaultMemoryMap().Heap.Size() {
		t.Fatalf("free bytes = %d after full churn, expected the whole region", h.FreeBytes())
	}
}

// TestHeapDoubleFreePanics verifies freeing an unknown address halts.
func TestHeapDoubleFreePanics(t *testing.T) {
	h := testHeap()
	a, _ := h.Alloc(64)
	h.Free(a)
	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	h.Free(a)
}

// TestHeapZeroAlloc verifies the degenerate request is rejected.
func TestHeapZeroAlloc(t *testing.T) {
	h := testHeap()
	if _, err := h.Alloc(0); err == nil {
		t.Fatal("zero-length allocation succeeded")
	}
}
