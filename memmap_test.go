package main

import (
	"testing"
)

// TestDefaultMemoryMapValidates verifies the linked layout is sane.
func TestDefaultMemoryMapValidates(t *testing.T) {
	if err := DefaultMemoryMap().Validate(); err != nil {
		t.Fatal(err)
	}
}

// TestMemoryMapOverlapDetected verifies two colliding regions fail the
// build-time check.
func TestMemoryMapOverlapDetected(t *testing.T) {
	mm := DefaultMemoryMap()
	mm.Heap.End = mm.OverlayWin.Start + 0x100
	if err := mm.Validate(); err == nil {
		t.Fatal("overlapping regions passed validation")
	}
}

// TestMemoryMapOverflowDetected verifies a region past the end of SRAM
// fails.
func TestMemoryMapOverflowDetected(t *testing.T) {
	mm := DefaultMemoryMap()
	mm.KernelStack.End = SRAM_SIZE + 0x1000
	if err := mm.Validate(); err == nil {
		t.Fatal("region beyond SRAM passed validation")
	}
}

// TestMemoryMapEmptyRegionDetected verifies inverted bounds fail.
func TestMemoryMapEmptyRegionDetected(t *testing.T) {
	mm := DefaultMemoryMap()
	mm.OverlayHeap.End = mm.OverlayHeap.Start
	if err := mm.Validate(); err == nil {
		t.Fatal("empty region passed validation")
	}
}

// TestRegionContains exercises the half-open containment rules.
func TestRegionContains(t *testing.T) {
	r := MemRegion{"r", 0x1000, 0x2000}
	if !r.Contains(0x1000, 0x1000) {
		t.Fatal("full region not contained in itself")
	}
	if r.Contains(0x1000, 0x1001) {
		t.Fatal("range past the end accepted")
	}
	if r.Contains(0x1000, 0) {
		t.Fatal("zero-length range accepted")
	}
	if r.Contains(0xFFF, 4) {
		t.Fatal("range starting before the region accepted")
	}
}
