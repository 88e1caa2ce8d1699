package main

import (
	"fmt"
)

// MemRegion is one named range of the board memory map, [Start, End)
// half-open the way the linker hands out section bounds.
type MemRegion struct {
	Name  string
	Start uint32
	End   uint32
}

// Size returns the region length in bytes.
func (r MemRegion) Size() uint32 {
	return r.End - r.Start
}

// Contains reports whether [addr, addr+size) lies entirely inside the
// region.
func (r MemRegion) Contains(addr, size uint32) bool {
	if size == 0 {
		return false
	}
	end := uint64(addr) + uint64(size)
	return addr >= r.Start && end <= uint64(r.End)
}

// Overlaps reports whether two regions share any byte.
func (r MemRegion) Overlaps(o MemRegion) bool {
	return r.Start < o.End && o.Start < r.End
}

// MemoryMap collects the linker-provided layout of the board SRAM: the
// firmware image, the heap, the overlay window with its private stack and
// heap, and the kernel stack. The stacks grow downward from their End.
type MemoryMap struct {
	Firmware     MemRegion
	Heap         MemRegion
	OverlayWin   MemRegion
	OverlayHeap  MemRegion
	OverlayStack MemRegion
	KernelStack  MemRegion
}

// DefaultMemoryMap returns the layout the firmware links against.
func DefaultMemoryMap() MemoryMap {
	return MemoryMap{
		Firmware:     MemRegion{"firmware", 0x00000000, 0x00040000},
		Heap:         MemRegion{"heap", 0x00040000, 0x00060000},
		OverlayWin:   MemRegion{"overlay", 0x00060000, 0x00078000},
		OverlayHeap:  MemRegion{"overlay-heap", 0x00078000, 0x0007C000},
		OverlayStack: MemRegion{"overlay-stack", 0x0007C000, 0x0007E000},
		KernelStack:  MemRegion{"kernel-stack", 0x0007E000, 0x00080000},
	}
}

// Regions lists the map in layout order.
func (m MemoryMap) Regions() []MemRegion {
	return []MemRegion{
		m.Firmware, m.Heap, m.OverlayWin,
		m.OverlayHeap, m.OverlayStack, m.KernelStack,
	}
}

// Validate checks every region for emptiness, SRAM overflow, and pairwise
// overlap. A bad layout is a build-time defect; callers halt on error.
func (m MemoryMap) Validate() error {
	regs := m.Regions()
	for _, r := range regs {
		if r.End <= r.Start {
			return fmt.Errorf("memmap: region %s is empty or inverted (0x%08X..0x%08X)", r.Name, r.Start, r.End)
		}
		if r.End > SRAM_SIZE {
			return fmt.Errorf("memmap: region %s exceeds SRAM (end 0x%08X)", r.Name, r.End)
		}
	}
	for i := 0; i < len(regs); i++ {
		for j := i + 1; j < len(regs); j++ {
			if regs[i].Overlaps(regs[j]) {
				return fmt.Errorf("memmap: regions %s and %s overlap", regs[i].Name, regs[j].Name)
			}
		}
	}
	return nil
}

// MustValidate panics with a diagnostic on a broken layout.
func (m MemoryMap) MustValidate() {
	if err := m.Validate(); err != nil {
		panic(err.Error())
	}
}
