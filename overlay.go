// overlay.go - Relocatable overlay loader for the Glacier Engine

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
overlay.go - Overlay Loader

Loads a position-independent RV32IMC image from the block device into the
fixed overlay window, validates its bounds, transfers control, and accepts
a clean return. Lifecycle: empty -> loaded -> running -> returning -> empty.

The contract with images:

    Raw binary, entry at offset 0, which by construction places the entry
    at the window base. No header; the size comes from the image length.

    The image assumes the window base at link time and performs no runtime
    relocation. Everything outside the window - MMIO, the overlay stack and
    heap - sits at absolute addresses shared with the firmware.

    The loader seeds the stack pointer to the top of the overlay stack, the
    argument in a0, and the return address at the exit sentinel; a plain
    return from the entry ends the overlay with a0 as its exit status.

    Firmware I/O is exported through the ECALL gateway: console bytes, the
    LED register mirror, the tick counter, the shared timer-user slot, and
    raw sector access.

A failed load, a fault, or a hang (the instruction-budget watchdog) is
fatal to that invocation only; the loader tears down, clears the window,
and reports the error to its caller. Teardown always empties the timer-user
slot, even when a sloppy overlay forgot to deregister.
*/

package main

import (
	"fmt"
	"sync"
)

type OverlayState int

const (
	OVERLAY_EMPTY OverlayState = iota
	OVERLAY_LOADED
	OVERLAY_RUNNING
	OVERLAY_RETURNING
)

func (s OverlayState) String() string {
	switch s {
	case OVERLAY_EMPTY:
		return "empty"
	case OVERLAY_LOADED:
		return "loaded"
	case OVERLAY_RUNNING:
		return "running"
	case OVERLAY_RETURNING:
		return "returning"
	}
	return "?"
}

// Overlay service numbers for the ECALL gateway (a7).
const (
	OVL_SVC_PUTC        = 0 // a0: byte to print
	OVL_SVC_GETC        = 1 // returns byte or 0xFFFFFFFF when none pending
	OVL_SVC_LED         = 2 // a0: LED bits
	OVL_SVC_TICKS       = 3 // returns the firmware tick counter
	OVL_SVC_HOOK_SET    = 4 // a0: guest hook address for the timer-user slot
	OVL_SVC_HOOK_CLEAR  = 5
	OVL_SVC_SECTOR_READ = 6 // a0: lba, a1: guest buffer
	OVL_SVC_SECTOR_WRITE = 7
)

// Instruction budget per invocation: the hang watchdog for this profile.
const OVERLAY_MAX_INSTRET = 200_000_000

// OverlayLoader owns the overlay window and the core that executes images.
type OverlayLoader struct {
	mu sync.Mutex

	bus   *SystemBus
	mm    MemoryMap
	blk   *SdAdapter
	timer *TimerService
	uart  *UartService

	state     OverlayState
	imageSize uint32
	core      *CpuRV32
	budget    uint64

	lastExit uint32
}

func NewOverlayLoader(bus *SystemBus, mm MemoryMap, blk *SdAdapter, timer *TimerService, uart *UartService) *OverlayLoader {
	return &OverlayLoader{
		bus:   bus,
		mm:    mm,
		blk:   blk,
		timer: timer,
		uart:   uart,
		state:  OVERLAY_EMPTY,
		budget: OVERLAY_MAX_INSTRET,
	}
}

// SetInstructionBudget adjusts the hang watchdog for this loader.
func (o *OverlayLoader) SetInstructionBudget(n uint64) {
	o.mu.Lock()
	o.budget = n
	o.mu.Unlock()
}

// State returns the lifecycle state.
func (o *OverlayLoader) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// validateImage applies the load-time checks shared by both load paths.
func (o *OverlayLoader) validateImage(size uint32) error {
	win := o.mm.OverlayWin
	if size == 0 {
		return fmt.Errorf("%w: empty overlay image", ErrBounds)
	}
	if size > win.Size() {
		return fmt.Errorf("%w: overlay image %d bytes exceeds %d-byte window", ErrBounds, size, win.Size())
	}
	return nil
}

// LoadImage places a host-supplied image into the window: the development
// and test path. Equivalent to a block-device load of the same bytes.
func (o *OverlayLoader) LoadImage(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == OVERLAY_RUNNING {
		return fmt.Errorf("overlay: window busy (%s)", o.state)
	}
	if err := o.validateImage(uint32(len(data))); err != nil {
		return err
	}
	o.bus.WriteBytes(o.mm.OverlayWin.Start, data)
	o.imageSize = uint32(len(data))
	o.state = OVERLAY_LOADED
	return nil
}

// LoadFromBlock streams an image of size bytes starting at sector lba into
// the window via the block adapter's DMA path.
func (o *OverlayLoader) LoadFromBlock(lba, size uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == OVERLAY_RUNNING {
		return fmt.Errorf("overlay: window busy (%s)", o.state)
	}
	if err := o.validateImage(size); err != nil {
		return err
	}

	sectors := (size + SD_SECTOR_SIZE - 1) / SD_SECTOR_SIZE
	base := o.mm.OverlayWin.Start
	for i := uint32(0); i < sectors; i++ {
		if err := o.blk.ReadSectorTo(lba+i, base+i*SD_SECTOR_SIZE); err != nil {
			o.state = OVERLAY_EMPTY
			return fmt.Errorf("overlay: sector %d load failed: %w", lba+i, err)
		}
	}
	o.imageSize = size
	o.state = OVERLAY_LOADED
	return nil
}

// Run transfers control to the loaded image and blocks until it returns.
// The exit status is the image's a0 at the return sentinel. Task context
// only: sector services and the DMA wait park the calling task.
func (o *OverlayLoader) Run(arg uint32) (uint32, error) {
	o.mu.Lock()
	if o.state != OVERLAY_LOADED {
		o.mu.Unlock()
		return 0, fmt.Errorf("overlay: run in state %s", o.state)
	}
	win := o.mm.OverlayWin

	core := NewCpuRV32(o.bus)
	core.Confine(win, []MemRegion{win, o.mm.OverlayHeap, o.mm.OverlayStack})
	core.SetEcall(o.service(core))
	core.PC = win.Start
	core.X[RV_REG_SP] = o.mm.OverlayStack.End
	core.X[RV_REG_RA] = RV_EXIT_SENTINEL
	core.X[RV_REG_A0] = arg

	o.core = core
	o.state = OVERLAY_RUNNING
	budget := o.budget
	o.mu.Unlock()

	exit, err := core.Run(budget)

	o.mu.Lock()
	o.state = OVERLAY_RETURNING
	o.teardownLocked()
	o.state = OVERLAY_EMPTY
	o.lastExit = exit
	o.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("overlay: %w", err)
	}
	return exit, nil
}

// teardownLocked strips every overlay-installed callback and clears the
// window. Runs whether the overlay exited cleanly or died.
func (o *OverlayLoader) teardownLocked() {
	o.timer.ClearUserHook()
	if o.core != nil {
		o.core.SetTimerHook(0)
		o.core = nil
	}
	win := o.mm.OverlayWin
	o.bus.WriteBytes(win.Start, make([]byte, win.Size()))
	o.imageSize = 0
}

// service builds the ECALL gateway bound to one core instance.
func (o *OverlayLoader) service(core *CpuRV32) EcallFunc {
	return func(fn, a0, a1, a2 uint32) (uint32, error) {
		switch fn {
		case OVL_SVC_PUTC:
			o.uart.WriteByte(byte(a0))
			return 0, nil

		case OVL_SVC_GETC:
			if b, ok := o.uart.PollByte(); ok {
				return uint32(b), nil
			}
			return 0xFFFFFFFF, nil

		case OVL_SVC_LED:
			o.bus.Write32(LED_REG, a0)
			return 0, nil

		case OVL_SVC_TICKS:
			return o.timer.Ticks(), nil

		case OVL_SVC_HOOK_SET:
			if !o.mm.OverlayWin.Contains(a0, 2) {
				return 0, fmt.Errorf("%w: hook 0x%08X outside the window", ErrBounds, a0)
			}
			if err := o.timer.SetUserHook(core.InjectTick); err != nil {
				return 1, nil
			}
			core.SetTimerHook(a0)
			return 0, nil

		case OVL_SVC_HOOK_CLEAR:
			o.timer.ClearUserHook()
			core.SetTimerHook(0)
			return 0, nil

		case OVL_SVC_SECTOR_READ:
			if o.blk == nil {
				return 1, nil
			}
			if err := o.blk.ReadSectorTo(a0, a1); err != nil {
				return 1, nil
			}
			return 0, nil

		case OVL_SVC_SECTOR_WRITE:
			if o.blk == nil {
				return 1, nil
			}
			if err := o.blk.WriteSectorFrom(a0, a1); err != nil {
				return 1, nil
			}
			return 0, nil
		}
		return 0, fmt.Errorf("unknown service %d", fn)
	}
}

// LastExit returns the most recent overlay exit status.
func (o *OverlayLoader) LastExit() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastExit
}
