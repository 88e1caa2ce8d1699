package main

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
)

const rvEcall = 0x00000073

// trivialOverlay returns an image that immediately exits with the given
// status.
func trivialOverlay(status uint32) []byte {
	p := &prog{}
	p.asmLI(10, status)
	p.w32(rvRet())
	return p.buf
}

// TestOverlaySizeValidation checks the window-boundary rules: an image
// exactly the window size loads, one byte more is rejected.
func TestOverlaySizeValidation(t *testing.T) {
	m := newBootedMachine()
	win := m.MM.OverlayWin

	exact := make([]byte, win.Size())
	if err := m.Overlays.LoadImage(exact); err != nil {
		t.Fatalf("window-sized image rejected: %v", err)
	}
	if m.Overlays.State() != OVERLAY_LOADED {
		t.Fatalf("state = %s after load", m.Overlays.State())
	}

	big := make([]byte, win.Size()+1)
	if err := m.Overlays.LoadImage(big); !errors.Is(err, ErrBounds) {
		t.Fatalf("oversized image error = %v, expected bounds violation", err)
	}
	if err := m.Overlays.LoadImage(nil); !errors.Is(err, ErrBounds) {
		t.Fatalf("empty image error = %v", err)
	}
}

// TestOverlayRunAndReturn runs a trivial image and checks the clean-return
// path: exit status through a0, lifecycle back to empty, window cleared.
func TestOverlayRunAndReturn(t *testing.T) {
	m := newBootedMachine()

	if err := m.Overlays.LoadImage(trivialOverlay(42)); err != nil {
		t.Fatal(err)
	}
	code, err := m.Overlays.Run(0)
	if err != nil {
		t.Fatal(err)
	}
	if code != 42 {
		t.Fatalf("exit = %d, expected 42", code)
	}
	if m.Overlays.State() != OVERLAY_EMPTY {
		t.Fatalf("state = %s after return", m.Overlays.State())
	}
	if got := m.Bus.Read32(m.MM.OverlayWin.Start); got != 0 {
		t.Fatalf("window not cleared after teardown: 0x%08X", got)
	}
}

// TestOverlayArgumentPassing verifies the call argument arrives in a0.
func TestOverlayArgumentPassing(t *testing.T) {
	m := newBootedMachine()

	// a0 += 1; ret
	p := &prog{}
	p.w32(encI(1, 10, 0, 10, 0x13))
	p.w32(rvRet())
	if err := m.Overlays.LoadImage(p.buf); err != nil {
		t.Fatal(err)
	}
	code, err := m.Overlays.Run(99)
	if err != nil {
		t.Fatal(err)
	}
	if code != 100 {
		t.Fatalf("exit = %d, expected the argument plus one", code)
	}
}

// TestOverlayLedService verifies the ECALL gateway reaches the LED block.
func TestOverlayLedService(t *testing.T) {
	m := newBootedMachine()

	p := &prog{}
	p.asmLI(17, OVL_SVC_LED)
	p.asmLI(10, 6)
	p.w32(rvEcall)
	p.asmLI(10, 0)
	p.w32(rvRet())
	if err := m.Overlays.LoadImage(p.buf); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Overlays.Run(0); err != nil {
		t.Fatal(err)
	}
	if got := m.Led.Value(); got != 6 {
		t.Fatalf("LED = %d after overlay, expected 6", got)
	}
}

// timerHookOverlay builds the hook scenario image: register the timer-user
// hook, spin until the hook has fired `target` times, deregister, exit 0.
// The hook keeps its count at the base of the overlay heap.
func timerHookOverlay(mm MemoryMap, target uint32) []byte {
	counter := mm.OverlayHeap.Start

	main := &prog{}
	main.asmLI(17, OVL_SVC_HOOK_SET)
	hookLi := main.pc()
	main.asmLI(10, 0xFFFFF) // patched with the hook address (lui+addi shape)
	main.w32(rvEcall)
	main.asmLI(6, counter)
	main.asmLI(28, target)
	loop := main.pc()
	main.w32(encI(0, 6, 2, 7, 0x03)) // lw x7, counter
	off := loop - main.pc()
	main.w32(encB(off, 28, 7, 4)) // blt x7, target -> loop
	main.asmLI(17, OVL_SVC_HOOK_CLEAR)
	main.w32(rvEcall)
	main.asmLI(10, 0)
	main.w32(rvRet())

	hookOff := uint32(len(main.buf))
	hookAddr := mm.OverlayWin.Start + hookOff

	hook := &prog{}
	hook.asmLI(29, counter)
	hook.w32(encI(0, 29, 2, 30, 0x03))
	hook.w32(encI(1, 30, 0, 30, 0x13))
	hook.w32(encS(0, 30, 29, 2, 0x23))
	hook.w32(rvRet())

	image := append(main.buf, hook.buf...)

	// Patch the load-immediate at hookLi with the real hook address.
	patch := &prog{}
	patch.asmLI(10, hookAddr)
	copy(image[hookLi:], patch.buf)
	return image
}

// TestOverlayTimerHookLifecycle is the load/run/return scenario: the
// overlay claims the timer-user slot, counts 60 ticks, deregisters and
// returns. The slot must be empty afterwards and the caller sees success.
func TestOverlayTimerHookLifecycle(t *testing.T) {
	m := newBootedMachine()

	if err := m.Overlays.LoadImage(timerHookOverlay(m.MM, 60)); err != nil {
		t.Fatal(err)
	}

	m.StartTick()

	var code uint32
	var runErr error
	done := make(chan struct{})
	go func() {
		code, runErr = m.Overlays.Run(0)
		close(done)
	}()

	waitUntil(t, "overlay to claim the hook slot", func() bool {
		return !m.TimerSvc.UserHookEmpty()
	})

	finished := atomic.Bool{}
	go func() {
		<-done
		finished.Store(true)
	}()
	for i := 0; i < 200 && !finished.Load(); i++ {
		stepTicks(m, 1)
		settle()
	}
	waitUntil(t, "overlay return", finished.Load)

	if runErr != nil {
		t.Fatal(runErr)
	}
	if code != 0 {
		t.Fatalf("exit = %d, expected success", code)
	}
	if !m.TimerSvc.UserHookEmpty() {
		t.Fatal("timer-user slot still occupied after overlay return")
	}
	if m.Overlays.State() != OVERLAY_EMPTY {
		t.Fatalf("state = %s after return", m.Overlays.State())
	}
}

// TestOverlayTeardownAfterCrash verifies a faulting overlay leaves the
// firmware healthy: error to the caller, slot empty, window cleared.
func TestOverlayTeardownAfterCrash(t *testing.T) {
	m := newBootedMachine()

	// Register the hook, then execute an illegal instruction.
	p := &prog{}
	p.asmLI(17, OVL_SVC_HOOK_SET)
	p.asmLI(10, m.MM.OverlayWin.Start) // entry doubles as a "hook"
	p.w32(rvEcall)
	p.w32(0xFFFFFFFF)
	if err := m.Overlays.LoadImage(p.buf); err != nil {
		t.Fatal(err)
	}

	_, err := m.Overlays.Run(0)
	if err == nil {
		t.Fatal("crashed overlay reported success")
	}
	if !m.TimerSvc.UserHookEmpty() {
		t.Fatal("crashed overlay left the timer-user slot occupied")
	}
	if m.Overlays.State() != OVERLAY_EMPTY {
		t.Fatalf("state = %s after crash", m.Overlays.State())
	}

	// The firmware carries on: another overlay loads and runs.
	if err := m.Overlays.LoadImage(trivialOverlay(1)); err != nil {
		t.Fatal(err)
	}
	if code, err := m.Overlays.Run(0); err != nil || code != 1 {
		t.Fatalf("follow-up overlay: code=%d err=%v", code, err)
	}
}

// TestOverlayHangWatchdog verifies the instruction budget kills a looping
// overlay with a timeout error.
func TestOverlayHangWatchdog(t *testing.T) {
	m := newBootedMachine()

	// j . (an infinite self-jump)
	p := &prog{}
	p.w32(encJ(0, 0))
	if err := m.Overlays.LoadImage(p.buf); err != nil {
		t.Fatal(err)
	}
	m.Overlays.SetInstructionBudget(100_000)
	_, err := m.Overlays.Run(0)
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("hang error = %v, expected the watchdog timeout", err)
	}
}

// TestOverlayStackSeeding verifies sp lands at the top of the overlay
// stack region, distinct from the kernel's.
func TestOverlayStackSeeding(t *testing.T) {
	m := newBootedMachine()

	// sw sp, 0(x6) with x6 aimed at the overlay heap, then exit.
	p := &prog{}
	p.asmLI(6, m.MM.OverlayHeap.Start)
	p.w32(encS(0, 2, 6, 2, 0x23))
	p.asmLI(10, 0)
	p.w32(rvRet())
	if err := m.Overlays.LoadImage(p.buf); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Overlays.Run(0); err != nil {
		t.Fatal(err)
	}
	got := binary.LittleEndian.Uint32(m.Bus.ReadBytes(m.MM.OverlayHeap.Start, 4))
	if got != m.MM.OverlayStack.End {
		t.Fatalf("sp = 0x%08X, expected the overlay stack top 0x%08X", got, m.MM.OverlayStack.End)
	}
}
