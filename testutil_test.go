package main

import (
	"testing"
	"time"
)

// Cycles per kernel tick at the conventional 1 kHz configuration.
const testTickCycles = (TICK_PSC + 1) * (TICK_1KHZ_ARR + 1)

// stepTicks advances the board by whole kernel ticks.
func stepTicks(m *Machine, n int) {
	for i := 0; i < n; i++ {
		m.StepCycles(testTickCycles)
	}
}

// stepTicksQuiesced advances whole kernel ticks in lockstep: after each
// tick it waits for every woken task to reach its next suspension point,
// so tick arithmetic in tests is deterministic. Only usable when all tasks
// block; a busy-looping task never quiesces.
func stepTicksQuiesced(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		m.StepCycles(testTickCycles)
		waitUntil(t, "kernel quiesce", m.Kernel.Idle)
	}
}

// waitUntil polls cond for up to the deadline, yielding between polls.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives concurrently running task goroutines a moment to reach
// their next suspension point.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

// newBootedMachine builds a wired board with the firmware runtime stood up
// but the tick stopped and the scheduler not yet started.
func newBootedMachine() *Machine {
	m := NewMachine()
	m.BootFirmware()
	return m
}
