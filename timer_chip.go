package main

import (
	"sync"
)

// TimerChip models the board's programmable down-counter: a prescaler and an
// auto-reload register clocked from the 50 MHz system clock. One update event
// fires every (PSC+1) * (ARR+1) cycles while the counter is enabled.
//
// The update flag in TIMER_SR is write-1-to-clear and drives the IRQ_TIMER
// line level-triggered: the line stays high until the flag is cleared at this
// register, which is what forces handlers into clear-first discipline.
//
// PSC and ARR writes land in the register file at any time but only latch
// into the counting shadow copies on an enable edge. The enable edge also
// reloads the counter and clears the prescaler, so a partial period left
// when the counter is stopped does not complete: the first update after a
// restart lands one full new period after the enable write.
type TimerChip struct {
	mu sync.Mutex

	cr  uint32
	sr  uint32
	psc uint32
	arr uint32
	cnt uint32

	// Shadow copies latched at the 0->1 enable transition.
	shadowPSC uint32
	shadowARR uint32

	prescale uint32 // cycles accumulated toward the next counter decrement

	updates uint64 // total update events, for diagnostics

	ctl *InterruptController
}

func NewTimerChip(ctl *InterruptController) *TimerChip {
	return &TimerChip{ctl: ctl}
}

// HandleRead services MMIO reads of the timer block.
func (t *TimerChip) HandleRead(addr uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch addr {
	case TIMER_CR:
		return t.cr
	case TIMER_SR:
		return t.sr
	case TIMER_PSC:
		return t.psc
	case TIMER_ARR:
		return t.arr
	case TIMER_CNT:
		return t.cnt
	}
	return 0
}

// HandleWrite services MMIO writes to the timer block.
func (t *TimerChip) HandleWrite(addr uint32, value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch addr {
	case TIMER_CR:
		wasEnabled := t.cr&TIMER_CR_ENABLE != 0
		t.cr = value & (TIMER_CR_ENABLE | TIMER_CR_ONESHOT)
		nowEnabled := t.cr&TIMER_CR_ENABLE != 0
		if !wasEnabled && nowEnabled {
			t.shadowPSC = t.psc
			t.shadowARR = t.arr
			t.cnt = t.shadowARR
			t.prescale = 0
		}
	case TIMER_SR:
		if value&TIMER_SR_UIF != 0 {
			t.sr &^= TIMER_SR_UIF
			t.ctl.Lower(IRQ_TIMER)
		}
	case TIMER_PSC:
		t.psc = value
	case TIMER_ARR:
		t.arr = value
	case TIMER_CNT:
		t.cnt = value
	}
}

// Step advances the timer by the given number of system clock cycles.
// Called from the board clock pump.
func (t *TimerChip) Step(cycles uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cr&TIMER_CR_ENABLE == 0 {
		return
	}
	for cycles > 0 {
		// Cycles until the prescaler next rolls a counter decrement.
		need := t.shadowPSC + 1 - t.prescale
		if cycles < need {
			t.prescale += cycles
			return
		}
		cycles -= need
		t.prescale = 0
		if t.cnt == 0 {
			// Underflow roll: flag, reload, interrupt line. The counter
			// spends ARR+1 prescaled ticks per period (ARR..0 inclusive).
			t.update()
			if t.cr&TIMER_CR_ENABLE == 0 {
				return
			}
			continue
		}
		t.cnt--
	}
}

// update fires one update event. Caller holds the mutex.
func (t *TimerChip) update() {
	t.sr |= TIMER_SR_UIF
	t.updates++
	t.ctl.Raise(IRQ_TIMER)
	if t.cr&TIMER_CR_ONESHOT != 0 {
		t.cr &^= TIMER_CR_ENABLE
		return
	}
	t.cnt = t.shadowARR
}

// UpdateCount returns the total number of update events since reset.
func (t *TimerChip) UpdateCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// PeriodCycles returns the currently latched period in system clock cycles,
// or 0 if the counter is stopped.
func (t *TimerChip) PeriodCycles() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cr&TIMER_CR_ENABLE == 0 {
		return 0
	}
	return (uint64(t.shadowPSC) + 1) * (uint64(t.shadowARR) + 1)
}

// Reset returns the timer block to power-on state.
func (t *TimerChip) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cr, t.sr, t.psc, t.arr, t.cnt = 0, 0, 0, 0, 0
	t.shadowPSC, t.shadowARR, t.prescale = 0, 0, 0
	t.updates = 0
	t.ctl.Lower(IRQ_TIMER)
}
