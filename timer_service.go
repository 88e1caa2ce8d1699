package main

import (
	"fmt"
	"sync/atomic"
)

// Conventional prescaler/reload pairs for the 50 MHz clock.
// f_out = SYS_CLOCK_HZ / ((psc+1) * (arr+1)).
const (
	TICK_PSC = 49 // 50 MHz / 50 = 1 MHz prescaled

	TICK_1KHZ_ARR = 999    // 1 kHz kernel tick
	TICK_60HZ_ARR = 16666  // ~60 Hz redraw cadence
	TICK_1HZ_ARR  = 999999 // 1 Hz throughput sampling
)

// TimerService is the firmware face of the timer block: it programs the
// prescaler and auto-reload registers, owns the IRQ_TIMER handler, and
// fans each update event out to the kernel tick plus one user slot.
//
// The kernel slot is a singleton fixed at Install time. The user slot is
// for transient owners - an overlay registers a hook on entry and must
// deregister it before returning.
//
// Reconfiguration is only legal while the counter is stopped. Stopping
// drops any partial period in flight (it does not complete at the old
// period); the new configuration takes its first edge one full period
// after Start.
type TimerService struct {
	bus  MemoryBus
	disp *InterruptDispatcher

	ticks      atomic.Uint32
	running    bool
	kernelHook func()
	userHook   atomic.Value // hookSlot

	installed bool
}

// hookSlot wraps the user callback so an empty slot can be stored in an
// atomic.Value.
type hookSlot struct {
	fn func()
}

func NewTimerService(bus MemoryBus, disp *InterruptDispatcher) *TimerService {
	s := &TimerService{bus: bus, disp: disp}
	s.userHook.Store(hookSlot{})
	return s
}

// Install registers the tick interrupt handler and pins the kernel slot.
// Double installation is a programming error.
func (s *TimerService) Install(kernelHook func()) {
	if s.installed {
		panic("timer: service installed twice")
	}
	s.installed = true
	s.kernelHook = kernelHook
	s.disp.RegisterIRQ(IRQ_TIMER, s.isr)
}

// isr services one timer interrupt. Acknowledging the update flag comes
// first: the write-1-to-clear at the source drops the line before any work
// that could re-enable delivery.
func (s *TimerService) isr() {
	s.bus.Write32(TIMER_SR, TIMER_SR_UIF)

	s.ticks.Add(1)
	if s.kernelHook != nil {
		s.kernelHook()
	}
	if slot := s.userHook.Load().(hookSlot); slot.fn != nil {
		slot.fn()
	}
}

// Configure programs prescaler and auto-reload. Rejected while running.
func (s *TimerService) Configure(psc, arr uint32) error {
	if s.running {
		return fmt.Errorf("timer: reconfigure while running")
	}
	s.bus.Write32(TIMER_PSC, psc)
	s.bus.Write32(TIMER_ARR, arr)
	return nil
}

// Start enables the counter. The first update event lands one full period
// after this call.
func (s *TimerService) Start() {
	s.running = true
	s.bus.Write32(TIMER_CR, TIMER_CR_ENABLE)
}

// Stop disables the counter. The update flag, if set, stays pending until
// serviced.
func (s *TimerService) Stop() {
	s.bus.Write32(TIMER_CR, 0)
	s.running = false
}

// Running reports whether the counter is started.
func (s *TimerService) Running() bool {
	return s.running
}

// Ticks returns the monotonic tick count. Written only by the ISR; any
// context may read it.
func (s *TimerService) Ticks() uint32 {
	return s.ticks.Load()
}

// SetUserHook installs the secondary tick callback. Returns an error if
// the slot is already occupied; the owner must clear it before another
// client can claim it.
func (s *TimerService) SetUserHook(fn func()) error {
	if fn == nil {
		return fmt.Errorf("timer: nil user hook")
	}
	if !s.UserHookEmpty() {
		return fmt.Errorf("timer: user hook slot occupied")
	}
	s.userHook.Store(hookSlot{fn: fn})
	return nil
}

// ClearUserHook empties the user slot.
func (s *TimerService) ClearUserHook() {
	s.userHook.Store(hookSlot{})
}

// UserHookEmpty reports whether the user slot is free.
func (s *TimerService) UserHookEmpty() bool {
	return s.userHook.Load().(hookSlot).fn == nil
}
