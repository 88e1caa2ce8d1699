package main

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InterruptController models the board's interrupt concentrator: a 32-bit
// pending word fed by level-triggered peripheral lines, plus a mask word the
// dispatcher uses to silence lines nothing has claimed. Peripherals raise
// their line when their local status flag sets and lower it when the flag is
// acknowledged at the source register.
type InterruptController struct {
	pending atomic.Uint32
	masked  atomic.Uint32
}

func NewInterruptController() *InterruptController {
	return &InterruptController{}
}

// Raise asserts an interrupt line. Called by peripherals from the clock
// path; safe from any goroutine.
func (ic *InterruptController) Raise(line int) {
	ic.pending.Or(1 << uint(line))
}

// Lower deasserts an interrupt line. Peripherals call this when their status
// flag is cleared at the source (write-1-to-clear or equivalent).
func (ic *InterruptController) Lower(line int) {
	ic.pending.And(^uint32(1 << uint(line)))
}

// Pending returns the raw pending word.
func (ic *InterruptController) Pending() uint32 {
	return ic.pending.Load()
}

// PendingUnmasked returns pending lines that have not been masked away.
func (ic *InterruptController) PendingUnmasked() uint32 {
	return ic.pending.Load() &^ ic.masked.Load()
}

// MaskLine silences a line at the controller. Used by the dispatcher when a
// pending line has no registered handler.
func (ic *InterruptController) MaskLine(line int) {
	ic.masked.Or(1 << uint(line))
}

// UnmaskLine re-enables a previously masked line.
func (ic *InterruptController) UnmaskLine(line int) {
	ic.masked.And(^uint32(1 << uint(line)))
}

// MaskedLines returns the controller-level mask word.
func (ic *InterruptController) MaskedLines() uint32 {
	return ic.masked.Load()
}

// Dispatcher states. The dispatcher starts masked; Init moves it to idle,
// and Service transitions through inHandler for each delivered line.
type DispatcherState int32

const (
	DISPATCH_MASKED DispatcherState = iota
	DISPATCH_IDLE
	DISPATCH_IN_HANDLER
)

// IrqHandler is a registered per-line callback. A handler runs with CPU
// interrupts implicitly masked and MUST acknowledge its source peripheral
// (clearing the flag that holds the line high) before doing anything that
// could allow redelivery. A handler that returns without acknowledging
// leaves its line pending and will be observed as a rapid retrigger.
type IrqHandler func()

// InterruptDispatcher decodes the pending word and invokes registered
// handlers. It also owns the critical-section primitive: the latch mutex
// stands in for the CPU's global interrupt-enable bit, so a foreground
// context holding it keeps Service (and therefore every handler) parked
// until the outermost exit.
//
// Critical sections belong to the single foreground CPU, not to any one
// goroutine: exactly one task runs at a time, and when the scheduler hands
// the CPU to the next task the open latch travels with it. The depth
// counter therefore tracks the CPU's masking level; a caller seeing depth
// zero takes the latch, anything else is already inside the masked CPU.
type InterruptDispatcher struct {
	ctl      *InterruptController
	latch    sync.Mutex
	depth    atomic.Int32
	state    atomic.Int32
	handlers [IRQ_LINES]IrqHandler
	hmu      sync.Mutex // guards handler table mutation bookkeeping
	spurious [IRQ_LINES]atomic.Uint32
	serviced atomic.Uint64 // total handler invocations, for diagnostics
}

func NewInterruptDispatcher(ctl *InterruptController) *InterruptDispatcher {
	d := &InterruptDispatcher{ctl: ctl}
	d.state.Store(int32(DISPATCH_MASKED))
	return d
}

// Init arms the dispatcher: masked -> unmasked-idle.
func (d *InterruptDispatcher) Init() {
	d.state.Store(int32(DISPATCH_IDLE))
}

// State returns the dispatcher state for diagnostics and tests.
func (d *InterruptDispatcher) State() DispatcherState {
	return DispatcherState(d.state.Load())
}

// RegisterIRQ installs a handler for an interrupt line. Double registration
// is a programming error and halts with a diagnostic. Registration also
// unmasks the line at the controller, clearing any earlier silencing.
func (d *InterruptDispatcher) RegisterIRQ(line int, h IrqHandler) {
	if line < 0 || line >= IRQ_LINES {
		panic(fmt.Sprintf("irq: register out of range line %d", line))
	}
	if h == nil {
		panic(fmt.Sprintf("irq: nil handler for line %d", line))
	}
	d.EnterCritical()
	defer d.ExitCritical()
	d.hmu.Lock()
	defer d.hmu.Unlock()
	if d.handlers[line] != nil {
		panic(fmt.Sprintf("irq: line %d already has a handler", line))
	}
	d.handlers[line] = h
	d.ctl.UnmaskLine(line)
}

// DeregisterIRQ removes the handler for a line. Any still-pending assertion
// must have been acknowledged at the source peripheral beforehand; a line
// left high with no handler will be masked and counted as spurious on the
// next delivery.
func (d *InterruptDispatcher) DeregisterIRQ(line int) {
	if line < 0 || line >= IRQ_LINES {
		panic(fmt.Sprintf("irq: deregister out of range line %d", line))
	}
	d.EnterCritical()
	defer d.ExitCritical()
	d.hmu.Lock()
	d.handlers[line] = nil
	d.hmu.Unlock()
}

// Registered reports whether a line currently has a handler.
func (d *InterruptDispatcher) Registered(line int) bool {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return d.handlers[line] != nil
}

// EnterCritical masks CPU interrupts for the calling foreground context.
// Re-entrant by counting: the outermost enter takes the latch, nested
// enters only deepen the count.
func (d *InterruptDispatcher) EnterCritical() {
	if d.depth.Load() == 0 {
		d.latch.Lock()
	}
	d.depth.Add(1)
}

// ExitCritical unwinds one nesting level. The outermost exit restores the
// interrupt-enable state that existed before the outermost enter, releasing
// any pending delivery.
func (d *InterruptDispatcher) ExitCritical() {
	n := d.depth.Add(-1)
	if n < 0 {
		panic("irq: critical section underflow")
	}
	if n == 0 {
		d.latch.Unlock()
	}
}

// CriticalDepth returns the current nesting level.
func (d *InterruptDispatcher) CriticalDepth() int {
	return int(d.depth.Load())
}

// Service performs one hardware interrupt entry: it waits for the CPU
// interrupt-enable latch, reads the pending word, and invokes the handler
// for every set line. Unregistered pending lines are masked at the
// controller and counted; delivery of the rest proceeds normally.
//
// Called from the board clock whenever any line is pending. While a
// foreground critical section is open this call blocks, which is exactly
// the semantics of a masked CPU: the peripheral keeps its line high and
// delivery happens on the outermost ExitCritical.
func (d *InterruptDispatcher) Service() {
	d.latch.Lock()
	defer d.latch.Unlock()

	pend := d.ctl.PendingUnmasked()
	if pend == 0 {
		return
	}
	for line := 0; line < IRQ_LINES; line++ {
		if pend&(1<<uint(line)) == 0 {
			continue
		}
		d.hmu.Lock()
		h := d.handlers[line]
		d.hmu.Unlock()
		if h == nil {
			// Nothing claimed this line: silence it at the controller so
			// it cannot wedge delivery, and record the programming error.
			d.ctl.MaskLine(line)
			d.spurious[line].Add(1)
			continue
		}
		d.state.Store(int32(DISPATCH_IN_HANDLER))
		h()
		d.serviced.Add(1)
		d.state.Store(int32(DISPATCH_IDLE))
	}
}

// SpuriousCount returns how many times a pending line was seen with no
// registered handler.
func (d *InterruptDispatcher) SpuriousCount(line int) uint32 {
	return d.spurious[line].Load()
}

// ServicedCount returns the total number of handler invocations.
func (d *InterruptDispatcher) ServicedCount() uint64 {
	return d.serviced.Load()
}
