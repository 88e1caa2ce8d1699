package main

import (
	"sync/atomic"
)

// PacketStack is the contract with the external TCP/IP stack: frames in,
// frames out, and a periodic timeout sweep driven by a millisecond clock.
// The stack is single-threaded by assumption; the glue honours that by
// invoking it from exactly one task.
type PacketStack interface {
	// Input hands the stack one complete received frame. The buffer is
	// only valid for the duration of the call.
	Input(frame []byte)

	// CheckTimeouts runs the stack's retransmission and timer work. Must
	// be cheap and non-blocking.
	CheckTimeouts(nowMillis uint32)
}

// NetGlue multiplexes the SLIP framer and the packet stack's periodic work
// over the single packet task. A 1 ms tick (the kernel tick at the
// conventional 1 kHz configuration) increments the millisecond counter the
// stack reads; the poll loop alternates RX service and timeout service,
// both non-blocking.
type NetGlue struct {
	uart   *UartService
	framer *SlipFramer
	stack  PacketStack

	millis atomic.Uint32
}

// NewNetGlue wires the packet path: UART bytes through the framer into the
// stack, stack output back through the framer onto the UART. Claims the
// UART for SLIP; diagnostics end at this moment.
func NewNetGlue(uart *UartService, stack PacketStack) *NetGlue {
	g := &NetGlue{uart: uart, stack: stack}
	g.framer = NewSlipFramer(
		func(frame []byte) {
			g.stack.Input(frame)
		},
		uart.SlipTxByte,
	)
	uart.ClaimForSlip()
	return g
}

// MillisTick advances the stack clock. Registered with the kernel tick at
// the 1 kHz configuration; ISR context.
func (g *NetGlue) MillisTick() {
	g.millis.Add(1)
}

// Millis returns the stack's millisecond clock.
func (g *NetGlue) Millis() uint32 {
	return g.millis.Load()
}

// PollRx drains whatever bytes the UART has buffered through the framer.
// Complete frames invoke the stack input callback in this (task) context.
// Non-blocking.
func (g *NetGlue) PollRx() {
	for {
		b, ok := g.uart.PollByte()
		if !ok {
			return
		}
		g.framer.PushByte(b)
	}
}

// RunOnce performs one main-loop iteration: RX service, then the stack's
// timeout sweep. Both halves are cheap and non-blocking; the caller loops.
func (g *NetGlue) RunOnce() {
	g.PollRx()
	g.stack.CheckTimeouts(g.millis.Load())
}

// Send transmits one stack frame over the link. Called only from the
// packet task, so no locking is needed on the TX side.
func (g *NetGlue) Send(frame []byte) {
	g.framer.WriteFrame(frame)
}

// Framer exposes the underlying framer's counters for the status line.
func (g *NetGlue) Framer() *SlipFramer {
	return g.framer
}
