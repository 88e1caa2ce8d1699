package main

import (
	"fmt"
	"sync/atomic"
)

// UartService is the firmware face of the UART, and the arbiter of its one
// hard ownership rule: before the packet link comes up the port carries
// start-of-day diagnostics; once SLIP is active the port belongs to the
// packet path exclusively and every diagnostic write is swallowed and
// counted instead of corrupting the framing.
//
// The lockout is a one-way lifecycle transition, taken exactly once.
type UartService struct {
	bus MemoryBus

	slipActive     atomic.Bool
	lockedOutWrites atomic.Uint32
}

func NewUartService(bus MemoryBus) *UartService {
	return &UartService{bus: bus}
}

// putByte transmits one byte, spinning on TX-ready. The raw path: WriteByte
// and WriteString call it behind the lockout check; SlipTxByte calls it
// directly, bypassing the lockout.
func (u *UartService) putByte(b byte) {
	for u.bus.Read32(UART_TX_STATUS)&UART_TX_BUSY != 0 {
	}
	u.bus.Write32(UART_TX_DATA, uint32(b))
}

// PollByte returns the next received byte, if any.
func (u *UartService) PollByte() (byte, bool) {
	if u.bus.Read32(UART_RX_STATUS)&UART_RX_AVAIL == 0 {
		return 0, false
	}
	return byte(u.bus.Read32(UART_RX_DATA)), true
}

// ClaimForSlip hands the port to the packet path. One-shot; a second claim
// is a programming error.
func (u *UartService) ClaimForSlip() {
	if !u.slipActive.CompareAndSwap(false, true) {
		panic("uart: SLIP claimed the port twice")
	}
}

// SlipActive reports whether the lockout has been taken.
func (u *UartService) SlipActive() bool {
	return u.slipActive.Load()
}

// SlipTxByte is the transmit sink for the SLIP framer; it bypasses the
// diagnostic lockout because the packet path owns the port.
func (u *UartService) SlipTxByte(b byte) {
	u.putByte(b)
}

// WriteByte sends one raw diagnostic byte under the lockout rules.
func (u *UartService) WriteByte(b byte) {
	if u.slipActive.Load() {
		u.lockedOutWrites.Add(1)
		return
	}
	u.putByte(b)
}

// WriteString prints diagnostics to the port. Legal only before the SLIP
// claim: afterwards the bytes are dropped and counted, keeping the framed
// link byte-clean.
func (u *UartService) WriteString(s string) {
	if u.slipActive.Load() {
		u.lockedOutWrites.Add(uint32(len(s)))
		return
	}
	for i := 0; i < len(s); i++ {
		u.putByte(s[i])
	}
}

// Printf formats a diagnostic line to the port under the same lockout.
func (u *UartService) Printf(format string, args ...any) {
	u.WriteString(fmt.Sprintf(format, args...))
}

// LockedOutWrites returns how many diagnostic bytes were swallowed after
// the SLIP claim; non-zero means a stale debug path survived bring-up.
func (u *UartService) LockedOutWrites() uint32 {
	return u.lockedOutWrites.Load()
}
