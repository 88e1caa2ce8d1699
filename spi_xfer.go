package main

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Transfer directions at the descriptor level. SPI_DIR_NONE names the
// dummy-clock shape (0xFF frames); DMA rejects it with ErrBounds, and idle
// clocks for a card go through DummyClocks instead.
type SpiDir int

const (
	SPI_DIR_TX SpiDir = iota
	SPI_DIR_RX
	SPI_DIR_NONE
)

// SpiTransaction describes one engine operation: a direction, a memory
// address for the DMA modes, a byte count in [1, SPI_BURST_MAX], and an
// optional completion callback invoked after the completion interrupt.
//
// While a transaction is in flight its memory region belongs to the
// engine: no other context may touch it. At completion Transferred equals
// Count.
type SpiTransaction struct {
	Dir         SpiDir
	Addr        uint32
	Count       uint32
	OnComplete  func()
	Transferred uint32
}

// Default DMA completion timeout, in kernel ticks at the 1 kHz tick.
const SPI_DMA_TIMEOUT_TICKS = 250

// Bounded spin budget for the no-kernel polling fallback.
const SPI_POLL_SPINS = 50_000_000

// SpiXfer is the firmware face of the SPI engine: polled single-byte
// exchanges, counter bursts, and IRQ-driven DMA. Chip select is explicit
// and caller-ordered; the divider must be set before a transaction starts.
//
// When bound to a kernel, a DMA caller parks on a semaphore that the
// completion interrupt gives; without a kernel (early boot, unit tests)
// completion is polled on the read-only DMA busy bit.
type SpiXfer struct {
	bus  MemoryBus
	disp *InterruptDispatcher

	dmaSem    *Semaphore
	expectDma atomic.Bool
	dmaDone   atomic.Bool

	spuriousIrqs atomic.Uint32
	installed    bool
}

func NewSpiXfer(bus MemoryBus, disp *InterruptDispatcher) *SpiXfer {
	return &SpiXfer{bus: bus, disp: disp}
}

// BindKernel attaches the DMA completion semaphore. Call before Install
// when a kernel is present.
func (x *SpiXfer) BindKernel(k *Kernel) {
	x.dmaSem = NewSemaphore(k, "spi-dma", 0)
}

// Install claims the SPI completion interrupt.
func (x *SpiXfer) Install() {
	if x.installed {
		panic("spi: transfer engine installed twice")
	}
	x.installed = true
	x.disp.RegisterIRQ(IRQ_SPI, x.isr)
}

// Uninstall releases the interrupt line, for teardown in tests.
func (x *SpiXfer) Uninstall() {
	x.disp.DeregisterIRQ(IRQ_SPI)
	x.installed = false
}

// isr handles the completion interrupt. Reading SPI_STATUS acknowledges at
// the source (clears done, drops the line) and must happen before anything
// else. The expectDma flag routes the event: a completion nobody is
// waiting for is counted, not delivered.
func (x *SpiXfer) isr() {
	x.bus.Read32(SPI_STATUS)

	if x.expectDma.CompareAndSwap(true, false) {
		x.dmaDone.Store(true)
		if x.dmaSem != nil {
			x.dmaSem.GiveFromISR()
		}
		return
	}
	x.spuriousIrqs.Add(1)
}

// SetDivider programs the clock divider index (0..7 selecting ÷1..÷128).
// Undefined mid-transaction; callers configure between transactions.
func (x *SpiXfer) SetDivider(idx uint32) {
	if idx > 7 {
		panic(fmt.Sprintf("spi: divider index %d out of range", idx))
	}
	ctrl := x.bus.Read32(SPI_CTRL) &^ (SPI_CTRL_DIV_MSK << SPI_CTRL_DIV_SH)
	x.bus.Write32(SPI_CTRL, ctrl|idx<<SPI_CTRL_DIV_SH)
}

// ChipSelect drives the CS line; asserted means electrically low.
func (x *SpiXfer) ChipSelect(asserted bool) {
	if asserted {
		x.bus.Write32(SPI_CS, 0)
	} else {
		x.bus.Write32(SPI_CS, 1)
	}
}

// TransferByte performs one polled full-duplex exchange.
func (x *SpiXfer) TransferByte(tx byte) byte {
	x.bus.Write32(SPI_DATA, uint32(tx))
	return byte(x.bus.Read32(SPI_DATA))
}

// DummyClocks shifts n idle frames (MOSI high), returning nothing. Used
// during card initialization with CS deasserted.
func (x *SpiXfer) DummyClocks(n int) {
	for i := 0; i < n; i++ {
		x.TransferByte(0xFF)
	}
}

// Burst runs a firmware-buffered counter burst: tx bytes out, received
// bytes into rx when non-nil (which must then match tx in length). The
// engine signals end-of-burst on the final byte and raises one completion
// interrupt, which the isr counts as spurious unless a DMA was expected -
// callers that care poll the burst bit instead.
func (x *SpiXfer) Burst(tx []byte, rx []byte) error {
	n := uint32(len(tx))
	if n < 1 || n > SPI_BURST_MAX {
		return fmt.Errorf("%w: burst count %d outside [1, %d]", ErrBounds, n, SPI_BURST_MAX)
	}
	if rx != nil && len(rx) != len(tx) {
		return fmt.Errorf("%w: burst rx length %d != tx length %d", ErrBounds, len(rx), len(tx))
	}
	x.bus.Write32(SPI_BURST, n)
	for i, b := range tx {
		x.bus.Write32(SPI_DATA, uint32(b))
		if rx != nil {
			rx[i] = byte(x.bus.Read32(SPI_DATA))
		}
	}
	return nil
}

// DMA runs one descriptor through the engine and blocks until the
// completion interrupt (kernel-bound) or the polled busy bit (fallback).
// Validation failures are rejected here, before the hardware sees the
// descriptor.
func (x *SpiXfer) DMA(txn *SpiTransaction) error {
	if txn.Dir != SPI_DIR_TX && txn.Dir != SPI_DIR_RX {
		return fmt.Errorf("%w: DMA direction must be tx or rx", ErrBounds)
	}
	if txn.Count < 1 || txn.Count > SPI_BURST_MAX {
		return fmt.Errorf("%w: DMA count %d outside [1, %d]", ErrBounds, txn.Count, SPI_BURST_MAX)
	}
	if uint64(txn.Addr)+uint64(txn.Count) > SRAM_SIZE {
		return fmt.Errorf("%w: DMA range 0x%08X+%d outside SRAM", ErrBounds, txn.Addr, txn.Count)
	}

	x.dmaDone.Store(false)
	x.expectDma.Store(true)

	x.bus.Write32(SPI_BURST, txn.Count)
	x.bus.Write32(SPI_DMA_ADDR, txn.Addr)
	ctl := uint32(SPI_DMA_START | SPI_DMA_IRQEN)
	if txn.Dir == SPI_DIR_RX {
		ctl |= SPI_DMA_DIR
	}
	x.bus.Write32(SPI_DMA_CTRL, ctl)

	if x.dmaSem != nil {
		if !x.dmaSem.Take(SPI_DMA_TIMEOUT_TICKS) {
			x.expectDma.Store(false)
			return fmt.Errorf("%w: DMA completion interrupt never fired", ErrHardwareTimeout)
		}
	} else {
		// Polling fallback: watch the read-only busy bit, then let the
		// dispatcher deliver the completion so the status flag is
		// acknowledged on the normal path.
		spins := 0
		for x.bus.Read32(SPI_DMA_CTRL)&SPI_DMA_BUSY != 0 {
			spins++
			if spins > SPI_POLL_SPINS {
				x.expectDma.Store(false)
				return fmt.Errorf("%w: DMA never went idle", ErrHardwareTimeout)
			}
			runtime.Gosched()
		}
		spins = 0
		for !x.dmaDone.Load() {
			spins++
			if spins > SPI_POLL_SPINS {
				x.expectDma.Store(false)
				return fmt.Errorf("%w: DMA completion interrupt never fired", ErrHardwareTimeout)
			}
			runtime.Gosched()
		}
	}

	txn.Transferred = txn.Count
	if txn.OnComplete != nil {
		txn.OnComplete()
	}
	return nil
}

// SpuriousIrqs returns completion interrupts that arrived with no waiter.
func (x *SpiXfer) SpuriousIrqs() uint32 {
	return x.spuriousIrqs.Load()
}
