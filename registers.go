// registers.go - Centralized I/O register address map for Glacier Engine

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
registers.go - Master I/O Register Address Map

This file provides a centralized reference for all memory-mapped I/O registers
on the Glacier board. Individual device implementations hold their own internal
state; the bit-level contract for every register lives here.

MEMORY MAP OVERVIEW
===================

Address Range            Size    Region              File
---------------------------------------------------------------------------
0x00000000-0x0003FFFF    256KB   Firmware image      memmap.go
0x00040000-0x0005FFFF    128KB   Heap                heap_alloc.go
0x00060000-0x00077FFF    96KB    Overlay window      overlay.go
0x00078000-0x0007BFFF    16KB    Overlay heap        memmap.go
0x0007C000-0x0007DFFF    8KB     Overlay stack       memmap.go
0x0007E000-0x0007FFFF    8KB     Kernel stack        memmap.go
0x80000000-0x8000006B    108B    MMIO registers      registers.go

I/O REGISTER DETAILS
====================

All peripheral registers sit at MMIO_BASE (0x80000000) plus a fixed offset.
The soft core runs at 50 MHz; the SPI clock divider indices select powers of
two from that base clock.

UART (0x00-0x0C)
  UART_TX_DATA   W   byte to transmit (low 8 bits)
  UART_TX_STATUS R   bit 0 = busy (1 = cannot accept a new byte)
  UART_RX_DATA   R   received byte (low 8 bits), dequeues
  UART_RX_STATUS R   bit 0 = data available

LED (0x10)
  LED            R/W low 3 bits = LED0..LED2

TIMER (0x20-0x30)
  TIMER_CR       R/W bit 0 = enable, bit 1 = one-shot
  TIMER_SR       R/W bit 0 = update-interrupt flag, write 1 to clear
  TIMER_PSC      R/W prescaler
  TIMER_ARR      R/W auto-reload
  TIMER_CNT      R/W current counter

SPI (0x50-0x68)
  SPI_CTRL       R/W bit 0 = CPOL, bit 1 = CPHA, bits 4:2 = clock divider idx
  SPI_DATA       R/W low 8 bits: TX on write, RX on read
  SPI_STATUS     R   bit 0 busy, bit 1 done, bit 2 burst, bit 3 dma-active
  SPI_CS         R/W bit 0 = CS level (0 = asserted)
  SPI_BURST      R/W burst byte count (0..8192)
  SPI_DMA_ADDR   R/W 32-bit memory address
  SPI_DMA_CTRL   W/R bit 0 start (write-only), bit 1 dir (0 tx, 1 rx),
                     bit 2 busy (read-only), bit 3 irq-en

IRQ ASSIGNMENT
==============

  bit 0 = timer update
  bit 2 = SPI/DMA completion
  all other bits reserved
*/

package main

// =============================================================================
// MMIO base and register offsets
// =============================================================================

const (
	MMIO_BASE = 0x80000000 // Base of the memory-mapped peripheral block
	MMIO_END  = 0x8000006B // Last mapped peripheral byte

	// UART registers
	UART_TX_DATA   = MMIO_BASE + 0x00 // Byte to transmit
	UART_TX_STATUS = MMIO_BASE + 0x04 // Bit 0: TX busy
	UART_RX_DATA   = MMIO_BASE + 0x08 // Received byte (dequeues)
	UART_RX_STATUS = MMIO_BASE + 0x0C // Bit 0: data available

	// LED register
	LED_REG = MMIO_BASE + 0x10 // Low 3 bits drive LED0..LED2

	// Timer registers
	TIMER_CR  = MMIO_BASE + 0x20 // Bit 0: enable, bit 1: one-shot
	TIMER_SR  = MMIO_BASE + 0x24 // Bit 0: update flag (write 1 to clear)
	TIMER_PSC = MMIO_BASE + 0x28 // Prescaler
	TIMER_ARR = MMIO_BASE + 0x2C // Auto-reload
	TIMER_CNT = MMIO_BASE + 0x30 // Current counter

	// SPI registers
	SPI_CTRL     = MMIO_BASE + 0x50 // CPOL/CPHA/divider
	SPI_DATA     = MMIO_BASE + 0x54 // TX on write, RX on read
	SPI_STATUS   = MMIO_BASE + 0x58 // busy/done/burst/dma-active
	SPI_CS       = MMIO_BASE + 0x5C // Bit 0: CS level (0 = asserted)
	SPI_BURST    = MMIO_BASE + 0x60 // Burst byte count
	SPI_DMA_ADDR = MMIO_BASE + 0x64 // DMA memory address
	SPI_DMA_CTRL = MMIO_BASE + 0x68 // start/dir/busy/irq-en
)

// =============================================================================
// Register bit definitions
// =============================================================================

const (
	UART_TX_BUSY  = 1 << 0 // UART_TX_STATUS bit 0
	UART_RX_AVAIL = 1 << 0 // UART_RX_STATUS bit 0

	TIMER_CR_ENABLE  = 1 << 0 // TIMER_CR bit 0
	TIMER_CR_ONESHOT = 1 << 1 // TIMER_CR bit 1
	TIMER_SR_UIF     = 1 << 0 // TIMER_SR bit 0, write 1 to clear

	SPI_CTRL_CPOL    = 1 << 0
	SPI_CTRL_CPHA    = 1 << 1
	SPI_CTRL_DIV_SH  = 2    // Divider index in bits 4:2
	SPI_CTRL_DIV_MSK = 0x07 // Three-bit divider index

	SPI_STATUS_BUSY  = 1 << 0
	SPI_STATUS_DONE  = 1 << 1
	SPI_STATUS_BURST = 1 << 2
	SPI_STATUS_DMA   = 1 << 3

	SPI_DMA_START = 1 << 0 // Write-only
	SPI_DMA_DIR   = 1 << 1 // 0 = tx (memory -> device), 1 = rx
	SPI_DMA_BUSY  = 1 << 2 // Read-only
	SPI_DMA_IRQEN = 1 << 3

	SPI_BURST_MAX = 8192 // Upper bound on a single burst/DMA transfer
)

// =============================================================================
// Interrupt assignment
// =============================================================================

const (
	IRQ_TIMER = 0 // Timer update interrupt
	IRQ_SPI   = 2 // SPI/DMA completion interrupt

	IRQ_LINES = 32 // Width of the pending/mask words
)

// =============================================================================
// System clock
// =============================================================================

const (
	SYS_CLOCK_HZ = 50_000_000 // Soft core and peripheral base clock
)

// SpiDividers maps clock divider indices to divide ratios. Index 7 (÷128)
// yields 390.625 kHz from the 50 MHz base clock, the card initialization rate.
var SpiDividers = [8]uint32{1, 2, 4, 8, 16, 32, 64, 128}

// IsMMIOAddress returns true if the address falls in the peripheral block.
func IsMMIOAddress(addr uint32) bool {
	return addr >= MMIO_BASE && addr <= MMIO_END
}

// MMIORegisterName returns the register name for a peripheral address,
// primarily for diagnostics and the monitor.
func MMIORegisterName(addr uint32) string {
	switch addr {
	case UART_TX_DATA:
		return "UART_TX_DATA"
	case UART_TX_STATUS:
		return "UART_TX_STATUS"
	case UART_RX_DATA:
		return "UART_RX_DATA"
	case UART_RX_STATUS:
		return "UART_RX_STATUS"
	case LED_REG:
		return "LED"
	case TIMER_CR:
		return "TIMER_CR"
	case TIMER_SR:
		return "TIMER_SR"
	case TIMER_PSC:
		return "TIMER_PSC"
	case TIMER_ARR:
		return "TIMER_ARR"
	case TIMER_CNT:
		return "TIMER_CNT"
	case SPI_CTRL:
		return "SPI_CTRL"
	case SPI_DATA:
		return "SPI_DATA"
	case SPI_STATUS:
		return "SPI_STATUS"
	case SPI_CS:
		return "SPI_CS"
	case SPI_BURST:
		return "SPI_BURST"
	case SPI_DMA_ADDR:
		return "SPI_DMA_ADDR"
	case SPI_DMA_CTRL:
		return "SPI_DMA_CTRL"
	default:
		return "Unknown"
	}
}
