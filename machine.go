// machine.go - Board wiring, clock pump and reset lifecycle

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
machine.go - The Glacier Board

Assembles the board: the system bus with every peripheral mapped at its
registers.go address, the interrupt concentrator and dispatcher, and the
firmware runtime services layered on top (timer service, transfer engine,
heap, block adapter, UART service, kernel, overlay loader).

The clock pump advances peripherals in fixed cycle quanta and services the
interrupt dispatcher whenever a line is pending. Run drives the pump from
its own goroutine - the "hardware" side of the house - while firmware tasks
live on the kernel. RunRealtime paces the pump to the wall clock at the
nominal 50 MHz; the free-running variant is what tests use.

Reset follows one strict order: clock stopped first, then peripherals, then
the bus, mirroring how the board comes out of configuration.
*/

package main

import (
	"sync/atomic"
	"time"
)

// Cycles advanced per pump iteration. One quantum at 50 MHz is 20 µs of
// board time, a fiftieth of the 1 kHz tick period.
const CLOCK_QUANTUM = 1000

type Machine struct {
	Bus  *SystemBus
	Ctl  *InterruptController
	Disp *InterruptDispatcher

	Timer *TimerChip
	Uart  *UartMMIO
	Led   *LedBlock
	Spi   *SpiEngine

	MM MemoryMap

	// Firmware runtime, populated by BootFirmware.
	Kernel   *Kernel
	TimerSvc *TimerService
	Xfer     *SpiXfer
	Heap     *HeapAllocator
	UartSvc  *UartService
	Blk      *SdAdapter
	Overlays *OverlayLoader

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	cycles atomic.Uint64
}

// NewMachine builds and wires the board.
func NewMachine() *Machine {
	m := &Machine{
		Bus: NewSystemBus(),
		Ctl: NewInterruptController(),
		MM:  DefaultMemoryMap(),
	}
	m.MM.MustValidate()
	m.Disp = NewInterruptDispatcher(m.Ctl)

	m.Timer = NewTimerChip(m.Ctl)
	m.Uart = NewUartMMIO()
	m.Led = NewLedBlock()
	m.Spi = NewSpiEngine(m.Bus, m.Ctl)

	m.Bus.MapIO(UART_TX_DATA, UART_RX_STATUS, m.Uart.HandleRead, m.Uart.HandleWrite)
	m.Bus.MapIO(LED_REG, LED_REG, m.Led.HandleRead, m.Led.HandleWrite)
	m.Bus.MapIO(TIMER_CR, TIMER_CNT, m.Timer.HandleRead, m.Timer.HandleWrite)
	m.Bus.MapIO(SPI_CTRL, SPI_DMA_CTRL, m.Spi.HandleRead, m.Spi.HandleWrite)

	return m
}

// AttachCard puts an SD card model on the SPI bus.
func (m *Machine) AttachCard(card *SdCard) {
	m.Spi.Attach(card)
}

// BootFirmware stands up the runtime services: dispatcher armed, heap over
// the heap window, timer service on the kernel tick, transfer engine on the
// completion interrupt, block adapter and overlay loader above them.
// The kernel tick is configured for 1 kHz but not started; callers create
// their tasks, then StartTick and StartScheduler.
func (m *Machine) BootFirmware() {
	m.Disp.Init()

	m.Heap = NewHeapAllocator(m.MM.Heap)
	m.UartSvc = NewUartService(m.Bus)
	m.Kernel = NewKernel(m.Disp, m.MM)

	m.TimerSvc = NewTimerService(m.Bus, m.Disp)
	m.TimerSvc.Install(m.Kernel.TickFromISR)
	if err := m.TimerSvc.Configure(TICK_PSC, TICK_1KHZ_ARR); err != nil {
		panic(err)
	}

	m.Xfer = NewSpiXfer(m.Bus, m.Disp)
	m.Xfer.BindKernel(m.Kernel)
	m.Xfer.Install()

	m.Blk = NewSdAdapter(m.Xfer, m.Bus, m.Heap)
	m.Overlays = NewOverlayLoader(m.Bus, m.MM, m.Blk, m.TimerSvc, m.UartSvc)
}

// StartTick starts the kernel tick timer.
func (m *Machine) StartTick() {
	m.TimerSvc.Start()
}

// StepCycles advances all clocked peripherals by n system cycles and
// services any pending interrupt lines.
func (m *Machine) StepCycles(n uint32) {
	m.Timer.Step(n)
	m.Spi.Step(n)
	m.cycles.Add(uint64(n))
	if m.Ctl.PendingUnmasked() != 0 {
		m.Disp.Service()
	}
}

// Cycles returns total cycles pumped since power-on.
func (m *Machine) Cycles() uint64 {
	return m.cycles.Load()
}

// Run starts the free-running clock pump goroutine.
func (m *Machine) Run() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		for {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.StepCycles(CLOCK_QUANTUM)
		}
	}()
}

// RunRealtime starts the pump paced to the wall clock at the nominal
// 50 MHz: one millisecond of board time per millisecond of host time.
func (m *Machine) RunRealtime() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		perMs := uint32(SYS_CLOCK_HZ / 1000)
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				for done := uint32(0); done < perMs; done += CLOCK_QUANTUM {
					m.StepCycles(CLOCK_QUANTUM)
				}
			}
		}
	}()
}

// Stop halts the clock pump and waits for it to drain.
func (m *Machine) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

// Reset returns the board to power-on state: clock stopped, peripherals
// reset in dependency order, SRAM cleared last.
func (m *Machine) Reset() {
	m.Stop()
	m.Timer.Reset()
	m.Spi.Reset()
	m.Uart.Reset()
	m.Led.Reset()
	m.Bus.Reset()
}
