package main

import (
	"sync"
)

// UartMMIO is a pure state-machine UART device for MMIO register access.
// It owns an RX ring buffer, TX sink, and the status bits the firmware
// polls. Tests inject bytes via EnqueueByte(); the host adapters
// (TerminalHost, SerialHost) feed their bytes through the same method.
//
// The UART has no interrupt line on this board: both directions are polled
// through UART_TX_STATUS / UART_RX_STATUS.
type UartMMIO struct {
	mu sync.Mutex

	// RX ring buffer
	rxBuf  [4096]byte
	rxHead int
	rxTail int
	rxLen  int

	// Dropped RX bytes (ring full). A non-zero count means the poll loop
	// fell behind the wire rate.
	rxOverruns uint32

	// TX bytes are buffered until drained, unless a sink callback is set.
	txBuf []byte

	// onTxByte, when set, receives UART_TX_DATA bytes immediately.
	// Invoked outside the mutex to avoid re-entrancy deadlocks.
	onTxByte func(byte)
}

// NewUartMMIO creates a new UART device with an empty RX ring.
func NewUartMMIO() *UartMMIO {
	return &UartMMIO{
		txBuf: make([]byte, 0, 256),
	}
}

// SetTxCallback registers a callback for UART_TX_DATA writes. When set, TX
// bytes are delivered directly to fn and not buffered.
func (u *UartMMIO) SetTxCallback(fn func(byte)) {
	u.mu.Lock()
	u.onTxByte = fn
	u.mu.Unlock()
}

// HandleRead services reads of the UART registers.
func (u *UartMMIO) HandleRead(addr uint32) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch addr {
	case UART_TX_DATA:
		// Write-only register; reading returns 0.
		return 0

	case UART_TX_STATUS:
		// The modelled transmitter drains instantly, so it is never busy.
		return 0

	case UART_RX_DATA:
		if u.rxLen == 0 {
			return 0
		}
		b := u.rxBuf[u.rxHead]
		u.rxHead = (u.rxHead + 1) % len(u.rxBuf)
		u.rxLen--
		return uint32(b)

	case UART_RX_STATUS:
		if u.rxLen > 0 {
			return UART_RX_AVAIL
		}
		return 0
	}
	return 0
}

// HandleWrite services writes to the UART registers.
func (u *UartMMIO) HandleWrite(addr uint32, value uint32) {
	var txFn func(byte)
	var txArg byte

	u.mu.Lock()
	switch addr {
	case UART_TX_DATA:
		ch := byte(value & 0xFF)
		if u.onTxByte != nil {
			txFn = u.onTxByte
			txArg = ch
		} else {
			u.txBuf = append(u.txBuf, ch)
		}
	}
	u.mu.Unlock()

	if txFn != nil {
		txFn(txArg)
	}
}

// EnqueueByte adds a byte to the RX ring buffer. This is the wire side:
// host adapters and tests push received bytes here.
func (u *UartMMIO) EnqueueByte(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rxLen >= len(u.rxBuf) {
		u.rxOverruns++
		return
	}
	u.rxBuf[u.rxTail] = b
	u.rxTail = (u.rxTail + 1) % len(u.rxBuf)
	u.rxLen++
}

// EnqueueBytes pushes a run of received bytes.
func (u *UartMMIO) EnqueueBytes(data []byte) {
	for _, b := range data {
		u.EnqueueByte(b)
	}
}

// RxPending returns the number of undrained RX bytes.
func (u *UartMMIO) RxPending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rxLen
}

// RxOverruns returns the count of bytes dropped on a full RX ring.
func (u *UartMMIO) RxOverruns() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rxOverruns
}

// DrainTx returns and clears the accumulated TX buffer. Only meaningful
// when no TX callback is installed.
func (u *UartMMIO) DrainTx() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.txBuf
	u.txBuf = make([]byte, 0, 256)
	return out
}

// Reset clears both directions.
func (u *UartMMIO) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rxHead, u.rxTail, u.rxLen = 0, 0, 0
	u.rxOverruns = 0
	u.txBuf = u.txBuf[:0]
}
