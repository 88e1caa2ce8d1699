package main

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// SerialHost bridges the emulated UART to a real host serial port, so the
// SLIP link talks to an actual peer: the "network PHY over serial" path.
// TX bytes from the firmware go out the port; bytes arriving on the port
// land in the UART RX ring.
type SerialHost struct {
	uart    *UartMMIO
	port    serial.Port
	device  string
	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewSerialHost opens the named device at the given baud rate, 8N1.
func NewSerialHost(uart *UartMMIO, device string, baud int) (*SerialHost, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}
	return &SerialHost{
		uart:   uart,
		port:   port,
		device: device,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start wires both directions and begins the read pump.
func (h *SerialHost) Start() {
	h.uart.SetTxCallback(func(b byte) {
		_, _ = h.port.Write([]byte{b})
	})

	go func() {
		defer close(h.done)
		buf := make([]byte, 256)
		for {
			select {
			case <-h.stopCh:
				return
			default:
			}
			n, err := h.port.Read(buf)
			if err != nil {
				return
			}
			for i := 0; i < n; i++ {
				h.uart.EnqueueByte(buf[i])
			}
		}
	}()
}

// Stop closes the port and drains the read pump.
func (h *SerialHost) Stop() {
	h.stopped.Do(func() {
		close(h.stopCh)
	})
	h.uart.SetTxCallback(nil)
	_ = h.port.Close()
	<-h.done
}

// Device returns the host device path.
func (h *SerialHost) Device() string {
	return h.device
}
