package main

import (
	"bytes"
	"testing"
)

// stubStack records what the glue feeds it.
type stubStack struct {
	frames   [][]byte
	timeouts []uint32
}

func (s *stubStack) Input(frame []byte) {
	s.frames = append(s.frames, append([]byte(nil), frame...))
}

func (s *stubStack) CheckTimeouts(nowMillis uint32) {
	s.timeouts = append(s.timeouts, nowMillis)
}

func newGlueRig() (*SystemBus, *UartMMIO, *UartService, *stubStack, *NetGlue) {
	bus := NewSystemBus()
	uart := NewUartMMIO()
	bus.MapIO(UART_TX_DATA, UART_RX_STATUS, uart.HandleRead, uart.HandleWrite)
	svc := NewUartService(bus)
	stack := &stubStack{}
	glue := NewNetGlue(svc, stack)
	return bus, uart, svc, stack, glue
}

// TestGlueRxPath verifies wire bytes flow UART -> framer -> stack input,
// with the poll loop interleaving timeout service.
func TestGlueRxPath(t *testing.T) {
	_, uart, _, stack, glue := newGlueRig()

	uart.EnqueueBytes(SlipEncode([]byte{0x45, 0x00, 0x1C}))
	glue.MillisTick()
	glue.MillisTick()
	glue.RunOnce()

	if len(stack.frames) != 1 {
		t.Fatalf("stack saw %d frames, expected 1", len(stack.frames))
	}
	if !bytes.Equal(stack.frames[0], []byte{0x45, 0x00, 0x1C}) {
		t.Fatalf("frame = % X", stack.frames[0])
	}
	if len(stack.timeouts) != 1 || stack.timeouts[0] != 2 {
		t.Fatalf("timeout sweep saw %v, expected one sweep at 2 ms", stack.timeouts)
	}
}

// TestGlueTxPath verifies stack frames leave escape-encoded on the UART
// wire.
func TestGlueTxPath(t *testing.T) {
	_, uart, _, _, glue := newGlueRig()

	glue.Send([]byte{0x11, SLIP_END, 0x22})
	got := uart.DrainTx()
	want := []byte{SLIP_END, 0x11, SLIP_ESC, SLIP_ESC_END, 0x22, SLIP_END}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire = % X, expected % X", got, want)
	}
}

// TestGlueUartLockout verifies the ownership transition: diagnostics work
// before the SLIP claim and are swallowed after, leaving the wire clean.
func TestGlueUartLockout(t *testing.T) {
	bus := NewSystemBus()
	uart := NewUartMMIO()
	bus.MapIO(UART_TX_DATA, UART_RX_STATUS, uart.HandleRead, uart.HandleWrite)
	svc := NewUartService(bus)

	svc.WriteString("boot banner\r\n")
	if got := string(uart.DrainTx()); got != "boot banner\r\n" {
		t.Fatalf("pre-claim diagnostics = %q", got)
	}

	glue := NewNetGlue(svc, &stubStack{})
	if !svc.SlipActive() {
		t.Fatal("glue construction did not claim the port")
	}

	svc.WriteString("stray printf")
	if got := uart.DrainTx(); len(got) != 0 {
		t.Fatalf("diagnostic bytes leaked onto the framed link: %q", got)
	}
	if svc.LockedOutWrites() == 0 {
		t.Fatal("swallowed diagnostics not counted")
	}

	// The packet path still owns a working wire.
	glue.Send([]byte{0x01})
	if len(uart.DrainTx()) == 0 {
		t.Fatal("packet transmit blocked by the lockout")
	}
}

// TestGlueSecondClaimPanics verifies the one-shot lifecycle flag.
func TestGlueSecondClaimPanics(t *testing.T) {
	_, _, svc, _, _ := newGlueRig()
	defer func() {
		if recover() == nil {
			t.Fatal("second SLIP claim did not panic")
		}
	}()
	svc.ClaimForSlip()
}

// TestGlueMillisCounter verifies the stack clock is monotonic and
// ISR-writable.
func TestGlueMillisCounter(t *testing.T) {
	_, _, _, _, glue := newGlueRig()
	for i := 0; i < 100; i++ {
		glue.MillisTick()
	}
	if got := glue.Millis(); got != 100 {
		t.Fatalf("millis = %d, expected 100", got)
	}
}
