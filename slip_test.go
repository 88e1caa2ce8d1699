package main

import (
	"bytes"
	"testing"
)

// collectFramer returns a framer that appends every delivered frame, plus
// the sink of transmitted wire bytes.
func collectFramer() (*SlipFramer, *[][]byte, *[]byte) {
	frames := &[][]byte{}
	wire := &[]byte{}
	f := NewSlipFramer(func(frame []byte) {
		cp := append([]byte(nil), frame...)
		*frames = append(*frames, cp)
	}, func(b byte) {
		*wire = append(*wire, b)
	})
	return f, frames, wire
}

// TestSlipScenarioStream injects the canonical stream and expects exactly
// two frames with no error counters touched:
// END 0x01 ESC ESC-ESC 0x02 END END 0x03 END -> [01 DB 02], [03].
func TestSlipScenarioStream(t *testing.T) {
	f, frames, _ := collectFramer()

	f.PushBytes([]byte{
		SLIP_END, 0x01, SLIP_ESC, SLIP_ESC_ESC, 0x02, SLIP_END,
		SLIP_END, 0x03, SLIP_END,
	})

	if len(*frames) != 2 {
		t.Fatalf("frames = %d, expected 2", len(*frames))
	}
	if !bytes.Equal((*frames)[0], []byte{0x01, 0xDB, 0x02}) {
		t.Fatalf("frame 0 = % X", (*frames)[0])
	}
	if !bytes.Equal((*frames)[1], []byte{0x03}) {
		t.Fatalf("frame 1 = % X", (*frames)[1])
	}
	if f.FramingErrors() != 0 || f.Overruns() != 0 {
		t.Fatalf("error counters moved: framing=%d overruns=%d", f.FramingErrors(), f.Overruns())
	}
}

// TestSlipEncodeDecodeIdentity verifies decode(encode(b)) == b across
// sentinel-heavy payloads.
func TestSlipEncodeDecodeIdentity(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{SLIP_END},
		{SLIP_ESC},
		{SLIP_ESC, SLIP_END, SLIP_ESC, SLIP_ESC},
		{0x01, 0x02, 0x03, 0x04, 0x05},
	}
	// A long frame cycling every byte value.
	long := make([]byte, 1024)
	for i := range long {
		long[i] = byte(i)
	}
	payloads = append(payloads, long)

	for i, p := range payloads {
		f, frames, _ := collectFramer()
		f.PushBytes(SlipEncode(p))
		if len(*frames) != 1 {
			t.Fatalf("payload %d: frames = %d, expected 1", i, len(*frames))
		}
		if !bytes.Equal((*frames)[0], p) {
			t.Fatalf("payload %d: round trip mismatch", i)
		}
		if f.FramingErrors() != 0 {
			t.Fatalf("payload %d: framing errors on a clean stream", i)
		}
	}
}

// TestSlipWriteFrameWire verifies the transmit side brackets frames with
// END and escapes both sentinels.
func TestSlipWriteFrameWire(t *testing.T) {
	f, _, wire := collectFramer()
	f.WriteFrame([]byte{0x41, SLIP_END, SLIP_ESC, 0x42})

	want := []byte{
		SLIP_END, 0x41, SLIP_ESC, SLIP_ESC_END, SLIP_ESC, SLIP_ESC_ESC, 0x42, SLIP_END,
	}
	if !bytes.Equal(*wire, want) {
		t.Fatalf("wire = % X, expected % X", *wire, want)
	}
	if f.FramesOut() != 1 {
		t.Fatalf("frames out = %d", f.FramesOut())
	}
}

// TestSlipFramingErrorResync verifies a malformed escape discards the
// partial frame, counts once, and the framer recovers on the next END.
func TestSlipFramingErrorResync(t *testing.T) {
	f, frames, _ := collectFramer()

	f.PushBytes([]byte{SLIP_END, 0x10, SLIP_ESC, 0x99, 0x20, 0x30})
	if len(*frames) != 0 {
		t.Fatal("malformed frame delivered")
	}
	if f.FramingErrors() != 1 {
		t.Fatalf("framing errors = %d, expected 1", f.FramingErrors())
	}

	// Garbage until the next boundary is swallowed; then clean traffic.
	f.PushBytes([]byte{SLIP_END, 0x55, SLIP_END})
	if len(*frames) != 1 || !bytes.Equal((*frames)[0], []byte{0x55}) {
		t.Fatalf("framer did not resync: %v", *frames)
	}
	if f.FramingErrors() != 1 {
		t.Fatalf("resync counted extra errors: %d", f.FramingErrors())
	}
}

// TestSlipOverrunDiscards verifies a frame outgrowing the buffer is
// dropped and counted, with recovery afterwards.
func TestSlipOverrunDiscards(t *testing.T) {
	f, frames, _ := collectFramer()

	f.PushByte(SLIP_END)
	for i := 0; i < SLIP_MAX_FRAME+10; i++ {
		f.PushByte(0x42)
	}
	f.PushByte(SLIP_END)
	if len(*frames) != 0 {
		t.Fatal("oversized frame delivered")
	}
	if f.Overruns() != 1 {
		t.Fatalf("overruns = %d, expected 1", f.Overruns())
	}

	f.PushBytes([]byte{0x07, SLIP_END})
	if len(*frames) != 1 || !bytes.Equal((*frames)[0], []byte{0x07}) {
		t.Fatalf("framer did not recover after overrun: %v", *frames)
	}
}

// TestSlipLosslessBetweenEnds verifies no bytes are lost across valid
// frame boundaries in a batched stream.
func TestSlipLosslessBetweenEnds(t *testing.T) {
	f, frames, _ := collectFramer()

	var stream []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		p := []byte{byte(i), byte(i * 3), SLIP_ESC, byte(i * 7), SLIP_END}
		want = append(want, append([]byte(nil), p...))
		stream = append(stream, SlipEncode(p)...)
	}
	f.PushBytes(stream)

	if len(*frames) != len(want) {
		t.Fatalf("frames = %d, expected %d", len(*frames), len(want))
	}
	for i := range want {
		if !bytes.Equal((*frames)[i], want[i]) {
			t.Fatalf("frame %d mismatch: % X", i, (*frames)[i])
		}
	}
}
