package main

import (
	"sync"
)

// LedBlock models the 3-bit LED register. Writes latch the low three bits
// and notify the front panel; reads return the latched value.
type LedBlock struct {
	mu       sync.Mutex
	value    uint32
	onChange func(uint32)
}

func NewLedBlock() *LedBlock {
	return &LedBlock{}
}

// SetChangeCallback registers a front-panel notification. Invoked outside
// the mutex with the new LED state.
func (l *LedBlock) SetChangeCallback(fn func(uint32)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// HandleRead returns the latched LED bits.
func (l *LedBlock) HandleRead(addr uint32) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// HandleWrite latches the low three bits.
func (l *LedBlock) HandleWrite(addr uint32, value uint32) {
	l.mu.Lock()
	v := value & 0x7
	changed := v != l.value
	l.value = v
	fn := l.onChange
	l.mu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

// Value returns the current LED state.
func (l *LedBlock) Value() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Reset extinguishes all LEDs.
func (l *LedBlock) Reset() {
	l.mu.Lock()
	l.value = 0
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(0)
	}
}
