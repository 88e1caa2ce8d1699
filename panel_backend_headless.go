package main

import (
	"sync"
)

// HeadlessPanel records LED activity without a display: the test and
// server-mode backend.
type HeadlessPanel struct {
	mu      sync.Mutex
	leds    uint32
	status  string
	history []uint32
}

func NewHeadlessPanel() *HeadlessPanel {
	return &HeadlessPanel{}
}

func (p *HeadlessPanel) Initialize(config PanelConfig) error {
	return nil
}

func (p *HeadlessPanel) SetLeds(value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leds = value
	p.history = append(p.history, value)
}

func (p *HeadlessPanel) SetStatus(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = line
}

func (p *HeadlessPanel) Show() error {
	return nil
}

func (p *HeadlessPanel) Close() error {
	return nil
}

// Leds returns the current LED state.
func (p *HeadlessPanel) Leds() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leds
}

// History returns every LED state observed, in order.
func (p *HeadlessPanel) History() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.history))
	copy(out, p.history)
	return out
}
