package main

import (
	"fmt"
)

// Front panel backend selection, mirroring how the display side of the
// house picks its implementation at startup.
const (
	PANEL_BACKEND_HEADLESS = iota
	PANEL_BACKEND_EBITEN
)

// PanelConfig carries the window parameters for GUI backends.
type PanelConfig struct {
	Width  int
	Height int
	Title  string
}

// FrontPanel is the board's human-visible surface: three LEDs and one
// status line. SetLeds is called from the LED block's change callback, so
// implementations must tolerate any-goroutine callers.
type FrontPanel interface {
	Initialize(config PanelConfig) error
	SetLeds(value uint32)
	SetStatus(line string)
	Show() error // blocks for windowed backends, returns at close
	Close() error
}

// NewFrontPanel selects a panel implementation.
func NewFrontPanel(backendType int) (FrontPanel, error) {
	switch backendType {
	case PANEL_BACKEND_HEADLESS:
		return NewHeadlessPanel(), nil
	case PANEL_BACKEND_EBITEN:
		return NewEbitenPanel(), nil
	default:
		return nil, fmt.Errorf("panel: unknown backend %d", backendType)
	}
}
