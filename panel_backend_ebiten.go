package main

import (
	"image/color"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/vector"
)

// EbitenPanel renders the board's three LEDs and a status line in a small
// window. The game loop reads a snapshot of the shared state each frame;
// SetLeds and SetStatus are safe from any goroutine.
type EbitenPanel struct {
	mu     sync.Mutex
	leds   uint32
	status string
	config PanelConfig
}

func NewEbitenPanel() *EbitenPanel {
	return &EbitenPanel{}
}

func (p *EbitenPanel) Initialize(config PanelConfig) error {
	if config.Width == 0 {
		config.Width = 320
	}
	if config.Height == 0 {
		config.Height = 120
	}
	if config.Title == "" {
		config.Title = "Glacier Engine"
	}
	p.config = config
	return nil
}

func (p *EbitenPanel) SetLeds(value uint32) {
	p.mu.Lock()
	p.leds = value
	p.mu.Unlock()
}

func (p *EbitenPanel) SetStatus(line string) {
	p.mu.Lock()
	p.status = line
	p.mu.Unlock()
}

// Show enters the ebiten main loop; it blocks until the window closes.
func (p *EbitenPanel) Show() error {
	ebiten.SetWindowSize(p.config.Width, p.config.Height)
	ebiten.SetWindowTitle(p.config.Title)
	return ebiten.RunGame(p)
}

func (p *EbitenPanel) Close() error {
	return nil
}

// Update implements ebiten.Game; the panel has no input handling.
func (p *EbitenPanel) Update() error {
	return nil
}

// Draw implements ebiten.Game: three LED lamps plus the status line.
func (p *EbitenPanel) Draw(screen *ebiten.Image) {
	p.mu.Lock()
	leds := p.leds
	status := p.status
	p.mu.Unlock()

	screen.Fill(color.RGBA{0x18, 0x18, 0x20, 0xFF})

	off := color.RGBA{0x40, 0x20, 0x20, 0xFF}
	on := color.RGBA{0xFF, 0x30, 0x30, 0xFF}
	for i := 0; i < 3; i++ {
		c := off
		if leds&(1<<uint(i)) != 0 {
			c = on
		}
		x := float32(60 + i*80)
		vector.DrawFilledCircle(screen, x, 50, 18, c, true)
	}

	ebitenutil.DebugPrintAt(screen, status, 8, 96)
}

// Layout implements ebiten.Game.
func (p *EbitenPanel) Layout(outsideWidth, outsideHeight int) (int, int) {
	return p.config.Width, p.config.Height
}
