// main.go - Main entry point for the Glacier Engine

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

package main

import (
	"flag"
	"fmt"
	"os"
)

func boilerPlate() {
	fmt.Println("\nGlacier Engine")
	fmt.Println("A bare-metal firmware platform and board model for a 50 MHz RV32IMC soft core.")
	fmt.Println("(c) 2024 - 2026 Zayn Otley")
	fmt.Println("https://github.com/IntuitionAmiga/GlacierEngine")
	fmt.Println("Buy me a coffee: https://ko-fi.com/intuition/tip")
	fmt.Println("License: GPLv3 or later")
	fmt.Println()
}

func main() {
	boilerPlate()

	var (
		diskPath    = flag.String("disk", "", "SD card image file")
		overlayPath = flag.String("overlay", "", "overlay image to load and run")
		overlayLba  = flag.Uint("overlay-lba", 0, "load the overlay from this disk sector instead of a host file")
		overlaySize = flag.Uint("overlay-size", 0, "overlay image size in bytes when loading from disk")
		serialDev   = flag.String("serial", "", "bridge the UART to this host serial device (SLIP PHY)")
		baud        = flag.Int("baud", 115200, "serial bridge baud rate")
		scriptPath  = flag.String("script", "", "run this Lua board script and exit")
		panelMode   = flag.String("panel", "none", "front panel backend: none or window")
		writeProt   = flag.Bool("wp", false, "present the card as write-protected")
		realtime    = flag.Bool("realtime", false, "pace the board clock to the wall clock")
	)
	flag.Parse()

	m := NewMachine()

	card := NewSdCard(SD_VARIANT_SDHC, 131072) // 64MB of media by default
	if *diskPath != "" {
		if err := LoadDiskImage(card, *diskPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	card.SetWriteProtected(*writeProt)
	m.AttachCard(card)

	m.BootFirmware()

	backend := PANEL_BACKEND_HEADLESS
	if *panelMode == "window" {
		backend = PANEL_BACKEND_EBITEN
	}
	panel, err := NewFrontPanel(backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := panel.Initialize(PanelConfig{}); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	m.Led.SetChangeCallback(panel.SetLeds)

	// Exactly one host adapter owns the UART wire.
	var termHost *TerminalHost
	var serHost *SerialHost
	if *serialDev != "" {
		serHost, err = NewSerialHost(m.Uart, *serialDev, *baud)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		serHost.Start()
		defer serHost.Stop()
	} else if *scriptPath == "" {
		termHost = NewTerminalHost(m.Uart)
		termHost.Start()
		defer termHost.Stop()
	}

	// The firmware's foreground task: probe the card, report, then run the
	// requested overlay and park.
	m.Kernel.CreateTask("main", 2, func(arg uint32) {
		m.UartSvc.Printf("glacier: booting, %d tasks\r\n", m.Kernel.TaskCount())

		if ct, err := m.Blk.Init(); err != nil {
			m.UartSvc.Printf("glacier: no card: %v\r\n", err)
		} else {
			m.UartSvc.Printf("glacier: %s, %d sectors\r\n", ct, m.Blk.SectorCount())
		}

		switch {
		case *overlayPath != "":
			if err := LoadOverlayFile(m.Overlays, *overlayPath); err != nil {
				m.UartSvc.Printf("glacier: overlay load: %v\r\n", err)
				break
			}
			code, err := m.Overlays.Run(0)
			if err != nil {
				m.UartSvc.Printf("glacier: overlay: %v\r\n", err)
			} else {
				m.UartSvc.Printf("glacier: overlay exited %d\r\n", code)
			}
		case *overlaySize > 0:
			if err := m.Overlays.LoadFromBlock(uint32(*overlayLba), uint32(*overlaySize)); err != nil {
				m.UartSvc.Printf("glacier: overlay load: %v\r\n", err)
				break
			}
			code, err := m.Overlays.Run(0)
			if err != nil {
				m.UartSvc.Printf("glacier: overlay: %v\r\n", err)
			} else {
				m.UartSvc.Printf("glacier: overlay exited %d\r\n", code)
			}
		}

		// Heartbeat on LED0 from here on.
		led := uint32(0)
		for {
			led ^= 1
			m.Bus.Write32(LED_REG, led)
			m.Kernel.Delay(500)
		}
	}, 0)

	m.StartTick()
	m.Kernel.StartScheduler()

	if *realtime {
		m.RunRealtime()
	} else {
		m.Run()
	}
	defer m.Stop()

	if *scriptPath != "" {
		console := NewLuaConsole(m)
		defer console.Close()
		if err := console.RunFile(*scriptPath); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if backend == PANEL_BACKEND_EBITEN {
		if err := panel.Show(); err != nil {
			fmt.Fprintf(os.Stderr, "panel: %v\n", err)
		}
		return
	}

	select {}
}
