package main

import (
	"fmt"
	"os"
)

// LoadOverlayFile reads a raw overlay image from the host filesystem and
// validates it against the window before handing it to the loader.
func LoadOverlayFile(loader *OverlayLoader, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("overlay image %s: %w", filename, err)
	}
	return loader.LoadImage(data)
}

// LoadDiskImage reads a host disk image onto the card model. The image is
// zero-padded to a whole number of sectors.
func LoadDiskImage(card *SdCard, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("disk image %s: %w", filename, err)
	}
	card.LoadImage(data)
	return nil
}

// SaveDiskImage writes the card media back to the host filesystem.
func SaveDiskImage(card *SdCard, filename string) error {
	if err := os.WriteFile(filename, card.Image(), 0644); err != nil {
		return fmt.Errorf("disk image %s: %w", filename, err)
	}
	return nil
}
