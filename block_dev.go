// block_dev.go - SD block device adapter over the SPI transfer engine

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
block_dev.go - Block Device Adapter

Wraps the SPI transfer engine as a 512-byte sector device on SPI-mode SD
media. Initialization happens at 390 kHz (divider index 7): at least 74
idle clocks with CS high, GO_IDLE expecting 0x01, the v2/v1 probe dance
(CMD8, CMD55+ACMD41, CMD58), block length pinning for byte-addressed cards,
and capacity extraction from the CSD. Data transfers then run at full clock
with the 512-byte payload moved by DMA burst.

Commands retry up to SD_CMD_RETRIES on transient no-response; a card that
stays silent through the budget is reported absent. Write-protected media
fails writes cleanly while reads keep working.

All operations are serialized by one mutex and are task-context only; the
DMA wait parks the calling task until the completion interrupt.
*/

package main

import (
	"fmt"
	"sync"
)

// Card types reported by Init.
type CardType int

const (
	CARD_NONE CardType = iota
	CARD_SD1
	CARD_SD2
	CARD_SDHC
)

func (c CardType) String() string {
	switch c {
	case CARD_SD1:
		return "SDv1"
	case CARD_SD2:
		return "SDv2"
	case CARD_SDHC:
		return "SDHC"
	}
	return "none"
}

const (
	SD_CMD_RETRIES   = 8    // response polls per command
	SD_ACMD41_POLLS  = 1024 // ready polls before giving up
	SD_TOKEN_POLLS   = 8192 // data-token polls per read
	SD_BUSY_POLLS    = 65536
	SD_INIT_DIVIDER  = 7 // ÷128: 390.625 kHz at 50 MHz
	SD_FAST_DIVIDER  = 0 // ÷1 for data transfers
	SD_IDLE_CLOCKS   = 10 // 80 idle clocks with CS high (≥74 required)
)

// BlockDevice is the sector interface the filesystem and overlay loader
// consume.
type BlockDevice interface {
	ReadSector(lba uint32, buf []byte) error
	WriteSector(lba uint32, buf []byte) error
	SectorCount() uint32
	Status() (CardType, error)
}

// SdAdapter implements BlockDevice over a SpiXfer.
type SdAdapter struct {
	mu   sync.Mutex
	xfer *SpiXfer
	heap *HeapAllocator

	cardType    CardType
	sectors     uint32
	initialized bool
	lastErr     error

	bounce uint32 // guest-side 512-byte DMA bounce buffer
	bus    *SystemBus
}

// NewSdAdapter builds an adapter over the transfer engine. The heap
// allocator provides the DMA bounce buffer used by the byte-slice API.
func NewSdAdapter(xfer *SpiXfer, bus *SystemBus, heap *HeapAllocator) *SdAdapter {
	return &SdAdapter{xfer: xfer, bus: bus, heap: heap}
}

// command sends one SD command frame and polls for the R1 response.
// Chip select must already be asserted.
func (a *SdAdapter) command(cmd byte, arg uint32) (byte, error) {
	// Pre-command filler frame gives the card a byte of breathing room.
	a.xfer.TransferByte(0xFF)

	crc := byte(0x01)
	switch cmd {
	case SD_CMD0_GO_IDLE:
		crc = 0x95
	case SD_CMD8_SEND_IF_COND:
		crc = 0x87
	}
	a.xfer.TransferByte(0x40 | cmd)
	a.xfer.TransferByte(byte(arg >> 24))
	a.xfer.TransferByte(byte(arg >> 16))
	a.xfer.TransferByte(byte(arg >> 8))
	a.xfer.TransferByte(byte(arg))
	a.xfer.TransferByte(crc)

	for i := 0; i < SD_CMD_RETRIES; i++ {
		r := a.xfer.TransferByte(0xFF)
		if r&0x80 == 0 {
			return r, nil
		}
	}
	return 0xFF, fmt.Errorf("%w: CMD%d no response", ErrTransientIO, cmd)
}

// acommand issues CMD55 followed by the application command.
func (a *SdAdapter) acommand(cmd byte, arg uint32) (byte, error) {
	if _, err := a.command(SD_CMD55_APP_CMD, 0); err != nil {
		return 0xFF, err
	}
	return a.command(cmd, arg)
}

// read32 clocks in a 4-byte big-endian trailer (R3/R7 payload).
func (a *SdAdapter) read32() uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(a.xfer.TransferByte(0xFF))
	}
	return v
}

// Init probes and configures the card, returning its type. Safe to call
// again after an error; a successful init is sticky until Reset.
func (a *SdAdapter) Init() (CardType, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return a.cardType, nil
	}
	if a.bounce == 0 {
		addr, err := a.heap.Alloc(SD_SECTOR_SIZE)
		if err != nil {
			return CARD_NONE, fmt.Errorf("%w: no bounce buffer: %v", ErrExhausted, err)
		}
		a.bounce = addr
	}

	a.xfer.SetDivider(SD_INIT_DIVIDER)
	a.xfer.ChipSelect(false)
	a.xfer.DummyClocks(SD_IDLE_CLOCKS)
	a.xfer.ChipSelect(true)

	ct, sectors, err := a.probe()
	a.xfer.ChipSelect(false)
	a.xfer.TransferByte(0xFF) // release the bus

	if err != nil {
		a.lastErr = err
		return CARD_NONE, err
	}
	a.xfer.SetDivider(SD_FAST_DIVIDER)
	a.cardType = ct
	a.sectors = sectors
	a.initialized = true
	a.lastErr = nil
	return ct, nil
}

// probe runs the identification sequence with CS asserted.
func (a *SdAdapter) probe() (CardType, uint32, error) {
	// GO_IDLE with its own retry budget: a present card answers 0x01.
	var r1 byte
	var err error
	ok := false
	for i := 0; i < SD_CMD_RETRIES; i++ {
		r1, err = a.command(SD_CMD0_GO_IDLE, 0)
		if err == nil && r1 == SD_R1_IDLE {
			ok = true
			break
		}
	}
	if !ok {
		return CARD_NONE, 0, fmt.Errorf("%w: GO_IDLE unanswered", ErrNoCard)
	}

	ct := CARD_SD1
	hcsArg := uint32(0)

	r1, err = a.command(SD_CMD8_SEND_IF_COND, 0x1AA)
	if err != nil {
		return CARD_NONE, 0, err
	}
	if r1&SD_R1_ILLEGAL == 0 {
		echo := a.read32()
		if echo&0xFFF != 0x1AA {
			return CARD_NONE, 0, fmt.Errorf("%w: CMD8 echo 0x%08X", ErrProtocol, echo)
		}
		ct = CARD_SD2
		hcsArg = 0x40000000
	}

	ready := false
	for i := 0; i < SD_ACMD41_POLLS; i++ {
		r1, err = a.acommand(SD_ACMD41_SD_SEND_OP, hcsArg)
		if err != nil {
			return CARD_NONE, 0, err
		}
		if r1 == 0 {
			ready = true
			break
		}
	}
	if !ready {
		return CARD_NONE, 0, fmt.Errorf("%w: card stuck in idle", ErrHardwareTimeout)
	}

	if ct == CARD_SD2 {
		r1, err = a.command(SD_CMD58_READ_OCR, 0)
		if err != nil || r1 != 0 {
			return CARD_NONE, 0, fmt.Errorf("%w: READ_OCR r1=0x%02X", ErrProtocol, r1)
		}
		if a.read32()&0x40000000 != 0 {
			ct = CARD_SDHC
		}
	}

	if ct != CARD_SDHC {
		if r1, err = a.command(SD_CMD16_SET_BLOCKLEN, SD_SECTOR_SIZE); err != nil || r1 != 0 {
			return CARD_NONE, 0, fmt.Errorf("%w: SET_BLOCKLEN r1=0x%02X", ErrProtocol, r1)
		}
	}

	sectors, err := a.readCapacity(ct)
	if err != nil {
		return CARD_NONE, 0, err
	}
	return ct, sectors, nil
}

// readCapacity pulls the CSD and converts it to a sector count.
func (a *SdAdapter) readCapacity(ct CardType) (uint32, error) {
	r1, err := a.command(SD_CMD9_SEND_CSD, 0)
	if err != nil || r1 != 0 {
		return 0, fmt.Errorf("%w: SEND_CSD r1=0x%02X", ErrProtocol, r1)
	}
	if err := a.waitToken(); err != nil {
		return 0, err
	}
	var csd [16]byte
	for i := range csd {
		csd[i] = a.xfer.TransferByte(0xFF)
	}
	a.xfer.TransferByte(0xFF) // CRC16
	a.xfer.TransferByte(0xFF)

	if csd[0]&0xC0 == 0x40 {
		// CSD v2: capacity = (C_SIZE+1) * 512KB.
		csize := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		return (csize + 1) * 1024, nil
	}
	// CSD v1.
	blLen := uint32(csd[5] & 0x0F)
	csize := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8])>>6
	mult := uint32(csd[9]&0x03)<<1 | uint32(csd[10])>>7
	blocks := (csize + 1) << (mult + 2)
	// Normalize to 512-byte sectors.
	return blocks << blLen >> 9, nil
}

// waitToken polls for the 0xFE start-of-data token.
func (a *SdAdapter) waitToken() error {
	for i := 0; i < SD_TOKEN_POLLS; i++ {
		if a.xfer.TransferByte(0xFF) == SD_TOKEN_START {
			return nil
		}
	}
	return fmt.Errorf("%w: data token never arrived", ErrHardwareTimeout)
}

// dataAddr converts a sector index to the command argument for the card's
// addressing mode.
func (a *SdAdapter) dataAddr(lba uint32) uint32 {
	if a.cardType == CARD_SDHC {
		return lba
	}
	return lba * SD_SECTOR_SIZE
}

// readSectorDMA moves one sector from the card into guest memory at addr.
// Caller holds the mutex.
func (a *SdAdapter) readSectorDMA(lba, addr uint32) error {
	a.xfer.ChipSelect(true)
	defer func() {
		a.xfer.ChipSelect(false)
		a.xfer.TransferByte(0xFF)
	}()

	r1, err := a.command(SD_CMD17_READ_SINGLE, a.dataAddr(lba))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return fmt.Errorf("%w: READ_SINGLE r1=0x%02X", ErrProtocol, r1)
	}
	if err := a.waitToken(); err != nil {
		return err
	}
	txn := SpiTransaction{Dir: SPI_DIR_RX, Addr: addr, Count: SD_SECTOR_SIZE}
	if err := a.xfer.DMA(&txn); err != nil {
		return err
	}
	a.xfer.TransferByte(0xFF) // CRC16
	a.xfer.TransferByte(0xFF)
	return nil
}

// writeSectorDMA moves one sector from guest memory at addr onto the card.
// Caller holds the mutex.
func (a *SdAdapter) writeSectorDMA(lba, addr uint32) error {
	a.xfer.ChipSelect(true)
	defer func() {
		a.xfer.ChipSelect(false)
		a.xfer.TransferByte(0xFF)
	}()

	r1, err := a.command(SD_CMD24_WRITE_SINGLE, a.dataAddr(lba))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return fmt.Errorf("%w: WRITE_SINGLE r1=0x%02X", ErrProtocol, r1)
	}
	a.xfer.TransferByte(0xFF)
	a.xfer.TransferByte(SD_TOKEN_START)
	txn := SpiTransaction{Dir: SPI_DIR_TX, Addr: addr, Count: SD_SECTOR_SIZE}
	if err := a.xfer.DMA(&txn); err != nil {
		return err
	}
	a.xfer.TransferByte(0xFF) // CRC16
	a.xfer.TransferByte(0xFF)

	// Data response, then busy.
	resp := byte(0xFF)
	for i := 0; i < SD_CMD_RETRIES; i++ {
		resp = a.xfer.TransferByte(0xFF)
		if resp != 0xFF {
			break
		}
	}
	switch resp & 0x1F {
	case SD_DATA_ACCEPTED & 0x1F:
	case SD_DATA_WRITE_REJECTED & 0x1F:
		return fmt.Errorf("%w: write rejected", ErrWriteProtected)
	default:
		return fmt.Errorf("%w: data response 0x%02X", ErrProtocol, resp)
	}
	for i := 0; i < SD_BUSY_POLLS; i++ {
		if a.xfer.TransferByte(0xFF) == 0xFF {
			return nil
		}
	}
	return fmt.Errorf("%w: card stuck busy after write", ErrHardwareTimeout)
}

// checkOp validates common sector-operation preconditions. Caller holds
// the mutex.
func (a *SdAdapter) checkOp(lba uint32, buf []byte) error {
	if !a.initialized {
		return fmt.Errorf("%w: adapter not initialized", ErrNoCard)
	}
	if len(buf) != SD_SECTOR_SIZE {
		return fmt.Errorf("%w: sector buffer is %d bytes", ErrBounds, len(buf))
	}
	if lba >= a.sectors {
		return fmt.Errorf("%w: sector %d beyond media (%d sectors)", ErrBounds, lba, a.sectors)
	}
	return nil
}

// ReadSector reads one 512-byte sector through the DMA bounce buffer.
func (a *SdAdapter) ReadSector(lba uint32, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOp(lba, buf); err != nil {
		return err
	}
	if err := a.readSectorDMA(lba, a.bounce); err != nil {
		a.lastErr = err
		return err
	}
	copy(buf, a.bus.ReadBytes(a.bounce, SD_SECTOR_SIZE))
	a.lastErr = nil
	return nil
}

// ReadSectorTo reads one sector by DMA directly into guest memory.
func (a *SdAdapter) ReadSectorTo(lba, addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return fmt.Errorf("%w: adapter not initialized", ErrNoCard)
	}
	if lba >= a.sectors {
		return fmt.Errorf("%w: sector %d beyond media", ErrBounds, lba)
	}
	err := a.readSectorDMA(lba, addr)
	a.lastErr = err
	return err
}

// WriteSector writes one 512-byte sector through the DMA bounce buffer.
func (a *SdAdapter) WriteSector(lba uint32, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOp(lba, buf); err != nil {
		return err
	}
	a.bus.WriteBytes(a.bounce, buf)
	err := a.writeSectorDMA(lba, a.bounce)
	a.lastErr = err
	return err
}

// WriteSectorFrom writes one sector by DMA directly from guest memory.
func (a *SdAdapter) WriteSectorFrom(lba, addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return fmt.Errorf("%w: adapter not initialized", ErrNoCard)
	}
	if lba >= a.sectors {
		return fmt.Errorf("%w: sector %d beyond media", ErrBounds, lba)
	}
	err := a.writeSectorDMA(lba, addr)
	a.lastErr = err
	return err
}

// SectorCount returns the media capacity in 512-byte sectors.
func (a *SdAdapter) SectorCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sectors
}

// Status reports the probed card type and the most recent error.
func (a *SdAdapter) Status() (CardType, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return CARD_NONE, a.lastErr
	}
	return a.cardType, a.lastErr
}
