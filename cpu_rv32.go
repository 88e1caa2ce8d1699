// cpu_rv32.go - RV32IMC interpreter core for overlay execution

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/GlacierEngine
License: GPLv3 or later
*/

/*
cpu_rv32.go - RV32IMC Overlay Core

An interpreter for the RV32IMC instruction set, used to execute overlay
images inside the fixed overlay window. The core is deliberately confined:
instruction fetch is legal only inside the window, data access only inside
the overlay's own window, heap and stack plus the MMIO block. Anything else
is a fault that aborts the overlay without harming the firmware.

Signal flow per instruction:
1. Deliver a pending timer-hook injection if one is due
2. Fetch 16 bits; low two bits select compressed or full-width
3. Expand compressed encodings to their 32-bit equivalents
4. Execute, with x0 pinned to zero
5. Retire, or stop on the exit sentinel

Calling convention with the loader: the loader seeds sp to the top of the
overlay stack, a0 with the call argument, and ra with the exit sentinel;
the image's entry sits at the window base. A plain `ret` from the entry
lands on the sentinel and stops the core cleanly with a0 as the exit code.

Firmware services are reached through ECALL with the function number in a7
and arguments in a0..a2; the result returns in a0. The service table is
supplied by the overlay loader.

The timer-hook injection mirrors a hardware vectoring sequence: when the
firmware tick fires and the overlay has registered a hook, the core saves
the resume point, aims ra at the hook-return sentinel, and redirects the
program counter to the hook. Hooks therefore look like ordinary calls from
nowhere and must preserve what they use.
*/

package main

import (
	"fmt"
	"sync/atomic"
)

const (
	RV_EXIT_SENTINEL = 0xFFFFFFF0 // ra target for clean overlay return
	RV_HOOK_SENTINEL = 0xFFFFFFE0 // ra target for timer-hook return

	RV_REG_RA = 1
	RV_REG_SP = 2
	RV_REG_A0 = 10
	RV_REG_A1 = 11
	RV_REG_A2 = 12
	RV_REG_A7 = 17
)

// EcallFunc services one firmware call: fn is a7, args are a0..a2. The
// return value lands in a0.
type EcallFunc func(fn, a0, a1, a2 uint32) (uint32, error)

// CpuRV32 is one RV32IMC hart bound to the system bus.
type CpuRV32 struct {
	X  [32]uint32
	PC uint32

	bus MemoryBus

	execRegion  MemRegion
	dataRegions []MemRegion

	ecall EcallFunc

	// Timer-hook injection state.
	pendingTicks atomic.Int32
	hookAddr     uint32
	hookResume   uint32
	hookSavedRA  uint32
	inHook       bool

	Instret uint64
}

func NewCpuRV32(bus MemoryBus) *CpuRV32 {
	return &CpuRV32{bus: bus}
}

// Confine restricts fetch to exec and data access to the given regions
// (the MMIO block is always accessible).
func (c *CpuRV32) Confine(exec MemRegion, data []MemRegion) {
	c.execRegion = exec
	c.dataRegions = data
}

// SetEcall installs the firmware service gateway.
func (c *CpuRV32) SetEcall(fn EcallFunc) {
	c.ecall = fn
}

// SetTimerHook aims tick injections at a guest address; zero disarms.
func (c *CpuRV32) SetTimerHook(addr uint32) {
	c.hookAddr = addr
}

// InjectTick queues one timer-hook delivery. Safe from ISR context.
func (c *CpuRV32) InjectTick() {
	c.pendingTicks.Add(1)
}

// dataOK checks a data access against the confinement regions.
func (c *CpuRV32) dataOK(addr, size uint32) bool {
	if IsMMIOAddress(addr) {
		return true
	}
	for _, r := range c.dataRegions {
		if r.Contains(addr, size) {
			return true
		}
	}
	return len(c.dataRegions) == 0 // unconfined core (tests)
}

func (c *CpuRV32) load(addr, size uint32) (uint32, error) {
	if !c.dataOK(addr, size) {
		return 0, fmt.Errorf("rv32: load of %d bytes at 0x%08X outside allowed regions (pc=0x%08X)", size, addr, c.PC)
	}
	switch size {
	case 1:
		return uint32(c.bus.Read8(addr)), nil
	case 2:
		return uint32(c.bus.Read16(addr)), nil
	default:
		return c.bus.Read32(addr), nil
	}
}

func (c *CpuRV32) store(addr, size, value uint32) error {
	if !c.dataOK(addr, size) {
		return fmt.Errorf("rv32: store of %d bytes at 0x%08X outside allowed regions (pc=0x%08X)", size, addr, c.PC)
	}
	switch size {
	case 1:
		c.bus.Write8(addr, uint8(value))
	case 2:
		c.bus.Write16(addr, uint16(value))
	default:
		c.bus.Write32(addr, value)
	}
	return nil
}

// setReg writes a register with x0 pinned to zero.
func (c *CpuRV32) setReg(rd int, v uint32) {
	if rd != 0 {
		c.X[rd] = v
	}
}

// Run executes until the exit sentinel, a fault, or the instruction budget
// runs out (the overlay-hang backstop). Returns the exit code from a0.
func (c *CpuRV32) Run(maxInstret uint64) (uint32, error) {
	for {
		if c.PC == RV_EXIT_SENTINEL {
			return c.X[RV_REG_A0], nil
		}
		if c.PC == RV_HOOK_SENTINEL {
			if !c.inHook {
				return 0, fmt.Errorf("rv32: hook-return sentinel reached outside a hook")
			}
			c.inHook = false
			c.PC = c.hookResume
			c.X[RV_REG_RA] = c.hookSavedRA
			continue
		}

		// Tick injection between instructions, never nested.
		if !c.inHook && c.hookAddr != 0 && c.pendingTicks.Load() > 0 {
			c.pendingTicks.Add(-1)
			c.inHook = true
			c.hookResume = c.PC
			// The hook gets its own return linkage; the interrupted ra is
			// restored at the sentinel.
			c.hookSavedRA = c.X[RV_REG_RA]
			c.X[RV_REG_RA] = RV_HOOK_SENTINEL
			c.PC = c.hookAddr
			continue
		}

		if c.Instret >= maxInstret {
			return 0, fmt.Errorf("%w: overlay exceeded %d instructions", ErrHardwareTimeout, maxInstret)
		}
		if c.execRegion.End != 0 && !c.execRegion.Contains(c.PC, 2) {
			return 0, fmt.Errorf("rv32: fetch at 0x%08X outside the overlay window", c.PC)
		}
		if c.PC&1 != 0 {
			return 0, fmt.Errorf("rv32: misaligned fetch at 0x%08X", c.PC)
		}

		low := uint32(c.bus.Read16(c.PC))
		var inst uint32
		var size uint32
		if low&3 == 3 {
			inst = low | uint32(c.bus.Read16(c.PC+2))<<16
			size = 4
		} else {
			var err error
			inst, err = expandCompressed(uint16(low))
			if err != nil {
				return 0, fmt.Errorf("%v (pc=0x%08X)", err, c.PC)
			}
			size = 2
		}

		if err := c.execute(inst, size); err != nil {
			return 0, err
		}
		c.Instret++
	}
}

// execute runs one 32-bit instruction. size is the fetched width (2 for an
// expanded compressed encoding) and feeds the PC advance.
func (c *CpuRV32) execute(inst, size uint32) error {
	opcode := inst & 0x7F
	rd := int(inst >> 7 & 0x1F)
	rs1 := int(inst >> 15 & 0x1F)
	rs2 := int(inst >> 20 & 0x1F)
	funct3 := inst >> 12 & 0x7
	funct7 := inst >> 25

	immI := uint32(int32(inst) >> 20)
	immS := uint32(int32(inst)>>25<<5) | inst>>7&0x1F
	immB := uint32(int32(inst)>>31<<12) | inst>>7&1<<11 | inst>>25&0x3F<<5 | inst>>8&0xF<<1
	immU := inst & 0xFFFFF000
	immJ := uint32(int32(inst)>>31<<20) | inst&0xFF000 | inst>>20&1<<11 | inst>>21&0x3FF<<1

	next := c.PC + size

	switch opcode {
	case 0x37: // LUI
		c.setReg(rd, immU)

	case 0x17: // AUIPC
		c.setReg(rd, c.PC+immU)

	case 0x6F: // JAL
		c.setReg(rd, next)
		next = c.PC + immJ

	case 0x67: // JALR
		if funct3 != 0 {
			return c.illegal(inst)
		}
		target := (c.X[rs1] + immI) &^ 1
		c.setReg(rd, next)
		next = target

	case 0x63: // branches
		var take bool
		a, b := c.X[rs1], c.X[rs2]
		switch funct3 {
		case 0:
			take = a == b
		case 1:
			take = a != b
		case 4:
			take = int32(a) < int32(b)
		case 5:
			take = int32(a) >= int32(b)
		case 6:
			take = a < b
		case 7:
			take = a >= b
		default:
			return c.illegal(inst)
		}
		if take {
			next = c.PC + immB
		}

	case 0x03: // loads
		addr := c.X[rs1] + immI
		var v uint32
		var err error
		switch funct3 {
		case 0: // LB
			v, err = c.load(addr, 1)
			v = uint32(int32(int8(v)))
		case 1: // LH
			v, err = c.load(addr, 2)
			v = uint32(int32(int16(v)))
		case 2: // LW
			v, err = c.load(addr, 4)
		case 4: // LBU
			v, err = c.load(addr, 1)
		case 5: // LHU
			v, err = c.load(addr, 2)
		default:
			return c.illegal(inst)
		}
		if err != nil {
			return err
		}
		c.setReg(rd, v)

	case 0x23: // stores
		addr := c.X[rs1] + immS
		var err error
		switch funct3 {
		case 0:
			err = c.store(addr, 1, c.X[rs2])
		case 1:
			err = c.store(addr, 2, c.X[rs2])
		case 2:
			err = c.store(addr, 4, c.X[rs2])
		default:
			return c.illegal(inst)
		}
		if err != nil {
			return err
		}

	case 0x13: // OP-IMM
		a := c.X[rs1]
		var v uint32
		switch funct3 {
		case 0:
			v = a + immI
		case 2:
			if int32(a) < int32(immI) {
				v = 1
			}
		case 3:
			if a < immI {
				v = 1
			}
		case 4:
			v = a ^ immI
		case 6:
			v = a | immI
		case 7:
			v = a & immI
		case 1: // SLLI
			if funct7 != 0 {
				return c.illegal(inst)
			}
			v = a << (immI & 0x1F)
		case 5: // SRLI/SRAI
			switch funct7 {
			case 0x00:
				v = a >> (immI & 0x1F)
			case 0x20:
				v = uint32(int32(a) >> (immI & 0x1F))
			default:
				return c.illegal(inst)
			}
		}
		c.setReg(rd, v)

	case 0x33: // OP
		a, b := c.X[rs1], c.X[rs2]
		var v uint32
		switch {
		case funct7 == 0x01: // M extension
			switch funct3 {
			case 0: // MUL
				v = a * b
			case 1: // MULH
				v = uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32)
			case 2: // MULHSU
				v = uint32(uint64(int64(int32(a))*int64(uint64(b))) >> 32)
			case 3: // MULHU
				v = uint32(uint64(a) * uint64(b) >> 32)
			case 4: // DIV
				switch {
				case b == 0:
					v = 0xFFFFFFFF
				case a == 0x80000000 && b == 0xFFFFFFFF:
					v = 0x80000000
				default:
					v = uint32(int32(a) / int32(b))
				}
			case 5: // DIVU
				if b == 0 {
					v = 0xFFFFFFFF
				} else {
					v = a / b
				}
			case 6: // REM
				switch {
				case b == 0:
					v = a
				case a == 0x80000000 && b == 0xFFFFFFFF:
					v = 0
				default:
					v = uint32(int32(a) % int32(b))
				}
			case 7: // REMU
				if b == 0 {
					v = a
				} else {
					v = a % b
				}
			}
		case funct7 == 0x00 || funct7 == 0x20:
			neg := funct7 == 0x20
			switch funct3 {
			case 0:
				if neg {
					v = a - b
				} else {
					v = a + b
				}
			case 1:
				v = a << (b & 0x1F)
			case 2:
				if int32(a) < int32(b) {
					v = 1
				}
			case 3:
				if a < b {
					v = 1
				}
			case 4:
				v = a ^ b
			case 5:
				if neg {
					v = uint32(int32(a) >> (b & 0x1F))
				} else {
					v = a >> (b & 0x1F)
				}
			case 6:
				v = a | b
			case 7:
				v = a & b
			}
		default:
			return c.illegal(inst)
		}
		c.setReg(rd, v)

	case 0x0F: // FENCE: a single hart over a strongly ordered bus
		// retires it as a no-op.

	case 0x73: // SYSTEM
		switch inst >> 20 {
		case 0: // ECALL
			if c.ecall == nil {
				return fmt.Errorf("rv32: ECALL with no service gateway (pc=0x%08X)", c.PC)
			}
			ret, err := c.ecall(c.X[RV_REG_A7], c.X[RV_REG_A0], c.X[RV_REG_A1], c.X[RV_REG_A2])
			if err != nil {
				return fmt.Errorf("rv32: service %d failed: %v", c.X[RV_REG_A7], err)
			}
			c.setReg(RV_REG_A0, ret)
		case 1: // EBREAK
			return fmt.Errorf("rv32: EBREAK at pc=0x%08X", c.PC)
		default:
			return c.illegal(inst)
		}

	default:
		return c.illegal(inst)
	}

	c.PC = next
	return nil
}

func (c *CpuRV32) illegal(inst uint32) error {
	return fmt.Errorf("rv32: illegal instruction 0x%08X at pc=0x%08X", inst, c.PC)
}

// ----------------------------------------------------------------------------
// Compressed (RVC) expansion
// ----------------------------------------------------------------------------

// 32-bit encoders used by the expander.
func encR(f7 uint32, rs2, rs1 int, f3 uint32, rd int, op uint32) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func encI(imm uint32, rs1 int, f3 uint32, rd int, op uint32) uint32 {
	return imm&0xFFF<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func encS(imm uint32, rs2, rs1 int, f3 uint32, op uint32) uint32 {
	return imm>>5&0x7F<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | imm&0x1F<<7 | op
}

func encB(imm uint32, rs2, rs1 int, f3 uint32) uint32 {
	return imm>>12&1<<31 | imm>>5&0x3F<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		f3<<12 | imm>>1&0xF<<8 | imm>>11&1<<7 | 0x63
}

func encJ(imm uint32, rd int) uint32 {
	return imm>>20&1<<31 | imm>>1&0x3FF<<21 | imm>>11&1<<20 | imm>>12&0xFF<<12 |
		uint32(rd)<<7 | 0x6F
}

func encU(imm uint32, rd int, op uint32) uint32 {
	return imm&0xFFFFF000 | uint32(rd)<<7 | op
}

// sext sign-extends the low bits of v.
func sext(v uint32, bits uint) uint32 {
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

// expandCompressed converts an RVC halfword to its 32-bit equivalent.
func expandCompressed(h uint16) (uint32, error) {
	inst := uint32(h)
	q := inst & 3
	f3 := inst >> 13 & 7

	// Register fields used by the compressed quadrants.
	rdFull := int(inst >> 7 & 0x1F)
	rs2Full := int(inst >> 2 & 0x1F)
	rdP := int(inst>>2&7) + 8
	rs1P := int(inst>>7&7) + 8

	switch q {
	case 0:
		switch f3 {
		case 0: // C.ADDI4SPN
			imm := inst>>11&3<<4 | inst>>7&0xF<<6 | inst>>6&1<<2 | inst>>5&1<<3
			if imm == 0 {
				return 0, fmt.Errorf("rv32: reserved compressed encoding 0x%04X", h)
			}
			return encI(imm, RV_REG_SP, 0, rdP, 0x13), nil
		case 2: // C.LW
			imm := inst>>10&7<<3 | inst>>6&1<<2 | inst>>5&1<<6
			return encI(imm, rs1P, 2, rdP, 0x03), nil
		case 6: // C.SW
			imm := inst>>10&7<<3 | inst>>6&1<<2 | inst>>5&1<<6
			return encS(imm, rdP, rs1P, 2, 0x23), nil
		}

	case 1:
		switch f3 {
		case 0: // C.ADDI (C.NOP when rd=0)
			imm := sext(inst>>12&1<<5|inst>>2&0x1F, 6)
			return encI(imm, rdFull, 0, rdFull, 0x13), nil
		case 1: // C.JAL
			return encJ(rvcJImm(inst), RV_REG_RA), nil
		case 2: // C.LI
			imm := sext(inst>>12&1<<5|inst>>2&0x1F, 6)
			return encI(imm, 0, 0, rdFull, 0x13), nil
		case 3:
			if rdFull == RV_REG_SP { // C.ADDI16SP
				imm := sext(inst>>12&1<<9|inst>>6&1<<4|inst>>5&1<<6|
					inst>>3&3<<7|inst>>2&1<<5, 10)
				if imm == 0 {
					return 0, fmt.Errorf("rv32: reserved compressed encoding 0x%04X", h)
				}
				return encI(imm, RV_REG_SP, 0, RV_REG_SP, 0x13), nil
			}
			imm := sext(inst>>12&1<<17|inst>>2&0x1F<<12, 18)
			if imm == 0 {
				return 0, fmt.Errorf("rv32: reserved compressed encoding 0x%04X", h)
			}
			return encU(imm, rdFull, 0x37), nil // C.LUI
		case 4:
			switch inst >> 10 & 3 {
			case 0: // C.SRLI
				sh := inst>>12&1<<5 | inst>>2&0x1F
				return encI(sh, rs1P, 5, rs1P, 0x13), nil
			case 1: // C.SRAI
				sh := inst>>12&1<<5 | inst>>2&0x1F
				return encI(sh|0x400, rs1P, 5, rs1P, 0x13), nil
			case 2: // C.ANDI
				imm := sext(inst>>12&1<<5|inst>>2&0x1F, 6)
				return encI(imm, rs1P, 7, rs1P, 0x13), nil
			case 3:
				if inst>>12&1 != 0 {
					return 0, fmt.Errorf("rv32: reserved compressed encoding 0x%04X", h)
				}
				rs2 := int(inst>>2&7) + 8
				switch inst >> 5 & 3 {
				case 0: // C.SUB
					return encR(0x20, rs2, rs1P, 0, rs1P, 0x33), nil
				case 1: // C.XOR
					return encR(0, rs2, rs1P, 4, rs1P, 0x33), nil
				case 2: // C.OR
					return encR(0, rs2, rs1P, 6, rs1P, 0x33), nil
				case 3: // C.AND
					return encR(0, rs2, rs1P, 7, rs1P, 0x33), nil
				}
			}
		case 5: // C.J
			return encJ(rvcJImm(inst), 0), nil
		case 6: // C.BEQZ
			return encB(rvcBImm(inst), 0, rs1P, 0), nil
		case 7: // C.BNEZ
			return encB(rvcBImm(inst), 0, rs1P, 1), nil
		}

	case 2:
		switch f3 {
		case 0: // C.SLLI
			sh := inst>>12&1<<5 | inst>>2&0x1F
			return encI(sh, rdFull, 1, rdFull, 0x13), nil
		case 2: // C.LWSP
			imm := inst>>12&1<<5 | inst>>4&7<<2 | inst>>2&3<<6
			return encI(imm, RV_REG_SP, 2, rdFull, 0x03), nil
		case 4:
			bit12 := inst>>12&1 != 0
			switch {
			case !bit12 && rs2Full == 0: // C.JR
				return encI(0, rdFull, 0, 0, 0x67), nil
			case !bit12: // C.MV
				return encR(0, rs2Full, 0, 0, rdFull, 0x33), nil
			case rs2Full == 0 && rdFull == 0: // C.EBREAK
				return 1<<20 | 0x73, nil
			case rs2Full == 0: // C.JALR
				return encI(0, rdFull, 0, RV_REG_RA, 0x67), nil
			default: // C.ADD
				return encR(0, rs2Full, rdFull, 0, rdFull, 0x33), nil
			}
		case 6: // C.SWSP
			imm := inst>>9&0xF<<2 | inst>>7&3<<6
			return encS(imm, rs2Full, RV_REG_SP, 2, 0x23), nil
		}
	}
	return 0, fmt.Errorf("rv32: unsupported compressed encoding 0x%04X", h)
}

// rvcJImm decodes the C.J/C.JAL offset.
func rvcJImm(inst uint32) uint32 {
	imm := inst>>12&1<<11 | inst>>11&1<<4 | inst>>9&3<<8 | inst>>8&1<<10 |
		inst>>7&1<<6 | inst>>6&1<<7 | inst>>3&7<<1 | inst>>2&1<<5
	return sext(imm, 12)
}

// rvcBImm decodes the C.BEQZ/C.BNEZ offset.
func rvcBImm(inst uint32) uint32 {
	imm := inst>>12&1<<8 | inst>>10&3<<3 | inst>>5&3<<6 | inst>>3&3<<1 |
		inst>>2&1<<5
	return sext(imm, 9)
}
