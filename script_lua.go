package main

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// LuaConsole exposes the board to Lua for scripted bring-up, soak runs and
// automation: register peeks and pokes, clock stepping, tick and LED
// observation, and raw sector access through the block adapter.
//
// Scripts see:
//
//	peek(addr) -> value            32-bit bus read
//	poke(addr, value)              32-bit bus write
//	step(cycles)                   advance the board clock
//	cycles() -> n                  total cycles pumped
//	ticks() -> n                   firmware tick counter
//	leds() -> value                LED register state
//	sector_read(lba) -> string     512-byte sector contents
//	sector_write(lba, data)        write one 512-byte sector
type LuaConsole struct {
	m *Machine
	L *lua.LState
}

func NewLuaConsole(m *Machine) *LuaConsole {
	c := &LuaConsole{m: m, L: lua.NewState()}
	c.register()
	return c
}

func (c *LuaConsole) register() {
	c.L.SetGlobal("peek", c.L.NewFunction(func(L *lua.LState) int {
		addr := uint32(L.CheckInt64(1))
		L.Push(lua.LNumber(c.m.Bus.Read32(addr)))
		return 1
	}))

	c.L.SetGlobal("poke", c.L.NewFunction(func(L *lua.LState) int {
		addr := uint32(L.CheckInt64(1))
		value := uint32(L.CheckInt64(2))
		c.m.Bus.Write32(addr, value)
		return 0
	}))

	c.L.SetGlobal("step", c.L.NewFunction(func(L *lua.LState) int {
		n := L.CheckInt64(1)
		for n > 0 {
			q := int64(CLOCK_QUANTUM)
			if n < q {
				q = n
			}
			c.m.StepCycles(uint32(q))
			n -= q
		}
		return 0
	}))

	c.L.SetGlobal("cycles", c.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(c.m.Cycles()))
		return 1
	}))

	c.L.SetGlobal("ticks", c.L.NewFunction(func(L *lua.LState) int {
		if c.m.TimerSvc == nil {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(c.m.TimerSvc.Ticks()))
		return 1
	}))

	c.L.SetGlobal("leds", c.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(c.m.Led.Value()))
		return 1
	}))

	c.L.SetGlobal("sector_read", c.L.NewFunction(func(L *lua.LState) int {
		lba := uint32(L.CheckInt64(1))
		buf := make([]byte, SD_SECTOR_SIZE)
		if c.m.Blk == nil {
			L.RaiseError("no block adapter")
			return 0
		}
		if err := c.m.Blk.ReadSector(lba, buf); err != nil {
			L.RaiseError("sector_read: %v", err)
			return 0
		}
		L.Push(lua.LString(buf))
		return 1
	}))

	c.L.SetGlobal("sector_write", c.L.NewFunction(func(L *lua.LState) int {
		lba := uint32(L.CheckInt64(1))
		data := []byte(L.CheckString(2))
		if len(data) != SD_SECTOR_SIZE {
			L.RaiseError("sector_write: want %d bytes, got %d", SD_SECTOR_SIZE, len(data))
			return 0
		}
		if c.m.Blk == nil {
			L.RaiseError("no block adapter")
			return 0
		}
		if err := c.m.Blk.WriteSector(lba, data); err != nil {
			L.RaiseError("sector_write: %v", err)
			return 0
		}
		return 0
	}))
}

// RunFile executes a board script from the host filesystem.
func (c *LuaConsole) RunFile(path string) error {
	if err := c.L.DoFile(path); err != nil {
		return fmt.Errorf("lua script %s: %w", path, err)
	}
	return nil
}

// RunString executes an inline script fragment.
func (c *LuaConsole) RunString(src string) error {
	return c.L.DoString(src)
}

// Close tears down the interpreter.
func (c *LuaConsole) Close() {
	c.L.Close()
}
