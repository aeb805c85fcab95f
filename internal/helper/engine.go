// Package helper wires comparison capture onto an execution engine.
//
// The instruction helpers record integer comparison operands as blocks
// translate and execute; the routines helper snapshots pointer
// arguments at call sites. Both publish into the same capture map.
package helper

import (
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/hooks"
	"github.com/zboralski/tarsier/internal/log"
)

// Engine extends the hub's engine surface with what the helpers need:
// block events, the memory-visibility capability, and call arguments.
type Engine interface {
	hooks.Engine
	HookBlock(fn func(addr uint64, size uint32))
	DirectMemory() bool
	ReadArgument(index int) (uint64, error)
}

// engineAdapter narrows an emulator to the Engine surface.
type engineAdapter struct {
	emu *emulator.Emulator
}

func (a engineAdapter) Arch() disasm.Arch { return a.emu.Arch() }

func (a engineAdapter) Reg(index int) (uint64, error) { return a.emu.Reg(index) }

func (a engineAdapter) ReadMem(addr uint64, buf []byte) error { return a.emu.ReadMem(addr, buf) }

func (a engineAdapter) CodeBytes(addr uint64, n int) ([]byte, error) {
	return a.emu.CodeBytes(addr, n)
}

func (a engineAdapter) HookAddress(addr uint64, fn func() bool) {
	a.emu.HookAddress(addr, func(*emulator.Emulator) bool { return fn() })
}

func (a engineAdapter) HookBlock(fn func(addr uint64, size uint32)) {
	a.emu.HookBlock(func(_ *emulator.Emulator, addr uint64, size uint32) { fn(addr, size) })
}

func (a engineAdapter) DirectMemory() bool { return a.emu.DirectMemory() }

func (a engineAdapter) ReadArgument(index int) (uint64, error) {
	return a.emu.ReadArgument(emulator.CallConvGuest, index)
}

// NewEngine adapts an emulator to the Engine surface.
func NewEngine(emu *emulator.Emulator) Engine {
	return engineAdapter{emu: emu}
}

// Rig builds the hook hub for an emulator and wires block events into
// it. Helpers then attach to the returned hub.
func Rig(emu *emulator.Emulator, logger *log.Logger) (*hooks.Hub, Engine) {
	eng := NewEngine(emu)
	hub := hooks.NewHub(eng, logger)
	eng.HookBlock(hub.OnBlock)
	return hub, eng
}
