// Package libc provides stub implementations for libc functions.
// Import this package to register all libc stubs with the default registry.
//
// Comparison routines report their operand bytes through the registry,
// so targets that compare via strcmp or memcmp feed the capture map
// even though no comparison instruction ever executes.
package libc

import (
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/emulator"
)

// This file exists to ensure all libc stubs are registered via init().
// Each file in this package registers its stubs in its own init() function.

// wordSize returns the guest pointer width in bytes.
func wordSize(emu *emulator.Emulator) uint64 {
	switch emu.Arch() {
	case disasm.ARM64, disasm.AMD64:
		return 8
	default:
		return 4
	}
}

// writeWord writes a guest-word-sized value, for struct fields whose C
// type follows the pointer width.
func writeWord(emu *emulator.Emulator, addr, v uint64) {
	if wordSize(emu) == 8 {
		emu.MemWriteU64(addr, v)
	} else {
		emu.MemWriteU32(addr, uint32(v))
	}
}
