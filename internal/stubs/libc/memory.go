package libc

import (
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})

	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_Znwj", "_Znaj", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

// bumpAlloc rounds size up and hands out fresh zeroed heap memory.
func bumpAlloc(emu *emulator.Emulator, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	size = (size + 15) & ^uint64(15) // Align to 16 bytes

	ptr := emu.Malloc(size)

	zeros := make([]byte, min(size, 4096))
	emu.MemWrite(ptr, zeros)
	return ptr
}

func stubMalloc(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 0)
	ptr := bumpAlloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubCalloc(emu *emulator.Emulator) bool {
	count := stubs.Arg(emu, 0)
	size := stubs.Arg(emu, 1)
	total := count * size
	ptr := bumpAlloc(emu, total)

	stubs.DefaultRegistry.Log("libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubRealloc(emu *emulator.Emulator) bool {
	old := stubs.Arg(emu, 0)
	size := stubs.Arg(emu, 1)
	ptr := bumpAlloc(emu, size)

	// Preserve the old contents up to the new size. The old block is
	// leaked; the bump allocator never reclaims.
	if old != 0 {
		if data, err := emu.MemRead(old, min(size, 4096)); err == nil {
			emu.MemWrite(ptr, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubFree(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "free", "")
	stubs.ReturnFromStub(emu)
	return false
}

func stubNew(emu *emulator.Emulator) bool {
	size := stubs.Arg(emu, 0)
	ptr := bumpAlloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "new", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubDelete(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "delete", "")
	stubs.ReturnFromStub(emu)
	return false
}

func stubGetPageSize(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "getpagesize", "-> 4096")
	emu.SetRet(4096)
	stubs.ReturnFromStub(emu)
	return false
}
