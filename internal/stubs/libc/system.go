package libc

import (
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
	stubs.RegisterFunc("libc", "atexit", stubAtexit, "__cxa_atexit")
	stubs.RegisterFunc("libc", "__stack_chk_fail", stubStackChkFail)
	stubs.RegisterFunc("libc", "getenv", stubGetenv)
}

func stubAbort(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "abort", "program aborted")
	// Stop emulation - abort() should terminate
	return true
}

func stubExit(emu *emulator.Emulator) bool {
	code := stubs.Arg(emu, 0)
	stubs.DefaultRegistry.Log("libc", "exit", stubs.FormatHex(code))
	// Stop emulation
	return true
}

func stubAtexit(emu *emulator.Emulator) bool {
	// int atexit(void (*function)(void))
	// Handlers are never run; report success and move on.
	emu.SetRet(0)
	stubs.ReturnFromStub(emu)
	return false
}

// stubStackChkFail stops the run. A tripped canary means the target
// smashed its own stack, which is exactly the signal a fuzzing run
// exists to surface.
func stubStackChkFail(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "__stack_chk_fail", "stack smashing detected")
	return true
}

func stubGetenv(emu *emulator.Emulator) bool {
	name, _ := emu.MemReadString(stubs.Arg(emu, 0), 256)
	stubs.DefaultRegistry.Log("libc", "getenv", name+" -> NULL")
	emu.SetRet(0)
	stubs.ReturnFromStub(emu)
	return false
}
