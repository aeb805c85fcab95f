package libc

import (
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

// Fixed time values. Wall-clock reads are a reproducibility hazard:
// two runs of the same input must take the same path.
var (
	MockTimeSec  = int64(1704067200) // 2024-01-01 00:00:00 UTC
	MockTimeUSec = int64(0)
	MockTimeNSec = int64(0)
)

func init() {
	stubs.RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	stubs.RegisterFunc("libc", "clock_gettime", stubClockGettime)
	stubs.RegisterFunc("libc", "time", stubTime)
	stubs.RegisterFunc("libc", "clock", stubClock)
	stubs.RegisterFunc("libc", "nanosleep", stubNanosleep)
	stubs.RegisterFunc("libc", "usleep", stubUsleep)
	stubs.RegisterFunc("libc", "sleep", stubSleep)
	stubs.RegisterFunc("libc", "srand", stubSrand)
	stubs.RegisterFunc("libc", "rand", stubRand, "random")
}

func stubGettimeofday(emu *emulator.Emulator) bool {
	tv := stubs.Arg(emu, 0)

	if tv != 0 {
		// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
		writeWord(emu, tv, uint64(MockTimeSec))
		writeWord(emu, tv+wordSize(emu), uint64(MockTimeUSec))
	}

	stubs.DefaultRegistry.Log("libc", "gettimeofday", stubs.FormatPtrPair("tv", tv, "sec", uint64(MockTimeSec)))
	emu.SetRet(0) // success
	stubs.ReturnFromStub(emu)
	return false
}

func stubClockGettime(emu *emulator.Emulator) bool {
	tp := stubs.Arg(emu, 1) // clockid ignored

	if tp != 0 {
		// struct timespec { time_t tv_sec; long tv_nsec; }
		writeWord(emu, tp, uint64(MockTimeSec))
		writeWord(emu, tp+wordSize(emu), uint64(MockTimeNSec))
	}

	stubs.DefaultRegistry.Log("libc", "clock_gettime", stubs.FormatPtrPair("tp", tp, "sec", uint64(MockTimeSec)))
	emu.SetRet(0) // success
	stubs.ReturnFromStub(emu)
	return false
}

func stubTime(emu *emulator.Emulator) bool {
	tloc := stubs.Arg(emu, 0)

	if tloc != 0 {
		writeWord(emu, tloc, uint64(MockTimeSec))
	}

	stubs.DefaultRegistry.Log("libc", "time", stubs.FormatPtr("sec", uint64(MockTimeSec)))
	emu.SetRet(uint64(MockTimeSec))
	stubs.ReturnFromStub(emu)
	return false
}

func stubClock(emu *emulator.Emulator) bool {
	// Fixed tick count
	emu.SetRet(1000000)
	stubs.ReturnFromStub(emu)
	return false
}

func stubNanosleep(emu *emulator.Emulator) bool {
	// Return success without sleeping
	emu.SetRet(0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubUsleep(emu *emulator.Emulator) bool {
	emu.SetRet(0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubSleep(emu *emulator.Emulator) bool {
	emu.SetRet(0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubSrand(emu *emulator.Emulator) bool {
	seed := stubs.Arg(emu, 0)
	stubs.DefaultRegistry.Log("libc", "srand", stubs.FormatHex(seed))
	stubs.ReturnFromStub(emu)
	return false
}

// stubRand returns a fixed value. Randomness inside the target would
// decouple captured operands from the input that produced them.
func stubRand(emu *emulator.Emulator) bool {
	emu.SetRet(0x2a)
	stubs.ReturnFromStub(emu)
	return false
}
