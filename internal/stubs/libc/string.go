package libc

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy)
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "memmove", stubMemmove)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy)
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy)
	stubs.RegisterFunc("libc", "strcat", stubStrcat)
	stubs.RegisterFunc("libc", "strncat", stubStrncat)
	stubs.RegisterFunc("libc", "strchr", stubStrchr)
	stubs.RegisterFunc("libc", "strrchr", stubStrrchr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
	stubs.RegisterFunc("libc", "strndup", stubStrndup)

	// Comparison routines report their operands before answering.
	stubs.RegisterFunc("compare", "memcmp", stubMemcmp, "bcmp")
	stubs.RegisterFunc("compare", "strcmp", stubStrcmp)
	stubs.RegisterFunc("compare", "strncmp", stubStrncmp)
	stubs.RegisterFunc("compare", "strcasecmp", stubStrcasecmp)
	stubs.RegisterFunc("compare", "strncasecmp", stubStrncasecmp)
	stubs.RegisterFunc("compare", "strstr", stubStrstr)
}

// orderResult converts an ordering to the C convention: -1, 0 or 1 in
// the return register.
func orderResult(c int) uint64 {
	switch {
	case c < 0:
		return 0xffffffffffffffff // -1
	case c > 0:
		return 1
	}
	return 0
}

func stubStrlen(emu *emulator.Emulator) bool {
	addr := stubs.Arg(emu, 0)
	str, _ := emu.MemReadString(addr, 4096)
	length := uint64(len(str))

	stubs.DefaultRegistry.Log("libc", "strlen", stubs.FormatPtr("len", length))
	emu.SetRet(length)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemcpy(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)
	n := stubs.Arg(emu, 2)

	if n > 0 && n < 0x100000 {
		data, err := emu.MemRead(src, n)
		if err == nil {
			emu.MemWrite(dest, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "memcpy", formatMemop(dest, src, n))
	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemset(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	c := byte(stubs.Arg(emu, 1) & 0xFF)
	n := stubs.Arg(emu, 2)

	if n > 0 && n < 0x100000 {
		data := bytes.Repeat([]byte{c}, int(n))
		emu.MemWrite(dest, data)
	}

	stubs.DefaultRegistry.Log("libc", "memset", stubs.FormatPtrPair("dest", dest, "c", uint64(c)))
	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemmove(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)
	n := stubs.Arg(emu, 2)

	if n > 0 && n < 0x100000 {
		data, err := emu.MemRead(src, n)
		if err == nil {
			emu.MemWrite(dest, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "memmove", formatMemop(dest, src, n))
	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemcmp(emu *emulator.Emulator) bool {
	s1Addr := stubs.Arg(emu, 0)
	s2Addr := stubs.Arg(emu, 1)
	n := stubs.Arg(emu, 2)

	var result uint64
	if n > 0 && n < 0x100000 {
		s1, err1 := emu.MemRead(s1Addr, n)
		s2, err2 := emu.MemRead(s2Addr, n)
		if err1 == nil && err2 == nil {
			stubs.ReportCompare(emu, s1, s2)
			result = orderResult(bytes.Compare(s1, s2))
		}
	}

	stubs.DefaultRegistry.Log("compare", "memcmp", formatMemop(s1Addr, s2Addr, n))
	emu.SetRet(result)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrcmp(emu *emulator.Emulator) bool {
	s1, _ := emu.MemReadString(stubs.Arg(emu, 0), 256)
	s2, _ := emu.MemReadString(stubs.Arg(emu, 1), 256)

	stubs.ReportCompare(emu, []byte(s1), []byte(s2))

	stubs.DefaultRegistry.Log("compare", "strcmp", formatCmp(s1, s2))
	emu.SetRet(orderResult(strings.Compare(s1, s2)))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncmp(emu *emulator.Emulator) bool {
	n := int(stubs.Arg(emu, 2))
	s1, _ := emu.MemReadString(stubs.Arg(emu, 0), n)
	s2, _ := emu.MemReadString(stubs.Arg(emu, 1), n)

	if len(s1) > n {
		s1 = s1[:n]
	}
	if len(s2) > n {
		s2 = s2[:n]
	}

	stubs.ReportCompare(emu, []byte(s1), []byte(s2))

	stubs.DefaultRegistry.Log("compare", "strncmp", formatCmp(s1, s2))
	emu.SetRet(orderResult(strings.Compare(s1, s2)))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrcasecmp(emu *emulator.Emulator) bool {
	s1, _ := emu.MemReadString(stubs.Arg(emu, 0), 256)
	s2, _ := emu.MemReadString(stubs.Arg(emu, 1), 256)

	stubs.ReportCompare(emu, []byte(s1), []byte(s2))

	stubs.DefaultRegistry.Log("compare", "strcasecmp", formatCmp(s1, s2))
	emu.SetRet(orderResult(strings.Compare(strings.ToLower(s1), strings.ToLower(s2))))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncasecmp(emu *emulator.Emulator) bool {
	n := int(stubs.Arg(emu, 2))
	s1, _ := emu.MemReadString(stubs.Arg(emu, 0), n)
	s2, _ := emu.MemReadString(stubs.Arg(emu, 1), n)

	if len(s1) > n {
		s1 = s1[:n]
	}
	if len(s2) > n {
		s2 = s2[:n]
	}

	stubs.ReportCompare(emu, []byte(s1), []byte(s2))

	stubs.DefaultRegistry.Log("compare", "strncasecmp", formatCmp(s1, s2))
	emu.SetRet(orderResult(strings.Compare(strings.ToLower(s1), strings.ToLower(s2))))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrcpy(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)
	str, _ := emu.MemReadString(src, 4096)
	emu.MemWriteString(dest, str)

	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncpy(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)
	n := stubs.Arg(emu, 2)

	str, _ := emu.MemReadString(src, int(n))
	if uint64(len(str)) < n {
		data := make([]byte, n)
		copy(data, str)
		emu.MemWrite(dest, data)
	} else {
		emu.MemWriteString(dest, str[:n])
	}

	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrcat(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)

	destStr, _ := emu.MemReadString(dest, 4096)
	srcStr, _ := emu.MemReadString(src, 4096)
	emu.MemWriteString(dest, destStr+srcStr)

	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncat(emu *emulator.Emulator) bool {
	dest := stubs.Arg(emu, 0)
	src := stubs.Arg(emu, 1)
	n := int(stubs.Arg(emu, 2))

	destStr, _ := emu.MemReadString(dest, 4096)
	srcStr, _ := emu.MemReadString(src, n)
	if len(srcStr) > n {
		srcStr = srcStr[:n]
	}
	emu.MemWriteString(dest, destStr+srcStr)

	emu.SetRet(dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrchr(emu *emulator.Emulator) bool {
	addr := stubs.Arg(emu, 0)
	c := byte(stubs.Arg(emu, 1) & 0xFF)

	str, _ := emu.MemReadString(addr, 4096)
	if c == 0 {
		emu.SetRet(addr + uint64(len(str)))
		stubs.ReturnFromStub(emu)
		return false
	}
	if idx := strings.IndexByte(str, c); idx >= 0 {
		emu.SetRet(addr + uint64(idx))
	} else {
		emu.SetRet(0)
	}
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrrchr(emu *emulator.Emulator) bool {
	addr := stubs.Arg(emu, 0)
	c := byte(stubs.Arg(emu, 1) & 0xFF)

	str, _ := emu.MemReadString(addr, 4096)
	if c == 0 {
		emu.SetRet(addr + uint64(len(str)))
		stubs.ReturnFromStub(emu)
		return false
	}
	if idx := strings.LastIndexByte(str, c); idx >= 0 {
		emu.SetRet(addr + uint64(idx))
	} else {
		emu.SetRet(0)
	}
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrstr(emu *emulator.Emulator) bool {
	haystackAddr := stubs.Arg(emu, 0)
	needleAddr := stubs.Arg(emu, 1)

	haystack, _ := emu.MemReadString(haystackAddr, 4096)
	needle, _ := emu.MemReadString(needleAddr, 256)

	stubs.ReportCompare(emu, []byte(haystack), []byte(needle))

	stubs.DefaultRegistry.Log("compare", "strstr", formatCmp(haystack, needle))
	if len(needle) == 0 {
		emu.SetRet(haystackAddr)
	} else if idx := strings.Index(haystack, needle); idx >= 0 {
		emu.SetRet(haystackAddr + uint64(idx))
	} else {
		emu.SetRet(0)
	}
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrdup(emu *emulator.Emulator) bool {
	src := stubs.Arg(emu, 0)
	str, _ := emu.MemReadString(src, 4096)

	ptr := bumpAlloc(emu, uint64(len(str)+1))
	emu.MemWriteString(ptr, str)

	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrndup(emu *emulator.Emulator) bool {
	src := stubs.Arg(emu, 0)
	n := int(stubs.Arg(emu, 1))
	str, _ := emu.MemReadString(src, n)
	if len(str) > n {
		str = str[:n]
	}

	ptr := bumpAlloc(emu, uint64(len(str)+1))
	emu.MemWriteString(ptr, str)

	emu.SetRet(ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func formatMemop(dest, src, n uint64) string {
	return "dst=" + stubs.FormatHex(dest) + " src=" + stubs.FormatHex(src) + " n=" + stubs.FormatHex(n)
}

// formatCmp abbreviates a compared pair for the trace.
func formatCmp(s1, s2 string) string {
	return "a=" + abbrev(s1) + " b=" + abbrev(s2)
}

func abbrev(s string) string {
	if len(s) > 16 {
		s = s[:16]
	}
	return strconv.Quote(s)
}
