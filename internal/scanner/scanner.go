// Package scanner discovers call sites in straight-line guest code.
//
// Discovery is pure: it needs code bytes and a start address, no live
// emulator. Binding the discovered sites to runtime hooks happens
// elsewhere, which keeps this phase unit-testable offline.
package scanner

import (
	"github.com/zboralski/tarsier/internal/disasm"
)

// Window is the number of guest code bytes examined per block.
const Window = 512

// CallSite is a discovered call instruction bound to a capture slot.
type CallSite struct {
	Addr uint64
	Slot uint64
}

// SlotFunc allocates a capture slot for a call address. ok false means
// the site is skipped, typically because a filter rejected the address.
type SlotFunc func(addr uint64) (slot uint64, ok bool)

// Scan decodes sequentially from start, collecting every call
// instruction until the window is exhausted or a terminal instruction
// appears. Returns, unconditional jumps, interrupt returns and
// privileged instructions end the walk; conditional branches fall
// through. A decode failure ends the walk silently: whatever was
// found up to that point stands.
func Scan(code []byte, start uint64, arch disasm.Arch, slot SlotFunc) []CallSite {
	if len(code) > Window {
		code = code[:Window]
	}

	var sites []CallSite
	off := 0
	for off < len(code) {
		addr := start + uint64(off)
		inst, err := disasm.DecodeOne(code[off:], addr, arch)
		if err != nil || inst.Len <= 0 {
			break
		}
		if inst.Group == disasm.GroupCall {
			if id, ok := slot(addr); ok {
				sites = append(sites, CallSite{Addr: addr, Slot: id})
			}
		}
		if inst.Group.Terminal() {
			break
		}
		off += inst.Len
	}
	return sites
}
