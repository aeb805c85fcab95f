package helper

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/filter"
	"github.com/zboralski/tarsier/internal/hooks"
	"github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/scanner"
)

// Routines captures byte-range operands at function call boundaries.
// Each block start is scanned once for call instructions; every call
// site gets a runtime hook that snapshots the memory behind the first
// two pointer arguments, catching memcmp/strcmp-shaped routines that
// never surface as inline comparison instructions.
type Routines struct {
	m      *cmplog.Map
	filter *filter.Filter
	alloc  cmplog.Allocator
	log    *log.Logger
	once   sync.Once
}

// NewRoutines builds the call-boundary capture helper. Call slots are
// always hashed: call sites have no per-state identity worth keeping.
func NewRoutines(m *cmplog.Map, f *filter.Filter, logger *log.Logger) (*Routines, error) {
	alloc, err := cmplog.NewHashedAllocator(m.W(), f)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Routines{m: m, filter: f, alloc: alloc, log: logger}, nil
}

// Attach registers the block scan on the hub. The engine must expose
// guest memory directly: the scan reads a fixed code window past block
// ends, and argument snapshots read through raw pointers.
func (r *Routines) Attach(hub *hooks.Hub, eng Engine) error {
	if !eng.DirectMemory() {
		return fmt.Errorf("call-boundary capture requires direct guest memory access")
	}
	r.once.Do(func() {
		hub.RegisterBlockCallback(func(addr uint64, size uint32) {
			r.scan(hub, eng, addr)
		})
	})
	return nil
}

// scan walks straight-line code from a block start and hooks every call
// site found inside the window.
func (r *Routines) scan(hub *hooks.Hub, eng Engine, addr uint64) {
	if !r.filter.Allowed(addr) {
		return
	}
	code, err := eng.CodeBytes(addr, scanner.Window)
	if err != nil {
		r.log.Debug("call scan read failed", log.Addr(addr), zap.Error(err))
		return
	}

	for _, site := range scanner.Scan(code, addr, eng.Arch(), r.alloc.Allocate) {
		slot := site.Slot
		installed := hub.InstallRuntimeHook(site.Addr, func() bool {
			r.onCall(eng, slot)
			return false
		})
		if installed {
			r.log.Debug("call site hooked", log.Addr(site.Addr), log.Slot(slot))
		}
	}
}

// onCall snapshots the first two arguments of the function about to be
// called. Null or unreadable pointers drop the capture.
func (r *Routines) onCall(eng Engine, slot uint64) {
	if !cmplog.Enabled() {
		return
	}

	a0, err := eng.ReadArgument(0)
	if err != nil || a0 == 0 {
		return
	}
	a1, err := eng.ReadArgument(1)
	if err != nil || a1 == 0 {
		return
	}

	var bufA, bufB [cmplog.OperandMax]byte
	la := readOperand(eng, a0, bufA[:])
	if la == 0 {
		return
	}
	lb := readOperand(eng, a1, bufB[:])
	if lb == 0 {
		return
	}

	r.m.RecordBytes(slot, bufA[:la], bufB[:lb])
}

// readOperand reads as much of buf as the guest mapping allows: the
// full length when possible, otherwise up to the end of the containing
// page. Returns the byte count read, 0 when nothing is readable.
func readOperand(eng Engine, addr uint64, buf []byte) int {
	if err := eng.ReadMem(addr, buf); err == nil {
		return len(buf)
	}
	n := int(0x1000 - (addr & 0xfff))
	if n >= len(buf) {
		return 0
	}
	if err := eng.ReadMem(addr, buf[:n]); err != nil {
		return 0
	}
	return n
}
