// Package hooks bridges engine execution events to comparison capture.
//
// Helpers register an ID generator and width-keyed trace callbacks;
// the hub scans each basic block the first time it executes, plants a
// runtime hook on every comparison whose operands it can read back,
// and dispatches live operand values to the matching trace callbacks.
package hooks

import (
	"sync"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/log"
)

// Engine is the slice of the execution backend the hub needs: code
// bytes for discovery, registers and memory for operand reads, and
// per-address hooks for runtime dispatch.
type Engine interface {
	disasm.Backend
	Arch() disasm.Arch
	CodeBytes(addr uint64, n int) ([]byte, error)
	HookAddress(addr uint64, fn func() bool)
}

// IDFunc yields the capture-map slot for an instrumentation site, or
// false to leave the site alone.
type IDFunc func(addr uint64) (slot uint64, ok bool)

// TraceFunc receives both operand values each time a hooked comparison
// of the registered width executes.
type TraceFunc func(slot, va, vb uint64)

// BlockFunc runs the first time a block executes.
type BlockFunc func(addr uint64, size uint32)

// RuntimeFunc runs when execution reaches its address; returning true
// stops the run.
type RuntimeFunc func() bool

// Hub owns the per-address instrumentation state for one engine.
type Hub struct {
	engine Engine
	arch   disasm.Arch
	log    *log.Logger

	mu        sync.RWMutex
	idGen     IDFunc
	traces    map[uint8][]TraceFunc
	blockFns  []BlockFunc
	seen      map[uint64]struct{}
	installed map[uint64]struct{}
}

// NewHub creates a hub driving the given engine. A nil logger disables
// hub logging.
func NewHub(engine Engine, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Hub{
		engine:    engine,
		arch:      engine.Arch(),
		log:       logger,
		traces:    make(map[uint8][]TraceFunc),
		seen:      make(map[uint64]struct{}),
		installed: make(map[uint64]struct{}),
	}
}

// RegisterIDGenerator sets the slot source consulted for every
// comparison the hub discovers. Only one generator is active; helpers
// own the policy of which allocator backs it.
func (h *Hub) RegisterIDGenerator(fn IDFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idGen = fn
}

// RegisterTrace adds a callback for comparisons of the given operand
// width in bytes (1, 2, 4 or 8).
func (h *Hub) RegisterTrace(width uint8, fn TraceFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.traces[width] = append(h.traces[width], fn)
}

// RegisterBlockCallback adds a callback run once per block, at its
// first execution.
func (h *Hub) RegisterBlockCallback(fn BlockFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blockFns = append(h.blockFns, fn)
}

// InstallRuntimeHook plants fn at addr unless the hub already owns a
// hook there. Reports whether the hook was installed by this call.
func (h *Hub) InstallRuntimeHook(addr uint64, fn RuntimeFunc) bool {
	h.mu.Lock()
	if _, ok := h.installed[addr]; ok {
		h.mu.Unlock()
		return false
	}
	h.installed[addr] = struct{}{}
	h.mu.Unlock()

	h.engine.HookAddress(addr, fn)
	return true
}

// OnBlock is the entry point wired to the engine's block hook. The
// first execution of a block triggers block callbacks and comparison
// discovery; later executions return immediately, so discovery cost is
// paid once per translated block.
func (h *Hub) OnBlock(addr uint64, size uint32) {
	h.mu.Lock()
	if _, ok := h.seen[addr]; ok {
		h.mu.Unlock()
		return
	}
	h.seen[addr] = struct{}{}
	blockFns := h.blockFns
	h.mu.Unlock()

	for _, fn := range blockFns {
		fn(addr, size)
	}

	h.scanBlock(addr, size)
}

func (h *Hub) dispatch(width uint8, slot, va, vb uint64) {
	h.mu.RLock()
	fns := h.traces[width]
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(slot, va, vb)
	}
}
