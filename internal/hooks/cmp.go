package hooks

import (
	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/log"
)

// scanBlock decodes a freshly translated block and plants a runtime
// hook on every comparison with extractable operands. Decode failures
// end the walk; the rest of the block simply goes uninstrumented.
func (h *Hub) scanBlock(addr uint64, size uint32) {
	h.mu.RLock()
	idGen := h.idGen
	h.mu.RUnlock()
	if idGen == nil {
		return
	}

	code, err := h.engine.CodeBytes(addr, int(size))
	if err != nil {
		h.log.Debug("block read failed", log.Addr(addr), zap.Error(err))
		return
	}

	off := 0
	for off < len(code) {
		pc := addr + uint64(off)
		inst, err := disasm.DecodeOne(code[off:], pc, h.arch)
		if err != nil || inst.Len <= 0 {
			return
		}
		if inst.Group == disasm.GroupCompare {
			if cmp, ok := disasm.DecodeCompare(code[off:], pc, h.arch); ok {
				h.hookCompare(cmp, idGen)
			}
		}
		off += inst.Len
	}
}

// hookCompare asks the ID generator for a slot and wires the site's
// operand reader to the width-matched trace callbacks. The reader and
// slot are fixed here; only operand values vary per execution.
func (h *Hub) hookCompare(cmp disasm.Comparison, idGen IDFunc) {
	slot, ok := idGen(cmp.Addr)
	if !ok {
		return
	}

	read := cmp.Read
	width := cmp.Width
	installed := h.InstallRuntimeHook(cmp.Addr, func() bool {
		va, vb, err := read(h.engine)
		if err != nil {
			return false
		}
		h.dispatch(width, slot, va, vb)
		return false
	})
	if installed {
		h.log.Debug("comparison hooked",
			log.Addr(cmp.Addr), log.Slot(slot), log.Width(width))
	}
}
