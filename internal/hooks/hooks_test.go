package hooks

import (
	"fmt"
	"testing"

	"github.com/zboralski/tarsier/internal/disasm"
)

type fakeEngine struct {
	arch     disasm.Arch
	base     uint64
	code     []byte
	regs     map[int]uint64
	mem      map[uint64][]byte
	hooks    map[uint64]func() bool
	installs int
}

func newFakeEngine(base uint64, code []byte) *fakeEngine {
	return &fakeEngine{
		arch:  disasm.ARM64,
		base:  base,
		code:  code,
		regs:  make(map[int]uint64),
		mem:   make(map[uint64][]byte),
		hooks: make(map[uint64]func() bool),
	}
}

func (f *fakeEngine) Arch() disasm.Arch { return f.arch }

func (f *fakeEngine) CodeBytes(addr uint64, n int) ([]byte, error) {
	if addr < f.base || addr >= f.base+uint64(len(f.code)) {
		return nil, fmt.Errorf("unmapped code at 0x%x", addr)
	}
	off := int(addr - f.base)
	if off+n > len(f.code) {
		n = len(f.code) - off
	}
	return f.code[off : off+n], nil
}

func (f *fakeEngine) Reg(index int) (uint64, error) {
	v, ok := f.regs[index]
	if !ok {
		return 0, fmt.Errorf("register %d not set", index)
	}
	return v, nil
}

func (f *fakeEngine) ReadMem(addr uint64, buf []byte) error {
	data, ok := f.mem[addr]
	if !ok || len(data) < len(buf) {
		return fmt.Errorf("unmapped read at 0x%x", addr)
	}
	copy(buf, data)
	return nil
}

func (f *fakeEngine) HookAddress(addr uint64, fn func() bool) {
	f.hooks[addr] = fn
	f.installs++
}

// Two comparisons separated by a non-comparison, ending in a return.
var cmpBlock = []byte{
	0x1f, 0x00, 0x01, 0xeb, // CMP X0, X1
	0x1f, 0x20, 0x03, 0xd5, // NOP
	0x5f, 0x40, 0x00, 0x71, // CMP W2, #16
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

type capture struct {
	slot, va, vb uint64
}

func TestHubDiscoversComparisons(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	hub.RegisterIDGenerator(func(addr uint64) (uint64, bool) {
		return (addr - 0x1000) / 4, true
	})

	var got8, got4 []capture
	hub.RegisterTrace(8, func(slot, va, vb uint64) {
		got8 = append(got8, capture{slot, va, vb})
	})
	hub.RegisterTrace(4, func(slot, va, vb uint64) {
		got4 = append(got4, capture{slot, va, vb})
	})

	hub.OnBlock(0x1000, uint32(len(cmpBlock)))

	if eng.installs != 2 {
		t.Fatalf("Expected 2 runtime hooks, got %d", eng.installs)
	}
	if _, ok := eng.hooks[0x1000]; !ok {
		t.Fatal("Expected hook at the 8-byte comparison")
	}
	if _, ok := eng.hooks[0x1008]; !ok {
		t.Fatal("Expected hook at the 4-byte comparison")
	}

	// Execute the hooked sites against live register values
	eng.regs[0] = 5
	eng.regs[1] = 3
	eng.regs[2] = 100

	if stop := eng.hooks[0x1000](); stop {
		t.Error("Comparison hook requested stop")
	}
	eng.hooks[0x1008]()

	if len(got8) != 1 || got8[0] != (capture{0, 5, 3}) {
		t.Errorf("Width-8 captures: %+v", got8)
	}
	if len(got4) != 1 || got4[0] != (capture{2, 100, 16}) {
		t.Errorf("Width-4 captures: %+v", got4)
	}

	// Operand read failures drop the event instead of dispatching
	delete(eng.regs, 1)
	eng.hooks[0x1000]()
	if len(got8) != 1 {
		t.Errorf("Expected failed read to drop the event, got %d captures", len(got8))
	}
}

func TestHubScansBlockOnce(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	idCalls := 0
	hub.RegisterIDGenerator(func(addr uint64) (uint64, bool) {
		idCalls++
		return 0, true
	})

	hub.OnBlock(0x1000, uint32(len(cmpBlock)))
	hub.OnBlock(0x1000, uint32(len(cmpBlock)))

	if idCalls != 2 {
		t.Errorf("Expected 2 ID generator calls (one per comparison), got %d", idCalls)
	}
	if eng.installs != 2 {
		t.Errorf("Expected 2 hook installs, got %d", eng.installs)
	}
}

func TestHubRejectedSites(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	hub.RegisterIDGenerator(func(addr uint64) (uint64, bool) {
		if addr == 0x1000 {
			return 0, false
		}
		return 7, true
	})

	hub.OnBlock(0x1000, uint32(len(cmpBlock)))

	if len(eng.hooks) != 1 {
		t.Fatalf("Expected 1 hook, got %d", len(eng.hooks))
	}
	if _, ok := eng.hooks[0x1008]; !ok {
		t.Error("Expected the allowed site to be hooked")
	}
}

func TestHubBlockCallback(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	var calls []uint64
	hub.RegisterBlockCallback(func(addr uint64, size uint32) {
		calls = append(calls, addr)
		if size != uint32(len(cmpBlock)) {
			t.Errorf("Expected size %d, got %d", len(cmpBlock), size)
		}
	})

	hub.OnBlock(0x1000, uint32(len(cmpBlock)))
	hub.OnBlock(0x1000, uint32(len(cmpBlock)))

	if len(calls) != 1 {
		t.Fatalf("Expected 1 block callback, got %d", len(calls))
	}
	if calls[0] != 0x1000 {
		t.Errorf("Expected block at 0x1000, got 0x%x", calls[0])
	}
}

func TestHubWithoutIDGenerator(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	var blocks int
	hub.RegisterBlockCallback(func(addr uint64, size uint32) { blocks++ })

	hub.OnBlock(0x1000, uint32(len(cmpBlock)))

	if blocks != 1 {
		t.Errorf("Expected block callback without generator, got %d calls", blocks)
	}
	if len(eng.hooks) != 0 {
		t.Errorf("Expected no hooks without generator, got %d", len(eng.hooks))
	}
}

func TestInstallRuntimeHookIdempotent(t *testing.T) {
	eng := newFakeEngine(0x1000, cmpBlock)
	hub := NewHub(eng, nil)

	first := hub.InstallRuntimeHook(0x2000, func() bool { return false })
	second := hub.InstallRuntimeHook(0x2000, func() bool { return true })

	if !first {
		t.Error("Expected first install to succeed")
	}
	if second {
		t.Error("Expected second install to be refused")
	}
	if eng.installs != 1 {
		t.Errorf("Expected 1 engine install, got %d", eng.installs)
	}
}
