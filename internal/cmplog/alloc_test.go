package cmplog

import "testing"

type testState struct {
	meta *SiteMeta
}

func (s *testState) SiteMeta() *SiteMeta {
	if s.meta == nil {
		s.meta = NewSiteMeta()
	}
	return s.meta
}

type denyList map[uint64]bool

func (d denyList) Allowed(addr uint64) bool {
	return !d[addr]
}

func TestStableAllocatorIsIdempotent(t *testing.T) {
	state := &testState{}
	alloc, err := NewStableAllocator(DefaultW, nil, state)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	first, ok := alloc.Allocate(0x4000)
	if !ok {
		t.Fatal("allocation refused without a gate")
	}
	for i := 0; i < 10; i++ {
		slot, ok := alloc.Allocate(0x4000)
		if !ok || slot != first {
			t.Fatalf("repeat allocation = %d,%v, want %d,true", slot, ok, first)
		}
	}
	if state.meta.Len() != 1 {
		t.Errorf("site table has %d entries, want 1", state.meta.Len())
	}
}

func TestStableAllocatorAssignsInOrder(t *testing.T) {
	alloc, err := NewStableAllocator(DefaultW, nil, &testState{})
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	for i := uint64(0); i < 100; i++ {
		slot, ok := alloc.Allocate(0x1000 + i*4)
		if !ok {
			t.Fatalf("allocation %d refused", i)
		}
		if slot != i {
			t.Fatalf("site %d got slot %d, want %d", i, slot, i)
		}
	}
}

func TestStableAllocatorWrapsWithoutEviction(t *testing.T) {
	state := &testState{}
	alloc, err := NewStableAllocator(2, nil, state)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	slotB, _ := alloc.Allocate(0xB0)
	slotC, _ := alloc.Allocate(0xC0)
	slotD, _ := alloc.Allocate(0xD0)

	if slotB != 0 || slotC != 1 {
		t.Errorf("first two sites got slots %d,%d, want 0,1", slotB, slotC)
	}
	// The ring wraps: the third site shares slot 0 with the first.
	if slotD != 0 {
		t.Errorf("third site got slot %d, want 0 after wrap", slotD)
	}

	// Earlier sites keep their slots, nothing is evicted.
	again, ok := alloc.Allocate(0xB0)
	if !ok || again != slotB {
		t.Errorf("first site re-allocation = %d,%v, want %d,true", again, ok, slotB)
	}
	if state.meta.Len() != 3 {
		t.Errorf("site table has %d entries, want 3", state.meta.Len())
	}
}

func TestStableAllocatorBounds(t *testing.T) {
	const w = 256
	alloc, err := NewStableAllocator(w, nil, &testState{})
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	// Push well past the ring size and check every slot stays in range.
	for i := uint64(0); i < 3*w; i++ {
		slot, ok := alloc.Allocate(0x100000 + i*8)
		if !ok {
			t.Fatalf("allocation %d refused", i)
		}
		if slot >= w {
			t.Fatalf("slot %d out of range [0,%d)", slot, w)
		}
	}
}

func TestStableAllocatorGate(t *testing.T) {
	gate := denyList{0x2000: true}
	state := &testState{}
	alloc, err := NewStableAllocator(DefaultW, gate, state)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	if _, ok := alloc.Allocate(0x2000); ok {
		t.Error("gated address was allocated")
	}
	if state.meta != nil && state.meta.Len() != 0 {
		t.Error("gated address touched the site table")
	}

	if _, ok := alloc.Allocate(0x3000); !ok {
		t.Error("ungated address was refused")
	}
}

func TestStableAllocatorPanicsWithoutState(t *testing.T) {
	alloc, err := NewStableAllocator(DefaultW, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("allocation without fuzzing state should panic")
		}
	}()
	alloc.Allocate(0x4000)
}

func TestHashedAllocatorIsPure(t *testing.T) {
	alloc, err := NewHashedAllocator(DefaultW, nil)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	first, ok := alloc.Allocate(0x401234)
	if !ok {
		t.Fatal("allocation refused without a gate")
	}
	for i := 0; i < 10; i++ {
		slot, _ := alloc.Allocate(0x401234)
		if slot != first {
			t.Fatalf("hashed slot changed between calls: %d then %d", first, slot)
		}
	}

	// Two allocators over the same width agree, there is no hidden state.
	other, err := NewHashedAllocator(DefaultW, nil)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	if slot, _ := other.Allocate(0x401234); slot != first {
		t.Errorf("fresh allocator disagreed: %d, want %d", slot, first)
	}
}

func TestHashedAllocatorBoundsAndGate(t *testing.T) {
	const w = 1024
	gate := denyList{0xBAD0: true}
	alloc, err := NewHashedAllocator(w, gate)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	for i := uint64(0); i < 10000; i++ {
		slot, ok := alloc.Allocate(0x400000 + i*4)
		if !ok {
			t.Fatalf("allocation %d refused", i)
		}
		if slot >= w {
			t.Fatalf("slot %d out of range [0,%d)", slot, w)
		}
	}

	if _, ok := alloc.Allocate(0xBAD0); ok {
		t.Error("gated address was allocated")
	}
}

func TestAllocatorStatelessness(t *testing.T) {
	stable, err := NewStableAllocator(2, nil, &testState{})
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	hashed, err := NewHashedAllocator(2, nil)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}

	if stable.Stateless() {
		t.Error("stable allocator reports stateless")
	}
	if !hashed.Stateless() {
		t.Error("hashed allocator reports stateful")
	}
}
