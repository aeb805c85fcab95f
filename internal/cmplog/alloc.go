package cmplog

// Gate decides whether a code address is eligible for instrumentation.
// A nil Gate allows everything.
type Gate interface {
	Allowed(addr uint64) bool
}

// MetaSource provides the per-state site metadata. Implementations create
// it lazily on first use.
type MetaSource interface {
	SiteMeta() *SiteMeta
}

// Allocator maps a code address to a capture-map slot.
// ok == false means the site must not be instrumented.
type Allocator interface {
	Allocate(addr uint64) (slot uint64, ok bool)

	// Stateless reports whether allocation leaves fuzzing state untouched.
	// Stateless allocators are safe to use in forked children.
	Stateless() bool
}

// StableAllocator assigns slots from a ring counter and remembers the
// assignment in the state's site metadata, so the same address keeps its
// slot across executions of one process. Requires live fuzzing state.
type StableAllocator struct {
	gate  Gate
	state MetaSource
	mask  uint64
}

// NewStableAllocator builds a keyed allocator over a map of w rows.
func NewStableAllocator(w uint64, gate Gate, state MetaSource) (*StableAllocator, error) {
	if err := checkW(w); err != nil {
		return nil, err
	}
	return &StableAllocator{gate: gate, state: state, mask: w - 1}, nil
}

// Allocate returns the slot for addr, assigning the next ring position on
// first sight. Panics when no fuzzing state is attached: keyed allocation
// only works in-process, forked children must use HashedAllocator.
func (a *StableAllocator) Allocate(addr uint64) (uint64, bool) {
	if a.gate != nil && !a.gate.Allowed(addr) {
		return 0, false
	}
	if a.state == nil {
		panic("cmplog: stable slot allocation requires fuzzing state; forked children must use hashed allocation")
	}
	meta := a.state.SiteMeta()
	if slot, ok := meta.Sites[addr]; ok {
		return slot, true
	}
	slot := meta.Next
	meta.Sites[addr] = slot
	meta.Next = (slot + 1) & a.mask
	return slot, true
}

// Stateless reports false: allocation mutates site metadata.
func (a *StableAllocator) Stateless() bool {
	return false
}

// HashedAllocator derives slots from the address alone. Collisions are
// possible and accepted; in exchange no cross-process state is needed,
// which makes it the only safe choice after forking.
type HashedAllocator struct {
	gate Gate
	mask uint64
}

// NewHashedAllocator builds a stateless allocator over a map of w rows.
func NewHashedAllocator(w uint64, gate Gate) (*HashedAllocator, error) {
	if err := checkW(w); err != nil {
		return nil, err
	}
	return &HashedAllocator{gate: gate, mask: w - 1}, nil
}

// Allocate hashes addr into [0, W).
func (a *HashedAllocator) Allocate(addr uint64) (uint64, bool) {
	if a.gate != nil && !a.gate.Allowed(addr) {
		return 0, false
	}
	return hashAddr(addr) & a.mask, true
}

// Stateless reports true.
func (a *HashedAllocator) Stateless() bool {
	return true
}

// hashAddr mixes an address into a well-distributed 64-bit value.
func hashAddr(x uint64) uint64 {
	x = (x ^ (x >> 16)) * 0x45d9f3b
	x = (x ^ (x >> 16)) * 0x45d9f3b
	x = x ^ (x >> 16)
	return x
}
