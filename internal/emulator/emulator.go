// Package emulator provides guest execution backed by Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/tarsier/internal/disasm"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	StubBase  = 0xF0000000 // Stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// StackCanary is the deterministic stack-protector value written into TLS.
// A fixed value keeps runs reproducible (0xDEADBEEF is Unix tradition since 1988).
const StackCanary = uint64(0xDEADBEEFDEADBEEF)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// BlockHookFunc is called once per translated basic block, before the
// block executes
type BlockHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for guest execution
type Emulator struct {
	mu   uc.Unicorn
	arch disasm.Arch

	// Memory management
	heapPtr uint64 // Current heap allocation pointer

	// Hooks
	codeHooks   []CodeHookFunc
	blockHooks  []BlockHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Stop flag
	stopped bool
}

// New creates an emulator for the given guest architecture
func New(arch disasm.Arch) (*Emulator, error) {
	ucArch, ucMode, err := unicornMode(arch)
	if err != nil {
		return nil, err
	}

	mu, err := uc.NewUnicorn(ucArch, ucMode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		arch:      arch,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

func unicornMode(arch disasm.Arch) (int, int, error) {
	switch arch {
	case disasm.ARM64:
		return uc.ARCH_ARM64, uc.MODE_ARM, nil
	case disasm.AMD64:
		return uc.ARCH_X86, uc.MODE_64, nil
	case disasm.X86:
		return uc.ARCH_X86, uc.MODE_32, nil
	case disasm.ARM:
		return uc.ARCH_ARM, uc.MODE_ARM, nil
	}
	return 0, 0, fmt.Errorf("unsupported architecture %v", arch)
}

// Arch returns the guest architecture
func (e *Emulator) Arch() disasm.Arch {
	return e.arch
}

// DirectMemory reports whether guest memory can be read outside of
// emulation, without trapping. Unicorn keeps the whole guest address
// space host-visible, so this is always true here. Callers that scan
// large byte ranges must check it before relying on such reads.
func (e *Emulator) DirectMemory() bool {
	return true
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	// Initialize stack pointer
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(e.spReg(), sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// Point the thread register at TLS where the architecture has one.
	// 32-bit ARM reads the thread pointer through a kernel helper, so
	// the canary page alone covers it.
	switch e.arch {
	case disasm.ARM64:
		if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
			return fmt.Errorf("set TPIDR_EL0: %w", err)
		}
	case disasm.AMD64:
		if err := e.mu.RegWrite(uc.X86_REG_FS_BASE, TLSBase); err != nil {
			return fmt.Errorf("set FS base: %w", err)
		}
	case disasm.X86:
		if err := e.mu.RegWrite(uc.X86_REG_GS_BASE, TLSBase); err != nil {
			return fmt.Errorf("set GS base: %w", err)
		}
	}

	// Initialize TLS area with zeros
	zeros := make([]byte, 256)
	if err := e.mu.MemWrite(TLSBase, zeros); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	// Stack canary lives at TLS+0x28 on 64-bit guests and TLS+0x14 on
	// 32-bit guests. Write both slots so stack-protector prologues find
	// a stable value either way.
	canary := make([]byte, 8)
	binary.LittleEndian.PutUint64(canary, StackCanary)
	if err := e.mu.MemWrite(TLSBase+0x28, canary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}
	if err := e.mu.MemWrite(TLSBase+0x14, canary[:4]); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	// Code hook for per-instruction callbacks and address hooks
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// Check for stop
		if e.stopped {
			e.mu.Stop()
			return
		}

		// Check address hooks first (protected by mutex)
		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		// Call user code hooks
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	if err != nil {
		return err
	}

	// Block hook, fired when a basic block is about to execute
	_, err = e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			return
		}
		for _, h := range e.blockHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// ReadMem fills buf from guest memory at addr.
func (e *Emulator) ReadMem(addr uint64, buf []byte) error {
	data, err := e.mu.MemRead(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// CodeBytes returns up to n bytes of guest memory starting at addr,
// clamped to the end of the containing mapped region. Reads that start
// in unmapped memory fail.
func (e *Emulator) CodeBytes(addr uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("code read of %d bytes at 0x%x", n, addr)
	}
	regions, err := e.mu.MemRegions()
	if err != nil {
		return nil, err
	}
	for _, r := range regions {
		if addr < r.Begin || addr > r.End {
			continue
		}
		// MemRegion.End is the last valid address, not one past it
		avail := r.End - addr + 1
		if uint64(n) > avail {
			n = int(avail)
		}
		return e.mu.MemRead(addr, uint64(n))
	}
	return nil, fmt.Errorf("code read at unmapped 0x%x", addr)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU16 reads a uint16 from memory (little endian)
func (e *Emulator) MemReadU16(addr uint64) (uint16, error) {
	data, err := e.mu.MemRead(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// MemWriteU16 writes a uint16 to memory (little endian)
func (e *Emulator) MemWriteU16(addr uint64, val uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}

	// Find null terminator
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// RegRead reads a register by Unicorn register constant
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register by Unicorn register constant
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// Reg reads the general-purpose register selected by a decoder index.
// Index conventions follow the disasm package: arm64 0-30 are X0-X30
// with 31 as SP, x86 uses machine encoding order (0=AX, 1=CX, ...),
// arm 0-15 are R0-R15.
func (e *Emulator) Reg(index int) (uint64, error) {
	reg, err := e.regConst(index)
	if err != nil {
		return 0, err
	}
	return e.mu.RegRead(reg)
}

// SetReg writes the general-purpose register selected by a decoder index.
func (e *Emulator) SetReg(index int, val uint64) error {
	reg, err := e.regConst(index)
	if err != nil {
		return err
	}
	return e.mu.RegWrite(reg, val)
}

func (e *Emulator) regConst(index int) (int, error) {
	switch e.arch {
	case disasm.ARM64:
		return arm64RegConst(index)
	case disasm.AMD64:
		if index < 0 || index >= len(amd64RegConsts) {
			return 0, fmt.Errorf("invalid amd64 register index %d", index)
		}
		return amd64RegConsts[index], nil
	case disasm.X86:
		if index < 0 || index >= len(x86RegConsts) {
			return 0, fmt.Errorf("invalid 386 register index %d", index)
		}
		return x86RegConsts[index], nil
	case disasm.ARM:
		return armRegConst(index)
	}
	return 0, fmt.Errorf("unsupported architecture %v", e.arch)
}

// X0-X28 are contiguous in the Unicorn enum but X29 and X30 are not,
// so the upper indices need explicit cases.
func arm64RegConst(index int) (int, error) {
	switch {
	case index >= 0 && index <= 28:
		return uc.ARM64_REG_X0 + index, nil
	case index == 29:
		return uc.ARM64_REG_X29, nil
	case index == 30:
		return uc.ARM64_REG_X30, nil
	case index == 31:
		return uc.ARM64_REG_SP, nil
	}
	return 0, fmt.Errorf("invalid arm64 register index %d", index)
}

var amd64RegConsts = [16]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

var x86RegConsts = [8]int{
	uc.X86_REG_EAX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_EBX,
	uc.X86_REG_ESP, uc.X86_REG_EBP, uc.X86_REG_ESI, uc.X86_REG_EDI,
}

func armRegConst(index int) (int, error) {
	switch {
	case index >= 0 && index <= 12:
		return uc.ARM_REG_R0 + index, nil
	case index == 13:
		return uc.ARM_REG_SP, nil
	case index == 14:
		return uc.ARM_REG_LR, nil
	case index == 15:
		return uc.ARM_REG_PC, nil
	}
	return 0, fmt.Errorf("invalid arm register index %d", index)
}

func (e *Emulator) pcReg() int {
	switch e.arch {
	case disasm.AMD64:
		return uc.X86_REG_RIP
	case disasm.X86:
		return uc.X86_REG_EIP
	case disasm.ARM:
		return uc.ARM_REG_PC
	}
	return uc.ARM64_REG_PC
}

func (e *Emulator) spReg() int {
	switch e.arch {
	case disasm.AMD64:
		return uc.X86_REG_RSP
	case disasm.X86:
		return uc.X86_REG_ESP
	case disasm.ARM:
		return uc.ARM_REG_SP
	}
	return uc.ARM64_REG_SP
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(e.pcReg())
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(e.pcReg(), val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(e.spReg())
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(e.spReg(), val)
}

// LR returns the link register. x86 guests keep return addresses on the
// stack, so LR reports zero there.
func (e *Emulator) LR() uint64 {
	switch e.arch {
	case disasm.ARM64:
		lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
		return lr
	case disasm.ARM:
		lr, _ := e.mu.RegRead(uc.ARM_REG_LR)
		return lr
	}
	return 0
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	switch e.arch {
	case disasm.ARM64:
		return e.mu.RegWrite(uc.ARM64_REG_LR, val)
	case disasm.ARM:
		return e.mu.RegWrite(uc.ARM_REG_LR, val)
	}
	return fmt.Errorf("no link register on %v", e.arch)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookBlock adds a hook called once per translated basic block
func (e *Emulator) HookBlock(fn BlockHookFunc) {
	e.blockHooks = append(e.blockHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// HasAddressHook reports whether an address hook is installed at addr
func (e *Emulator) HasAddressHook(addr uint64) bool {
	e.addrHooksMu.RLock()
	defer e.addrHooksMu.RUnlock()
	_, ok := e.addrHooks[addr]
	return ok
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from start and stops at end
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// RunFrom starts emulation from start and runs until stopped
func (e *Emulator) RunFrom(start uint64) error {
	e.stopped = false
	// Use 0 as end address to run until stop
	return e.mu.Start(start, 0)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
