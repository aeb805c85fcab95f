package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/zboralski/tarsier/internal/disasm"
)

// Relocation types, per the psABI of each supported architecture
const (
	R_AARCH64_ABS64     = 257
	R_AARCH64_GLOB_DAT  = 1025
	R_AARCH64_JUMP_SLOT = 1026
	R_AARCH64_RELATIVE  = 1027

	R_X86_64_64        = 1
	R_X86_64_GLOB_DAT  = 6
	R_X86_64_JUMP_SLOT = 7
	R_X86_64_RELATIVE  = 8

	R_ARM_ABS32     = 2
	R_ARM_GLOB_DAT  = 21
	R_ARM_JUMP_SLOT = 22
	R_ARM_RELATIVE  = 23

	R_386_32       = 1
	R_386_GLOB_DAT = 6
	R_386_JMP_SLOT = 7
	R_386_RELATIVE = 8
)

// relocRules describes how one architecture lays out its dynamic
// relocations: explicit-addend RELA or implicit-addend REL, plus the
// type numbers this loader resolves.
type relocRules struct {
	rela     bool
	relative uint32
	globDat  uint32
	jumpSlot uint32
	abs      uint32

	pltHeaderSize uint64
	pltEntrySize  uint64
}

func rulesFor(arch disasm.Arch) relocRules {
	switch arch {
	case disasm.AMD64:
		return relocRules{
			rela:     true,
			relative: R_X86_64_RELATIVE, globDat: R_X86_64_GLOB_DAT,
			jumpSlot: R_X86_64_JUMP_SLOT, abs: R_X86_64_64,
			pltHeaderSize: 16, pltEntrySize: 16,
		}
	case disasm.X86:
		return relocRules{
			rela:     false,
			relative: R_386_RELATIVE, globDat: R_386_GLOB_DAT,
			jumpSlot: R_386_JMP_SLOT, abs: R_386_32,
			pltHeaderSize: 16, pltEntrySize: 16,
		}
	case disasm.ARM:
		return relocRules{
			rela:     false,
			relative: R_ARM_RELATIVE, globDat: R_ARM_GLOB_DAT,
			jumpSlot: R_ARM_JUMP_SLOT, abs: R_ARM_ABS32,
			pltHeaderSize: 20, pltEntrySize: 12,
		}
	}
	return relocRules{
		rela:     true,
		relative: R_AARCH64_RELATIVE, globDat: R_AARCH64_GLOB_DAT,
		jumpSlot: R_AARCH64_JUMP_SLOT, abs: R_AARCH64_ABS64,
		pltHeaderSize: 32, pltEntrySize: 16,
	}
}

func machineArch(m elf.Machine) (disasm.Arch, bool) {
	switch m {
	case elf.EM_AARCH64:
		return disasm.ARM64, true
	case elf.EM_X86_64:
		return disasm.AMD64, true
	case elf.EM_386:
		return disasm.X86, true
	case elf.EM_ARM:
		return disasm.ARM, true
	}
	return 0, false
}

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	PAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// LoadELFBase is the default base address for position-independent
// binaries. Anything below it stays clear of the fixed regions.
const LoadELFBase = 0x40000000 // 1GB

// LoadELF loads an ELF file and maps it into the emulator.
// Position-independent binaries (base addr 0) are relocated to LoadELFBase.
func (e *Emulator) LoadELF(path string) (*ELFInfo, error) {
	return e.LoadELFAt(path, 0) // 0 means auto-select base
}

// LoadELFAt loads an ELF file at a specific base address.
// If loadBase is 0, auto-selects based on file type:
// - Executables: use vaddr from file
// - Position-independent binaries (vaddr=0): relocate to LoadELFBase
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	arch, ok := machineArch(f.Machine)
	if !ok {
		return nil, fmt.Errorf("unsupported ELF machine %v", f.Machine)
	}
	if arch != e.arch {
		return nil, fmt.Errorf("ELF machine %v does not match %v guest", f.Machine, e.arch)
	}

	// Find file base address (lowest PT_LOAD vaddr)
	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		segEnd := prog.Vaddr + prog.Memsz
		if segEnd > fileEnd {
			fileEnd = segEnd
		}
	}

	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	// Determine relocation base
	// PIE/shared objects have fileBase=0 or very low, need to relocate
	var relocOffset uint64
	if loadBase != 0 {
		// Explicit base requested
		relocOffset = loadBase - fileBase
	} else if fileBase < 0x10000 {
		// Position-independent, relocate to default base
		relocOffset = LoadELFBase - fileBase
	} else {
		// Use file's vaddr as-is
		relocOffset = 0
	}

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
	}

	// Load symbols from .dynsym and .symtab (with relocation)
	// Strip version suffixes (@@VERSION or @VERSION) for consistent lookup
	syms, err := f.DynamicSymbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				addr := sym.Value + relocOffset
				info.Symbols[sym.Name] = addr
				if bare := stripVersion(sym.Name); bare != sym.Name {
					info.Symbols[bare] = addr
				}
			}
		}
	}

	syms, err = f.Symbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				info.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}

	// Read file data for segments
	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// Load PT_LOAD segments
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		// Apply relocation
		loadVAddr := prog.Vaddr + relocOffset

		seg := Segment{
			VAddr:  loadVAddr,
			PAddr:  prog.Paddr + relocOffset,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}

		// Extract segment data
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}

		info.Segments = append(info.Segments, seg)

		// Map segment into emulator memory (aligned to page boundary)
		pageSize := uint64(0x1000)
		alignedAddr := loadVAddr & ^(pageSize - 1)
		alignedEnd := (loadVAddr + prog.Memsz + pageSize - 1) & ^(pageSize - 1)
		alignedSize := alignedEnd - alignedAddr

		// Map memory (ignore error if already mapped)
		_ = e.MapRegion(alignedAddr, alignedSize)

		// Write segment data
		if len(seg.Data) > 0 {
			if err := e.MemWrite(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}

		// Zero out .bss portion (memory size > file size)
		if prog.Memsz > prog.Filesz {
			bssStart := loadVAddr + prog.Filesz
			bssSize := prog.Memsz - prog.Filesz
			zeros := make([]byte, bssSize)
			// Non-fatal if this fails
			_ = e.MemWrite(bssStart, zeros)
		}
	}

	// Build PLT stub address map FIRST (needed for relocation second pass)
	// PLT addresses go to Imports map (for stub installation) AND Symbols map (for lookups)
	e.addPLTSymbols(f, relocOffset, info.Symbols, info.Imports)

	// Apply relocations to fix GOT entries
	if err := e.applyRelocations(f, relocOffset, info.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	return info, nil
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@@"); idx != -1 {
		return name[:idx]
	}
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

func (e *Emulator) ptrSize() uint64 {
	switch e.arch {
	case disasm.ARM64, disasm.AMD64:
		return 8
	}
	return 4
}

func (e *Emulator) writePtr(addr, val uint64) error {
	if e.ptrSize() == 8 {
		return e.MemWriteU64(addr, val)
	}
	return e.MemWriteU32(addr, uint32(val))
}

// canaryAddr is where stack-protector prologues expect the guard value,
// relative to the thread pointer.
func (e *Emulator) canaryAddr() uint64 {
	if e.ptrSize() == 8 {
		return TLSBase + 0x28
	}
	return TLSBase + 0x14
}

// addPLTSymbols adds PLT stub addresses for external symbols.
// This allows stubs to hook external function calls via their PLT entry.
// Addresses are added to both symbols (for lookups) and imports (for stub installation).
func (e *Emulator) addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	rules := rulesFor(e.arch)

	pltSec := f.Section(".plt")
	if pltSec == nil {
		return
	}

	relName := ".rel.plt"
	if rules.rela {
		relName = ".rela.plt"
	}
	relSec := f.Section(relName)
	if relSec == nil {
		return
	}

	// Get dynamic symbols (note: Go skips STN_UNDEF at index 0)
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	relData, err := relSec.Data()
	if err != nil {
		return
	}

	pltBase := pltSec.Addr + relocOffset

	entrySize := 8
	if rules.rela {
		entrySize = 24
	}

	entryIdx := 0
	for i := 0; i+entrySize <= len(relData); i += entrySize {
		var symIdx int
		if rules.rela {
			rInfo := binary.LittleEndian.Uint64(relData[i+8:])
			symIdx = int(rInfo >> 32)
		} else {
			rInfo := binary.LittleEndian.Uint32(relData[i+4:])
			symIdx = int(rInfo >> 8)
		}

		// Adjust for Go skipping STN_UNDEF (symIdx is 1-based in ELF, but array is 0-based)
		arrayIdx := symIdx - 1
		if arrayIdx < 0 || arrayIdx >= len(dynSyms) {
			entryIdx++
			continue
		}

		sym := dynSyms[arrayIdx]
		if sym.Name == "" {
			entryIdx++
			continue
		}

		// Only add for external symbols (value == 0)
		if sym.Value == 0 {
			pltAddr := pltBase + rules.pltHeaderSize + uint64(entryIdx)*rules.pltEntrySize
			symbols[sym.Name] = pltAddr
			imports[sym.Name] = pltAddr
			if bare := stripVersion(sym.Name); bare != sym.Name {
				symbols[bare] = pltAddr
				imports[bare] = pltAddr
			}
		}

		entryIdx++
	}
}

// applyRelocations processes dynamic relocations to fix GOT entries.
// The imports map provides PLT stub addresses for external symbols
// referenced through absolute relocations.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	rules := rulesFor(e.arch)

	// Build symbol table for lookups
	// NOTE: Go's DynamicSymbols() skips the first entry (STN_UNDEF at index 0),
	// so symIdx from relocations needs to be decremented by 1 for lookup.
	dynSyms, _ := f.DynamicSymbols()
	symByIndex := make(map[int]elf.Symbol)
	for i, sym := range dynSyms {
		// Store at i+1 to match ELF symbol indices (which include STN_UNDEF at 0)
		symByIndex[i+1] = sym
	}

	for _, sec := range f.Sections {
		var entrySize int
		switch {
		case rules.rela && sec.Type == elf.SHT_RELA &&
			(sec.Name == ".rela.dyn" || sec.Name == ".rela.plt"):
			entrySize = 24
		case !rules.rela && sec.Type == elf.SHT_REL &&
			(sec.Name == ".rel.dyn" || sec.Name == ".rel.plt"):
			entrySize = 8
		default:
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		for i := 0; i+entrySize <= len(data); i += entrySize {
			var rOffset uint64
			var relType uint32
			var symIdx int
			var rAddend int64
			var haveAddend bool

			if rules.rela {
				rOffset = binary.LittleEndian.Uint64(data[i:])
				rInfo := binary.LittleEndian.Uint64(data[i+8:])
				rAddend = int64(binary.LittleEndian.Uint64(data[i+16:]))
				relType = uint32(rInfo & 0xFFFFFFFF)
				symIdx = int(rInfo >> 32)
				haveAddend = true
			} else {
				rOffset = uint64(binary.LittleEndian.Uint32(data[i:]))
				rInfo := binary.LittleEndian.Uint32(data[i+4:])
				relType = rInfo & 0xFF
				symIdx = int(rInfo >> 8)
			}

			targetAddr := rOffset + relocOffset

			// REL entries keep the addend in the relocated word itself
			addend := func() int64 {
				if haveAddend {
					return rAddend
				}
				val, err := e.MemReadU32(targetAddr)
				if err != nil {
					return 0
				}
				return int64(int32(val))
			}

			switch relType {
			case rules.relative:
				// *target = base + addend
				_ = e.writePtr(targetAddr, relocOffset+uint64(addend()))

			case rules.globDat, rules.jumpSlot:
				// *target = base + symbol.st_value
				if sym, ok := symByIndex[symIdx]; ok {
					if sym.Value != 0 {
						_ = e.writePtr(targetAddr, sym.Value+relocOffset)
					} else if sym.Name == "__stack_chk_guard" {
						// External guard from libc - point at our TLS canary
						_ = e.writePtr(targetAddr, e.canaryAddr())
					}
				}

			case rules.abs:
				// *target = base + symbol.st_value + addend
				// For internal symbols (st_value > 0): resolve directly
				// For external symbols (st_value == 0): resolve to PLT stub address
				if sym, ok := symByIndex[symIdx]; ok {
					if sym.Value != 0 {
						_ = e.writePtr(targetAddr, sym.Value+relocOffset+uint64(addend()))
					} else if sym.Name != "" {
						if stubAddr, ok := imports[stripVersion(sym.Name)]; ok {
							_ = e.writePtr(targetAddr, stubAddr+uint64(addend()))
						}
					}
				} else if a := addend(); a > 0 {
					// No symbol, just base + addend
					_ = e.writePtr(targetAddr, relocOffset+uint64(a))
				}
			}
		}
	}

	return nil
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (info *ELFInfo) FindSymbol(name string) uint64 {
	return info.Symbols[name]
}

// FindEntryPoint picks the address where a run should begin.
// An explicit name wins, then the common fuzzing harness entry points,
// then the ELF entry itself.
func (info *ELFInfo) FindEntryPoint(preferred string) uint64 {
	if preferred != "" {
		if addr := info.FindSymbol(preferred); addr != 0 {
			return addr
		}
		// Case-insensitive search
		for name, addr := range info.Symbols {
			if strings.EqualFold(name, preferred) {
				return addr
			}
		}
		// Substring search
		lower := strings.ToLower(preferred)
		for name, addr := range info.Symbols {
			if strings.Contains(strings.ToLower(name), lower) {
				return addr
			}
		}
	}

	for _, name := range []string{"LLVMFuzzerTestOneInput", "harness", "main"} {
		if addr := info.FindSymbol(name); addr != 0 {
			return addr
		}
	}

	return info.Entry
}

// FindSymbolsMatching returns all symbols matching a predicate
func (info *ELFInfo) FindSymbolsMatching(predicate func(name string) bool) map[string]uint64 {
	result := make(map[string]uint64)
	for name, addr := range info.Symbols {
		if predicate(name) {
			result[name] = addr
		}
	}
	return result
}

// FindSymbolsBySubstring finds symbols containing the given substring
func (info *ELFInfo) FindSymbolsBySubstring(substr string) map[string]uint64 {
	return info.FindSymbolsMatching(func(name string) bool {
		return strings.Contains(strings.ToLower(name), strings.ToLower(substr))
	})
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}

// IsReadable returns true if the segment is readable
func (s *Segment) IsReadable() bool {
	return s.Flags&elf.PF_R != 0
}
