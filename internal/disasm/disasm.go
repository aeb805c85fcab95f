// Package disasm classifies guest instructions for instrumentation.
//
// It wraps the golang.org/x/arch decoders behind one call that yields an
// instruction's length and semantic group, plus operand extraction for
// comparison instructions. Register operands are named by architectural
// index: x0-x30 then 31 for sp on arm64, the modrm encoding order
// rax,rcx,rdx,rbx,rsp,rbp,rsi,rdi,r8-r15 on x86, r0-r15 on arm.
package disasm

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the guest instruction set.
type Arch int

const (
	ARM64 Arch = iota
	AMD64
	X86
	ARM
)

func (a Arch) String() string {
	switch a {
	case ARM64:
		return "arm64"
	case AMD64:
		return "amd64"
	case X86:
		return "386"
	case ARM:
		return "arm"
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// ParseArch maps a GOARCH-style name to an Arch.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "arm64", "aarch64":
		return ARM64, nil
	case "amd64", "x86_64":
		return AMD64, nil
	case "386", "i386", "x86":
		return X86, nil
	case "arm", "armv7":
		return ARM, nil
	}
	return 0, fmt.Errorf("unknown architecture %q", name)
}

// MaxInstLen returns the longest possible encoding in bytes.
func (a Arch) MaxInstLen() int {
	switch a {
	case AMD64, X86:
		return 15
	}
	return 4
}

// Group is the semantic class driving scan decisions. Scans stop at
// returns, unconditional jumps, interrupt returns and privileged
// instructions; conditional branches fall through and scanning continues.
type Group int

const (
	GroupOther Group = iota
	GroupCompare
	GroupCall
	GroupJump
	GroupCondBranch
	GroupReturn
	GroupIRet
	GroupPrivileged
)

func (g Group) String() string {
	switch g {
	case GroupOther:
		return "other"
	case GroupCompare:
		return "compare"
	case GroupCall:
		return "call"
	case GroupJump:
		return "jump"
	case GroupCondBranch:
		return "cond-branch"
	case GroupReturn:
		return "return"
	case GroupIRet:
		return "iret"
	case GroupPrivileged:
		return "privileged"
	}
	return fmt.Sprintf("Group(%d)", int(g))
}

// Terminal reports whether a straight-line scan must stop after g.
func (g Group) Terminal() bool {
	switch g {
	case GroupReturn, GroupJump, GroupIRet, GroupPrivileged:
		return true
	}
	return false
}

// Instruction is one decoded guest instruction.
type Instruction struct {
	Addr  uint64
	Len   int
	Group Group
}

// DecodeOne decodes the instruction at the head of code.
//
// For ARM, an odd address selects Thumb, which the decoder does not
// implement; the error stops the caller's scan, so Thumb code simply
// goes uninstrumented.
func DecodeOne(code []byte, addr uint64, arch Arch) (Instruction, error) {
	switch arch {
	case ARM64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return Instruction{}, fmt.Errorf("decode at %#x: %v", addr, err)
		}
		return Instruction{Addr: addr, Len: 4, Group: classifyARM64(inst)}, nil
	case AMD64, X86:
		mode := 64
		if arch == X86 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return Instruction{}, fmt.Errorf("decode at %#x: %v", addr, err)
		}
		return Instruction{Addr: addr, Len: inst.Len, Group: classifyX86(inst)}, nil
	case ARM:
		mode := armasm.ModeARM
		if addr&1 != 0 {
			mode = armasm.ModeThumb
		}
		inst, err := armasm.Decode(code, mode)
		if err != nil {
			return Instruction{}, fmt.Errorf("decode at %#x: %v", addr, err)
		}
		return Instruction{Addr: addr, Len: inst.Len, Group: classifyARM(inst)}, nil
	}
	return Instruction{}, fmt.Errorf("unknown architecture %d", int(arch))
}

// Backend supplies runtime machine state to operand readers.
type Backend interface {
	// Reg returns a general-purpose register by architectural index.
	Reg(index int) (uint64, error)
	// ReadMem fills buf from guest memory at addr.
	ReadMem(addr uint64, buf []byte) error
}

// Comparison is a comparison site with resolvable operands. Read pulls
// both operand values out of live machine state; it is built once at
// translation time and invoked on every execution of the site.
type Comparison struct {
	Addr  uint64
	Len   int
	Width uint8
	Read  func(b Backend) (va, vb uint64, err error)
}

// DecodeCompare decodes the instruction at the head of code and, when it
// is a comparison with extractable operands, returns a capture plan.
// ok is false for non-comparisons and for operand forms the extractor
// does not cover; such sites are skipped, never errors.
func DecodeCompare(code []byte, addr uint64, arch Arch) (Comparison, bool) {
	switch arch {
	case ARM64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return Comparison{}, false
		}
		return arm64Compare(inst, addr)
	case AMD64, X86:
		mode := 64
		if arch == X86 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return Comparison{}, false
		}
		return x86Compare(inst, addr, mode)
	case ARM:
		if addr&1 != 0 {
			return Comparison{}, false
		}
		inst, err := armasm.Decode(code, armasm.ModeARM)
		if err != nil {
			return Comparison{}, false
		}
		return armCompare(inst, addr)
	}
	return Comparison{}, false
}

// Text renders the instruction at the head of code for display.
func Text(code []byte, addr uint64, arch Arch) string {
	switch arch {
	case ARM64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return "??"
		}
		return arm64asm.GoSyntax(inst, addr, nil, nil)
	case AMD64, X86:
		mode := 64
		if arch == X86 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return "??"
		}
		return x86asm.IntelSyntax(inst, addr, nil)
	case ARM:
		mode := armasm.ModeARM
		if addr&1 != 0 {
			mode = armasm.ModeThumb
		}
		inst, err := armasm.Decode(code, mode)
		if err != nil {
			return "??"
		}
		return armasm.GNUSyntax(inst)
	}
	return "??"
}
