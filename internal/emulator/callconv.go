package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/tarsier/internal/disasm"
)

// CallConv selects the rule used to locate call arguments.
type CallConv int

// CallConvGuest is the native convention of the guest architecture:
// AAPCS64 on arm64, System V on amd64, AAPCS on arm, cdecl on 386.
const CallConvGuest CallConv = iota

var amd64ArgRegs = [6]int{
	uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX,
	uc.X86_REG_RCX, uc.X86_REG_R8, uc.X86_REG_R9,
}

// ReadArgument returns the index-th integer argument of the function
// call currently at its entry point. On 386 arguments live on the
// stack above the return address, so ESP must still hold its value
// from the call.
func (e *Emulator) ReadArgument(conv CallConv, index int) (uint64, error) {
	if conv != CallConvGuest {
		return 0, fmt.Errorf("unknown calling convention %d", conv)
	}
	if index < 0 {
		return 0, fmt.Errorf("invalid argument index %d", index)
	}

	switch e.arch {
	case disasm.ARM64:
		if index > 7 {
			return 0, fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegRead(uc.ARM64_REG_X0 + index)
	case disasm.AMD64:
		if index >= len(amd64ArgRegs) {
			return 0, fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegRead(amd64ArgRegs[index])
	case disasm.ARM:
		if index > 3 {
			return 0, fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegRead(uc.ARM_REG_R0 + index)
	case disasm.X86:
		// Return address at ESP, first argument at ESP+4
		val, err := e.MemReadU32(e.SP() + 4 + 4*uint64(index))
		if err != nil {
			return 0, err
		}
		return uint64(val), nil
	}
	return 0, fmt.Errorf("unsupported architecture %v", e.arch)
}

// WriteArgument plants the index-th integer argument for a call about
// to begin at a function's entry point. On 386 the argument slots live
// above the return address, which must already be on the stack.
func (e *Emulator) WriteArgument(conv CallConv, index int, val uint64) error {
	if conv != CallConvGuest {
		return fmt.Errorf("unknown calling convention %d", conv)
	}
	if index < 0 {
		return fmt.Errorf("invalid argument index %d", index)
	}

	switch e.arch {
	case disasm.ARM64:
		if index > 7 {
			return fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegWrite(uc.ARM64_REG_X0+index, val)
	case disasm.AMD64:
		if index >= len(amd64ArgRegs) {
			return fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegWrite(amd64ArgRegs[index], val)
	case disasm.ARM:
		if index > 3 {
			return fmt.Errorf("argument %d outside register window", index)
		}
		return e.mu.RegWrite(uc.ARM_REG_R0+index, val)
	case disasm.X86:
		return e.MemWriteU32(e.SP()+4+4*uint64(index), uint32(val))
	}
	return fmt.Errorf("unsupported architecture %v", e.arch)
}

// SetRet writes the integer return value register.
func (e *Emulator) SetRet(val uint64) error {
	switch e.arch {
	case disasm.ARM64:
		return e.mu.RegWrite(uc.ARM64_REG_X0, val)
	case disasm.AMD64:
		return e.mu.RegWrite(uc.X86_REG_RAX, val)
	case disasm.ARM:
		return e.mu.RegWrite(uc.ARM_REG_R0, val)
	case disasm.X86:
		return e.mu.RegWrite(uc.X86_REG_EAX, val)
	}
	return fmt.Errorf("unsupported architecture %v", e.arch)
}

// Ret reads the integer return value register.
func (e *Emulator) Ret() (uint64, error) {
	switch e.arch {
	case disasm.ARM64:
		return e.mu.RegRead(uc.ARM64_REG_X0)
	case disasm.AMD64:
		return e.mu.RegRead(uc.X86_REG_RAX)
	case disasm.ARM:
		return e.mu.RegRead(uc.ARM_REG_R0)
	case disasm.X86:
		val, err := e.mu.RegRead(uc.X86_REG_EAX)
		return val & 0xffffffff, err
	}
	return 0, fmt.Errorf("unsupported architecture %v", e.arch)
}

// ReturnAddress reads the caller's return address without changing
// guest state. Valid at a function's entry point, before the prologue
// has moved the link register or the stack.
func (e *Emulator) ReturnAddress() uint64 {
	switch e.arch {
	case disasm.ARM64, disasm.ARM:
		return e.LR()
	case disasm.AMD64:
		ret, err := e.MemReadU64(e.SP())
		if err != nil {
			return 0
		}
		return ret
	case disasm.X86:
		ret, err := e.MemReadU32(e.SP())
		if err != nil {
			return 0
		}
		return uint64(ret)
	}
	return 0
}

// ReturnFromCall transfers control back to the caller of the current
// function: PC takes the link register on ARM guests, or the popped
// return address on x86 guests.
func (e *Emulator) ReturnFromCall() error {
	switch e.arch {
	case disasm.ARM64, disasm.ARM:
		return e.SetPC(e.LR())
	case disasm.AMD64:
		sp := e.SP()
		ret, err := e.MemReadU64(sp)
		if err != nil {
			return fmt.Errorf("read return address: %w", err)
		}
		if err := e.SetSP(sp + 8); err != nil {
			return err
		}
		return e.SetPC(ret)
	case disasm.X86:
		sp := e.SP()
		ret, err := e.MemReadU32(sp)
		if err != nil {
			return fmt.Errorf("read return address: %w", err)
		}
		if err := e.SetSP(sp + 4); err != nil {
			return err
		}
		return e.SetPC(uint64(ret))
	}
	return fmt.Errorf("unsupported architecture %v", e.arch)
}
