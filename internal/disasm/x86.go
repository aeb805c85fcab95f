package disasm

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

func classifyX86(inst x86asm.Inst) Group {
	switch inst.Op {
	case x86asm.CMP, x86asm.SUB:
		return GroupCompare
	case x86asm.CALL, x86asm.LCALL:
		return GroupCall
	case x86asm.RET, x86asm.LRET:
		return GroupReturn
	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return GroupIRet
	case x86asm.JMP, x86asm.LJMP:
		return GroupJump
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ,
		x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return GroupCondBranch
	case x86asm.HLT, x86asm.CLI, x86asm.STI, x86asm.CLTS,
		x86asm.IN, x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUT, x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD,
		x86asm.RDMSR, x86asm.WRMSR, x86asm.XSETBV,
		x86asm.LGDT, x86asm.LIDT, x86asm.LLDT, x86asm.LTR,
		x86asm.INVD, x86asm.WBINVD, x86asm.INVLPG,
		x86asm.SYSRET, x86asm.SYSEXIT,
		x86asm.UD1, x86asm.UD2:
		return GroupPrivileged
	}
	return GroupOther
}

// x86Compare builds a capture plan for CMP/SUB with register, immediate
// or memory operands.
func x86Compare(inst x86asm.Inst, addr uint64, mode int) (Comparison, bool) {
	switch inst.Op {
	case x86asm.CMP, x86asm.SUB:
	default:
		return Comparison{}, false
	}

	width := x86OperandWidth(inst)
	if width == 0 || width > 8 {
		return Comparison{}, false
	}

	readA, ok := x86Operand(inst.Args[0], inst, addr, mode, width)
	if !ok {
		return Comparison{}, false
	}
	readB, ok := x86Operand(inst.Args[1], inst, addr, mode, width)
	if !ok {
		return Comparison{}, false
	}

	return Comparison{
		Addr:  addr,
		Len:   inst.Len,
		Width: width,
		Read: func(b Backend) (uint64, uint64, error) {
			va, err := readA(b)
			if err != nil {
				return 0, 0, err
			}
			vb, err := readB(b)
			if err != nil {
				return 0, 0, err
			}
			return va, vb, nil
		},
	}, true
}

func x86OperandWidth(inst x86asm.Inst) uint8 {
	for _, arg := range inst.Args[:2] {
		switch a := arg.(type) {
		case x86asm.Reg:
			if _, _, w, ok := x86RegIndex(a); ok {
				return w
			}
			return 0
		case x86asm.Mem:
			return uint8(inst.MemBytes)
		}
	}
	return uint8(inst.DataSize / 8)
}

func x86Operand(arg x86asm.Arg, inst x86asm.Inst, addr uint64, mode int, width uint8) (func(b Backend) (uint64, error), bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		index, shift, _, ok := x86RegIndex(a)
		if !ok {
			return nil, false
		}
		return func(b Backend) (uint64, error) {
			v, err := b.Reg(index)
			if err != nil {
				return 0, err
			}
			return v >> shift, nil
		}, true

	case x86asm.Imm:
		v := uint64(int64(a))
		return func(Backend) (uint64, error) { return v, nil }, true

	case x86asm.Mem:
		// fs/gs bases live outside the visible register file.
		if a.Segment == x86asm.FS || a.Segment == x86asm.GS {
			return nil, false
		}
		resolve, ok := x86MemAddr(a, inst, addr, mode)
		if !ok {
			return nil, false
		}
		return func(b Backend) (uint64, error) {
			target, err := resolve(b)
			if err != nil {
				return 0, err
			}
			var buf [8]byte
			if err := b.ReadMem(target, buf[:width]); err != nil {
				return 0, err
			}
			return binary.LittleEndian.Uint64(buf[:]), nil
		}, true
	}
	return nil, false
}

func x86MemAddr(m x86asm.Mem, inst x86asm.Inst, addr uint64, mode int) (func(b Backend) (uint64, error), bool) {
	readBase := func(Backend) (uint64, error) { return 0, nil }
	switch m.Base {
	case 0:
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		next := addr + uint64(inst.Len)
		readBase = func(Backend) (uint64, error) { return next, nil }
	default:
		index, shift, _, ok := x86RegIndex(m.Base)
		if !ok || shift != 0 {
			return nil, false
		}
		readBase = func(b Backend) (uint64, error) { return b.Reg(index) }
	}

	readIndex := func(Backend) (uint64, error) { return 0, nil }
	if m.Scale != 0 && m.Index != 0 {
		index, shift, _, ok := x86RegIndex(m.Index)
		if !ok || shift != 0 {
			return nil, false
		}
		scale := uint64(m.Scale)
		readIndex = func(b Backend) (uint64, error) {
			v, err := b.Reg(index)
			if err != nil {
				return 0, err
			}
			return v * scale, nil
		}
	}

	disp := uint64(m.Disp)
	return func(b Backend) (uint64, error) {
		base, err := readBase(b)
		if err != nil {
			return 0, err
		}
		idx, err := readIndex(b)
		if err != nil {
			return 0, err
		}
		target := base + idx + disp
		if mode == 32 {
			target &= 0xffffffff
		}
		return target, nil
	}, true
}

// x86RegIndex maps an x86asm register to its encoding-order index.
// shift is 8 for the legacy high-byte registers ah/ch/dh/bh.
func x86RegIndex(r x86asm.Reg) (index int, shift uint8, width uint8, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 0, 1, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 8, 1, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return 4 + int(r-x86asm.SPB), 0, 1, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return 8 + int(r-x86asm.R8B), 0, 1, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return int(r - x86asm.AX), 0, 2, true
	case r >= x86asm.R8W && r <= x86asm.R15W:
		return 8 + int(r-x86asm.R8W), 0, 2, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return int(r - x86asm.EAX), 0, 4, true
	case r >= x86asm.R8L && r <= x86asm.R15L:
		return 8 + int(r-x86asm.R8L), 0, 4, true
	case r >= x86asm.RAX && r <= x86asm.RDI:
		return int(r - x86asm.RAX), 0, 8, true
	case r >= x86asm.R8 && r <= x86asm.R15:
		return 8 + int(r-x86asm.R8), 0, 8, true
	}
	return 0, 0, 0, false
}
