package disasm

import "golang.org/x/arch/arm64/arm64asm"

func classifyARM64(inst arm64asm.Inst) Group {
	switch inst.Op {
	case arm64asm.CMP, arm64asm.CMN:
		return GroupCompare
	case arm64asm.BL, arm64asm.BLR:
		return GroupCall
	case arm64asm.RET:
		return GroupReturn
	case arm64asm.BR:
		return GroupJump
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return GroupCondBranch
	case arm64asm.ERET, arm64asm.DRPS, arm64asm.HVC, arm64asm.SMC:
		return GroupPrivileged
	case arm64asm.B:
		if _, ok := inst.Args[0].(arm64asm.Cond); ok {
			return GroupCondBranch
		}
		return GroupJump
	}
	return GroupOther
}

// arm64Compare builds a capture plan for CMP/CMN. The x/arch arg types
// for shifted immediates and extended registers keep their fields
// private, so operands come straight from the encoding bits.
func arm64Compare(inst arm64asm.Inst, addr uint64) (Comparison, bool) {
	switch inst.Op {
	case arm64asm.CMP, arm64asm.CMN:
	default:
		return Comparison{}, false
	}

	enc := inst.Enc
	width := uint8(4)
	if enc>>31 == 1 {
		width = 8
	}
	negate := inst.Op == arm64asm.CMN
	rn := int(enc >> 5 & 31)

	var readA, readB func(b Backend) (uint64, error)

	switch {
	case enc>>24&0x1f == 0x11:
		// Immediate form: imm12, optionally LSL #12. Rn 31 is SP.
		imm := uint64(enc >> 10 & 0xfff)
		if enc>>22&3 == 1 {
			imm <<= 12
		}
		readA = readARM64Reg(rn, true)
		readB = func(Backend) (uint64, error) { return imm, nil }

	case enc>>24&0x1f == 0x0b && enc>>21&1 == 0:
		// Shifted register form. Register 31 reads as zero.
		shiftType := enc >> 22 & 3
		if shiftType == 3 {
			return Comparison{}, false
		}
		rm := int(enc >> 16 & 31)
		amount := uint(enc >> 10 & 63)
		readRM := readARM64Reg(rm, false)
		readA = readARM64Reg(rn, false)
		readB = func(b Backend) (uint64, error) {
			v, err := readRM(b)
			if err != nil {
				return 0, err
			}
			return arm64Shift(v, shiftType, amount, width), nil
		}

	case enc>>24&0x1f == 0x0b && enc>>21&1 == 1:
		// Extended register form. Rn 31 is SP.
		option := enc >> 13 & 7
		shift := uint(enc >> 10 & 7)
		rm := int(enc >> 16 & 31)
		readRM := readARM64Reg(rm, false)
		readA = readARM64Reg(rn, true)
		readB = func(b Backend) (uint64, error) {
			v, err := readRM(b)
			if err != nil {
				return 0, err
			}
			return arm64Extend(v, option, shift), nil
		}

	default:
		return Comparison{}, false
	}

	return Comparison{
		Addr:  addr,
		Len:   4,
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
			if negate {
				vb = -vb
			}
			return va, vb, nil
		},
	}, true
}

// readARM64Reg reads register index 0-30, with 31 as SP or as the zero
// register depending on the encoding form.
func readARM64Reg(index int, spAt31 bool) func(b Backend) (uint64, error) {
	if index == 31 && !spAt31 {
		return func(Backend) (uint64, error) { return 0, nil }
	}
	return func(b Backend) (uint64, error) { return b.Reg(index) }
}

func arm64Shift(v uint64, shiftType uint32, amount uint, width uint8) uint64 {
	if width == 4 {
		v &= 0xffffffff
	}
	switch shiftType {
	case 0:
		return v << amount
	case 1:
		if width == 4 {
			return uint64(uint32(v) >> amount)
		}
		return v >> amount
	case 2:
		if width == 4 {
			return uint64(uint32(int32(uint32(v)) >> amount))
		}
		return uint64(int64(v) >> amount)
	}
	return v
}

func arm64Extend(v uint64, option uint32, shift uint) uint64 {
	switch option {
	case 0:
		v &= 0xff
	case 1:
		v &= 0xffff
	case 2:
		v &= 0xffffffff
	case 4:
		v = uint64(int64(int8(v)))
	case 5:
		v = uint64(int64(int16(v)))
	case 6:
		v = uint64(int64(int32(v)))
	}
	return v << shift
}
