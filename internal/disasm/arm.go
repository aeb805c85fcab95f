package disasm

import "golang.org/x/arch/arm/armasm"

// armasm lays every mnemonic out as a 16-entry block: fourteen
// conditions, the plain AL form at offset 14, then the 0b1111 space.
// armCond locates op inside the block starting at eq.
func armCond(op, eq armasm.Op) (int, bool) {
	if op >= eq && op < eq+16 {
		return int(op - eq), true
	}
	return -1, false
}

func armUnconditional(cond int) bool {
	return cond >= 14
}

func classifyARM(inst armasm.Inst) Group {
	op := inst.Op

	if _, ok := armCond(op, armasm.CMP_EQ); ok {
		return GroupCompare
	}
	if _, ok := armCond(op, armasm.CMN_EQ); ok {
		return GroupCompare
	}
	if _, ok := armCond(op, armasm.BL_EQ); ok {
		return GroupCall
	}
	if _, ok := armCond(op, armasm.BLX_EQ); ok {
		return GroupCall
	}
	if c, ok := armCond(op, armasm.B_EQ); ok {
		if armUnconditional(c) {
			return GroupJump
		}
		return GroupCondBranch
	}
	if c, ok := armCond(op, armasm.BX_EQ); ok {
		if !armUnconditional(c) {
			return GroupCondBranch
		}
		if r, isReg := inst.Args[0].(armasm.Reg); isReg && r == armasm.LR {
			return GroupReturn
		}
		return GroupJump
	}
	if c, ok := armCond(op, armasm.POP_EQ); ok {
		return armLoadPCGroup(inst, c)
	}
	for _, eq := range []armasm.Op{armasm.LDM_EQ, armasm.LDMDA_EQ, armasm.LDMDB_EQ, armasm.LDMIB_EQ} {
		if c, ok := armCond(op, eq); ok {
			return armLoadPCGroup(inst, c)
		}
	}
	if c, ok := armCond(op, armasm.MOV_EQ); ok {
		dst, isReg := inst.Args[0].(armasm.Reg)
		if !isReg || dst != armasm.PC {
			return GroupOther
		}
		if !armUnconditional(c) {
			return GroupCondBranch
		}
		if src, isReg := inst.Args[1].(armasm.Reg); isReg && src == armasm.LR {
			return GroupReturn
		}
		return GroupJump
	}
	if _, ok := armCond(op, armasm.MRS_EQ); ok {
		return GroupPrivileged
	}
	if _, ok := armCond(op, armasm.MSR_EQ); ok {
		return GroupPrivileged
	}
	return GroupOther
}

// armLoadPCGroup classifies POP/LDM: loading PC diverts control.
func armLoadPCGroup(inst armasm.Inst, cond int) Group {
	if !armRegListHasPC(inst.Args) {
		return GroupOther
	}
	if armUnconditional(cond) {
		return GroupReturn
	}
	return GroupCondBranch
}

func armRegListHasPC(args armasm.Args) bool {
	for _, arg := range args {
		if list, ok := arg.(armasm.RegList); ok {
			return list&(1<<15) != 0
		}
	}
	return false
}

// armCompare builds a capture plan for CMP/CMN, conditional forms
// included. Operands are always 32 bits wide.
func armCompare(inst armasm.Inst, addr uint64) (Comparison, bool) {
	negate := false
	if _, ok := armCond(inst.Op, armasm.CMP_EQ); ok {
	} else if _, ok := armCond(inst.Op, armasm.CMN_EQ); ok {
		negate = true
	} else {
		return Comparison{}, false
	}

	rn, ok := inst.Args[0].(armasm.Reg)
	if !ok || rn > armasm.R15 {
		return Comparison{}, false
	}
	readA := armRegRead(rn, addr)
	readB, ok := armOperand(inst.Args[1], addr)
	if !ok {
		return Comparison{}, false
	}

	return Comparison{
		Addr:  addr,
		Len:   4,
		Width: 4,
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
				vb = uint64(-uint32(vb))
			}
			return va & 0xffffffff, vb & 0xffffffff, nil
		},
	}, true
}

// armRegRead reads R0-R15. PC reads as the instruction address plus the
// ARM-mode pipeline offset of 8.
func armRegRead(r armasm.Reg, addr uint64) func(b Backend) (uint64, error) {
	if r == armasm.PC {
		v := (addr + 8) & 0xffffffff
		return func(Backend) (uint64, error) { return v, nil }
	}
	index := int(r)
	return func(b Backend) (uint64, error) {
		v, err := b.Reg(index)
		return v & 0xffffffff, err
	}
}

func armOperand(arg armasm.Arg, addr uint64) (func(b Backend) (uint64, error), bool) {
	switch a := arg.(type) {
	case armasm.Imm:
		v := uint64(uint32(a))
		return func(Backend) (uint64, error) { return v, nil }, true
	case armasm.ImmAlt:
		v := uint64(uint32(a.Imm()))
		return func(Backend) (uint64, error) { return v, nil }, true
	case armasm.Reg:
		if a > armasm.R15 {
			return nil, false
		}
		return armRegRead(a, addr), true
	case armasm.RegShift:
		if a.Reg > armasm.R15 || a.Shift == armasm.RotateRightExt {
			return nil, false
		}
		read := armRegRead(a.Reg, addr)
		shift := a.Shift
		count := uint32(a.Count)
		return func(b Backend) (uint64, error) {
			v, err := read(b)
			if err != nil {
				return 0, err
			}
			return uint64(armShift(uint32(v), shift, count)), nil
		}, true
	case armasm.RegShiftReg:
		if a.Reg > armasm.R15 || a.RegCount > armasm.R15 || a.Shift == armasm.RotateRightExt {
			return nil, false
		}
		read := armRegRead(a.Reg, addr)
		readCount := armRegRead(a.RegCount, addr)
		shift := a.Shift
		return func(b Backend) (uint64, error) {
			v, err := read(b)
			if err != nil {
				return 0, err
			}
			count, err := readCount(b)
			if err != nil {
				return 0, err
			}
			return uint64(armShift(uint32(v), shift, uint32(count)&0xff)), nil
		}, true
	}
	return nil, false
}

func armShift(v uint32, shift armasm.Shift, count uint32) uint32 {
	switch shift {
	case armasm.ShiftLeft:
		if count >= 32 {
			return 0
		}
		return v << count
	case armasm.ShiftRight:
		if count >= 32 {
			return 0
		}
		return v >> count
	case armasm.ShiftRightSigned:
		if count >= 32 {
			count = 31
		}
		return uint32(int32(v) >> count)
	case armasm.RotateRight:
		count &= 31
		return v>>count | v<<(32-count)
	}
	return v
}
