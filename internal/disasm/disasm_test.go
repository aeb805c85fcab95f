package disasm

import (
	"fmt"
	"testing"
)

type fakeBackend struct {
	regs map[int]uint64
	mem  map[uint64][]byte
}

func (f *fakeBackend) Reg(index int) (uint64, error) {
	v, ok := f.regs[index]
	if !ok {
		return 0, fmt.Errorf("register %d not set", index)
	}
	return v, nil
}

func (f *fakeBackend) ReadMem(addr uint64, buf []byte) error {
	data, ok := f.mem[addr]
	if !ok || len(data) < len(buf) {
		return fmt.Errorf("no memory at 0x%x", addr)
	}
	copy(buf, data)
	return nil
}

func TestParseArch(t *testing.T) {
	tests := []struct {
		name string
		want Arch
	}{
		{"arm64", ARM64},
		{"aarch64", ARM64},
		{"amd64", AMD64},
		{"x86_64", AMD64},
		{"386", X86},
		{"arm", ARM},
	}
	for _, tc := range tests {
		got, err := ParseArch(tc.name)
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("ParseArch(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
	if _, err := ParseArch("mips"); err == nil {
		t.Error("ParseArch should reject unknown names")
	}
}

func TestClassifyARM64(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Group
	}{
		{"cmp x0, x1", []byte{0x1f, 0x00, 0x01, 0xeb}, GroupCompare},
		{"cmp w2, #16", []byte{0x5f, 0x40, 0x00, 0x71}, GroupCompare},
		{"cmn x3, #1", []byte{0x7f, 0x04, 0x00, 0xb1}, GroupCompare},
		{"bl +16", []byte{0x04, 0x00, 0x00, 0x94}, GroupCall},
		{"blr x8", []byte{0x00, 0x01, 0x3f, 0xd6}, GroupCall},
		{"ret", []byte{0xc0, 0x03, 0x5f, 0xd6}, GroupReturn},
		{"b +8", []byte{0x02, 0x00, 0x00, 0x14}, GroupJump},
		{"b.eq +8", []byte{0x40, 0x00, 0x00, 0x54}, GroupCondBranch},
		{"cbz x0, +8", []byte{0x40, 0x00, 0x00, 0xb4}, GroupCondBranch},
		{"eret", []byte{0xe0, 0x03, 0x9f, 0xd6}, GroupPrivileged},
		{"nop", []byte{0x1f, 0x20, 0x03, 0xd5}, GroupOther},
		{"svc #0", []byte{0x01, 0x00, 0x00, 0xd4}, GroupOther},
	}

	for _, tc := range tests {
		inst, err := DecodeOne(tc.code, 0x1000, ARM64)
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", tc.name, err)
		}
		if inst.Group != tc.want {
			t.Errorf("%s: group = %v, want %v", tc.name, inst.Group, tc.want)
		}
		if inst.Len != 4 {
			t.Errorf("%s: len = %d, want 4", tc.name, inst.Len)
		}
	}
}

func TestClassifyAMD64(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Group
	}{
		{"cmp rax, rbx", []byte{0x48, 0x39, 0xd8}, GroupCompare},
		{"cmp eax, imm32", []byte{0x3d, 0x78, 0x56, 0x34, 0x12}, GroupCompare},
		{"sub rsp, 0x20", []byte{0x48, 0x83, 0xec, 0x20}, GroupCompare},
		{"call rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, GroupCall},
		{"ret", []byte{0xc3}, GroupReturn},
		{"iretq", []byte{0x48, 0xcf}, GroupIRet},
		{"jmp rel8", []byte{0xeb, 0x05}, GroupJump},
		{"je rel8", []byte{0x74, 0x05}, GroupCondBranch},
		{"hlt", []byte{0xf4}, GroupPrivileged},
		{"ud2", []byte{0x0f, 0x0b}, GroupPrivileged},
		{"mov rax, rbx", []byte{0x48, 0x89, 0xd8}, GroupOther},
		{"nop", []byte{0x90}, GroupOther},
	}

	for _, tc := range tests {
		inst, err := DecodeOne(tc.code, 0x401000, AMD64)
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", tc.name, err)
		}
		if inst.Group != tc.want {
			t.Errorf("%s: group = %v, want %v", tc.name, inst.Group, tc.want)
		}
		if inst.Len != len(tc.code) {
			t.Errorf("%s: len = %d, want %d", tc.name, inst.Len, len(tc.code))
		}
	}
}

func TestClassifyARM(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Group
	}{
		{"cmp r0, r1", []byte{0x01, 0x00, 0x50, 0xe1}, GroupCompare},
		{"cmpne r0, r1", []byte{0x01, 0x00, 0x50, 0x11}, GroupCompare},
		{"cmn r3, #1", []byte{0x01, 0x00, 0x73, 0xe3}, GroupCompare},
		{"bl +8", []byte{0x00, 0x00, 0x00, 0xeb}, GroupCall},
		{"bx lr", []byte{0x1e, 0xff, 0x2f, 0xe1}, GroupReturn},
		{"b +8", []byte{0x00, 0x00, 0x00, 0xea}, GroupJump},
		{"bne +8", []byte{0x00, 0x00, 0x00, 0x1a}, GroupCondBranch},
		{"pop {r4, pc}", []byte{0x10, 0x80, 0xbd, 0xe8}, GroupReturn},
		{"mov pc, lr", []byte{0x0e, 0xf0, 0xa0, 0xe1}, GroupReturn},
		{"mov r0, r1", []byte{0x01, 0x00, 0xa0, 0xe1}, GroupOther},
	}

	for _, tc := range tests {
		inst, err := DecodeOne(tc.code, 0x8000, ARM)
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", tc.name, err)
		}
		if inst.Group != tc.want {
			t.Errorf("%s: group = %v, want %v", tc.name, inst.Group, tc.want)
		}
	}
}

func TestThumbStopsDecoding(t *testing.T) {
	// Thumb is selected by the low address bit and is not implemented
	// by the decoder; the caller sees an error and stops its scan.
	if _, err := DecodeOne([]byte{0x70, 0x47, 0x00, 0x00}, 0x8001, ARM); err == nil {
		t.Error("Thumb decode should fail")
	}
	if _, ok := DecodeCompare([]byte{0x01, 0x00, 0x50, 0xe1}, 0x8001, ARM); ok {
		t.Error("Thumb compare extraction should be refused")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := DecodeOne([]byte{0x1f, 0x00}, 0x1000, ARM64); err == nil {
		t.Error("truncated arm64 decode should fail")
	}
	if _, err := DecodeOne(nil, 0x1000, AMD64); err == nil {
		t.Error("empty amd64 decode should fail")
	}
	if _, err := DecodeOne([]byte{0xff, 0xff, 0xff, 0xff}, 0x1000, ARM64); err == nil {
		t.Error("invalid arm64 encoding should fail")
	}
}

func TestARM64CompareRegisters(t *testing.T) {
	// cmp x0, x1
	cmp, ok := DecodeCompare([]byte{0x1f, 0x00, 0x01, 0xeb}, 0x1000, ARM64)
	if !ok {
		t.Fatal("cmp x0, x1 not recognized")
	}
	if cmp.Width != 8 || cmp.Addr != 0x1000 || cmp.Len != 4 {
		t.Fatalf("plan = width %d addr 0x%x len %d, want 8/0x1000/4", cmp.Width, cmp.Addr, cmp.Len)
	}

	b := &fakeBackend{regs: map[int]uint64{0: 100, 1: 42}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 100 || vb != 42 {
		t.Errorf("operands = %d, %d, want 100, 42", va, vb)
	}
}

func TestARM64CompareImmediate(t *testing.T) {
	// cmp w2, #16
	cmp, ok := DecodeCompare([]byte{0x5f, 0x40, 0x00, 0x71}, 0x1000, ARM64)
	if !ok {
		t.Fatal("cmp w2, #16 not recognized")
	}
	if cmp.Width != 4 {
		t.Fatalf("width = %d, want 4", cmp.Width)
	}

	b := &fakeBackend{regs: map[int]uint64{2: 77}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 77 || vb != 16 {
		t.Errorf("operands = %d, %d, want 77, 16", va, vb)
	}
}

func TestARM64CompareNegatesCMN(t *testing.T) {
	// cmn x3, #1 compares x3 against -1
	cmp, ok := DecodeCompare([]byte{0x7f, 0x04, 0x00, 0xb1}, 0x1000, ARM64)
	if !ok {
		t.Fatal("cmn x3, #1 not recognized")
	}

	b := &fakeBackend{regs: map[int]uint64{3: 9}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 9 || vb != 0xFFFFFFFFFFFFFFFF {
		t.Errorf("operands = 0x%x, 0x%x, want 0x9, all-ones", va, vb)
	}
}

func TestAMD64CompareRegisters(t *testing.T) {
	// cmp rax, rbx
	cmp, ok := DecodeCompare([]byte{0x48, 0x39, 0xd8}, 0x401000, AMD64)
	if !ok {
		t.Fatal("cmp rax, rbx not recognized")
	}
	if cmp.Width != 8 {
		t.Fatalf("width = %d, want 8", cmp.Width)
	}

	b := &fakeBackend{regs: map[int]uint64{0: 0xCAFE, 3: 0xBEEF}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 0xCAFE || vb != 0xBEEF {
		t.Errorf("operands = 0x%x, 0x%x, want 0xCAFE, 0xBEEF", va, vb)
	}
}

func TestAMD64CompareImmediate(t *testing.T) {
	// cmp eax, 0x12345678
	cmp, ok := DecodeCompare([]byte{0x3d, 0x78, 0x56, 0x34, 0x12}, 0x401000, AMD64)
	if !ok {
		t.Fatal("cmp eax, imm32 not recognized")
	}
	if cmp.Width != 4 {
		t.Fatalf("width = %d, want 4", cmp.Width)
	}

	b := &fakeBackend{regs: map[int]uint64{0: 0x11111111}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 0x11111111 || vb != 0x12345678 {
		t.Errorf("operands = 0x%x, 0x%x, want 0x11111111, 0x12345678", va, vb)
	}
}

func TestAMD64CompareMemory(t *testing.T) {
	// cmp byte ptr [rdi], 0x41
	cmp, ok := DecodeCompare([]byte{0x80, 0x3f, 0x41}, 0x401000, AMD64)
	if !ok {
		t.Fatal("cmp [rdi], imm8 not recognized")
	}
	if cmp.Width != 1 {
		t.Fatalf("width = %d, want 1", cmp.Width)
	}

	b := &fakeBackend{
		regs: map[int]uint64{7: 0x5000},
		mem:  map[uint64][]byte{0x5000: {0x42}},
	}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 0x42 || vb != 0x41 {
		t.Errorf("operands = 0x%x, 0x%x, want 0x42, 0x41", va, vb)
	}

	// A dangling pointer surfaces as an error, the site is skipped.
	bad := &fakeBackend{regs: map[int]uint64{7: 0x9000}}
	if _, _, err := cmp.Read(bad); err == nil {
		t.Error("unmapped operand read should fail")
	}
}

func TestAMD64CompareRIPRelative(t *testing.T) {
	// cmp rax, [rip+0x10] at 0x401000; next instruction is at 0x401007
	code := []byte{0x48, 0x3b, 0x05, 0x10, 0x00, 0x00, 0x00}
	cmp, ok := DecodeCompare(code, 0x401000, AMD64)
	if !ok {
		t.Fatal("rip-relative cmp not recognized")
	}

	b := &fakeBackend{
		regs: map[int]uint64{0: 7},
		mem:  map[uint64][]byte{0x401017: {0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
	}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 7 || vb != 7 {
		t.Errorf("operands = %d, %d, want 7, 7", va, vb)
	}
}

func TestAMD64CompareSkipsSegmentBases(t *testing.T) {
	// cmp rax, fs:[0x0] needs the fs base, which the register file
	// does not expose.
	code := []byte{0x64, 0x48, 0x3b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00}
	if _, ok := DecodeCompare(code, 0x401000, AMD64); ok {
		t.Error("fs-relative compare should be skipped")
	}
}

func TestARMCompare(t *testing.T) {
	// cmp r0, r1
	cmp, ok := DecodeCompare([]byte{0x01, 0x00, 0x50, 0xe1}, 0x8000, ARM)
	if !ok {
		t.Fatal("cmp r0, r1 not recognized")
	}
	if cmp.Width != 4 {
		t.Fatalf("width = %d, want 4", cmp.Width)
	}

	b := &fakeBackend{regs: map[int]uint64{0: 5, 1: 6}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 5 || vb != 6 {
		t.Errorf("operands = %d, %d, want 5, 6", va, vb)
	}
}

func TestARMCompareShifted(t *testing.T) {
	// cmp r0, r1, lsl #2
	cmp, ok := DecodeCompare([]byte{0x01, 0x01, 0x50, 0xe1}, 0x8000, ARM)
	if !ok {
		t.Fatal("cmp r0, r1 lsl #2 not recognized")
	}

	b := &fakeBackend{regs: map[int]uint64{0: 40, 1: 10}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 40 || vb != 40 {
		t.Errorf("operands = %d, %d, want 40, 40", va, vb)
	}
}

func TestARMCompareNegatesCMN(t *testing.T) {
	// cmn r3, #1 compares r3 against -1, wrapped at 32 bits
	cmp, ok := DecodeCompare([]byte{0x01, 0x00, 0x73, 0xe3}, 0x8000, ARM)
	if !ok {
		t.Fatal("cmn r3, #1 not recognized")
	}

	b := &fakeBackend{regs: map[int]uint64{3: 2}}
	va, vb, err := cmp.Read(b)
	if err != nil {
		t.Fatalf("Failed to read operands: %v", err)
	}
	if va != 2 || vb != 0xFFFFFFFF {
		t.Errorf("operands = 0x%x, 0x%x, want 0x2, 0xFFFFFFFF", va, vb)
	}
}

func TestDecodeCompareRejectsNonCompares(t *testing.T) {
	if _, ok := DecodeCompare([]byte{0x1f, 0x20, 0x03, 0xd5}, 0x1000, ARM64); ok {
		t.Error("nop should not be a comparison")
	}
	if _, ok := DecodeCompare([]byte{0x90}, 0x1000, AMD64); ok {
		t.Error("nop should not be a comparison")
	}
	if _, ok := DecodeCompare([]byte{0xff, 0xff, 0xff, 0xff}, 0x1000, ARM64); ok {
		t.Error("invalid bytes should not be a comparison")
	}
}

func TestGroupTerminal(t *testing.T) {
	terminal := []Group{GroupReturn, GroupJump, GroupIRet, GroupPrivileged}
	for _, g := range terminal {
		if !g.Terminal() {
			t.Errorf("%v should be terminal", g)
		}
	}
	open := []Group{GroupOther, GroupCompare, GroupCall, GroupCondBranch}
	for _, g := range open {
		if g.Terminal() {
			t.Errorf("%v should not be terminal", g)
		}
	}
}

func TestText(t *testing.T) {
	if got := Text([]byte{0xc0, 0x03, 0x5f, 0xd6}, 0x1000, ARM64); got == "??" || got == "" {
		t.Errorf("ret did not render: %q", got)
	}
	if got := Text([]byte{0xc3}, 0x1000, AMD64); got == "??" || got == "" {
		t.Errorf("ret did not render: %q", got)
	}
	if got := Text([]byte{0xff, 0xff, 0xff, 0xff}, 0x1000, ARM64); got != "??" {
		t.Errorf("invalid encoding rendered as %q", got)
	}
}
