package executor

import (
	"context"
	"testing"
	"time"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/helper"
	_ "github.com/zboralski/tarsier/internal/stubs/all"
)

// retOnly returns straight to the planted return target.
var retOnly = []byte{
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

// cmpThenRet compares the two planted arguments, then an immediate,
// then returns.
var cmpThenRet = []byte{
	0x1f, 0x00, 0x01, 0xeb, // CMP X0, X1
	0x5f, 0x40, 0x00, 0x71, // CMP W2, #16
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

// spin branches to itself until the watchdog stops the run.
var spin = []byte{
	0x00, 0x00, 0x00, 0x14, // B .
}

func newGuest(t *testing.T, code []byte) (*emulator.Emulator, *emulator.ELFInfo) {
	t.Helper()
	emu, err := emulator.New(disasm.ARM64)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	if err := emu.LoadCode(code); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	info := &emulator.ELFInfo{
		Path:    "in-memory",
		Entry:   emulator.CodeBase,
		Symbols: map[string]uint64{},
	}
	return emu, info
}

func TestExecutorRunCapturesComparisons(t *testing.T) {
	ex, err := New(Options{Arch: disasm.ARM64, W: 64})
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	emu, info := newGuest(t, cmpThenRet)
	hub, _ := helper.Rig(emu, nil)
	cl, err := helper.NewCmpLog(ex.Map(), nil, ex.State(), nil)
	if err != nil {
		t.Fatalf("Failed to create capture helper: %v", err)
	}
	cl.Attach(hub)

	res, err := ex.run(context.Background(), emu, info, []byte("hello"))
	if err != nil {
		t.Fatalf("Failed to run guest: %v", err)
	}
	if res.GuestErr != "" {
		t.Fatalf("Expected clean return, got guest error %q", res.GuestErr)
	}
	if res.Execution != 1 {
		t.Errorf("Expected execution 1, got %d", res.Execution)
	}
	if res.Session != ex.State().Session {
		t.Errorf("Result session %s does not match state %s", res.Session, ex.State().Session)
	}

	if len(res.Captures) != 2 {
		t.Fatalf("Expected 2 captures, got %d", len(res.Captures))
	}

	// First site: CMP X0, X1 compares the input pointer against the
	// input length.
	first := res.Captures[0]
	if first.Slot != 0 || first.Kind != cmplog.KindInstruction || first.Width != 8 {
		t.Errorf("Unexpected first capture: slot %d kind %d width %d", first.Slot, first.Kind, first.Width)
	}
	if first.ValueA() == 0 {
		t.Error("Expected input pointer operand, got 0")
	}
	if first.ValueB() != 5 {
		t.Errorf("Expected input length 5, got %d", first.ValueB())
	}

	// Second site: CMP W2, #16 with W2 still zero.
	second := res.Captures[1]
	if second.Slot != 1 || second.Width != 4 {
		t.Errorf("Unexpected second capture: slot %d width %d", second.Slot, second.Width)
	}
	if second.ValueA() != 0 || second.ValueB() != 16 {
		t.Errorf("Expected operands 0 and 16, got %d and %d", second.ValueA(), second.ValueB())
	}

	if res.Sites != 2 {
		t.Errorf("Expected 2 stable sites, got %d", res.Sites)
	}
	if cmplog.Enabled() {
		t.Error("Expected capture disabled after the run")
	}
}

func TestExecutorResetsMapBetweenRuns(t *testing.T) {
	ex, err := New(Options{Arch: disasm.ARM64, W: 64})
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	emu, info := newGuest(t, cmpThenRet)
	hub, _ := helper.Rig(emu, nil)
	cl, err := helper.NewCmpLog(ex.Map(), nil, ex.State(), nil)
	if err != nil {
		t.Fatalf("Failed to create capture helper: %v", err)
	}
	cl.Attach(hub)

	if _, err := ex.run(context.Background(), emu, info, []byte("first")); err != nil {
		t.Fatalf("Failed to run guest: %v", err)
	}

	// A quiet guest leaves a clean map behind.
	quiet, infoQuiet := newGuest(t, retOnly)
	res, err := ex.run(context.Background(), quiet, infoQuiet, []byte("second"))
	if err != nil {
		t.Fatalf("Failed to run second guest: %v", err)
	}
	if len(res.Captures) != 0 {
		t.Errorf("Expected reset map with no captures, got %d", len(res.Captures))
	}
	if res.Execution != 2 {
		t.Errorf("Expected execution 2, got %d", res.Execution)
	}

	// Site metadata survives the reset: only new state clears it.
	if res.Sites != 2 {
		t.Errorf("Expected 2 remembered sites, got %d", res.Sites)
	}
}

func TestExecutorTimeout(t *testing.T) {
	ex, err := New(Options{Arch: disasm.ARM64, W: 64, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	emu, info := newGuest(t, spin)
	res, err := ex.run(context.Background(), emu, info, nil)
	if err != nil {
		t.Fatalf("Failed to run guest: %v", err)
	}
	if res.GuestErr != "timeout" {
		t.Errorf("Expected timeout, got %q", res.GuestErr)
	}
	if cmplog.Enabled() {
		t.Error("Expected capture disabled after the watchdog fired")
	}
}

func TestExecutorCancel(t *testing.T) {
	ex, err := New(Options{Arch: disasm.ARM64, W: 64})
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	emu, info := newGuest(t, spin)
	res, err := ex.run(ctx, emu, info, nil)
	if err != nil {
		t.Fatalf("Failed to run guest: %v", err)
	}
	if res.GuestErr != "cancelled" {
		t.Errorf("Expected cancelled run, got %q", res.GuestErr)
	}
}

func TestDefaultPrepare(t *testing.T) {
	emu, err := emulator.New(disasm.ARM64)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	info := &emulator.ELFInfo{
		Path:  "in-memory",
		Entry: emulator.CodeBase,
		Symbols: map[string]uint64{
			"LLVMFuzzerTestOneInput": emulator.CodeBase + 0x40,
		},
	}

	call, err := DefaultPrepare(emu, info, []byte("abcd"))
	if err != nil {
		t.Fatalf("Failed to prepare input: %v", err)
	}
	if call.Entry != emulator.CodeBase+0x40 {
		t.Errorf("Expected harness entry point, got 0x%x", call.Entry)
	}
	if len(call.Args) != 2 {
		t.Fatalf("Expected pointer and length arguments, got %d", len(call.Args))
	}
	if call.Args[1] != 4 {
		t.Errorf("Expected length 4, got %d", call.Args[1])
	}

	data, err := emu.MemRead(call.Args[0], 4)
	if err != nil {
		t.Fatalf("Failed to read planted input: %v", err)
	}
	if string(data) != "abcd" {
		t.Errorf("Expected planted input abcd, got %q", data)
	}
}

func TestPlantCallARM64(t *testing.T) {
	emu, err := emulator.New(disasm.ARM64)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	stop, err := plantCall(emu, &Call{Entry: emulator.CodeBase, Args: []uint64{0x1111, 0x2222}})
	if err != nil {
		t.Fatalf("Failed to plant call: %v", err)
	}
	if stop != returnPad {
		t.Errorf("Expected stop at return pad, got 0x%x", stop)
	}
	if emu.LR() != returnPad {
		t.Errorf("Expected LR at return pad, got 0x%x", emu.LR())
	}
	if arg, _ := emu.ReadArgument(emulator.CallConvGuest, 1); arg != 0x2222 {
		t.Errorf("Expected argument 1 = 0x2222, got 0x%x", arg)
	}
}

func TestPlantCallAMD64(t *testing.T) {
	emu, err := emulator.New(disasm.AMD64)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	stop, err := plantCall(emu, &Call{Entry: emulator.CodeBase, Args: []uint64{0x1111, 0x2222}})
	if err != nil {
		t.Fatalf("Failed to plant call: %v", err)
	}

	// The return target sits on top of the stack, as a call would
	// leave it.
	top, err := emu.MemReadU64(emu.SP())
	if err != nil {
		t.Fatalf("Failed to read stack top: %v", err)
	}
	if top != stop {
		t.Errorf("Expected return pad on stack, got 0x%x", top)
	}
	if arg, _ := emu.ReadArgument(emulator.CallConvGuest, 0); arg != 0x1111 {
		t.Errorf("Expected argument 0 = 0x1111, got 0x%x", arg)
	}
}

func TestPlantCall386(t *testing.T) {
	emu, err := emulator.New(disasm.X86)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	stop, err := plantCall(emu, &Call{Entry: emulator.CodeBase, Args: []uint64{0x1111, 0x2222}})
	if err != nil {
		t.Fatalf("Failed to plant call: %v", err)
	}

	top, err := emu.MemReadU32(emu.SP())
	if err != nil {
		t.Fatalf("Failed to read stack top: %v", err)
	}
	if uint64(top) != stop {
		t.Errorf("Expected return pad on stack, got 0x%x", top)
	}

	// Arguments live above the return address.
	if arg, _ := emu.ReadArgument(emulator.CallConvGuest, 0); arg != 0x1111 {
		t.Errorf("Expected argument 0 = 0x1111, got 0x%x", arg)
	}
	if arg, _ := emu.ReadArgument(emulator.CallConvGuest, 1); arg != 0x2222 {
		t.Errorf("Expected argument 1 = 0x2222, got 0x%x", arg)
	}
}

// stringsHarness plants two string pointers as the call arguments.
type stringsHarness struct{}

func (stringsHarness) Prepare(emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*Call, error) {
	a := emu.Malloc(32)
	b := emu.Malloc(32)
	if err := emu.MemWriteString(a, "needle"); err != nil {
		return nil, err
	}
	if err := emu.MemWriteString(b, "haystack"); err != nil {
		return nil, err
	}
	return &Call{Entry: emulator.CodeBase, Args: []uint64{a, b}}, nil
}

func TestExecutorStubCompareFeedsMap(t *testing.T) {
	ex, err := New(Options{Arch: disasm.ARM64, W: 64, Harness: stringsHarness{}})
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	// The guest calls an imported comparison routine; the operands
	// arrive through the stub report, not an instruction.
	code := []byte{
		0x10, 0x00, 0x00, 0x94, // BL +0x40
		0xc0, 0x03, 0x5f, 0xd6, // RET
	}
	emu, info := newGuest(t, code)

	stubAddr := uint64(emulator.CodeBase + 0x40)
	if err := emu.MemWrite(stubAddr, []byte{0x1f, 0x20, 0x03, 0xd5}); err != nil {
		t.Fatalf("Failed to write stub landing: %v", err)
	}
	info.Imports = map[string]uint64{"strcmp": stubAddr}

	res, err := ex.run(context.Background(), emu, info, nil)
	if err != nil {
		t.Fatalf("Failed to run guest: %v", err)
	}
	if res.GuestErr != "" {
		t.Fatalf("Expected clean return, got guest error %q", res.GuestErr)
	}
	if res.StubCalls != 1 {
		t.Errorf("Expected 1 stub call, got %d", res.StubCalls)
	}

	if len(res.Captures) != 1 {
		t.Fatalf("Expected 1 capture from the stub report, got %d", len(res.Captures))
	}

	// The report is keyed by the call's return address.
	ref, err := cmplog.NewHashedAllocator(64, nil)
	if err != nil {
		t.Fatalf("Failed to create reference allocator: %v", err)
	}
	wantSlot, _ := ref.Allocate(emulator.CodeBase + 4)

	got := res.Captures[0]
	if got.Slot != wantSlot {
		t.Errorf("Expected slot %d, got %d", wantSlot, got.Slot)
	}
	if got.Kind != cmplog.KindRoutine {
		t.Errorf("Expected routine capture, got kind %d", got.Kind)
	}
	if got.Width != 6 {
		t.Errorf("Expected width 6, got %d", got.Width)
	}
	if string(got.A[:6]) != "needle" || string(got.B[:6]) != "haysta" {
		t.Errorf("Unexpected operands %q and %q", got.A[:6], got.B[:6])
	}
}
