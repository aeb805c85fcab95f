// Package executor owns the capture map lifecycle and drives guest
// executions. The capture core only writes rows; map allocation and
// reset, the enable gate, fuzzing state, and timeouts all live here.
//
// Two topologies are supported. In-process runs execute the guest in
// this process with stable keyed slot allocation, so a comparison site
// keeps its slot across executions. Child runs re-exec the binary as a
// hidden subprocess attached to a file-backed shared map and use hashed
// allocation only, because site metadata cannot cross the process
// boundary.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/filter"
	"github.com/zboralski/tarsier/internal/helper"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/stubs"
	"github.com/zboralski/tarsier/internal/trace"
)

// Call describes one guest invocation prepared by a harness.
type Call struct {
	Entry uint64   // first instruction of the run
	Args  []uint64 // integer arguments in convention order
}

// Harness prepares the guest for one input before execution starts.
type Harness interface {
	Prepare(emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*Call, error)
}

// Options configure an Executor.
type Options struct {
	Binary      string        // target ELF path
	Arch        disasm.Arch   // guest architecture
	W           uint64        // capture rows, power of two; 0 selects cmplog.DefaultW
	Filter      *filter.Filter // instrumented ranges; nil allows everything
	Harness     Harness       // nil selects the entry-point harness
	HarnessPath string        // harness script forwarded to child runs
	Timeout     time.Duration // per-run wall clock limit; 0 means none
	StatePath   string        // fuzzing state persistence; "" keeps state in memory
}

// Result reports one execution.
type Result struct {
	Session   string           // fuzzing session id
	Execution uint64           // execution counter after this run
	Captures  []cmplog.Capture // populated capture rows in slot order
	Sites     int              // comparison sites with stable slots
	StubCalls int              // stubbed library calls made by the guest
	Events    []*trace.Event   // trace events collected during the run
	Duration  time.Duration
	GuestErr  string // why the guest stopped early; "" for a clean return
}

// Executor owns the capture map and fuzzing state across runs.
type Executor struct {
	opts      Options
	m         *cmplog.Map
	shared    *SharedMap
	state     *State
	hashed    *cmplog.HashedAllocator
	events    *trace.Collector
	logger    *glog.Logger
	childMode bool
}

// New builds an executor with a private capture map for in-process runs.
func New(opts Options) (*Executor, error) {
	if opts.W == 0 {
		opts.W = cmplog.DefaultW
	}
	m, err := cmplog.New(opts.W)
	if err != nil {
		return nil, err
	}
	return newExecutor(opts, m, nil)
}

// NewShared builds an executor whose capture map is a file-backed
// shared mapping, for the child-per-execution topology. The executor
// creates and owns the mapping; children attach to it read-write.
func NewShared(opts Options, path string) (*Executor, error) {
	if opts.W == 0 {
		opts.W = cmplog.DefaultW
	}
	shm, err := CreateSharedMap(path, opts.W)
	if err != nil {
		return nil, err
	}
	ex, err := newExecutor(opts, shm.Map(), shm)
	if err != nil {
		shm.Close()
		return nil, err
	}
	return ex, nil
}

func newExecutor(opts Options, m *cmplog.Map, shm *SharedMap) (*Executor, error) {
	hashed, err := cmplog.NewHashedAllocator(m.W(), opts.Filter)
	if err != nil {
		return nil, err
	}

	state := NewState()
	if opts.StatePath != "" {
		if loaded, err := LoadState(opts.StatePath); err == nil {
			state = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load state: %w", err)
		}
	}

	logger := glog.L
	if logger == nil {
		logger = glog.NewNop()
	}

	ex := &Executor{
		opts:   opts,
		m:      m,
		shared: shm,
		state:  state,
		hashed: hashed,
		events: trace.NewCollector(trace.DefaultCapacity),
		logger: logger,
	}
	logger.SetOnTrace(ex.events.Record)
	return ex, nil
}

// Map exposes the capture map for inspection.
func (e *Executor) Map() *cmplog.Map {
	return e.m
}

// State exposes the fuzzing state for inspection.
func (e *Executor) State() *State {
	return e.state
}

// Events exposes the trace collector.
func (e *Executor) Events() *trace.Collector {
	return e.events
}

// Close releases the executor's resources. A parent-owned shared map
// file is removed from disk: children only ever attach to a live
// session.
func (e *Executor) Close() error {
	if e.shared == nil {
		return nil
	}
	path := e.shared.Path()
	if err := e.shared.Close(); err != nil {
		return err
	}
	e.shared = nil
	return os.Remove(path)
}

// Run executes one input in-process. The capture map is reset first;
// rows left behind by a run the watchdog cut short are valid partial
// data.
func (e *Executor) Run(ctx context.Context, input []byte) (*Result, error) {
	emu, err := emulator.New(e.opts.Arch)
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	info, err := emu.LoadELF(e.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}

	hub, eng := helper.Rig(emu, e.logger)

	var cl *helper.CmpLog
	if e.childMode {
		cl, err = helper.NewCmpLogChild(e.m, e.opts.Filter, e.logger)
	} else {
		cl, err = helper.NewCmpLog(e.m, e.opts.Filter, e.state, e.logger)
	}
	if err != nil {
		return nil, err
	}
	cl.Attach(hub)

	rt, err := helper.NewRoutines(e.m, e.opts.Filter, e.logger)
	if err != nil {
		return nil, err
	}
	if err := rt.Attach(hub, eng); err != nil {
		// No direct memory access means no call-site capture.
		// Instruction capture still works.
		e.logger.Debug("routine capture unavailable", zap.Error(err))
	}

	return e.run(ctx, emu, info, input)
}

func (e *Executor) run(ctx context.Context, emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*Result, error) {
	installed := stubs.Install(emu, info.Imports, info.Symbols)
	e.logger.Debug("target ready",
		zap.String("binary", info.Path),
		glog.Ptr("entry", info.Entry),
		zap.Int("stubs", installed))

	stubCalls := 0
	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		stubCalls++
	}
	stubs.DefaultRegistry.OnCompare = func(site uint64, a, b []byte) {
		if !cmplog.Enabled() {
			return
		}
		if slot, ok := e.hashed.Allocate(site); ok {
			e.m.RecordBytes(slot, a, b)
		}
	}
	defer func() {
		stubs.DefaultRegistry.OnCall = nil
		stubs.DefaultRegistry.OnCompare = nil
	}()

	call, err := e.prepare(emu, info, input)
	if err != nil {
		return nil, fmt.Errorf("prepare input: %w", err)
	}
	stop, err := plantCall(emu, call)
	if err != nil {
		return nil, fmt.Errorf("set up call frame: %w", err)
	}

	if !e.childMode {
		// The parent owns the reset; a child writes into rows its
		// parent cleared before spawning it.
		e.m.Reset()
	}
	e.events.Reset()
	e.state.Executions++

	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			emu.Stop()
		case <-watchdogDone:
		}
	}()

	cmplog.SetEnabled(true)
	started := time.Now()
	guestErr := emu.Run(call.Entry, stop)
	elapsed := time.Since(started)
	cmplog.SetEnabled(false)
	close(watchdogDone)

	res := &Result{
		Session:   e.state.Session,
		Execution: e.state.Executions,
		Captures:  e.m.Used(0),
		Sites:     e.state.SiteMeta().Len(),
		StubCalls: stubCalls,
		Events:    e.events.Events(),
		Duration:  elapsed,
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.GuestErr = "timeout"
	case runCtx.Err() != nil:
		res.GuestErr = "cancelled"
	case guestErr != nil:
		res.GuestErr = guestErr.Error()
	}

	if e.opts.StatePath != "" {
		if err := e.state.Save(e.opts.StatePath); err != nil {
			return res, fmt.Errorf("save state: %w", err)
		}
	}
	return res, nil
}

func (e *Executor) prepare(emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*Call, error) {
	if e.opts.Harness != nil {
		return e.opts.Harness.Prepare(emu, info, input)
	}
	return DefaultPrepare(emu, info, input)
}

// DefaultPrepare plants the input as a (pointer, length) argument pair
// to the detected entry point, the common fuzz-target convention.
func DefaultPrepare(emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*Call, error) {
	entry := info.FindEntryPoint("")
	if entry == 0 {
		return nil, fmt.Errorf("no entry point in %s", info.Path)
	}
	buf := emu.Malloc(uint64(len(input)) + 1)
	if buf == 0 {
		return nil, fmt.Errorf("allocate input buffer")
	}
	if len(input) > 0 {
		if err := emu.MemWrite(buf, input); err != nil {
			return nil, fmt.Errorf("write input: %w", err)
		}
	}
	return &Call{Entry: entry, Args: []uint64{buf, uint64(len(input))}}, nil
}

// returnPad is a mapped address at the top of the stub region used as
// the outermost return target. A run ends cleanly when the guest
// returns to it.
const returnPad = emulator.StubBase + emulator.StubSize - 0x100

// plantCall sets up the frame for one guest invocation and returns the
// address the run stops at. The return target goes in before the
// arguments: on 386 the argument slots are addressed relative to it.
func plantCall(emu *emulator.Emulator, call *Call) (uint64, error) {
	if err := emu.MemWrite(returnPad, nopFor(emu.Arch())); err != nil {
		return 0, err
	}

	switch emu.Arch() {
	case disasm.ARM64, disasm.ARM:
		if err := emu.SetLR(returnPad); err != nil {
			return 0, err
		}
	case disasm.AMD64:
		sp := emu.SP() - 8
		if err := emu.MemWriteU64(sp, returnPad); err != nil {
			return 0, err
		}
		if err := emu.SetSP(sp); err != nil {
			return 0, err
		}
	case disasm.X86:
		sp := emu.SP() - 4
		if err := emu.MemWriteU32(sp, uint32(returnPad)); err != nil {
			return 0, err
		}
		if err := emu.SetSP(sp); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported architecture %v", emu.Arch())
	}

	for i, arg := range call.Args {
		if err := emu.WriteArgument(emulator.CallConvGuest, i, arg); err != nil {
			return 0, err
		}
	}
	return returnPad, nil
}

func nopFor(arch disasm.Arch) []byte {
	switch arch {
	case disasm.ARM64:
		return []byte{0x1f, 0x20, 0x03, 0xd5}
	case disasm.ARM:
		return []byte{0x00, 0x00, 0xa0, 0xe1}
	default:
		return []byte{0x90}
	}
}
