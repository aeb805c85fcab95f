// Package harness prepares guest state per input through small
// JavaScript scripts. A script runs once before each execution with
// the input in scope and a narrow API over the emulator:
//
//	var buf = mem.alloc(input.length + 1);
//	mem.write(buf, input.data);
//	target.entry("parse_header");
//	arg.set(0, buf);
//	arg.set(1, input.length);
//
// Everything is optional. An empty script keeps the detected entry
// point and plants no arguments.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/executor"
	glog "github.com/zboralski/tarsier/internal/log"
)

// Script is a compiled harness. Compilation happens once; each Prepare
// runs the program in a fresh VM so one input cannot leak state into
// the next.
type Script struct {
	name    string
	program *goja.Program
	logger  *glog.Logger
}

// Load reads and compiles a harness script from disk.
func Load(path string, logger *glog.Logger) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read harness: %w", err)
	}
	return New(filepath.Base(path), string(src), logger)
}

// New compiles a harness script from source.
func New(name, source string, logger *glog.Logger) (*Script, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile harness %s: %w", name, err)
	}
	if logger == nil {
		logger = glog.NewNop()
	}
	return &Script{name: name, program: program, logger: logger}, nil
}

// Name returns the script's name.
func (s *Script) Name() string {
	return s.name
}

// Prepare runs the script against the emulator and returns the call it
// described. The entry point starts at the detected harness symbol and
// the script overrides from there.
func (s *Script) Prepare(emu *emulator.Emulator, info *emulator.ELFInfo, input []byte) (*executor.Call, error) {
	vm := goja.New()
	call := &executor.Call{Entry: info.FindEntryPoint("")}

	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	in := vm.NewObject()
	in.Set("data", vm.NewArrayBuffer(append([]byte(nil), input...)))
	in.Set("length", len(input))
	vm.Set("input", in)

	target := vm.NewObject()
	target.Set("entry", func(v goja.Value) {
		switch name := v.Export().(type) {
		case string:
			addr := resolveSymbol(info, name)
			if addr == 0 {
				throw(fmt.Errorf("unknown symbol %q", name))
			}
			call.Entry = addr
		default:
			call.Entry = toUint64(v)
		}
	})
	target.Set("symbol", func(name string) uint64 {
		return info.FindSymbol(name)
	})
	vm.Set("target", target)

	arg := vm.NewObject()
	arg.Set("set", func(index int, v goja.Value) {
		if index < 0 {
			throw(fmt.Errorf("invalid argument index %d", index))
		}
		for len(call.Args) <= index {
			call.Args = append(call.Args, 0)
		}
		call.Args[index] = toUint64(v)
	})
	vm.Set("arg", arg)

	mem := vm.NewObject()
	mem.Set("alloc", func(size uint64) uint64 {
		return emu.Malloc(size)
	})
	mem.Set("write", func(addr uint64, v goja.Value) {
		data, ok := toBytes(v)
		if !ok {
			throw(fmt.Errorf("mem.write wants a string, array, or buffer"))
		}
		if err := emu.MemWrite(addr, data); err != nil {
			throw(err)
		}
	})
	mem.Set("writeString", func(addr uint64, str string) {
		if err := emu.MemWriteString(addr, str); err != nil {
			throw(err)
		}
	})
	mem.Set("read", func(addr, size uint64) goja.ArrayBuffer {
		data, err := emu.MemRead(addr, size)
		if err != nil {
			throw(err)
		}
		return vm.NewArrayBuffer(data)
	})
	vm.Set("mem", mem)

	reg := vm.NewObject()
	reg.Set("set", func(name goja.Value, v goja.Value) {
		if err := setRegister(emu, name, toUint64(v)); err != nil {
			throw(err)
		}
	})
	reg.Set("get", func(name goja.Value) uint64 {
		val, err := getRegister(emu, name)
		if err != nil {
			throw(err)
		}
		return val
	})
	vm.Set("reg", reg)

	vm.Set("print", func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a.Export())
		}
		s.logger.Info("harness: " + strings.Join(parts, " "))
	})

	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, fmt.Errorf("harness %s: %w", s.name, err)
	}
	if call.Entry == 0 {
		return nil, fmt.Errorf("harness %s set no entry point", s.name)
	}
	return call, nil
}

// resolveSymbol matches a name exactly, then case-insensitively, then
// by substring. Unlike entry-point detection it never falls back to
// the ELF entry: a harness that names a symbol means that symbol.
func resolveSymbol(info *emulator.ELFInfo, name string) uint64 {
	if addr := info.FindSymbol(name); addr != 0 {
		return addr
	}
	for sym, addr := range info.Symbols {
		if strings.EqualFold(sym, name) {
			return addr
		}
	}
	lower := strings.ToLower(name)
	for sym, addr := range info.Symbols {
		if strings.Contains(strings.ToLower(sym), lower) {
			return addr
		}
	}
	return 0
}

func setRegister(emu *emulator.Emulator, name goja.Value, val uint64) error {
	switch id := name.Export().(type) {
	case string:
		switch strings.ToLower(id) {
		case "pc":
			return emu.SetPC(val)
		case "sp":
			return emu.SetSP(val)
		case "lr":
			return emu.SetLR(val)
		}
		index, ok := parseRegName(id)
		if !ok {
			return fmt.Errorf("unknown register %q", id)
		}
		return emu.SetReg(index, val)
	default:
		return emu.SetReg(int(toUint64(name)), val)
	}
}

func getRegister(emu *emulator.Emulator, name goja.Value) (uint64, error) {
	switch id := name.Export().(type) {
	case string:
		switch strings.ToLower(id) {
		case "pc":
			return emu.PC(), nil
		case "sp":
			return emu.SP(), nil
		case "lr":
			return emu.LR(), nil
		}
		index, ok := parseRegName(id)
		if !ok {
			return 0, fmt.Errorf("unknown register %q", id)
		}
		return emu.Reg(index)
	default:
		return emu.Reg(int(toUint64(name)))
	}
}

// parseRegName accepts the numbered forms x3, w3, r3.
func parseRegName(name string) (int, bool) {
	lower := strings.ToLower(name)
	if len(lower) < 2 {
		return 0, false
	}
	switch lower[0] {
	case 'x', 'w', 'r':
		n, err := strconv.Atoi(lower[1:])
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toUint64(v goja.Value) uint64 {
	switch n := v.Export().(type) {
	case int64:
		return uint64(n)
	case uint64:
		return n
	case float64:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func toBytes(v goja.Value) ([]byte, bool) {
	switch data := v.Export().(type) {
	case goja.ArrayBuffer:
		return data.Bytes(), true
	case []byte:
		return data, true
	case string:
		return []byte(data), true
	case []interface{}:
		out := make([]byte, len(data))
		for i, item := range data {
			n, ok := item.(int64)
			if !ok || n < 0 || n > 255 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	}
	return nil, false
}
