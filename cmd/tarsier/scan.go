package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/emulator"
	"github.com/zboralski/tarsier/internal/filter"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

var scanNum int

var scanCmd = &cobra.Command{
	Use:   "scan <binary>",
	Short: "List comparison and call sites without running",
	Long: `Scan disassembles the executable segments and lists the sites the
instrumentation would hook: comparison instructions, with a marker for
operand forms the capture planner can extract, and call instructions
that may reach comparison routines.`,
	Args: cobra.ExactArgs(1),
	RunE: doScan,
}

var infoCmd = &cobra.Command{
	Use:   "info <binary>",
	Short: "Show target binary information",
	Args:  cobra.ExactArgs(1),
	RunE:  showInfo,
}

func init() {
	scanCmd.Flags().IntVarP(&scanNum, "num", "n", 200, "max sites to print")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(infoCmd)
}

// loadTarget maps the binary the way a run would, without running it.
func loadTarget(binary string) (*emulator.Emulator, *emulator.ELFInfo, disasm.Arch, error) {
	cfg.Target = binary
	if err := cfg.Validate(); err != nil {
		return nil, nil, 0, err
	}
	arch, err := cfg.ParsedArch()
	if err != nil {
		return nil, nil, 0, err
	}

	emu, err := emulator.New(arch)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create emulator: %w", err)
	}
	info, err := emu.LoadELF(binary)
	if err != nil {
		emu.Close()
		return nil, nil, 0, fmt.Errorf("load target: %w", err)
	}
	return emu, info, arch, nil
}

// shortestSymbols inverts the symbol table, preferring the shortest
// name per address.
func shortestSymbols(symbols map[string]uint64) map[uint64]string {
	out := make(map[uint64]string, len(symbols))
	for name, addr := range symbols {
		if existing, ok := out[addr]; !ok || len(name) < len(existing) {
			out[addr] = name
		}
	}
	return out
}

func doScan(cmd *cobra.Command, args []string) error {
	emu, info, arch, err := loadTarget(args[0])
	if err != nil {
		return err
	}
	defer emu.Close()

	f, err := cfg.Ranges()
	if err != nil {
		return err
	}

	addrToSym := shortestSymbols(info.Symbols)
	out := newOutputWriter()

	compares, capturable, calls, printed := 0, 0, 0, 0
	for _, seg := range info.Segments {
		if !seg.IsExecutable() || len(seg.Data) == 0 {
			continue
		}
		segCmp, segCap, segCalls, segPrinted := scanSegment(out, seg, arch, f, addrToSym, scanNum-printed)
		compares += segCmp
		capturable += segCap
		calls += segCalls
		printed += segPrinted
	}
	out.Close()

	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s compare sites  %s capturable  %s call sites\n",
		colorize.FuncName(fmt.Sprintf("%d", compares)),
		colorize.FuncName(fmt.Sprintf("%d", capturable)),
		colorize.FuncName(fmt.Sprintf("%d", calls)))
	return nil
}

// scanSegment walks one executable segment. Undecodable bytes advance
// by one on x86 and one word on the fixed-width sets, so literal pools
// and padding do not stall the scan.
func scanSegment(out *outputWriter, seg emulator.Segment, arch disasm.Arch, f *filter.Filter, addrToSym map[uint64]string, budget int) (compares, capturable, calls, printed int) {
	step := 1
	if arch == disasm.ARM64 || arch == disasm.ARM {
		step = 4
	}

	for off := 0; off < len(seg.Data); {
		addr := seg.VAddr + uint64(off)
		inst, err := disasm.DecodeOne(seg.Data[off:], addr, arch)
		if err != nil {
			off += step
			continue
		}

		switch inst.Group {
		case disasm.GroupCompare:
			if f.Allowed(addr) {
				compares++
				tags := groupTags(inst.Group)
				if _, ok := disasm.DecodeCompare(seg.Data[off:], addr, arch); ok {
					capturable++
					tags = append(tags, "#capture")
				}
				if printed < budget {
					code := seg.Data[off : off+inst.Len]
					text := disasm.Text(code, addr, arch)
					out.Write(formatScanLine(addr, code, text, tags, addrToSym[addr]))
					printed++
				}
			}
		case disasm.GroupCall:
			if f.Allowed(addr) {
				calls++
				if printed < budget {
					code := seg.Data[off : off+inst.Len]
					text := disasm.Text(code, addr, arch)
					out.Write(formatScanLine(addr, code, text, groupTags(inst.Group), addrToSym[addr]))
					printed++
				}
			}
		}
		off += inst.Len
	}
	return compares, capturable, calls, printed
}

func showInfo(cmd *cobra.Command, args []string) error {
	binary := args[0]
	absPath, err := filepath.Abs(binary)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	emu, info, _, err := loadTarget(absPath)
	if err != nil {
		return err
	}
	defer emu.Close()

	fmt.Printf("Binary:  %s\n", filepath.Base(absPath))
	fmt.Printf("Machine: %v\n", info.Machine)
	fmt.Printf("Base:    0x%x\n", info.BaseAddr)
	fmt.Printf("End:     0x%x\n", info.EndAddr)
	fmt.Printf("Entry:   0x%x\n", info.Entry)
	fmt.Printf("Symbols: %d  Imports: %d\n", len(info.Symbols), len(info.Imports))

	exec := 0
	for _, seg := range info.Segments {
		if seg.IsExecutable() {
			exec++
		}
	}
	fmt.Printf("Segments: %d (%d executable)\n\n", len(info.Segments), exec)

	entry := info.FindEntryPoint("")
	if entry != 0 {
		name := shortestSymbols(info.Symbols)[entry]
		if name == "" {
			name = "ELF entry"
		}
		fmt.Printf("Run entry: 0x%x (%s)\n", entry, name)
	}

	var hooked []string
	for name := range info.Imports {
		switch name {
		case "strcmp", "strncmp", "strcasecmp", "strncasecmp", "memcmp", "strstr":
			hooked = append(hooked, name)
		}
	}
	if len(hooked) > 0 {
		sort.Strings(hooked)
		fmt.Println("\nComparison imports (stubbed and captured):")
		for _, name := range hooked {
			fmt.Printf("  0x%x %s\n", info.Imports[name], name)
		}
	}
	return nil
}
