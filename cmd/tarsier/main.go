package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/config"
	"github.com/zboralski/tarsier/internal/executor"
	"github.com/zboralski/tarsier/internal/harness"
	glog "github.com/zboralski/tarsier/internal/log"
	_ "github.com/zboralski/tarsier/internal/stubs/all"
)

var (
	cfgPath     string
	verbose     bool
	archName    string
	onlyRanges  []string
	timeoutFlag time.Duration
	statePath   string
	harnessPath string
	mapRows     uint64

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tarsier",
	Short: "Comparison logging for emulated fuzzing targets",
	Long: `Tarsier watches a binary run under emulation and records the operands
of every comparison it executes: CMP-class instructions and calls into
comparison routines like strcmp and memcmp. The captured operand pairs
land in a fixed-size map a mutation engine can read to construct inputs
that satisfy the comparisons guarding deeper code.

The guest runs under Unicorn with a minimal stubbed libc, either
in-process or re-executed as a child per input with the capture map in
a shared file mapping.

Examples:
  tarsier run ./parser < input.bin       # one input, captures to stdout
  tarsier run ./parser -v                # with the event trace
  tarsier scan ./parser                  # list comparison sites statically
  tarsier serve ./parser                 # HTTP control surface
  tarsier watch --map /tmp/tarsier.map   # live capture table`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "config file (default tarsier.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	pf.StringVar(&archName, "arch", "", "guest architecture: arm64, amd64, 386, arm")
	pf.StringArrayVar(&onlyRanges, "only", nil, "instrument only 0xbegin-0xend (repeatable)")
	pf.DurationVar(&timeoutFlag, "timeout", 0, "per-run wall clock limit")
	pf.StringVar(&statePath, "state", "", "fuzzing state file")
	pf.StringVar(&harnessPath, "harness", "", "harness script (JavaScript)")
	pf.Uint64Var(&mapRows, "rows", 0, "capture map rows, power of two")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the file config and lets flags override it.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	if archName != "" {
		cfg.Arch = archName
	}
	if len(onlyRanges) > 0 {
		cfg.Only = onlyRanges
	}
	if timeoutFlag > 0 {
		cfg.Timeout = config.Duration(timeoutFlag)
	}
	if statePath != "" {
		cfg.State = statePath
	}
	if harnessPath != "" {
		cfg.Harness = harnessPath
	}
	if mapRows > 0 {
		cfg.MapRows = mapRows
	}
	if cfg.Verbose {
		verbose = true
	}

	glog.Init(verbose)
	return nil
}

// buildOptions turns the resolved config into executor options for the
// given target binary.
func buildOptions(binary string) (executor.Options, error) {
	cfg.Target = binary
	if err := cfg.Validate(); err != nil {
		return executor.Options{}, err
	}

	arch, err := cfg.ParsedArch()
	if err != nil {
		return executor.Options{}, err
	}
	f, err := cfg.Ranges()
	if err != nil {
		return executor.Options{}, err
	}

	opts := executor.Options{
		Binary:      binary,
		Arch:        arch,
		W:           cfg.MapRows,
		Filter:      f,
		HarnessPath: cfg.Harness,
		Timeout:     cfg.Timeout.Std(),
		StatePath:   cfg.State,
	}
	if cfg.Harness != "" {
		script, err := harness.Load(cfg.Harness, glog.L)
		if err != nil {
			return executor.Options{}, fmt.Errorf("load harness: %w", err)
		}
		opts.Harness = script
	}
	return opts, nil
}
