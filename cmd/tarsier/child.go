package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/executor"
	"github.com/zboralski/tarsier/internal/filter"
	"github.com/zboralski/tarsier/internal/harness"
	glog "github.com/zboralski/tarsier/internal/log"
)

var (
	childBinary  string
	childArch    string
	childMap     string
	childHarness string
	childOnly    []string
)

// childCmd is the hidden re-exec entry. The parent spawns
// "tarsier child" per input with the input on stdin and the capture
// map already created on disk.
var childCmd = &cobra.Command{
	Use:    "child",
	Hidden: true,
	RunE:   runChildCmd,
}

func init() {
	childCmd.Flags().StringVar(&childBinary, "binary", "", "target ELF")
	childCmd.Flags().StringVar(&childArch, "arch", "", "guest architecture")
	childCmd.Flags().StringVar(&childMap, "map", "", "shared map file")
	childCmd.Flags().StringVar(&childHarness, "harness", "", "harness script")
	childCmd.Flags().StringArrayVar(&childOnly, "only", nil, "instrumented ranges")
	childCmd.MarkFlagRequired("binary")
	childCmd.MarkFlagRequired("map")
	rootCmd.AddCommand(childCmd)
}

func runChildCmd(cmd *cobra.Command, args []string) error {
	arch, err := disasm.ParseArch(childArch)
	if err != nil {
		return err
	}

	var f *filter.Filter
	if len(childOnly) > 0 {
		f, err = filter.Parse(childOnly)
		if err != nil {
			return err
		}
	}

	opts := executor.ChildOptions{
		Binary:  childBinary,
		Arch:    arch,
		MapPath: childMap,
		Filter:  f,
	}
	if childHarness != "" {
		script, err := harness.Load(childHarness, glog.L)
		if err != nil {
			return err
		}
		opts.Harness = script
	}

	os.Exit(executor.ChildMain(opts))
	return nil
}
