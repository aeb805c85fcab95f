package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/executor"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

var (
	runInput string
	runChild bool
	runShm   string
	runQuiet bool
	maxLines int
)

var runCmd = &cobra.Command{
	Use:   "run <binary>",
	Short: "Run one input and capture its comparisons",
	Long: `Run executes the target once, with the input from --input or stdin,
and prints the comparison operands the run captured. With --child-exec
the target runs in a re-executed child process writing into a shared
map file, the topology a fuzzing campaign uses to survive guest
crashes.`,
	Args: cobra.ExactArgs(1),
	RunE: doRun,
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "input file (default stdin when piped)")
	runCmd.Flags().BoolVar(&runChild, "child-exec", false, "re-exec a child per run with a shared map")
	runCmd.Flags().StringVar(&runShm, "map", "", "shared map file for child runs")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "summary only")
	runCmd.Flags().IntVarP(&maxLines, "num", "n", 500, "max trace events to show")
	rootCmd.AddCommand(runCmd)
}

func doRun(cmd *cobra.Command, args []string) error {
	binary := args[0]
	opts, err := buildOptions(binary)
	if err != nil {
		return err
	}

	input, err := readInput()
	if err != nil {
		return err
	}

	var ex *executor.Executor
	if runChild {
		path := runShm
		if path == "" {
			path = filepath.Join(os.TempDir(), fmt.Sprintf("tarsier-%d.map", os.Getpid()))
		}
		ex, err = executor.NewShared(opts, path)
	} else {
		ex, err = executor.New(opts)
	}
	if err != nil {
		return err
	}
	defer ex.Close()

	var out *outputWriter
	if !runQuiet {
		out = newOutputWriter()
		printRunHeader(out, binary, opts, ex.State().Session)
	}

	var res *executor.Result
	if runChild {
		res, err = ex.RunChild(context.Background(), input)
	} else {
		res, err = ex.Run(context.Background(), input)
	}
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}

	if runQuiet {
		printQuietSummary(binary, res)
		return nil
	}

	shown := 0
	for _, e := range res.Events {
		if shown >= maxLines {
			out.Write(colorize.Detail(fmt.Sprintf("... %d more events", len(res.Events)-shown)))
			break
		}
		out.Write(formatEvent(e))
		shown++
	}
	out.Close()

	printCaptures(res, ex.State().SiteMeta())
	printRunStats(res)
	return nil
}

// readInput resolves the run input: a named file, piped stdin, or
// nothing.
func readInput() ([]byte, error) {
	if runInput != "" {
		data, err := os.ReadFile(runInput)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return data, nil
	}
	st, err := os.Stdin.Stat()
	if err == nil && st.Mode()&os.ModeCharDevice == 0 {
		return io.ReadAll(os.Stdin)
	}
	return nil, nil
}
