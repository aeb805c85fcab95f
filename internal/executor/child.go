package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/filter"
)

// Child exit codes. A guest fault is data, not an error: the parent
// keeps whatever the child captured and moves on to the next input.
const (
	ChildExitOK         = 0
	ChildExitSetup      = 1
	ChildExitGuestFault = 3
)

// RunChild executes one input in a re-exec'd child attached to the
// shared capture map. The child allocates slots by hashing alone; the
// context deadline kills it, and rows written before the kill stand as
// valid partial data.
func (e *Executor) RunChild(ctx context.Context, input []byte) (*Result, error) {
	if e.shared == nil {
		return nil, fmt.Errorf("child topology requires a shared capture map")
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}

	args := []string{
		"child",
		"--binary", e.opts.Binary,
		"--arch", e.opts.Arch.String(),
		"--map", e.shared.Path(),
	}
	if e.opts.HarnessPath != "" {
		args = append(args, "--harness", e.opts.HarnessPath)
	}
	if e.opts.Filter != nil {
		for _, r := range e.opts.Filter.Ranges() {
			args = append(args, "--only", r.String())
		}
	}

	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	e.m.Reset()
	e.state.Executions++

	cmd := exec.CommandContext(runCtx, self, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	res := &Result{
		Session:   e.state.Session,
		Execution: e.state.Executions,
		Captures:  e.m.Used(0),
		Duration:  elapsed,
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.GuestErr = "timeout"
		return res, nil
	}
	if runCtx.Err() != nil {
		res.GuestErr = "cancelled"
		return res, nil
	}
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == ChildExitGuestFault {
			res.GuestErr = "guest fault"
			return res, nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("child run: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("child run: %w", err)
	}
	return res, nil
}

// ChildOptions configure one child execution.
type ChildOptions struct {
	Binary  string
	Arch    disasm.Arch
	MapPath string
	Filter  *filter.Filter
	Harness Harness
	Input   io.Reader // nil reads os.Stdin
}

// ChildMain runs one input inside a re-exec'd child and returns the
// process exit code. The child attaches the parent's shared map and
// uses hashed slot allocation only: parent site metadata never crosses
// the process boundary. Timeouts are the parent's job; it kills us.
func ChildMain(opts ChildOptions) int {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	input, err := io.ReadAll(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return ChildExitSetup
	}

	shm, err := OpenSharedMap(opts.MapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ChildExitSetup
	}
	defer shm.Close()

	ex, err := newExecutor(Options{
		Binary:  opts.Binary,
		Arch:    opts.Arch,
		W:       shm.Map().W(),
		Filter:  opts.Filter,
		Harness: opts.Harness,
	}, shm.Map(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ChildExitSetup
	}
	ex.childMode = true

	res, err := ex.Run(context.Background(), input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return ChildExitSetup
	}
	if res.GuestErr != "" {
		return ChildExitGuestFault
	}
	return ChildExitOK
}
