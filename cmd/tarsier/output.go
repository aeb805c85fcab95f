package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/executor"
	"github.com/zboralski/tarsier/internal/trace"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

// outputWriter decouples rendering from emulation. Lines are dropped,
// not blocked on, when the guest outruns the terminal.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// groupTags maps an instruction classification to display hashtags.
func groupTags(g disasm.Group) []string {
	switch g {
	case disasm.GroupCompare:
		return []string{"#cmp"}
	case disasm.GroupCall:
		return []string{"#call"}
	case disasm.GroupJump:
		return []string{"#br"}
	case disasm.GroupCondBranch:
		return []string{"#br", "#cond"}
	case disasm.GroupReturn:
		return []string{"#ret"}
	case disasm.GroupPrivileged:
		return []string{"#syscall"}
	}
	return nil
}

// formatEvent renders one trace event line for verbose run output.
func formatEvent(e *trace.Event) string {
	var b strings.Builder
	b.Grow(128)

	b.WriteString(colorize.Address(e.PC))
	b.WriteString("  ")

	if tags := e.Tags.Strings(); len(tags) > 0 {
		b.WriteString(colorize.Tag(strings.Join(tags, " ")))
		b.WriteString("  ")
	}
	if e.Name != "" {
		b.WriteString(colorize.FuncName(e.Name))
		b.WriteString("  ")
	}
	if e.Detail != "" {
		b.WriteString(colorize.Detail(e.Detail))
	}
	for k, v := range e.Annotations {
		b.WriteString("  ")
		b.WriteString(colorize.Detail(k + "=" + v))
	}
	return b.String()
}

// formatScanLine renders one disassembled site for scan output.
func formatScanLine(addr uint64, code []byte, text string, tags []string, sym string) string {
	var b strings.Builder
	b.Grow(256)
	visible := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visible += 8 + 2

	hexed := hexWord(code)
	b.WriteString(colorize.HexBytes(hexed))
	b.WriteString("  ")
	visible += len(hexed) + 2

	b.WriteString(colorize.Instruction(text))
	visible += len(text)

	const tagCol = 56
	for visible < tagCol {
		b.WriteByte(' ')
		visible++
	}

	if len(tags) > 0 {
		b.WriteString(colorize.Tag(strings.Join(tags, " ")))
		b.WriteString("  ")
	}
	if sym != "" {
		b.WriteString(colorize.Comment("; " + sym))
	}
	return b.String()
}

// hexWord renders instruction bytes. Fixed-width encodings show as one
// little-endian word, the way disassemblers print them; x86 shows the
// byte stream in order.
func hexWord(code []byte) string {
	if len(code) == 4 {
		return fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
	}
	var b strings.Builder
	for _, c := range code {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// relPath shortens binary paths under the working directory.
func relPath(binary string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return binary
}

func printRunHeader(out *outputWriter, binary string, opts executor.Options, session string) {
	out.Write("")
	out.Write(fmt.Sprintf("%s tarsier ─ comparison capture", colorize.Header("▶")))
	out.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Target:"), relPath(binary),
		colorize.Detail("Arch:"), colorize.FuncName(opts.Arch.String())))
	out.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Session:"), colorize.FuncName(session),
		colorize.Detail("Rows:"), colorize.FuncName(fmt.Sprintf("%d", opts.W))))
	if opts.Harness != nil {
		out.Write(fmt.Sprintf("  %s %s", colorize.Detail("Harness:"), colorize.FuncName(cfg.Harness)))
	}
	if opts.Filter != nil {
		out.Write(fmt.Sprintf("  %s %s", colorize.Detail("Ranges:"), strings.Join(cfg.Only, " ")))
	}
	out.Write("")
}

// siteBySlot inverts the site metadata for capture display. Hashed
// slots have no entry and show without a site address.
func siteBySlot(meta *cmplog.SiteMeta) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(meta.Sites))
	for site, slot := range meta.Sites {
		out[slot] = site
	}
	return out
}

func printCaptures(res *executor.Result, meta *cmplog.SiteMeta) {
	if len(res.Captures) == 0 {
		return
	}
	slotSite := siteBySlot(meta)
	eq := colorize.Detail("=")

	fmt.Println()
	for _, c := range res.Captures {
		slot := colorize.FuncName(fmt.Sprintf("%04d", c.Slot))
		var operands string
		switch c.Kind {
		case cmplog.KindRoutine:
			operands = fmt.Sprintf("a %s %s  b %s %s", eq,
				colorize.Operand(fmt.Sprintf("%q", string(c.A[:c.Width]))), eq,
				colorize.Operand(fmt.Sprintf("%q", string(c.B[:c.Width]))))
		default:
			operands = fmt.Sprintf("a %s %s  b %s %s  %s", eq,
				colorize.Operand(fmt.Sprintf("0x%x", c.ValueA())), eq,
				colorize.Operand(fmt.Sprintf("0x%x", c.ValueB())),
				colorize.Detail(fmt.Sprintf("w%d", c.Width)))
		}
		line := fmt.Sprintf("%s %s  %s", colorize.Detail("slot"), slot, operands)
		if site, ok := slotSite[c.Slot]; ok {
			line += fmt.Sprintf("  %s %s", colorize.Detail("@"), colorize.Address(site))
		}
		fmt.Println(line)
	}
}

// isUnmapped recognizes the benign way emulation ends when the guest
// walks off mapped memory.
func isUnmapped(errStr string) bool {
	return strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") ||
		strings.Contains(errStr, "UC_ERR_WRITE_UNMAPPED") ||
		strings.Contains(errStr, "UC_ERR_FETCH_UNMAPPED")
}

func printRunStats(res *executor.Result) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s captures  %s sites  %s stub calls  %s",
		colorize.FuncName(fmt.Sprintf("%d", len(res.Captures))),
		colorize.FuncName(fmt.Sprintf("%d", res.Sites)),
		colorize.FuncName(fmt.Sprintf("%d", res.StubCalls)),
		colorize.Detail(res.Duration.Round(time.Microsecond).String()))
	if res.GuestErr != "" {
		if isUnmapped(res.GuestErr) {
			fmt.Printf("  %s", colorize.Detail(res.GuestErr))
		} else {
			fmt.Printf("  %s", colorize.Error(res.GuestErr))
		}
	}
	fmt.Println()
}

func printQuietSummary(binary string, res *executor.Result) {
	fmt.Printf("%s\n", colorize.FuncName(filepath.Base(binary)))
	fmt.Printf("%d %s  %d %s  %d %s",
		len(res.Captures), colorize.Detail("captures"),
		res.Sites, colorize.Detail("sites"),
		res.StubCalls, colorize.Detail("stubs"))
	if res.GuestErr != "" {
		fmt.Printf("  %s", colorize.Error(res.GuestErr))
	}
	fmt.Println()
}
