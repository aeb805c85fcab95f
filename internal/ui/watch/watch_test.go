package watch

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zboralski/tarsier/internal/cmplog"
)

func newTestMap(t *testing.T) *cmplog.Map {
	t.Helper()
	m, err := cmplog.New(64)
	if err != nil {
		t.Fatalf("Failed to create map: %v", err)
	}
	return m
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestModelShowsRows(t *testing.T) {
	m := newTestMap(t)
	m.Record(3, 4, 0x10, 0x20)
	m.RecordBytes(7, []byte("magic"), []byte("wrong"))

	mod := New(m, time.Second)
	if mod.rows != 2 {
		t.Fatalf("rows = %d, want 2", mod.rows)
	}

	view := mod.View()
	if !strings.Contains(view, "instruction") {
		t.Error("view is missing the instruction row")
	}
	if !strings.Contains(view, "0x10") {
		t.Error("view is missing operand A of the instruction row")
	}
	if !strings.Contains(view, `"magic"`) {
		t.Error("view is missing the routine operand")
	}
}

func TestModelTickRefreshes(t *testing.T) {
	m := newTestMap(t)
	mod := New(m, time.Second)
	if mod.rows != 0 {
		t.Fatalf("rows = %d before any capture, want 0", mod.rows)
	}

	m.Record(1, 8, 5, 6)
	updated, cmd := mod.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick should reschedule itself")
	}
	if updated.(*Model).rows != 1 {
		t.Errorf("rows = %d after tick, want 1", updated.(*Model).rows)
	}
}

func TestModelPause(t *testing.T) {
	m := newTestMap(t)
	mod := New(m, time.Second)

	updated, _ := mod.Update(keyPress('p'))
	mod = updated.(*Model)
	if !mod.paused {
		t.Fatal("p did not pause")
	}

	// A tick while paused keeps the old rows but keeps ticking.
	m.Record(1, 8, 5, 6)
	updated, cmd := mod.Update(tickMsg(time.Now()))
	mod = updated.(*Model)
	if mod.rows != 0 {
		t.Errorf("paused tick refreshed: rows = %d", mod.rows)
	}
	if cmd == nil {
		t.Error("paused tick should still reschedule")
	}
	if !strings.Contains(mod.View(), "paused") {
		t.Error("view does not show the paused state")
	}

	updated, _ = mod.Update(keyPress('p'))
	mod = updated.(*Model)
	updated, _ = mod.Update(tickMsg(time.Now()))
	mod = updated.(*Model)
	if mod.rows != 1 {
		t.Errorf("rows = %d after resume, want 1", mod.rows)
	}
}

func TestModelQuit(t *testing.T) {
	mod := New(newTestMap(t), time.Second)
	_, cmd := mod.Update(keyPress('q'))
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}
