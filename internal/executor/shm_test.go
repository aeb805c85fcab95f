package executor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/disasm"
)

func TestSharedMapVisibility(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.map")

	parent, err := CreateSharedMap(path, 64)
	if err != nil {
		t.Fatalf("Failed to create shared map: %v", err)
	}
	defer parent.Close()

	child, err := OpenSharedMap(path)
	if err != nil {
		t.Fatalf("Failed to open shared map: %v", err)
	}
	defer child.Close()

	if child.Map().W() != 64 {
		t.Fatalf("Expected 64 rows from file size, got %d", child.Map().W())
	}

	// Writes by the child are the parent's to read, and back.
	child.Map().Record(3, 4, 7, 9)
	row := parent.Map().Row(3)
	if row.Kind != cmplog.KindInstruction || row.ValueA() != 7 || row.ValueB() != 9 {
		t.Errorf("Child write not visible to parent: kind %d values %d %d", row.Kind, row.ValueA(), row.ValueB())
	}

	parent.Map().Reset()
	if row := child.Map().Row(3); row.Kind != cmplog.KindNone {
		t.Error("Parent reset not visible to child")
	}
}

func TestOpenSharedMapRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.map")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	if _, err := OpenSharedMap(path); err == nil {
		t.Error("Expected error for a file that is not a whole number of rows")
	}
}

func TestExecutorSharedClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.map")

	ex, err := NewShared(Options{Arch: disasm.ARM64, W: 64}, path)
	if err != nil {
		t.Fatalf("Failed to create shared executor: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected map file on disk: %v", err)
	}

	if err := ex.Close(); err != nil {
		t.Fatalf("Failed to close executor: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected map file removed with the session")
	}
}
