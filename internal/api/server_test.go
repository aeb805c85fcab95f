package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/executor"
	glog "github.com/zboralski/tarsier/internal/log"
)

func newTestServer(t *testing.T, opts executor.Options) *Server {
	t.Helper()
	opts.Arch = disasm.ARM64
	if opts.W == 0 {
		opts.W = 64
	}
	ex, err := executor.New(opts)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	t.Cleanup(func() { ex.Close() })
	return NewServer(ex, "127.0.0.1:0", false, glog.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var decoded map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Failed to decode %s %s response: %v\n%s", method, path, err, w.Body.String())
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, executor.Options{})
	w, body := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStateRoute(t *testing.T) {
	s := newTestServer(t, executor.Options{})
	w, body := do(t, s, http.MethodGet, "/v1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["session"] == "" {
		t.Error("session id is empty")
	}
	if body["executions"].(float64) != 0 {
		t.Errorf("executions = %v, want 0", body["executions"])
	}
	if body["sites"].(float64) != 0 {
		t.Errorf("sites = %v, want 0", body["sites"])
	}
}

func TestCapturesRoute(t *testing.T) {
	s := newTestServer(t, executor.Options{})
	s.ex.Map().Record(3, 4, 7, 9)
	s.ex.Map().RecordBytes(5, []byte("abc"), []byte("abd"))

	w, body := do(t, s, http.MethodGet, "/v1/captures", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["count"].(float64) != 2 {
		t.Fatalf("count = %v, want 2", body["count"])
	}

	rows := body["captures"].([]any)
	first := rows[0].(map[string]any)
	if first["slot"].(float64) != 3 {
		t.Errorf("slot = %v, want 3", first["slot"])
	}
	if first["kind"] != "instruction" {
		t.Errorf("kind = %v, want instruction", first["kind"])
	}
	if first["a"] != "0x7" || first["b"] != "0x9" {
		t.Errorf("operands = %v / %v, want 0x7 / 0x9", first["a"], first["b"])
	}

	second := rows[1].(map[string]any)
	if second["kind"] != "routine" {
		t.Errorf("kind = %v, want routine", second["kind"])
	}
	if second["width"].(float64) != 3 {
		t.Errorf("width = %v, want 3", second["width"])
	}
	if second["a"] != "616263" {
		t.Errorf("operand a = %v, want hex of abc", second["a"])
	}
}

func TestCapturesLimit(t *testing.T) {
	s := newTestServer(t, executor.Options{})
	s.ex.Map().Record(1, 8, 1, 2)
	s.ex.Map().Record(2, 8, 3, 4)

	_, body := do(t, s, http.MethodGet, "/v1/captures?limit=1", "")
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}

	w, _ := do(t, s, http.MethodGet, "/v1/captures?limit=soon", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a bad limit", w.Code)
	}
}

func TestEnabledRoute(t *testing.T) {
	defer cmplog.SetEnabled(false)
	s := newTestServer(t, executor.Options{})

	_, body := do(t, s, http.MethodGet, "/v1/enabled", "")
	if body["enabled"] != false {
		t.Fatalf("enabled = %v before any run, want false", body["enabled"])
	}

	w, body := do(t, s, http.MethodPost, "/v1/enabled", `{"enabled": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["enabled"] != true {
		t.Errorf("enabled = %v after set, want true", body["enabled"])
	}
	if !cmplog.Enabled() {
		t.Error("gate did not flip")
	}

	w, _ = do(t, s, http.MethodPost, "/v1/enabled", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad body", w.Code)
	}
}

func TestRunRouteBadTarget(t *testing.T) {
	s := newTestServer(t, executor.Options{
		Binary: filepath.Join(t.TempDir(), "missing"),
	})

	w, body := do(t, s, http.MethodPost, "/v1/run", "input bytes")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body["error"] == "" {
		t.Error("error field is empty")
	}
	if body["run_id"] == "" {
		t.Error("run_id missing from failure report")
	}
}
