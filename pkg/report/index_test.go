package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

func TestBuildIndex(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	login := loginResult(now)
	failed := core.WorkflowResult{RunID: "run-2", Name: "logout", Status: core.StatusFailed, Error: "tap logout: not present"}

	idx := BuildIndex(testEnv, []core.WorkflowResult{login, failed}, now)

	if idx.Version != Version {
		t.Errorf("Version = %q", idx.Version)
	}
	if idx.Status != "failed" {
		t.Errorf("Status = %q, want failed", idx.Status)
	}
	want := Summary{Total: 2, Warned: 1, Failed: 1}
	if idx.Summary != want {
		t.Errorf("Summary = %+v, want %+v", idx.Summary, want)
	}
	if len(idx.Workflows) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(idx.Workflows))
	}
	w := idx.Workflows[0]
	if w.Name != "login" || w.Steps != 2 || w.DurationMs != 12000 {
		t.Errorf("entry = %+v", w)
	}
	if w.AllureFile != login.RunID+"-result.json" {
		t.Errorf("AllureFile = %q", w.AllureFile)
	}
	if idx.Workflows[1].Error == "" {
		t.Error("failed workflow error not carried")
	}
}

func TestBuildIndexEmpty(t *testing.T) {
	idx := BuildIndex(Environment{}, nil, time.Now())
	if idx.Status != "pending" {
		t.Errorf("Status = %q, want pending", idx.Status)
	}
	if idx.Workflows == nil {
		t.Error("Workflows should be an empty list, not null")
	}
}

func TestWriteAndReadIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	idx := BuildIndex(testEnv, []core.WorkflowResult{loginResult(now)}, now)

	path, err := WriteIndex(dir, idx)
	if err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := ReadIndex(dir)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if got.Summary != idx.Summary || !got.GeneratedAt.Equal(now) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Environment.Device != "Pixel 6" {
		t.Errorf("Environment = %+v", got.Environment)
	}
}

func TestReadIndexMissing(t *testing.T) {
	if _, err := ReadIndex(t.TempDir()); err == nil {
		t.Error("expected error for missing report.json")
	}
}
