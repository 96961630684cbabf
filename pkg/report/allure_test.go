package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

var testEnv = Environment{
	Platform:      "android",
	Device:        "Pixel 6",
	AppID:         "com.condecosoftware.condeco",
	ServerURL:     "acme.condecosoftware.com",
	RunnerVersion: "0.3.0",
}

func loginResult(start time.Time) core.WorkflowResult {
	r := core.WorkflowResult{
		RunID:     "0b7f3f5e-7d0e-4c1e-9b43-2a1d3f1d9a10",
		Name:      "login",
		Platform:  "android",
		Device:    "Pixel 6",
		StartTime: start,
		Duration:  12 * time.Second,
	}
	r.Record(core.StepResult{Name: "enter username", Status: core.StatusPassed, StartTime: start, Duration: time.Second, Strategy: "clear_and_type"})
	r.Record(core.StepResult{Name: "dismiss post_login dialogs", Status: core.StatusWarned, StartTime: start.Add(time.Second), Duration: 5 * time.Second, Message: "not dismissed: permission allow"})
	r.ComputeSummary()
	return r
}

func readResult(t *testing.T, dir, runID string) AllureResult {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, runID+"-result.json"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var result AllureResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result
}

func TestWriteAllurePassedWorkflow(t *testing.T) {
	tmpDir := t.TempDir()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r := loginResult(start)

	dir, err := WriteAllure(tmpDir, testEnv, r)
	if err != nil {
		t.Fatalf("WriteAllure: %v", err)
	}
	if dir != filepath.Join(tmpDir, AllureDir) {
		t.Errorf("dir = %s", dir)
	}

	result := readResult(t, dir, r.RunID)
	if result.UUID != r.RunID {
		t.Errorf("UUID = %q, want %q", result.UUID, r.RunID)
	}
	if result.Status != "passed" {
		t.Errorf("Status = %q, want passed (warned steps pass)", result.Status)
	}
	if result.Start != start.UnixMilli() || result.Stop != start.UnixMilli()+12000 {
		t.Errorf("Start/Stop = %d/%d", result.Start, result.Stop)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(result.Steps))
	}
	if p := result.Steps[0].Parameters; len(p) != 1 || p[0].Value != "clear_and_type" {
		t.Errorf("strategy parameter = %+v", p)
	}
	if msg := result.Steps[1].StatusDetails.Message; msg != "not dismissed: permission allow" {
		t.Errorf("step message = %q", msg)
	}
	if result.HistoryID != fnv32aHash("login:com.condecosoftware.condeco:android") {
		t.Errorf("HistoryID = %q", result.HistoryID)
	}

	hasHost := false
	for _, l := range result.Labels {
		if l.Name == "host" && l.Value == "Pixel 6" {
			hasHost = true
		}
	}
	if !hasHost {
		t.Errorf("missing host label in %+v", result.Labels)
	}

	for _, name := range []string{"categories.json", "environment.properties", "executor.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	env, err := os.ReadFile(filepath.Join(dir, "environment.properties"))
	if err != nil {
		t.Fatalf("read environment: %v", err)
	}
	for _, want := range []string{"framework=engage-runner", "device.name=Pixel 6", "engage.server=acme.condecosoftware.com"} {
		if !strings.Contains(string(env), want) {
			t.Errorf("environment.properties missing %q:\n%s", want, env)
		}
	}
	if strings.Contains(string(env), "appium.url") {
		t.Error("empty values should be omitted")
	}
}

func TestWriteAllureFailedStepAttachments(t *testing.T) {
	tmpDir := t.TempDir()
	start := time.Now()
	png := []byte{0x89, 0x50, 0x4E, 0x47}

	r := core.WorkflowResult{RunID: "run-failed", Name: "login", StartTime: start}
	r.Record(core.StepResult{
		Name:      "detect login screen",
		Status:    core.StatusFailed,
		Category:  core.ErrCategoryAssertion,
		StartTime: start,
		Error:     "neither server url nor credentials screen showing",
		Attachments: []core.Attachment{
			{Name: "screenshot", ContentType: core.ContentTypePNG, Body: png},
			{Name: "page_source", ContentType: core.ContentTypeXML, Body: []byte("<hierarchy/>")},
		},
	})
	r.ComputeSummary()
	r.Error = "detect login screen: neither server url nor credentials screen showing"

	dir, err := WriteAllure(tmpDir, testEnv, r)
	if err != nil {
		t.Fatalf("WriteAllure: %v", err)
	}
	result := readResult(t, dir, "run-failed")

	if result.Status != "failed" {
		t.Errorf("Status = %q, want failed", result.Status)
	}
	if result.StatusDetails.Message != r.Error {
		t.Errorf("Message = %q", result.StatusDetails.Message)
	}
	step := result.Steps[0]
	if len(step.Attachments) != 2 {
		t.Fatalf("expected 2 step attachments, got %d", len(step.Attachments))
	}
	if len(result.Attachments) != 2 {
		t.Errorf("expected attachments copied to result level, got %d", len(result.Attachments))
	}
	if !strings.HasSuffix(step.Attachments[0].Source, "-attachment.png") {
		t.Errorf("screenshot source = %q", step.Attachments[0].Source)
	}
	got, err := os.ReadFile(filepath.Join(dir, step.Attachments[0].Source))
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if string(got) != string(png) {
		t.Error("attachment body mismatch")
	}
	if !strings.HasSuffix(step.Attachments[1].Source, ".xml") {
		t.Errorf("page source = %q", step.Attachments[1].Source)
	}
	if p := step.Parameters; len(p) != 1 || p[0].Name != "category" || p[0].Value != "assertion" {
		t.Errorf("parameters = %+v", p)
	}
}

func TestWriteAllureAssignsMissingRunID(t *testing.T) {
	tmpDir := t.TempDir()
	dir, err := WriteAllure(tmpDir, Environment{}, core.WorkflowResult{Name: "logout", Status: core.StatusPassed})
	if err != nil {
		t.Fatalf("WriteAllure: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*-result.json"))
	if len(matches) != 1 {
		t.Fatalf("expected one result file, got %v", matches)
	}
}

func TestMapAllureStatus(t *testing.T) {
	tests := []struct {
		in   core.StepStatus
		want string
	}{
		{core.StatusPassed, "passed"},
		{core.StatusWarned, "passed"},
		{core.StatusFailed, "failed"},
		{core.StatusErrored, "broken"},
		{core.StatusSkipped, "skipped"},
		{core.StatusPending, "unknown"},
	}
	for _, tt := range tests {
		if got := mapAllureStatus(tt.in); got != tt.want {
			t.Errorf("mapAllureStatus(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
