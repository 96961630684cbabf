// Package report writes workflow results to disk.
//
// Layout of a report directory:
//   - report.json: run summary, one entry per workflow
//   - allure-results/: Allure result files, attachments and metadata
package report

import (
	"time"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// Version is the report.json schema version.
const Version = "1.0.0"

// Environment describes where the run happened.
type Environment struct {
	Platform      string `json:"platform,omitempty"`
	Device        string `json:"device,omitempty"`
	AppID         string `json:"appId,omitempty"`
	ServerURL     string `json:"serverUrl,omitempty"`
	AppiumURL     string `json:"appiumUrl,omitempty"`
	RunnerVersion string `json:"runnerVersion,omitempty"`
}

// Summary counts workflow outcomes.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Warned  int `json:"warned"`
	Skipped int `json:"skipped"`
}

// Index is the report.json document.
type Index struct {
	Version     string          `json:"version"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Status      string          `json:"status"`
	Environment Environment     `json:"environment"`
	Summary     Summary         `json:"summary"`
	Workflows   []WorkflowEntry `json:"workflows"`
}

// WorkflowEntry is one workflow in the index.
type WorkflowEntry struct {
	RunID      string    `json:"runId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"startTime"`
	DurationMs int64     `json:"durationMs"`
	Steps      int       `json:"steps"`
	Failed     int       `json:"failedSteps"`
	Error      string    `json:"error,omitempty"`
	// AllureFile is the result file name under allure-results/.
	AllureFile string `json:"allureFile,omitempty"`
}

// summarize counts results by aggregated status.
func summarize(results []core.WorkflowResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case core.StatusPassed:
			s.Passed++
		case core.StatusFailed, core.StatusErrored:
			s.Failed++
		case core.StatusWarned:
			s.Warned++
		case core.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// runStatus is failed if any workflow failed, passed otherwise.
func runStatus(s Summary) string {
	switch {
	case s.Total == 0:
		return "pending"
	case s.Failed > 0:
		return "failed"
	default:
		return "passed"
	}
}
