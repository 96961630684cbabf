package core

import (
	"time"
)

// Attachment represents a debug artifact captured during a workflow step
type Attachment struct {
	Name        string `json:"name"`        // Descriptive name: screenshot, page_source
	ContentType string `json:"contentType"` // MIME type: image/png, application/xml
	Body        []byte `json:"-"`           // In-memory content (written by the reporter)
}

// Common content types
const (
	ContentTypePNG  = "image/png"
	ContentTypeXML  = "application/xml"
	ContentTypeText = "text/plain"
)

// StepResult captures the outcome of a single workflow step
type StepResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Category ErrorCategory `json:"errorCategory,omitempty"`

	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	// Strategy that performed the action, when the step was an action.
	Strategy string `json:"strategy,omitempty"`

	Attachments []Attachment `json:"-"`
}

// WorkflowResult captures the outcome of a workflow run (login, logout, ...)
type WorkflowResult struct {
	RunID    string `json:"runId"`
	Name     string `json:"name"`
	Platform string `json:"platform,omitempty"`
	Device   string `json:"device,omitempty"`

	Status    StepStatus    `json:"status"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	Steps []StepResult `json:"steps"`

	PassedSteps  int `json:"passedSteps"`
	FailedSteps  int `json:"failedSteps"`
	SkippedSteps int `json:"skippedSteps"`
	WarnedSteps  int `json:"warnedSteps"`

	Error string `json:"error,omitempty"`
}

// Record appends a step result, assigning its index.
func (w *WorkflowResult) Record(step StepResult) {
	step.Index = len(w.Steps)
	w.Steps = append(w.Steps, step)
}

// ComputeSummary calculates step counts and the aggregated status
func (w *WorkflowResult) ComputeSummary() {
	w.PassedSteps, w.FailedSteps, w.SkippedSteps, w.WarnedSteps = 0, 0, 0, 0

	for _, step := range w.Steps {
		switch step.Status {
		case StatusPassed:
			w.PassedSteps++
		case StatusFailed, StatusErrored:
			w.FailedSteps++
		case StatusSkipped:
			w.SkippedSteps++
		case StatusWarned:
			w.WarnedSteps++
		}
	}
	w.Status = w.AggregateStatus()
}

// AggregateStatus determines the workflow status from step results
// Rules:
// - no steps → StatusPending
// - any failed/errored step → StatusFailed
// - any warned step → StatusWarned
// - otherwise → StatusPassed
func (w *WorkflowResult) AggregateStatus() StepStatus {
	if len(w.Steps) == 0 {
		return StatusPending
	}
	warned := false
	for _, step := range w.Steps {
		switch step.Status {
		case StatusFailed, StatusErrored:
			return StatusFailed
		case StatusWarned:
			warned = true
		}
	}
	if warned {
		return StatusWarned
	}
	return StatusPassed
}
