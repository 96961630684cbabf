package report

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// AllureDir is the Allure results directory inside a report directory.
const AllureDir = "allure-results"

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureStep represents a step within a test result.
type AllureStep struct {
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Parameters    []AllureParameter   `json:"parameters"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureParameter is a name/value shown on a step.
type AllureParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// AllureExecutor holds executor info.
type AllureExecutor struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	ReportName string `json:"reportName"`
	BuildName  string `json:"buildName,omitempty"`
}

// WriteAllure writes one Allure result per workflow into
// <reportDir>/allure-results/, with step attachments and run metadata.
// It returns the results directory.
func WriteAllure(reportDir string, env Environment, results ...core.WorkflowResult) (string, error) {
	allureDir := filepath.Join(reportDir, AllureDir)
	if err := os.MkdirAll(allureDir, 0o755); err != nil {
		return "", fmt.Errorf("create allure-results dir: %w", err)
	}

	for _, r := range results {
		if r.RunID == "" {
			r.RunID = uuid.NewString()
		}
		result, err := buildAllureResult(allureDir, r, env)
		if err != nil {
			return "", err
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal allure result for %s: %w", r.Name, err)
		}
		path := filepath.Join(allureDir, resultFileName(r.RunID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write allure result %s: %w", r.Name, err)
		}
	}

	if err := writeAllureCategories(allureDir); err != nil {
		return "", err
	}
	if err := writeAllureEnvironment(allureDir, env); err != nil {
		return "", err
	}
	if err := writeAllureExecutor(allureDir, env); err != nil {
		return "", err
	}
	return allureDir, nil
}

func resultFileName(runID string) string {
	if runID == "" {
		return ""
	}
	return runID + "-result.json"
}

// buildAllureResult converts r and writes its attachments into allureDir.
func buildAllureResult(allureDir string, r core.WorkflowResult, env Environment) (AllureResult, error) {
	labels := []AllureLabel{
		{Name: "suite", Value: r.Name},
		{Name: "parentSuite", Value: "engage"},
		{Name: "framework", Value: "engage-runner"},
		{Name: "severity", Value: "normal"},
	}
	if r.Device != "" {
		labels = append(labels, AllureLabel{Name: "host", Value: r.Device})
	}
	if r.Platform != "" {
		labels = append(labels, AllureLabel{Name: "tag", Value: r.Platform})
	}

	steps := make([]AllureStep, 0, len(r.Steps))
	var attachments []AllureAttachment
	for _, st := range r.Steps {
		step, err := buildAllureStep(allureDir, st)
		if err != nil {
			return AllureResult{}, err
		}
		steps = append(steps, step)
		attachments = append(attachments, step.Attachments...)
	}

	start := r.StartTime.UnixMilli()
	return AllureResult{
		UUID:          r.RunID,
		HistoryID:     fnv32aHash(r.Name + ":" + env.AppID + ":" + env.Platform),
		FullName:      r.Name,
		Name:          r.Name,
		Status:        mapAllureStatus(r.Status),
		Stage:         "finished",
		Start:         start,
		Stop:          start + r.Duration.Milliseconds(),
		Labels:        labels,
		StatusDetails: AllureStatusDetails{Message: r.Error},
		Steps:         steps,
		Attachments:   attachments,
	}, nil
}

func buildAllureStep(allureDir string, st core.StepResult) (AllureStep, error) {
	start := st.StartTime.UnixMilli()
	step := AllureStep{
		Name:          st.Name,
		Status:        mapAllureStatus(st.Status),
		Stage:         "finished",
		Start:         start,
		Stop:          start + st.Duration.Milliseconds(),
		StatusDetails: AllureStatusDetails{Message: firstNonEmpty(st.Error, st.Message)},
		Parameters:    []AllureParameter{},
		Steps:         []AllureStep{},
		Attachments:   []AllureAttachment{},
	}
	if st.Strategy != "" {
		step.Parameters = append(step.Parameters, AllureParameter{Name: "strategy", Value: st.Strategy})
	}
	if st.Category != core.ErrCategoryNone {
		step.Parameters = append(step.Parameters, AllureParameter{Name: "category", Value: st.Category.String()})
	}

	for _, a := range st.Attachments {
		source := uuid.NewString() + "-attachment" + extensionFor(a.ContentType)
		if err := os.WriteFile(filepath.Join(allureDir, source), a.Body, 0o644); err != nil {
			return AllureStep{}, fmt.Errorf("write attachment %s: %w", a.Name, err)
		}
		step.Attachments = append(step.Attachments, AllureAttachment{Name: a.Name, Source: source, Type: a.ContentType})
	}
	return step, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case core.ContentTypePNG:
		return ".png"
	case core.ContentTypeXML:
		return ".xml"
	default:
		return ".txt"
	}
}

// mapAllureStatus maps a step status to an Allure status string. Warned
// steps pass; errored ones are "broken".
func mapAllureStatus(s core.StepStatus) string {
	switch s {
	case core.StatusPassed, core.StatusWarned:
		return "passed"
	case core.StatusFailed:
		return "failed"
	case core.StatusErrored:
		return "broken"
	case core.StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// fnv32aHash returns a hex-encoded FNV-32a hash of the input string.
func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// writeAllureCategories writes categories.json for failure categorization.
func writeAllureCategories(allureDir string) error {
	categories := []AllureCategory{
		{Name: "Element Not Found", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*not present within.*|.*element not found.*"},
		{Name: "Not Actionable", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*not actionable.*"},
		{Name: "Screen Not Reached", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*not displayed.*|.*did not appear.*|.*still on.*"},
		{Name: "App Not Responding", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*relaunch failed.*|.*not responding.*"},
		{Name: "Connection Error", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*automation server.*|.*session.*"},
		{Name: "Configuration Error", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*missing credentials.*|.*invalid.*|.*must be.*"},
	}

	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	path := filepath.Join(allureDir, "categories.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write categories.json: %w", err)
	}
	return nil
}

// writeAllureEnvironment writes environment.properties.
func writeAllureEnvironment(allureDir string, env Environment) error {
	var b strings.Builder
	b.WriteString("framework=engage-runner\n")
	for _, kv := range [][2]string{
		{"device.name", env.Device},
		{"device.platform", env.Platform},
		{"app.id", env.AppID},
		{"engage.server", env.ServerURL},
		{"appium.url", env.AppiumURL},
		{"runner.version", env.RunnerVersion},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
		}
	}

	path := filepath.Join(allureDir, "environment.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}
	return nil
}

// writeAllureExecutor writes executor.json.
func writeAllureExecutor(allureDir string, env Environment) error {
	executor := AllureExecutor{
		Name:       "engage-runner",
		Type:       "engage-runner",
		ReportName: "Engage mobile workflows",
		BuildName:  env.RunnerVersion,
	}
	data, err := json.MarshalIndent(executor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal executor: %w", err)
	}
	path := filepath.Join(allureDir, "executor.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write executor.json: %w", err)
	}
	return nil
}
