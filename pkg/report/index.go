package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/json-iterator/go"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// IndexFile is the summary file name inside a report directory.
const IndexFile = "report.json"

// BuildIndex summarizes results.
func BuildIndex(env Environment, results []core.WorkflowResult, now time.Time) *Index {
	idx := &Index{
		Version:     Version,
		GeneratedAt: now,
		Environment: env,
		Summary:     summarize(results),
		Workflows:   make([]WorkflowEntry, 0, len(results)),
	}
	idx.Status = runStatus(idx.Summary)
	for _, r := range results {
		idx.Workflows = append(idx.Workflows, WorkflowEntry{
			RunID:      r.RunID,
			Name:       r.Name,
			Status:     r.Status.String(),
			StartTime:  r.StartTime,
			DurationMs: r.Duration.Milliseconds(),
			Steps:      len(r.Steps),
			Failed:     r.FailedSteps,
			Error:      r.Error,
			AllureFile: resultFileName(r.RunID),
		})
	}
	return idx
}

// WriteIndex writes report.json into dir.
func WriteIndex(dir string, idx *Index) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, IndexFile)
	if err := atomicWriteJSON(path, idx); err != nil {
		return "", err
	}
	return path, nil
}

// ReadIndex reads report.json from dir.
func ReadIndex(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &idx, nil
}

// atomicWriteJSON writes v to a temp file and renames it over path, so
// readers never see a partial file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
