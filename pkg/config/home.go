package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/go-homedir"
)

const (
	envHome = "ENGAGE_RUNNER_HOME"
	userDir = ".engage-runner"
)

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the engage-runner home directory, where reports and the
// user level engage.yaml live.
//
// Resolution order:
//  1. $ENGAGE_RUNNER_HOME, with a leading ~ expanded
//  2. Parent of the binary's directory (if binary is in <home>/bin/)
//  3. ~/.engage-runner when it exists
//  4. Current working directory
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetReportsDir returns <home>/reports.
func GetReportsDir() string {
	return filepath.Join(GetHome(), "reports")
}

// FindDefault returns the config file used when none is named: engage.yaml
// in dir, then in the home directory. Empty when neither exists.
func FindDefault(dir string) string {
	if path := Find(dir); path != "" {
		return path
	}
	return Find(GetHome())
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		if expanded, err := homedir.Expand(env); err == nil {
			return expanded
		}
		return env
	}

	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			execPath = resolved
		}
		binDir := filepath.Dir(execPath)
		if filepath.Base(binDir) == "bin" {
			return filepath.Dir(binDir)
		}
	}

	if user, err := homedir.Dir(); err == nil {
		dir := filepath.Join(user, userDir)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// ResetHome resets the cached home directory (for testing).
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
