// Package cli provides the command-line interface for engage-runner.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Config file (defaults to engage.yaml in the working directory)",
		EnvVars: []string{"ENGAGE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "appium-url",
		Usage: "Appium server URL",
	},
	&cli.StringFlag{
		Name:    "platform",
		Aliases: []string{"p"},
		Usage:   "Platform to run on (android, ios)",
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"udid"},
		Usage:   "Device name passed to the automation server",
	},
	&cli.StringFlag{
		Name:  "catalog",
		Usage: "YAML file with target and dialog catalog overrides",
	},
	&cli.StringFlag{
		Name:  "report-dir",
		Usage: "Base directory for reports",
	},
	&cli.BoolFlag{
		Name:  "flatten",
		Usage: "Write reports directly into --report-dir instead of a timestamped subfolder",
	},
	&cli.BoolFlag{
		Name:  "no-report",
		Usage: "Skip writing report.json and Allure results",
	},
	&cli.StringFlag{
		Name:  "log-file",
		Usage: "Also write JSON logs to this file",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Enable debug logging",
		EnvVars: []string{"ENGAGE_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the engage-runner application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "engage-runner",
		Usage:   "Resilient UI workflows for the Engage mobile app",
		Version: Version,
		Description: `engage-runner drives the Engage app through an Appium server. Every
action is retried with fallback strategies and transient dialogs are
dismissed between steps.

Examples:
  engage-runner login --server-url acme.condecosoftware.com -u jane -P secret
  engage-runner dismiss-dialogs --name post_login
  engage-runner tap --id com.condecosoftware.condeco:id/profile_button
  engage-runner validate --catalog dialogs.yaml
  engage-runner hierarchy --targets > screen.yaml`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			ensureLoginCommand,
			dismissCommand,
			tapCommand,
			validateCommand,
			hierarchyCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
