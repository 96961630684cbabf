package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/workflow"
)

var loginCommand = &cli.Command{
	Name:  "login",
	Usage: "Reach the login page, sign in and verify the home screen",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "server-url", Usage: "Engage server URL"},
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Account user name"},
		&cli.StringFlag{Name: "password", Aliases: []string{"P"}, Usage: "Account password"},
		&cli.BoolFlag{Name: "skip-ensure", Usage: "Assume the login page is already showing"},
		&cli.BoolFlag{Name: "expect-rejection", Usage: "Pass only if the server rejects the credentials"},
	},
	Action: runLogin,
}

var logoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "Sign out through the profile menu",
	Action: func(c *cli.Context) error {
		return withSession(c, nil, func(ctx context.Context, r *invocation) error {
			return r.run(ctx, "logout", (*workflow.Session).Logout)
		})
	},
}

var ensureLoginCommand = &cli.Command{
	Name:  "ensure-login",
	Usage: "Bring the app to the login page, logging out or restarting as needed",
	Action: func(c *cli.Context) error {
		return withSession(c, nil, func(ctx context.Context, r *invocation) error {
			return r.run(ctx, "ensure login page", (*workflow.Session).EnsureLoginPage)
		})
	},
}

var dismissCommand = &cli.Command{
	Name:  "dismiss-dialogs",
	Usage: "Dismiss transient dialogs from a catalog until the screen is quiet",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Value: workflow.CatalogPostLogin, Usage: "Catalog name"},
		&cli.IntFlag{Name: "max-iterations", Usage: "Override the scan ceiling"},
		&cli.BoolFlag{Name: "force", Usage: "Single pass over every known dialog button"},
	},
	Action: runDismiss,
}

var tapCommand = &cli.Command{
	Name:  "tap",
	Usage: "Wait for an element and click it with the fallback strategies",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "Target name from the catalog file or the built-in screens"},
		&cli.StringFlag{Name: "id", Usage: "Resource id"},
		&cli.StringFlag{Name: "xpath", Usage: "XPath expression"},
		&cli.StringFlag{Name: "accessibility-id", Usage: "Accessibility id"},
		&cli.StringFlag{Name: "uiautomator", Usage: "UiAutomator selector"},
		&cli.DurationFlag{Name: "wait", Usage: "Presence budget (defaults to the element timeout)"},
	},
	Action: runTap,
}

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "Check the configuration and catalog file without a device",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "credentials", Usage: "Also require server URL, username and password"},
	},
	Action: runValidate,
}

func runLogin(c *cli.Context) error {
	check := func(r *invocation) error {
		creds := &r.cfg.Credentials
		if c.IsSet("server-url") {
			creds.ServerURL = c.String("server-url")
		}
		if c.IsSet("username") {
			creds.Username = c.String("username")
		}
		if c.IsSet("password") {
			creds.Password = c.String("password")
		}
		return r.cfg.ValidateCredentials()
	}
	return withSession(c, check, func(ctx context.Context, r *invocation) error {
		return r.run(ctx, "login", func(s *workflow.Session) error {
			if !c.Bool("skip-ensure") {
				if err := s.EnsureLoginPage(); err != nil {
					return err
				}
			}
			if err := s.Login(r.cfg.Credentials); err != nil {
				return err
			}
			if c.Bool("expect-rejection") {
				return s.VerifyInvalidLogin()
			}
			return s.VerifyLogin()
		})
	})
}

func runDismiss(c *cli.Context) error {
	return withSession(c, nil, func(ctx context.Context, r *invocation) error {
		if c.Bool("force") {
			return r.run(ctx, "force dismiss", func(s *workflow.Session) error {
				rep, err := s.ForceDismiss()
				printDismissal(c.App.Writer, rep)
				return err
			})
		}

		name := c.String("name")
		catalog, err := r.catalog(name)
		if err != nil {
			return err
		}
		opts := r.cfg.Dismissal
		if c.IsSet("max-iterations") {
			opts.MaxIterations = c.Int("max-iterations")
		}
		return r.run(ctx, "dismiss "+name, func(s *workflow.Session) error {
			rep, err := s.DismissDialogs(catalog, opts)
			printDismissal(c.App.Writer, rep)
			return err
		})
	})
}

func runTap(c *cli.Context) error {
	var target flow.Target
	check := func(r *invocation) error {
		t, err := tapTarget(c, r)
		target = t
		return err
	}
	return withSession(c, check, func(ctx context.Context, r *invocation) error {
		return r.run(ctx, "tap", func(s *workflow.Session) error {
			return s.Tap(target, c.Duration("wait"))
		})
	})
}

// tapTarget builds the target from --name or the locator flags.
func tapTarget(c *cli.Context, r *invocation) (flow.Target, error) {
	if name := c.String("name"); name != "" {
		if r.file != nil {
			if t, ok := r.file.Target(name); ok {
				return t, nil
			}
		}
		if t, ok := r.screens.Lookup(name); ok {
			return t, nil
		}
		return flow.Target{}, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown target %q", name))
	}

	var locs []flow.Locator
	if v := c.String("id"); v != "" {
		locs = append(locs, flow.ByID(v))
	}
	if v := c.String("accessibility-id"); v != "" {
		locs = append(locs, flow.ByAccessibilityID(v))
	}
	if v := c.String("uiautomator"); v != "" {
		locs = append(locs, flow.ByUiAutomator(v))
	}
	if v := c.String("xpath"); v != "" {
		locs = append(locs, flow.ByXPath(v))
	}
	if len(locs) == 0 {
		return flow.Target{}, core.ErrEmptyLocators.WithMessage("tap needs --name or at least one locator flag")
	}
	t := flow.Target{Name: locs[0].Value, Locators: locs}
	return t, t.Validate()
}

// catalog resolves a built-in catalog, or one defined only in the catalog
// file.
func (r *invocation) catalog(name string) (flow.Catalog, error) {
	if cat, ok := r.catalogs.Lookup(name); ok {
		return cat, nil
	}
	if r.file != nil {
		if cat, ok := r.file.Catalog(name); ok {
			return cat, nil
		}
	}
	return flow.Catalog{}, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown catalog %q", name))
}

func printDismissal(w io.Writer, rep action.DismissReport) {
	dismissed := rep.Dismissed()
	if len(dismissed) == 0 {
		fmt.Fprintf(w, "%s: no dialogs (%d scans, stopped on %s)\n", rep.Catalog, rep.Iterations, rep.Stop)
		return
	}
	fmt.Fprintf(w, "%s: dismissed %s (%d scans, stopped on %s, %s)\n",
		rep.Catalog, strings.Join(dismissed, ", "), rep.Iterations, rep.Stop, rep.Elapsed.Round(time.Millisecond))
}

func runValidate(c *cli.Context) error {
	r, err := setup(c)
	if err != nil {
		return err
	}
	defer r.Close()

	if c.Bool("credentials") {
		if err := r.cfg.ValidateCredentials(); err != nil {
			return err
		}
	}

	catalogs := []flow.Catalog{r.catalogs.Engage, r.catalogs.PostLogin, r.catalogs.ANR, r.catalogs.ForceDismiss}
	if r.file != nil {
		for _, name := range r.file.CatalogNames {
			if _, builtin := r.catalogs.Lookup(name); !builtin {
				cat, _ := r.file.Catalog(name)
				catalogs = append(catalogs, cat)
			}
		}
	}
	for _, cat := range catalogs {
		if err := cat.Validate(); err != nil {
			return err
		}
	}

	w := c.App.Writer
	source := r.cfg.SourceFile
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(w, "config: %s\n", source)
	fmt.Fprintf(w, "appium: %s (%s, %s)\n", r.cfg.Appium.URL, r.cfg.App.Platform, r.cfg.App.AutomationName)
	if r.cfg.Catalog != "" {
		fmt.Fprintf(w, "catalog file: %s (%d targets, %d catalogs)\n", r.cfg.Catalog, len(r.file.TargetNames), len(r.file.CatalogNames))
	}
	for _, cat := range catalogs {
		fmt.Fprintf(w, "catalog %s: %s\n", cat.Name, strings.Join(cat.Names(), ", "))
	}
	fmt.Fprintln(w, "OK")
	return nil
}
