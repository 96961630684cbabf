package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/config"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/driver/appium"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
	"github.com/devicelab-dev/engage-runner/pkg/report"
	"github.com/devicelab-dev/engage-runner/pkg/workflow"
)

// connectDriver opens an automation session for cfg, starting a local
// Appium server first unless cfg.Appium.External. The returned close
// function ends the session and stops a server it started. Tests replace it
// with a mock driver.
var connectDriver = func(ctx context.Context, cfg *config.Config, log *zap.Logger) (action.Driver, func() error, error) {
	var srv *appium.Server
	if !cfg.Appium.External {
		var err error
		srv, err = appium.StartServer(ctx, cfg.Appium.URL,
			appium.WithServerBinary(cfg.Appium.Binary),
			appium.WithStartTimeout(cfg.Appium.StartTimeout),
			appium.WithServerLogger(log.Named("appium-server")))
		if err != nil {
			return nil, nil, err
		}
	}

	opts := []appium.ClientOption{
		appium.WithRateLimit(cfg.Appium.RateLimit, cfg.Appium.RateBurst),
		appium.WithConnectRetry(cfg.Appium.ConnectRetry),
		appium.WithLogger(log.Named("appium")),
	}
	if cfg.Appium.RequestTimeout > 0 {
		opts = append(opts, appium.WithHTTPClient(&http.Client{Timeout: cfg.Appium.RequestTimeout}))
	}
	client := appium.NewClient(cfg.Appium.URL, opts...)
	if err := client.Connect(ctx, cfg.Capabilities()); err != nil {
		_ = srv.Stop()
		return nil, nil, err
	}
	log.Info("session started",
		zap.String("session", client.SessionID()),
		zap.String("platform", client.Platform()),
		zap.Bool("local_server", srv.Owned()))

	closeFn := func() error {
		err := client.Disconnect()
		if serr := srv.Stop(); err == nil {
			err = serr
		}
		return err
	}
	return appium.NewHandle(client), closeFn, nil
}

// newClock supplies the session clock. Tests replace it.
var newClock = func() action.Clock { return action.RealClock }

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path, err := homedir.Expand(c.String("config"))
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = config.FindDefault(".")
	}
	v, err := config.Read(path)
	if err != nil {
		return nil, err
	}

	for flag, key := range map[string]string{
		"appium-url": "appium.url",
		"platform":   "app.platform",
		"device":     "app.device_name",
		"catalog":    "catalog",
		"report-dir": "report.dir",
		"log-file":   "logger.file",
	} {
		if c.IsSet(flag) {
			v.Set(key, c.String(flag))
		}
	}
	if c.Bool("verbose") {
		v.Set("logger.level", "debug")
	}
	if c.Bool("no-ansi") {
		v.Set("logger.no_color", true)
	}
	if c.Bool("no-report") {
		v.Set("report.enabled", false)
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = path
	for _, p := range []*string{&cfg.Catalog, &cfg.Report.Dir, &cfg.Logger.File} {
		if *p, err = homedir.Expand(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadTargets applies the catalog file, if any, over the built-in screens
// and catalogs.
func loadTargets(cfg *config.Config) (*flow.File, workflow.Screens, workflow.Catalogs, error) {
	screens := workflow.DefaultScreens()
	catalogs := workflow.DefaultCatalogs()
	if cfg.Catalog == "" {
		return nil, screens, catalogs, nil
	}
	f, err := flow.ParseFile(cfg.Catalog)
	if err != nil {
		return nil, screens, catalogs, err
	}
	screens.Override(f)
	catalogs.Override(f)
	if err := screens.Validate(); err != nil {
		return nil, screens, catalogs, err
	}
	return f, screens, catalogs, nil
}

// resolveOutputDir returns the report directory for this run: a timestamped
// subfolder of base unless flatten is set.
func resolveOutputDir(base string, flatten bool, now time.Time) (string, error) {
	if base == "" {
		return "", fmt.Errorf("report directory is not set")
	}
	if flatten {
		return filepath.Clean(base), nil
	}
	return filepath.Join(base, now.Format("2006-01-02_15-04-05")), nil
}

// invocation is everything one command invocation needs.
type invocation struct {
	cfg      *config.Config
	log      *zap.Logger
	file     *flow.File
	screens  workflow.Screens
	catalogs workflow.Catalogs

	driver      action.Driver
	closeDriver func() error
	flatten     bool
	results     []core.WorkflowResult
}

// setup loads configuration and targets and initializes logging.
func setup(c *cli.Context) (*invocation, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	log, err := logger.Init(cfg.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.SourceFile != "" {
		log.Debug("config loaded", zap.String("file", cfg.SourceFile))
	}
	f, screens, catalogs, err := loadTargets(cfg)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &invocation{
		cfg:      cfg,
		log:      log,
		file:     f,
		screens:  screens,
		catalogs: catalogs,
		flatten:  c.Bool("flatten"),
	}, nil
}

// connect opens the automation session.
func (r *invocation) connect(ctx context.Context) error {
	d, closeFn, err := connectDriver(ctx, r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", r.cfg.Appium.URL, err)
	}
	r.driver = d
	r.closeDriver = closeFn
	return nil
}

// session starts a recorded workflow over the connected driver.
func (r *invocation) session(name string) *workflow.Session {
	s := workflow.NewSession(r.driver, workflow.SettingsFrom(r.cfg),
		workflow.WithClock(newClock()),
		workflow.WithLogger(r.log.With(zap.String("workflow", name))),
		workflow.WithScreens(r.screens),
		workflow.WithCatalogs(r.catalogs))
	s.Begin(name)
	return s
}

// run executes fn as the workflow name and keeps its result for the report.
func (r *invocation) run(ctx context.Context, name string, fn func(s *workflow.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.session(name)
	err := fn(s)
	res := s.Result(err)
	r.results = append(r.results, res)

	fields := []zap.Field{
		zap.String("workflow", name),
		zap.String("status", res.Status.String()),
		zap.Duration("duration", res.Duration),
		zap.Int("steps", len(res.Steps)),
	}
	if err != nil {
		logger.Fail(r.log, "workflow failed", append(fields, zap.Error(err))...)
		return err
	}
	logger.Pass(r.log, "workflow finished", fields...)
	return nil
}

// environment describes this run for the report.
func (r *invocation) environment() report.Environment {
	return report.Environment{
		Platform:      r.cfg.App.Platform,
		Device:        r.cfg.App.DeviceName,
		AppID:         r.cfg.App.Package,
		ServerURL:     r.cfg.Credentials.ServerURL,
		AppiumURL:     r.cfg.Appium.URL,
		RunnerVersion: Version,
	}
}

// writeReports writes report.json and Allure results for every workflow
// run so far. It returns the report directory, or "" when disabled.
func (r *invocation) writeReports(now time.Time) (string, error) {
	if !r.cfg.Report.Enabled || len(r.results) == 0 {
		return "", nil
	}
	dir, err := resolveOutputDir(r.cfg.ReportDir(), r.flatten, now)
	if err != nil {
		return "", err
	}
	env := r.environment()
	if _, err := report.WriteAllure(dir, env, r.results...); err != nil {
		return "", err
	}
	if _, err := report.WriteIndex(dir, report.BuildIndex(env, r.results, now)); err != nil {
		return "", err
	}
	return dir, nil
}

// Close writes reports, ends the session and flushes logs.
func (r *invocation) Close() error {
	dir, reportErr := r.writeReports(time.Now())
	if reportErr != nil {
		r.log.Error("write report failed", zap.Error(reportErr))
	} else if dir != "" {
		r.log.Info("report written", zap.String("dir", dir))
	}
	if r.closeDriver != nil {
		if err := r.closeDriver(); err != nil {
			r.log.Warn("end session failed", zap.Error(err))
		}
	}
	logger.Close()
	return reportErr
}

// withSession runs fn with a connected invocation and cancels on SIGINT or
// SIGTERM. check, when set, runs before connecting.
func withSession(c *cli.Context, check func(r *invocation) error, fn func(ctx context.Context, r *invocation) error) (err error) {
	r, err := setup(c)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(r); err != nil {
			logger.Close()
			return err
		}
	}
	defer func() {
		if cerr := r.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	ctx, stop := signalContext(c.Context)
	defer stop()

	if err := r.connect(ctx); err != nil {
		return err
	}
	if err := fn(ctx, r); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\nInterrupted, ending session...")
		}
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
