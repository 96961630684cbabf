// Package workflow implements the Engage app sequences (login, logout,
// reaching the login page) on top of the action primitives. A Session
// records every step in a core.WorkflowResult for reporting.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/config"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
)

// Settings are the identities and budgets a session runs with.
type Settings struct {
	AppID     string
	Platform  string
	Device    string
	Timeouts  config.TimeoutConfig
	Dismissal action.DismissOptions
}

// SettingsFrom derives session settings from the runner configuration.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		AppID:     cfg.App.Package,
		Platform:  cfg.App.Platform,
		Device:    cfg.App.DeviceName,
		Timeouts:  cfg.Timeouts,
		Dismissal: cfg.Dismissal,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for pauses and step timing.
func WithClock(c action.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = logger.OrNop(l) }
}

// WithScreens replaces the default Engage targets.
func WithScreens(sc Screens) Option {
	return func(s *Session) { s.screens = sc }
}

// WithCatalogs replaces the default dialog catalogs.
func WithCatalogs(c Catalogs) Option {
	return func(s *Session) { s.catalogs = c }
}

// Session runs workflows against one driver.
type Session struct {
	driver    action.Driver
	poller    *action.Poller
	exec      *action.Executor
	dismisser *action.Dismisser
	clock     action.Clock
	log       *zap.Logger
	settings  Settings
	screens   Screens
	catalogs  Catalogs

	result *core.WorkflowResult
}

// NewSession creates a session over d.
func NewSession(d action.Driver, settings Settings, opts ...Option) *Session {
	s := &Session{
		driver:   d,
		clock:    action.RealClock,
		log:      zap.NewNop(),
		settings: settings,
		screens:  DefaultScreens(),
		catalogs: DefaultCatalogs(),
	}
	for _, opt := range opts {
		opt(s)
	}

	aopts := []action.Option{action.WithClock(s.clock), action.WithLogger(s.log)}
	if settings.Timeouts.PollInterval > 0 {
		aopts = append(aopts, action.WithPollInterval(settings.Timeouts.PollInterval))
	}
	s.poller = action.NewPoller(d, aopts...)
	s.exec = action.NewExecutor(d, aopts...)
	s.dismisser = action.NewDismisser(d, aopts...)
	return s
}

// Poller returns the session's poller.
func (s *Session) Poller() *action.Poller { return s.poller }

// Executor returns the session's executor.
func (s *Session) Executor() *action.Executor { return s.exec }

// Catalogs returns the catalogs the session dismisses with.
func (s *Session) Catalogs() Catalogs { return s.catalogs }

// Screens returns the targets the session acts on.
func (s *Session) Screens() Screens { return s.screens }

// Begin starts a new workflow result. Steps recorded before Begin open an
// unnamed result.
func (s *Session) Begin(name string) {
	s.result = &core.WorkflowResult{
		RunID:     uuid.NewString(),
		Name:      name,
		Platform:  s.settings.Platform,
		Device:    s.settings.Device,
		StartTime: s.clock.Now(),
	}
	s.log.Info("workflow started", zap.String("workflow", name), zap.String("run_id", s.result.RunID))
}

// Result finalizes and returns the current workflow result. A non-nil err
// is the workflow's terminal error.
func (s *Session) Result(err error) core.WorkflowResult {
	if s.result == nil {
		s.Begin("session")
	}
	r := *s.result
	r.Steps = append([]core.StepResult(nil), s.result.Steps...)
	r.Duration = s.clock.Now().Sub(r.StartTime)
	r.ComputeSummary()
	if err != nil {
		r.Error = err.Error()
		r.Status = core.StatusFailed
	}
	return r
}

// Steps returns the steps recorded so far.
func (s *Session) Steps() []core.StepResult {
	if s.result == nil {
		return nil
	}
	return append([]core.StepResult(nil), s.result.Steps...)
}

// stepOutcome is what a step body reports on success.
type stepOutcome struct {
	status   core.StepStatus
	message  string
	strategy string
}

func passed(msg string) stepOutcome  { return stepOutcome{status: core.StatusPassed, message: msg} }
func skipped(msg string) stepOutcome { return stepOutcome{status: core.StatusSkipped, message: msg} }
func warned(msg string) stepOutcome  { return stepOutcome{status: core.StatusWarned, message: msg} }

// step runs fn and records its result. On error the screen and page source
// are attached when the driver can provide them.
func (s *Session) step(name string, fn func() (stepOutcome, error)) error {
	if s.result == nil {
		s.Begin("session")
	}
	start := s.clock.Now()
	logger.Step(s.log, name)

	out, err := fn()
	res := core.StepResult{
		Name:      name,
		StartTime: start,
		Duration:  s.clock.Now().Sub(start),
		Status:    out.status,
		Message:   out.message,
		Strategy:  out.strategy,
	}
	switch {
	case err != nil:
		res.Status, res.Category = classify(err)
		res.Error = err.Error()
		res.Attachments = s.captureDebug(name)
		logger.Fail(s.log, name, zap.Error(err))
	case res.Status == core.StatusPending:
		res.Status = core.StatusPassed
		fallthrough
	default:
		s.log.Info("step finished",
			zap.String("step", name),
			zap.Stringer("status", res.Status),
			zap.Duration("duration", res.Duration))
	}
	s.result.Record(res)
	return err
}

// classify maps an error to a step status: assertion and action errors
// fail the step, everything else errors it.
func classify(err error) (core.StepStatus, core.ErrorCategory) {
	var ee *core.ExecutionError
	if !errors.As(err, &ee) {
		return core.StatusErrored, core.ErrCategoryNone
	}
	switch ee.Category {
	case core.ErrCategoryAssertion, core.ErrCategoryAction, core.ErrCategoryTimeout:
		return core.StatusFailed, ee.Category
	default:
		return core.StatusErrored, ee.Category
	}
}

func (s *Session) captureDebug(step string) []core.Attachment {
	var out []core.Attachment
	if ss, ok := s.driver.(action.Screenshotter); ok {
		if png, err := ss.Screenshot(); err != nil {
			s.log.Warn("screenshot failed", zap.String("step", step), zap.Error(err))
		} else {
			out = append(out, core.Attachment{Name: "screenshot", ContentType: core.ContentTypePNG, Body: png})
		}
	}
	if ps, ok := s.driver.(action.PageSourcer); ok {
		if src, err := ps.Source(); err != nil {
			s.log.Warn("page source failed", zap.String("step", step), zap.Error(err))
		} else {
			out = append(out, core.Attachment{Name: "page_source", ContentType: core.ContentTypeXML, Body: []byte(src)})
		}
	}
	return out
}

func (s *Session) settle() {
	if s.settings.Timeouts.Settle > 0 {
		s.clock.Sleep(s.settings.Timeouts.Settle)
	}
}

// waitAndClick waits up to budget for t to appear, then clicks it.
func (s *Session) waitAndClick(t flow.Target, budget time.Duration) (stepOutcome, error) {
	if err := s.await(t, budget); err != nil {
		return stepOutcome{}, err
	}
	res, err := s.exec.Click(t)
	if err != nil {
		return stepOutcome{}, err
	}
	if !res.Performed {
		return stepOutcome{}, res.Err()
	}
	return stepOutcome{status: core.StatusPassed, strategy: res.Strategy}, nil
}

// waitAndType waits up to budget for t to appear, then enters text.
func (s *Session) waitAndType(t flow.Target, text string, secret bool, budget time.Duration) (stepOutcome, error) {
	if err := s.await(t, budget); err != nil {
		return stepOutcome{}, err
	}
	res, err := s.exec.TypeText(t, text, secret)
	if err != nil {
		return stepOutcome{}, err
	}
	if !res.Performed {
		return stepOutcome{}, res.Err()
	}
	return stepOutcome{status: core.StatusPassed, strategy: res.Strategy}, nil
}

func (s *Session) await(t flow.Target, budget time.Duration) error {
	res, err := s.poller.AwaitAny(t, budget)
	if err != nil {
		return err
	}
	if !res.IsFound() {
		e := core.ErrElementNotFound.WithMessage(fmt.Sprintf("%s not present within %s", t.Describe(), budget))
		if res.LastErr != nil {
			return e.WithCause(res.LastErr)
		}
		return e
	}
	return nil
}

// anyOf merges the locators of ts into one target, keeping their order.
func anyOf(name string, ts ...flow.Target) flow.Target {
	t := flow.Target{Name: name}
	for _, x := range ts {
		t.Locators = append(t.Locators, x.Locators...)
	}
	return t
}

func contains(t flow.Target, loc flow.Locator) bool {
	for _, l := range t.Locators {
		if l == loc {
			return true
		}
	}
	return false
}

// hideKeyboard is best-effort.
func (s *Session) hideKeyboard() {
	if err := s.driver.HideSoftInput(); err != nil {
		s.log.Debug("keyboard already hidden", zap.Error(err))
	}
}
