package action

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
)

// Attempt records one strategy's try against a target.
type Attempt struct {
	Strategy string
	Locator  *flow.Locator // nil when no locator resolved
	Skipped  bool          // no locator resolved, strategy not applied
	Err      error
}

// ActionResult is the outcome of Executor.Perform.
type ActionResult struct {
	Target    string
	Performed bool
	Strategy  string       // strategy that succeeded
	Locator   flow.Locator // locator it acted on
	Attempts  []Attempt
}

// Err returns nil when the action was performed and core.ErrNotActionable
// otherwise.
func (r ActionResult) Err() error {
	if r.Performed {
		return nil
	}
	var reasons []string
	for _, a := range r.Attempts {
		switch {
		case a.Skipped:
			reasons = append(reasons, a.Strategy+": unresolved")
		case a.Err != nil:
			reasons = append(reasons, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		}
	}
	return core.ErrNotActionable.WithMessage(
		fmt.Sprintf("%s not actionable (%s)", r.Target, strings.Join(reasons, "; ")))
}

// Executor performs an action on a Target through an ordered list of
// strategies, stopping at the first that succeeds.
type Executor struct {
	driver Driver
	opts   options
}

// NewExecutor creates an executor over d.
func NewExecutor(d Driver, opts ...Option) *Executor {
	return &Executor{driver: d, opts: buildOptions(opts)}
}

// Perform tries strategies in order. Each strategy acts on the first locator
// of target that currently resolves; if none resolves the strategy is
// skipped. Exhaustion is reported through the result, not the error. The
// error is non-nil only for configuration errors, detected before any driver
// call.
func (e *Executor) Perform(target flow.Target, strategies []Strategy) (ActionResult, error) {
	if err := target.Validate(); err != nil {
		return ActionResult{Target: target.Name}, err
	}
	if len(strategies) == 0 {
		err := core.ErrInvalidConfig.WithMessage(fmt.Sprintf("no strategies for %s", target.Describe()))
		return ActionResult{Target: target.Name}, err
	}
	for i, s := range strategies {
		if s == nil {
			err := core.ErrInvalidConfig.WithMessage(fmt.Sprintf("strategy %d for %s is nil", i, target.Name))
			return ActionResult{Target: target.Name}, err
		}
	}

	res := ActionResult{Target: target.Name}
	env := Env{Driver: e.driver, Clock: e.opts.clock, Interval: e.opts.interval, Log: e.opts.log}

	for _, s := range strategies {
		el, loc, ok := e.resolve(target)
		if !ok {
			e.opts.log.Debug("no locator resolved, strategy skipped",
				zap.String("target", target.Name),
				zap.String("strategy", s.Name()))
			res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Skipped: true})
			continue
		}

		err := s.Apply(env, el)
		locCopy := loc
		res.Attempts = append(res.Attempts, Attempt{Strategy: s.Name(), Locator: &locCopy, Err: err})
		if err == nil {
			res.Performed = true
			res.Strategy = s.Name()
			res.Locator = loc
			logger.Pass(e.opts.log, "action performed",
				zap.String("target", target.Name),
				zap.String("strategy", s.Name()),
				zap.Stringer("locator", loc))
			return res, nil
		}
		e.opts.log.Debug("strategy failed",
			zap.String("target", target.Name),
			zap.String("strategy", s.Name()),
			zap.Stringer("locator", loc),
			zap.Error(err))
	}

	e.opts.log.Warn("target not actionable",
		zap.String("target", target.Name),
		zap.Int("strategies", len(strategies)))
	return res, nil
}

// Click performs a click with DefaultClickStrategies.
func (e *Executor) Click(target flow.Target) (ActionResult, error) {
	return e.Perform(target, DefaultClickStrategies())
}

// TypeText enters text with DefaultTextStrategies. When secret is set the
// text is never logged.
func (e *Executor) TypeText(target flow.Target, text string, secret bool) (ActionResult, error) {
	return e.Perform(target, DefaultTextStrategies(text, secret))
}

// resolve returns the first locator of target the driver can currently
// produce an element for. One non-waiting query per locator.
func (e *Executor) resolve(target flow.Target) (Element, flow.Locator, bool) {
	for _, loc := range target.Locators {
		el, err := e.driver.FindElement(loc)
		if err == nil && el != "" {
			return el, loc, true
		}
		if err != nil && !errors.Is(err, core.ErrElementNotFound) {
			e.opts.log.Debug("resolve failed", zap.Stringer("locator", loc), zap.Error(err))
		}
	}
	return "", flow.Locator{}, false
}
