package action

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// PollOutcome is the result of a bounded presence check.
type PollOutcome int

const (
	// PollError means the request was rejected before polling (configuration error).
	PollError PollOutcome = iota
	Found
	NotFoundWithinBudget
)

// String returns the string representation of PollOutcome
func (o PollOutcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFoundWithinBudget:
		return "not_found_within_budget"
	case PollError:
		return "error"
	default:
		return "unknown"
	}
}

// PollResult describes one AwaitPresence / AwaitAny call.
type PollResult struct {
	Outcome  PollOutcome
	Element  Element
	Locator  flow.Locator // locator that matched, when Found
	Attempts int          // query rounds made
	Elapsed  time.Duration

	// LastErr is the last transient driver error seen while polling.
	// It never changes the outcome.
	LastErr error
	// Cause is set only for PollError.
	Cause error
}

// IsFound reports whether the element was found.
func (r PollResult) IsFound() bool { return r.Outcome == Found }

// Poller repeatedly queries the driver for a locator until found or the
// budget runs out. It never mutates UI state.
type Poller struct {
	driver Driver
	opts   options
}

// NewPoller creates a poller over d.
func NewPoller(d Driver, opts ...Option) *Poller {
	return &Poller{driver: d, opts: buildOptions(opts)}
}

// Interval returns the re-query cadence.
func (p *Poller) Interval() time.Duration { return p.opts.interval }

// AwaitPresence polls loc until it resolves or budget elapses. The returned
// error is non-nil only for configuration errors, which are reported before
// any driver call.
func (p *Poller) AwaitPresence(loc flow.Locator, budget time.Duration) (PollResult, error) {
	if err := loc.Validate(); err != nil {
		return PollResult{Outcome: PollError, Cause: err}, err
	}
	if err := validateBudget(budget); err != nil {
		return PollResult{Outcome: PollError, Cause: err}, err
	}
	return p.poll([]flow.Locator{loc}, budget, loc.String()), nil
}

// AwaitAny polls every locator of target in declared order on each round
// and reports the first that resolves.
func (p *Poller) AwaitAny(target flow.Target, budget time.Duration) (PollResult, error) {
	if err := target.Validate(); err != nil {
		return PollResult{Outcome: PollError, Cause: err}, err
	}
	if err := validateBudget(budget); err != nil {
		return PollResult{Outcome: PollError, Cause: err}, err
	}
	return p.poll(target.Locators, budget, target.Describe()), nil
}

// AwaitAbsence polls loc until the driver reports it missing or budget
// elapses, returning true once absence is confirmed. Only a not-found answer
// confirms absence; other driver errors leave the question open.
func (p *Poller) AwaitAbsence(loc flow.Locator, budget time.Duration) (bool, error) {
	if err := loc.Validate(); err != nil {
		return false, err
	}
	if err := validateBudget(budget); err != nil {
		return false, err
	}

	deadline := p.opts.clock.Now().Add(budget)
	for {
		el, err := p.driver.FindElement(loc)
		switch {
		case err == nil && el == "", errors.Is(err, core.ErrElementNotFound):
			return true, nil
		case err != nil:
			p.opts.log.Debug("absence check failed", zap.Stringer("locator", loc), zap.Error(err))
		}

		remaining := deadline.Sub(p.opts.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		p.opts.clock.Sleep(minDuration(p.opts.interval, remaining))
	}
}

func (p *Poller) poll(locs []flow.Locator, budget time.Duration, desc string) PollResult {
	start := p.opts.clock.Now()
	deadline := start.Add(budget)
	var res PollResult

	for {
		res.Attempts++
		for _, loc := range locs {
			el, err := p.driver.FindElement(loc)
			if err == nil && el != "" {
				res.Outcome = Found
				res.Element = el
				res.Locator = loc
				res.Elapsed = p.opts.clock.Now().Sub(start)
				p.opts.log.Debug("element present",
					zap.String("target", desc),
					zap.Stringer("locator", loc),
					zap.Int("attempt", res.Attempts))
				return res
			}
			if err != nil && !errors.Is(err, core.ErrElementNotFound) {
				res.LastErr = err
				p.opts.log.Debug("presence query failed",
					zap.Stringer("locator", loc),
					zap.Int("attempt", res.Attempts),
					zap.Error(err))
			}
		}

		now := p.opts.clock.Now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			res.Outcome = NotFoundWithinBudget
			res.Elapsed = now.Sub(start)
			p.opts.log.Debug("element not present within budget",
				zap.String("target", desc),
				zap.Duration("budget", budget),
				zap.Int("attempts", res.Attempts))
			return res
		}
		p.opts.clock.Sleep(minDuration(p.opts.interval, remaining))
	}
}

func validateBudget(budget time.Duration) error {
	if budget <= 0 {
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("timeout budget must be positive, got %s", budget))
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
