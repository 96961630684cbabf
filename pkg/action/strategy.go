package action

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// DefaultReadyTimeout bounds WaitThenClick's displayed+enabled wait.
const DefaultReadyTimeout = 2 * time.Second

// Env is what a strategy may use while acting on an element.
type Env struct {
	Driver   Driver
	Clock    Clock
	Interval time.Duration
	Log      *zap.Logger
}

// Strategy is one technique for performing an action on a resolved element.
// Apply returns nil only when the action was performed and any precondition
// the strategy asserts held.
type Strategy interface {
	Name() string
	Apply(env Env, el Element) error
}

type funcStrategy struct {
	name string
	fn   func(Env, Element) error
}

func (s funcStrategy) Name() string                    { return s.name }
func (s funcStrategy) Apply(env Env, el Element) error { return s.fn(env, el) }

// Named wraps fn as a Strategy.
func Named(name string, fn func(env Env, el Element) error) Strategy {
	return funcStrategy{name: name, fn: fn}
}

// WaitThenClick waits until the element is displayed and enabled, then
// clicks it through the standard path.
type WaitThenClick struct {
	Timeout time.Duration
}

func (WaitThenClick) Name() string { return "wait_then_click" }

func (s WaitThenClick) Apply(env Env, el Element) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := env.Clock.Now().Add(timeout)
	for {
		err := checkReady(env.Driver, el)
		if err == nil {
			return env.Driver.Click(el)
		}
		remaining := deadline.Sub(env.Clock.Now())
		if remaining <= 0 {
			return err
		}
		env.Clock.Sleep(minDuration(env.Interval, remaining))
	}
}

// DirectClickIfReady checks displayed+enabled once and clicks without
// waiting.
type DirectClickIfReady struct{}

func (DirectClickIfReady) Name() string { return "direct_click" }

func (DirectClickIfReady) Apply(env Env, el Element) error {
	if err := checkReady(env.Driver, el); err != nil {
		return err
	}
	return env.Driver.Click(el)
}

// TapAtCenter taps the center of the element's bounds, read fresh at the
// time of the attempt.
type TapAtCenter struct{}

func (TapAtCenter) Name() string { return "tap_at_center" }

func (TapAtCenter) Apply(env Env, el Element) error {
	loc, err := env.Driver.Location(el)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}
	w, h, err := env.Driver.Size(el)
	if err != nil {
		return fmt.Errorf("read size: %w", err)
	}
	b := core.Bounds{X: loc.X, Y: loc.Y, Width: w, Height: h}
	if b.Empty() {
		return core.ErrNotActionable.WithMessage(fmt.Sprintf("element has empty bounds %dx%d", w, h))
	}
	center := b.Center()
	env.Log.Debug("tapping element center", zap.Stringer("point", center))
	return env.Driver.PerformPointerGesture([]core.Point{center})
}

// NativeTap uses the platform's own tap gesture on the element.
type NativeTap struct{}

func (NativeTap) Name() string { return "native_tap" }

func (NativeTap) Apply(env Env, el Element) error {
	nt, ok := env.Driver.(NativeTapper)
	if !ok {
		return core.ErrUnsupported.WithMessage("driver has no native tap gesture")
	}
	return nt.NativeTap(el)
}

// DefaultClickStrategies returns the click strategies from least to most
// invasive.
func DefaultClickStrategies() []Strategy {
	return []Strategy{
		WaitThenClick{Timeout: DefaultReadyTimeout},
		DirectClickIfReady{},
		TapAtCenter{},
		NativeTap{},
	}
}

func checkReady(d Driver, el Element) error {
	displayed, err := d.IsDisplayed(el)
	if err != nil {
		return fmt.Errorf("check displayed: %w", err)
	}
	if !displayed {
		return core.ErrElementNotVisible
	}
	enabled, err := d.IsEnabled(el)
	if err != nil {
		return fmt.Errorf("check enabled: %w", err)
	}
	if !enabled {
		return core.ErrNotActionable.WithMessage("element is disabled")
	}
	return nil
}
