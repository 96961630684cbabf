package action_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/driver/mock"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

func attemptNames(res action.ActionResult) []string {
	names := make([]string, len(res.Attempts))
	for i, a := range res.Attempts {
		names[i] = a.Strategy
	}
	return names
}

func TestPerform_FirstStrategySucceeds(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.AddButton("continue", flow.ByID("continue"))

	res, err := action.NewExecutor(d, opts...).Click(flow.MustTarget("continue", flow.ByID("continue")))
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.NoError(t, res.Err())
	assert.Equal(t, "wait_then_click", res.Strategy)
	assert.Equal(t, 1, el.Clicks())
	assert.Len(t, d.Actions(), 1, "no double click")
	assert.Len(t, res.Attempts, 1)
}

func TestPerform_UsesFirstResolvableLocator(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	d.AddButton("cancel", flow.ByXPath("//cancel"))
	target := flow.MustTarget("cancel", flow.ByID("cancel"), flow.ByXPath("//cancel"))

	res, err := action.NewExecutor(d, opts...).Click(target)
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, flow.ByXPath("//cancel"), res.Locator)
	require.NotNil(t, res.Attempts[0].Locator)
	assert.Equal(t, flow.ByXPath("//cancel"), *res.Attempts[0].Locator)
}

func TestPerform_NothingResolves(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	target := flow.MustTarget("ghost", flow.ByID("ghost"), flow.ByXPath("//ghost"))

	res, err := action.NewExecutor(d, opts...).Click(target)
	require.NoError(t, err, "exhaustion is not an error")
	assert.False(t, res.Performed)
	assert.Equal(t, []string{"wait_then_click", "direct_click", "tap_at_center", "native_tap"}, attemptNames(res))
	for _, a := range res.Attempts {
		assert.True(t, a.Skipped)
		assert.Nil(t, a.Locator)
	}
	assert.Empty(t, d.Actions())
	assert.Len(t, d.CallsOf(mock.MethodFind), 8)
	assert.True(t, errors.Is(res.Err(), core.ErrNotActionable))
	assert.Contains(t, res.Err().Error(), "ghost")
}

func TestPerform_ThirdStrategySucceeds(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.AddButton("allow", flow.ByID("allow"))
	el.ClickErr = errors.New("element click intercepted")

	strategies := []action.Strategy{
		action.Named("refuse", func(action.Env, action.Element) error { return errors.New("refused") }),
		action.Named("click", func(env action.Env, e action.Element) error { return env.Driver.Click(e) }),
		action.TapAtCenter{},
	}

	res, err := action.NewExecutor(d, opts...).Perform(flow.MustTarget("allow", flow.ByID("allow")), strategies)
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, "tap_at_center", res.Strategy)
	assert.Equal(t, []string{"refuse", "click", "tap_at_center"}, attemptNames(res))
	assert.Error(t, res.Attempts[0].Err)
	assert.Error(t, res.Attempts[1].Err)
	assert.NoError(t, res.Attempts[2].Err)
	assert.Equal(t, 1, el.Clicks(), "exactly one successful action")
}

func TestPerform_StopsAfterFirstSuccess(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	d.AddButton("ok", flow.ByID("ok"))

	var ran []string
	mk := func(name string, err error) action.Strategy {
		return action.Named(name, func(action.Env, action.Element) error {
			ran = append(ran, name)
			return err
		})
	}

	res, err := action.NewExecutor(d, opts...).Perform(flow.MustTarget("ok", flow.ByID("ok")),
		[]action.Strategy{mk("a", errors.New("no")), mk("b", nil), mk("c", nil)})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Strategy)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestPerform_DisabledElementFallsBackToTap(t *testing.T) {
	clock, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.AddButton("continue", flow.ByID("continue"))
	el.Enabled = false

	res, err := action.NewExecutor(d, opts...).Click(flow.MustTarget("continue", flow.ByID("continue")))
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, "tap_at_center", res.Strategy)
	assert.True(t, errors.Is(res.Attempts[0].Err, core.ErrNotActionable))
	assert.Equal(t, action.DefaultReadyTimeout, clock.Slept(), "wait_then_click waited its full timeout")

	gestures := d.CallsOf(mock.MethodGesture)
	require.Len(t, gestures, 1)
	assert.Equal(t, []core.Point{{X: 200, Y: 225}}, gestures[0].Points)
}

func TestPerform_TapReadsGeometryAtAttemptTime(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.AddButton("menu", flow.ByID("menu"))

	shift := action.Named("shift", func(action.Env, action.Element) error {
		el.Bounds = core.Bounds{X: 0, Y: 1000, Width: 100, Height: 60}
		return errors.New("layout changed")
	})

	res, err := action.NewExecutor(d, opts...).Perform(flow.MustTarget("menu", flow.ByID("menu")),
		[]action.Strategy{shift, action.TapAtCenter{}})
	require.NoError(t, err)
	assert.True(t, res.Performed)
	gestures := d.CallsOf(mock.MethodGesture)
	require.Len(t, gestures, 1)
	assert.Equal(t, []core.Point{{X: 50, Y: 1030}}, gestures[0].Points)
}

func TestPerform_NativeTapLastResort(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.AddButton("checkin", flow.ByID("checkin"))
	el.Displayed = false
	el.GestureErr = errors.New("gesture rejected")

	res, err := action.NewExecutor(d, opts...).Click(flow.MustTarget("checkin", flow.ByID("checkin")))
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, "native_tap", res.Strategy)
	assert.True(t, errors.Is(res.Attempts[0].Err, core.ErrElementNotVisible))
	assert.Len(t, d.CallsOf(mock.MethodNativeTap), 1)
}

func TestPerform_ConfigErrorsBeforeDriverCall(t *testing.T) {
	tests := []struct {
		name       string
		target     flow.Target
		strategies []action.Strategy
		sentinel   error
	}{
		{"empty locators", flow.Target{Name: "empty"}, action.DefaultClickStrategies(), core.ErrEmptyLocators},
		{"invalid locator", flow.Target{Name: "bad", Locators: []flow.Locator{{}}}, action.DefaultClickStrategies(), core.ErrInvalidConfig},
		{"no strategies", flow.MustTarget("ok", flow.ByID("ok")), nil, core.ErrInvalidConfig},
		{"nil strategy", flow.MustTarget("ok", flow.ByID("ok")), []action.Strategy{nil}, core.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &strictDriver{}
			res, err := action.NewExecutor(d).Perform(tt.target, tt.strategies)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.False(t, res.Performed)
			assert.Empty(t, res.Attempts)
			d.AssertNotCalled(t, "FindElement")
		})
	}
}

func TestTypeText(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(el *mock.Element)
		strategy string
	}{
		{"clear and type", func(*mock.Element) {}, "clear_and_type"},
		{"keys ignored, value setter works", func(el *mock.Element) { el.IgnoreKeys = true }, "set_value"},
		{"only shell input works", func(el *mock.Element) {
			el.IgnoreKeys = true
			el.SetValueErr = errors.New("not implemented")
		}, "shell_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, opts := fakeOpts(t)
			d := mock.New(mock.Config{})
			el := d.Add(&mock.Element{Name: "username", Displayed: true, Enabled: true, Text: "old"}, flow.ByID("username"))
			tt.setup(el)

			res, err := action.NewExecutor(d, opts...).TypeText(flow.MustTarget("username", flow.ByID("username")), "jane doe", false)
			require.NoError(t, err)
			assert.True(t, res.Performed)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, "jane doe", el.Text)
		})
	}
}

func TestTypeText_ShellInputEscapesMetacharacters(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.Add(&mock.Element{Name: "password", Displayed: true, Enabled: true}, flow.ByID("password"))

	const secret = `p@ss'w&rd $x`
	res, err := action.NewExecutor(d, opts...).Perform(
		flow.MustTarget("password", flow.ByID("password")),
		[]action.Strategy{action.ShellInput(secret, true)})
	require.NoError(t, err)
	assert.True(t, res.Performed)

	calls := d.CallsOf(mock.MethodShell)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"input", "text", `p@ss\'w\&rd%s\$x`}, calls[0].Args)
	assert.Equal(t, secret, el.Text)
}

func TestTypeText_MaskedFieldAcceptedByHint(t *testing.T) {
	_, opts := fakeOpts(t)
	d := mock.New(mock.Config{})
	el := d.Add(&mock.Element{Name: "password", Displayed: true, Enabled: true, Masked: true}, flow.ByID("password"))

	res, err := action.NewExecutor(d, opts...).TypeText(flow.MustTarget("password", flow.ByID("password")), "s3cret", true)
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.Equal(t, "clear_and_type", res.Strategy)
	assert.Equal(t, "s3cret", el.Text)
}

func TestTypeText_SecretNeverLogged(t *testing.T) {
	clock := action.NewFakeClock(epoch)
	obsCore, logs := observer.New(zapcore.DebugLevel)
	d := mock.New(mock.Config{})
	el := d.Add(&mock.Element{Name: "password", Displayed: true, Enabled: true, IgnoreKeys: true, SetValueErr: errors.New("nope")}, flow.ByID("password"))
	el.Masked = true

	exec := action.NewExecutor(d, action.WithClock(clock), action.WithLogger(zap.New(obsCore)))
	_, err := exec.TypeText(flow.MustTarget("password", flow.ByID("password")), "hunter2", true)
	require.NoError(t, err)

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "hunter2")
		for k, v := range entry.ContextMap() {
			if s, ok := v.(string); ok {
				assert.False(t, strings.Contains(s, "hunter2"), "field %q leaks the secret", k)
			}
		}
	}
}

func TestTypeText_UnsupportedDriver(t *testing.T) {
	d := &strictDriver{}
	d.On("FindElement", flow.ByID("username")).Return(action.Element("e1"), nil)

	res, err := action.NewExecutor(d, action.WithClock(action.NewFakeClock(epoch))).
		TypeText(flow.MustTarget("username", flow.ByID("username")), "jane", false)
	require.NoError(t, err)
	assert.False(t, res.Performed)
	for _, a := range res.Attempts {
		assert.True(t, errors.Is(a.Err, core.ErrUnsupported), a.Strategy)
	}
	d.AssertNotCalled(t, "Click", action.Element("e1"))
}

func TestNativeTap_Unsupported(t *testing.T) {
	env := action.Env{Driver: &strictDriver{}, Clock: action.NewFakeClock(epoch), Interval: time.Second, Log: zap.NewNop()}
	err := action.NativeTap{}.Apply(env, "e1")
	assert.True(t, errors.Is(err, core.ErrUnsupported))
}

func TestTapAtCenter_EmptyBounds(t *testing.T) {
	d := &strictDriver{}
	d.On("Location", action.Element("e1")).Return(core.Point{X: 10, Y: 10}, nil)
	d.On("Size", action.Element("e1")).Return(0, 40, nil)

	env := action.Env{Driver: d, Clock: action.NewFakeClock(epoch), Interval: time.Second, Log: zap.NewNop()}
	err := action.TapAtCenter{}.Apply(env, "e1")
	assert.True(t, errors.Is(err, core.ErrNotActionable))
	d.AssertNotCalled(t, "PerformPointerGesture", []core.Point{{X: 10, Y: 30}})
}

func TestDefaultStrategyOrder(t *testing.T) {
	var names []string
	for _, s := range action.DefaultClickStrategies() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"wait_then_click", "direct_click", "tap_at_center", "native_tap"}, names)

	names = nil
	for _, s := range action.DefaultTextStrategies("x", false) {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"clear_and_type", "click_clear_type", "set_value", "shell_input"}, names)
}
