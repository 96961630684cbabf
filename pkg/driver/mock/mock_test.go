package mock

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

func TestFindElement_NotFound(t *testing.T) {
	d := New(Config{})
	_, err := d.FindElement(flow.ByID("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrElementNotFound))
	assert.Len(t, d.CallsOf(MethodFind), 1)
}

func TestFindElement_AppearAfter(t *testing.T) {
	d := New(Config{})
	el := d.AddButton("ok", flow.ByID("ok"))
	el.AppearAfter = 2

	for i := 0; i < 2; i++ {
		_, err := d.FindElement(flow.ByID("ok"))
		assert.Error(t, err)
	}
	h, err := d.FindElement(flow.ByID("ok"))
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestFindElement_TransientError(t *testing.T) {
	d := New(Config{})
	el := d.AddButton("ok", flow.ByID("ok"))
	boom := errors.New("socket hang up")
	el.FindErr = boom
	el.FindErrCount = 1

	_, err := d.FindElement(flow.ByID("ok"))
	assert.ErrorIs(t, err, boom)
	_, err = d.FindElement(flow.ByID("ok"))
	assert.NoError(t, err)
}

func TestClick_GoneOnClick(t *testing.T) {
	d := New(Config{})
	d.AddDialog("allow", flow.ByID("allow"))

	h, err := d.FindElement(flow.ByID("allow"))
	require.NoError(t, err)
	require.NoError(t, d.Click(h))
	assert.False(t, d.Present("allow"))

	_, err = d.FindElement(flow.ByID("allow"))
	assert.True(t, errors.Is(err, core.ErrElementNotFound))
	assert.True(t, errors.Is(d.Click(h), core.ErrElementNotFound), "stale handle")
}

func TestPerformPointerGesture_HitsElement(t *testing.T) {
	d := New(Config{})
	el := d.AddButton("ok", flow.ByID("ok"))

	require.NoError(t, d.PerformPointerGesture([]core.Point{{X: 200, Y: 225}}))
	assert.Equal(t, 1, el.Clicks())

	require.NoError(t, d.PerformPointerGesture([]core.Point{{X: 5, Y: 5}}))
	assert.Equal(t, 1, el.Clicks())
	assert.Len(t, d.Actions(), 2)
}

func TestTextAndShell(t *testing.T) {
	d := New(Config{})
	d.Add(&Element{Name: "password", Displayed: true, Enabled: true, Masked: true}, flow.ByID("pw"))
	h, err := d.FindElement(flow.ByID("pw"))
	require.NoError(t, err)

	require.NoError(t, d.Click(h))
	_, err = d.Shell("input", "text", "a%sb")
	require.NoError(t, err)

	text, err := d.Text(h)
	require.NoError(t, err)
	assert.Equal(t, "•••", text)
	hint, err := d.Attribute(h, "showingHintText")
	require.NoError(t, err)
	assert.Equal(t, "false", hint)
}

func TestOnCallHook(t *testing.T) {
	d := New(Config{})
	var seen []string
	d.OnCall = func(_ *Driver, c Call) { seen = append(seen, c.Method) }

	_ = d.HideSoftInput()
	_, _ = d.CurrentActivity()
	assert.Equal(t, []string{MethodHideKeys, MethodActivity}, seen)

	d.Reset()
	assert.Empty(t, d.Calls())
}

func TestSource(t *testing.T) {
	d := New(Config{})
	d.AddButton("save", flow.ByID("app:id/save"), flow.ByAccessibilityID("Save"))
	pw := d.Add(&Element{Name: "password", Displayed: true, Enabled: true, Masked: true, Text: "abc"}, flow.ByID("app:id/password"))
	d.AddButton("gone", flow.ByID("app:id/gone"))
	d.Remove("gone")

	src, err := d.Source()
	require.NoError(t, err)
	assert.Contains(t, src, `<hierarchy rotation="0">`)
	assert.Contains(t, src, `resource-id="app:id/save"`)
	assert.Contains(t, src, `content-desc="Save"`)
	assert.Contains(t, src, `bounds="[100,200][300,250]"`)
	assert.Contains(t, src, `text="•••"`)
	assert.NotContains(t, src, "app:id/gone")
	assert.Less(t, strings.Index(src, "app:id/save"), strings.Index(src, "app:id/password"))
	assert.Equal(t, "abc", pw.Text)

	d.Config.SourceErr = errors.New("session gone")
	_, err = d.Source()
	assert.Error(t, err)
}
