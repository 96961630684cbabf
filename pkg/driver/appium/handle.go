package appium

import (
	"time"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// swipeStepDuration is the travel time between gesture points.
const swipeStepDuration = 300 * time.Millisecond

// Handle adapts a connected Client to action.Driver and the optional
// capability interfaces.
type Handle struct {
	client *Client
}

var (
	_ action.Driver        = (*Handle)(nil)
	_ action.TextDriver    = (*Handle)(nil)
	_ action.ValueSetter   = (*Handle)(nil)
	_ action.NativeTapper  = (*Handle)(nil)
	_ action.ShellRunner   = (*Handle)(nil)
	_ action.AppController = (*Handle)(nil)
	_ action.Screenshotter = (*Handle)(nil)
	_ action.PageSourcer   = (*Handle)(nil)
)

// NewHandle wraps c.
func NewHandle(c *Client) *Handle {
	return &Handle{client: c}
}

// Client returns the underlying client.
func (h *Handle) Client() *Client { return h.client }

func (h *Handle) FindElement(loc flow.Locator) (action.Element, error) {
	if h.client.SessionID() == "" {
		return "", core.ErrNoSession
	}
	id, err := h.client.FindElement(string(loc.Strategy), loc.Value)
	if err != nil {
		return "", err
	}
	return action.Element(id), nil
}

func (h *Handle) IsDisplayed(el action.Element) (bool, error) {
	return h.client.IsElementDisplayed(string(el))
}

func (h *Handle) IsEnabled(el action.Element) (bool, error) {
	return h.client.IsElementEnabled(string(el))
}

func (h *Handle) Location(el action.Element) (core.Point, error) {
	b, err := h.client.GetElementRect(string(el))
	if err != nil {
		return core.Point{}, err
	}
	return core.Point{X: b.X, Y: b.Y}, nil
}

func (h *Handle) Size(el action.Element) (int, int, error) {
	b, err := h.client.GetElementRect(string(el))
	if err != nil {
		return 0, 0, err
	}
	return b.Width, b.Height, nil
}

func (h *Handle) Click(el action.Element) error {
	return h.client.ClickElement(string(el))
}

func (h *Handle) PerformPointerGesture(points []core.Point) error {
	return h.client.PointerPath(points, swipeStepDuration)
}

func (h *Handle) HideSoftInput() error {
	return h.client.HideKeyboard()
}

func (h *Handle) Clear(el action.Element) error {
	return h.client.ClearElement(string(el))
}

func (h *Handle) SendKeys(el action.Element, text string) error {
	return h.client.SendElementKeys(string(el), text)
}

func (h *Handle) Text(el action.Element) (string, error) {
	return h.client.GetElementText(string(el))
}

func (h *Handle) Attribute(el action.Element, name string) (string, error) {
	return h.client.GetElementAttribute(string(el), name)
}

func (h *Handle) SetValue(el action.Element, text string) error {
	return h.client.SetElementValue(string(el), text)
}

// NativeTap uses UiAutomator2's clickGesture; other platforms report
// core.ErrUnsupported.
func (h *Handle) NativeTap(el action.Element) error {
	if h.client.Platform() == "ios" {
		return core.ErrUnsupported.WithMessage("clickGesture is Android only")
	}
	return h.client.ClickGesture(string(el))
}

func (h *Handle) Shell(command string, args ...string) (string, error) {
	return h.client.Shell(command, args...)
}

func (h *Handle) ActivateApp(appID string) error {
	return h.client.LaunchApp(appID)
}

func (h *Handle) TerminateApp(appID string) error {
	return h.client.TerminateApp(appID)
}

func (h *Handle) CurrentActivity() (string, error) {
	return h.client.CurrentActivity()
}

func (h *Handle) Screenshot() ([]byte, error) {
	return h.client.Screenshot()
}

// Source returns the page source XML.
func (h *Handle) Source() (string, error) {
	return h.client.Source()
}
