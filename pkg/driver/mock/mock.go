// Package mock provides a scriptable in-memory driver for testing without a
// real device.
package mock

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/beevik/etree"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// Call methods recorded by the driver.
const (
	MethodFind       = "find"
	MethodDisplayed  = "displayed"
	MethodEnabled    = "enabled"
	MethodLocation   = "location"
	MethodSize       = "size"
	MethodClick      = "click"
	MethodGesture    = "gesture"
	MethodHideKeys   = "hide_keyboard"
	MethodClear      = "clear"
	MethodSendKeys   = "send_keys"
	MethodText       = "text"
	MethodAttribute  = "attribute"
	MethodSetValue   = "set_value"
	MethodNativeTap  = "native_tap"
	MethodShell      = "shell"
	MethodActivate   = "activate_app"
	MethodTerminate  = "terminate_app"
	MethodActivity   = "current_activity"
	MethodScreenshot = "screenshot"
	MethodSource     = "source"
)

// actionMethods change device state.
var actionMethods = map[string]bool{
	MethodClick: true, MethodGesture: true, MethodClear: true, MethodSendKeys: true,
	MethodSetValue: true, MethodNativeTap: true, MethodShell: true,
	MethodActivate: true, MethodTerminate: true,
}

// Call is one recorded driver call.
type Call struct {
	Method  string
	Element string // element name, if any
	Locator flow.Locator
	Points  []core.Point
	Args    []string
}

// IsAction reports whether the call changes device state.
func (c Call) IsAction() bool { return actionMethods[c.Method] }

// Element is a scripted on-screen element.
type Element struct {
	Name      string
	Displayed bool
	Enabled   bool
	Bounds    core.Bounds
	Text      string
	// Masked fields read back bullets instead of their text.
	Masked bool

	// AppearAfter is how many lookups miss before the element appears.
	AppearAfter int
	// GoneOnClick removes the element once it is clicked or tapped.
	GoneOnClick bool
	// OnClickRemove names other elements a click takes off screen, as a
	// dialog button closes its dialog.
	OnClickRemove []string
	// FindErr is returned by lookups while FindErrCount > 0 (forever when
	// FindErrCount is negative).
	FindErr      error
	FindErrCount int

	ClickErr     error
	GestureErr   error
	NativeTapErr error
	SendKeysErr  error
	SetValueErr  error
	// IgnoreKeys makes SendKeys succeed without changing the text.
	IgnoreKeys bool

	id      int
	handle  action.Element
	lookups int
	clicks  int
	removed bool
}

// Clicks returns how many times the element was clicked or tapped.
func (e *Element) Clicks() int { return e.clicks }

// Config configures mock driver behavior.
type Config struct {
	Platform string
	DeviceID string
	Activity string
	// ScreenshotErr fails every screenshot.
	ScreenshotErr error
	// SourceErr fails every page source dump.
	SourceErr error
}

// Driver is an in-memory device implementing action.Driver and its optional
// capability interfaces. Safe for use from one goroutine at a time; the
// mutex only guards inspection from tests.
type Driver struct {
	Config Config

	// OnCall runs after each recorded call.
	OnCall func(d *Driver, c Call)

	mu       sync.Mutex
	byLoc    map[flow.Locator]*Element
	byHandle map[action.Element]*Element
	calls    []Call
	focused  *Element
	nextID   int
}

var (
	_ action.Driver        = (*Driver)(nil)
	_ action.TextDriver    = (*Driver)(nil)
	_ action.ValueSetter   = (*Driver)(nil)
	_ action.NativeTapper  = (*Driver)(nil)
	_ action.ShellRunner   = (*Driver)(nil)
	_ action.AppController = (*Driver)(nil)
	_ action.Screenshotter = (*Driver)(nil)
	_ action.PageSourcer   = (*Driver)(nil)
)

// New creates a new mock driver with no elements.
func New(cfg Config) *Driver {
	if cfg.Platform == "" {
		cfg.Platform = "mock"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	return &Driver{
		Config:   cfg,
		byLoc:    make(map[flow.Locator]*Element),
		byHandle: make(map[action.Element]*Element),
	}
}

// Add places el on screen, reachable through each of locs.
func (d *Driver) Add(el *Element, locs ...flow.Locator) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	el.id = d.nextID
	el.handle = action.Element(fmt.Sprintf("mock-%d", d.nextID))
	el.removed = false
	d.byHandle[el.handle] = el
	for _, l := range locs {
		d.byLoc[l] = el
	}
	return el
}

// AddButton adds a displayed, enabled element with default bounds.
func (d *Driver) AddButton(name string, locs ...flow.Locator) *Element {
	return d.Add(&Element{
		Name:      name,
		Displayed: true,
		Enabled:   true,
		Bounds:    core.Bounds{X: 100, Y: 200, Width: 200, Height: 50},
	}, locs...)
}

// AddDialog adds a displayed, enabled element that disappears when clicked.
func (d *Driver) AddDialog(name string, locs ...flow.Locator) *Element {
	el := d.AddButton(name, locs...)
	el.GoneOnClick = true
	return el
}

// Remove takes the named element off screen.
func (d *Driver) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, el := range d.byHandle {
		if el.Name == name {
			el.removed = true
		}
	}
}

// Present reports whether the named element is on screen.
func (d *Driver) Present(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, el := range d.byHandle {
		if el.Name == name && !el.removed {
			return true
		}
	}
	return false
}

// Calls returns every recorded call in order.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the recorded calls with the given method.
func (d *Driver) CallsOf(method string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Actions returns the recorded state-changing calls.
func (d *Driver) Actions() []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.IsAction() {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call log.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *Driver) record(c Call) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	hook := d.OnCall
	d.mu.Unlock()
	if hook != nil {
		hook(d, c)
	}
}

func (d *Driver) lookup(h action.Element) (*Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.byHandle[h]
	if !ok || el.removed {
		return nil, core.ErrElementNotFound.WithMessage(fmt.Sprintf("stale element %s", h))
	}
	return el, nil
}

func (d *Driver) clicked(el *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el.clicks++
	d.focused = el
	if el.GoneOnClick {
		el.removed = true
	}
	for _, name := range el.OnClickRemove {
		for _, other := range d.byHandle {
			if other.Name == name {
				other.removed = true
			}
		}
	}
}

// FindElement resolves loc against the scripted screen.
func (d *Driver) FindElement(loc flow.Locator) (action.Element, error) {
	d.mu.Lock()
	el, ok := d.byLoc[loc]
	var (
		h   action.Element
		err error
	)
	switch {
	case !ok || el.removed:
		err = core.ErrElementNotFound.WithMessage("no such element: " + loc.String())
	case el.FindErr != nil && el.FindErrCount != 0:
		if el.FindErrCount > 0 {
			el.FindErrCount--
		}
		err = el.FindErr
	case el.lookups < el.AppearAfter:
		el.lookups++
		err = core.ErrElementNotFound.WithMessage("no such element: " + loc.String())
	default:
		el.lookups++
		h = el.handle
	}
	name := ""
	if ok {
		name = el.Name
	}
	d.mu.Unlock()

	d.record(Call{Method: MethodFind, Locator: loc, Element: name})
	return h, err
}

func (d *Driver) IsDisplayed(h action.Element) (bool, error) {
	el, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	d.record(Call{Method: MethodDisplayed, Element: el.Name})
	return el.Displayed, nil
}

func (d *Driver) IsEnabled(h action.Element) (bool, error) {
	el, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	d.record(Call{Method: MethodEnabled, Element: el.Name})
	return el.Enabled, nil
}

func (d *Driver) Location(h action.Element) (core.Point, error) {
	el, err := d.lookup(h)
	if err != nil {
		return core.Point{}, err
	}
	d.record(Call{Method: MethodLocation, Element: el.Name})
	return core.Point{X: el.Bounds.X, Y: el.Bounds.Y}, nil
}

func (d *Driver) Size(h action.Element) (int, int, error) {
	el, err := d.lookup(h)
	if err != nil {
		return 0, 0, err
	}
	d.record(Call{Method: MethodSize, Element: el.Name})
	return el.Bounds.Width, el.Bounds.Height, nil
}

func (d *Driver) Click(h action.Element) error {
	el, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.record(Call{Method: MethodClick, Element: el.Name})
	if el.ClickErr != nil {
		return el.ClickErr
	}
	d.clicked(el)
	return nil
}

// PerformPointerGesture taps the topmost present element containing the
// first point when the gesture is a single point.
func (d *Driver) PerformPointerGesture(points []core.Point) error {
	if len(points) == 0 {
		return fmt.Errorf("gesture needs at least one point")
	}
	d.mu.Lock()
	var hit *Element
	for _, el := range d.byHandle {
		if !el.removed && el.Bounds.Contains(points[0]) && (hit == nil || el.id > hit.id) {
			hit = el
		}
	}
	d.mu.Unlock()

	c := Call{Method: MethodGesture, Points: append([]core.Point(nil), points...)}
	if hit != nil {
		c.Element = hit.Name
	}
	d.record(c)
	if hit == nil || len(points) > 1 {
		return nil
	}
	if hit.GestureErr != nil {
		return hit.GestureErr
	}
	d.clicked(hit)
	return nil
}

func (d *Driver) HideSoftInput() error {
	d.record(Call{Method: MethodHideKeys})
	return nil
}

func (d *Driver) Clear(h action.Element) error {
	el, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.record(Call{Method: MethodClear, Element: el.Name})
	d.mu.Lock()
	el.Text = ""
	d.mu.Unlock()
	return nil
}

func (d *Driver) SendKeys(h action.Element, text string) error {
	el, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.record(Call{Method: MethodSendKeys, Element: el.Name, Args: []string{text}})
	if el.SendKeysErr != nil {
		return el.SendKeysErr
	}
	if !el.IgnoreKeys {
		d.mu.Lock()
		el.Text += text
		d.mu.Unlock()
	}
	return nil
}

func (d *Driver) Text(h action.Element) (string, error) {
	el, err := d.lookup(h)
	if err != nil {
		return "", err
	}
	d.record(Call{Method: MethodText, Element: el.Name})
	if el.Masked {
		return strings.Repeat("•", len([]rune(el.Text))), nil
	}
	return el.Text, nil
}

// Attribute supports "showingHintText", "text" and "enabled".
func (d *Driver) Attribute(h action.Element, name string) (string, error) {
	el, err := d.lookup(h)
	if err != nil {
		return "", err
	}
	d.record(Call{Method: MethodAttribute, Element: el.Name, Args: []string{name}})
	switch name {
	case "showingHintText":
		return fmt.Sprint(el.Text == ""), nil
	case "text":
		return el.Text, nil
	case "enabled":
		return fmt.Sprint(el.Enabled), nil
	}
	return "", fmt.Errorf("unknown attribute %q", name)
}

func (d *Driver) SetValue(h action.Element, text string) error {
	el, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.record(Call{Method: MethodSetValue, Element: el.Name, Args: []string{text}})
	if el.SetValueErr != nil {
		return el.SetValueErr
	}
	d.mu.Lock()
	el.Text = text
	d.mu.Unlock()
	return nil
}

func (d *Driver) NativeTap(h action.Element) error {
	el, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.record(Call{Method: MethodNativeTap, Element: el.Name})
	if el.NativeTapErr != nil {
		return el.NativeTapErr
	}
	d.clicked(el)
	return nil
}

// Shell records the command. "input text" types into the focused element.
func (d *Driver) Shell(command string, args ...string) (string, error) {
	d.record(Call{Method: MethodShell, Args: append([]string{command}, args...)})
	if command == "input" && len(args) == 2 && args[0] == "text" {
		d.mu.Lock()
		if d.focused != nil && !d.focused.removed {
			d.focused.Text += shellArg(args[1])
		}
		d.mu.Unlock()
	}
	return "", nil
}

// shellArg decodes an "input text" argument the way the device shell and
// the input tool would: backslash escapes are removed and %s is a space.
func shellArg(arg string) string {
	var b strings.Builder
	for i := 0; i < len(arg); i++ {
		switch {
		case arg[i] == '\\' && i+1 < len(arg):
			i++
			b.WriteByte(arg[i])
		case arg[i] == '%' && i+1 < len(arg) && arg[i+1] == 's':
			i++
			b.WriteByte(' ')
		default:
			b.WriteByte(arg[i])
		}
	}
	return b.String()
}

func (d *Driver) ActivateApp(appID string) error {
	d.record(Call{Method: MethodActivate, Args: []string{appID}})
	return nil
}

func (d *Driver) TerminateApp(appID string) error {
	d.record(Call{Method: MethodTerminate, Args: []string{appID}})
	return nil
}

func (d *Driver) CurrentActivity() (string, error) {
	d.record(Call{Method: MethodActivity})
	return d.Config.Activity, nil
}

// Screenshot returns a minimal PNG image.
func (d *Driver) Screenshot() ([]byte, error) {
	d.record(Call{Method: MethodScreenshot})
	if d.Config.ScreenshotErr != nil {
		return nil, d.Config.ScreenshotErr
	}
	// Minimal valid PNG (1x1 transparent pixel)
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}, nil
}

// Source renders the elements on screen as a UiAutomator2 style hierarchy.
// Each element becomes one node; its id, accessibility id and class name
// locators fill the matching attributes.
func (d *Driver) Source() (string, error) {
	d.record(Call{Method: MethodSource})
	if d.Config.SourceErr != nil {
		return "", d.Config.SourceErr
	}

	d.mu.Lock()
	locs := make(map[*Element][]flow.Locator)
	for loc, el := range d.byLoc {
		if !el.removed {
			locs[el] = append(locs[el], loc)
		}
	}
	els := make([]*Element, 0, len(locs))
	for el := range locs {
		els = append(els, el)
	}
	d.mu.Unlock()
	sort.Slice(els, func(i, j int) bool { return els[i].id < els[j].id })

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("hierarchy")
	root.CreateAttr("rotation", "0")
	for _, el := range els {
		node := root.CreateElement("node")
		class := "android.view.View"
		for _, loc := range locs[el] {
			switch loc.Strategy {
			case flow.StrategyID:
				node.CreateAttr("resource-id", loc.Value)
			case flow.StrategyAccessibilityID:
				node.CreateAttr("content-desc", loc.Value)
			case flow.StrategyClassName:
				class = loc.Value
			}
		}
		text := el.Text
		if el.Masked {
			text = strings.Repeat("•", len([]rune(el.Text)))
		}
		b := el.Bounds
		node.CreateAttr("class", class)
		node.CreateAttr("text", text)
		node.CreateAttr("enabled", fmt.Sprint(el.Enabled))
		node.CreateAttr("displayed", fmt.Sprint(el.Displayed))
		node.CreateAttr("bounds", fmt.Sprintf("[%d,%d][%d,%d]", b.X, b.Y, b.X+b.Width, b.Y+b.Height))
	}
	doc.Indent(2)
	return doc.WriteToString()
}
