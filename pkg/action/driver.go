// Package action implements the resilient primitives workflows are built
// from: bounded presence polling, multi-strategy actions and the transient
// dialog dismissal loop. Everything runs sequentially against one Driver.
package action

import (
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// Element is an opaque element handle issued by the driver.
type Element string

// Driver is the device-automation capability set the primitives consume.
// Implementations: appium.Handle, mock.Driver.
//
// FindElement must return an error satisfying errors.Is(err,
// core.ErrElementNotFound) when the locator currently matches nothing.
type Driver interface {
	FindElement(loc flow.Locator) (Element, error)
	IsDisplayed(el Element) (bool, error)
	IsEnabled(el Element) (bool, error)
	Location(el Element) (core.Point, error)
	Size(el Element) (width, height int, err error)
	Click(el Element) error
	// PerformPointerGesture touches down at the first point, moves through
	// the rest and lifts. A single point is a tap.
	PerformPointerGesture(points []core.Point) error
	// HideSoftInput is best-effort; callers ignore its error.
	HideSoftInput() error
}

// TextDriver is implemented by drivers that can edit text fields.
type TextDriver interface {
	Clear(el Element) error
	SendKeys(el Element, text string) error
	Text(el Element) (string, error)
	Attribute(el Element, name string) (string, error)
}

// ValueSetter is implemented by drivers with a direct value setter
// (Appium's element value endpoint).
type ValueSetter interface {
	SetValue(el Element, text string) error
}

// NativeTapper is implemented by drivers with a platform-native tap gesture
// (UiAutomator2 "mobile: clickGesture").
type NativeTapper interface {
	NativeTap(el Element) error
}

// ShellRunner is implemented by drivers that can run device shell commands.
type ShellRunner interface {
	Shell(command string, args ...string) (string, error)
}

// AppController is implemented by drivers that manage the app under test.
type AppController interface {
	ActivateApp(appID string) error
	TerminateApp(appID string) error
	CurrentActivity() (string, error)
}

// Screenshotter is implemented by drivers that can capture the screen.
type Screenshotter interface {
	Screenshot() ([]byte, error)
}

// PageSourcer is implemented by drivers that can dump the UI hierarchy as
// XML.
type PageSourcer interface {
	Source() (string, error)
}
