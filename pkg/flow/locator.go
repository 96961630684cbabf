// Package flow holds the locator, target and dialog catalog definitions that
// workflows hand to the action primitives, and parses them from YAML files.
package flow

import (
	"fmt"
	"strings"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// Strategy is the W3C / Appium "using" value of a locator.
type Strategy string

// Locator strategies understood by Appium.
const (
	StrategyID              Strategy = "id"
	StrategyXPath           Strategy = "xpath"
	StrategyUiAutomator     Strategy = "-android uiautomator"
	StrategyAccessibilityID Strategy = "accessibility id"
	StrategyPredicate       Strategy = "-ios predicate string"
	StrategyClassName       Strategy = "class name"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyID, StrategyXPath, StrategyUiAutomator, StrategyAccessibilityID,
		StrategyPredicate, StrategyClassName:
		return true
	}
	return false
}

// Locator describes how to find one on-screen element.
// Pure data - the driver decides how to query it.
type Locator struct {
	Strategy Strategy
	Value    string
}

// ByID locates by resource id.
func ByID(id string) Locator { return Locator{Strategy: StrategyID, Value: id} }

// ByXPath locates by structural path.
func ByXPath(xpath string) Locator { return Locator{Strategy: StrategyXPath, Value: xpath} }

// ByUiAutomator locates with an Android UiSelector expression.
func ByUiAutomator(expr string) Locator {
	return Locator{Strategy: StrategyUiAutomator, Value: expr}
}

// ByAccessibilityID locates by content-desc (Android) or accessibility identifier (iOS).
func ByAccessibilityID(id string) Locator {
	return Locator{Strategy: StrategyAccessibilityID, Value: id}
}

// ByPredicate locates with an iOS predicate string.
func ByPredicate(predicate string) Locator {
	return Locator{Strategy: StrategyPredicate, Value: predicate}
}

// ByClassName locates by widget class.
func ByClassName(class string) Locator {
	return Locator{Strategy: StrategyClassName, Value: class}
}

// ResourceID builds the three equivalent locators the Engage screens are
// usually addressed by: plain id, UiSelector on the resource id, and an
// xpath restricted to the given widget class.
func ResourceID(id, widgetClass string) []Locator {
	locs := []Locator{
		ByID(id),
		ByUiAutomator(fmt.Sprintf(`new UiSelector().resourceId("%s")`, escapeQuoted(id))),
	}
	if widgetClass != "" {
		locs = append(locs, ByXPath(fmt.Sprintf(`//%s[@resource-id="%s"]`, widgetClass, id)))
	}
	return locs
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.Strategy == "" && l.Value == ""
}

// Validate returns a configuration error for unusable locators.
func (l Locator) Validate() error {
	if l.IsZero() {
		return core.ErrInvalidConfig.WithMessage("empty locator")
	}
	if !l.Strategy.Valid() {
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown locator strategy %q", l.Strategy))
	}
	if strings.TrimSpace(l.Value) == "" {
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("locator %q has no value", l.Strategy))
	}
	return nil
}

// String returns a human-readable description of the locator.
func (l Locator) String() string {
	return fmt.Sprintf("%s=%s", l.Strategy, l.Value)
}

func escapeQuoted(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
