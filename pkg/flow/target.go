package flow

import (
	"fmt"
	"strings"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// Target is a named group of equivalent locators for one logical element.
// Order is the caller's priority; equivalence is never inferred.
type Target struct {
	Name     string
	Locators []Locator
}

// NewTarget builds a validated target.
func NewTarget(name string, locators ...Locator) (Target, error) {
	t := Target{Name: name, Locators: append([]Locator(nil), locators...)}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// MustTarget is NewTarget for package-level definitions; it panics on
// configuration errors.
func MustTarget(name string, locators ...Locator) Target {
	t, err := NewTarget(name, locators...)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks the target has at least one valid locator.
func (t Target) Validate() error {
	if len(t.Locators) == 0 {
		return core.ErrEmptyLocators.WithMessage(fmt.Sprintf("target %q has no locators", t.Name))
	}
	for i, l := range t.Locators {
		if err := l.Validate(); err != nil {
			return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("target %q locator %d", t.Name, i)).WithCause(err)
		}
	}
	return nil
}

// Describe returns a human-readable description for logs.
func (t Target) Describe() string {
	parts := make([]string, len(t.Locators))
	for i, l := range t.Locators {
		parts[i] = l.String()
	}
	if t.Name == "" {
		return strings.Join(parts, " | ")
	}
	return fmt.Sprintf("%s [%s]", t.Name, strings.Join(parts, " | "))
}

// DialogEntry is one transient dialog the dismissal loop watches for.
type DialogEntry struct {
	Name string
	// Detect marks the dialog as present.
	Detect Target
	// Dismiss is the control clicked to clear it. Empty means Detect.
	Dismiss Target
	// Verify, when set, is re-polled after dismissal expecting absence.
	Verify *Locator
}

// DismissTarget returns the target to click.
func (e DialogEntry) DismissTarget() Target {
	if len(e.Dismiss.Locators) == 0 {
		return e.Detect
	}
	return e.Dismiss
}

// Validate checks detection, dismissal and verification locators.
func (e DialogEntry) Validate() error {
	if err := e.Detect.Validate(); err != nil {
		return err
	}
	if len(e.Dismiss.Locators) > 0 {
		if err := e.Dismiss.Validate(); err != nil {
			return err
		}
	}
	if e.Verify != nil {
		if err := e.Verify.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Catalog is the ordered set of dialogs the dismissal loop scans for.
// Entries are checked in slice order on every iteration.
type Catalog struct {
	Name    string
	Entries []DialogEntry
}

// Validate checks every entry.
func (c Catalog) Validate() error {
	for _, e := range c.Entries {
		if err := e.Validate(); err != nil {
			return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("catalog %q entry %q", c.Name, e.Name)).WithCause(err)
		}
	}
	return nil
}

// Names returns entry names in priority order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		names[i] = e.Name
	}
	return names
}
