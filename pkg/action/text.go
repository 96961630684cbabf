package action

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// hintAttribute is reported "false" by UiAutomator2 once a field holds user
// input rather than its placeholder.
const hintAttribute = "showingHintText"

type textStrategy struct {
	name   string
	text   string
	secret bool
	enter  func(env Env, td TextDriver, el Element, text string) error
}

func (s textStrategy) Name() string { return s.name }

func (s textStrategy) Apply(env Env, el Element) error {
	td, ok := env.Driver.(TextDriver)
	if !ok {
		return core.ErrUnsupported.WithMessage("driver cannot edit text")
	}
	env.Log.Debug("entering text", zap.String("strategy", s.name), s.field())
	if err := s.enter(env, td, el, s.text); err != nil {
		return err
	}
	return verifyText(td, el, s.text, s.secret)
}

func (s textStrategy) field() zap.Field {
	if s.secret {
		return zap.String("text", "***")
	}
	return zap.String("text", s.text)
}

// ClearAndType clears the field and sends the text.
func ClearAndType(text string, secret bool) Strategy {
	return textStrategy{name: "clear_and_type", text: text, secret: secret,
		enter: func(_ Env, td TextDriver, el Element, text string) error {
			if err := td.Clear(el); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			return td.SendKeys(el, text)
		}}
}

// ClickClearType focuses the field with a click before clearing and typing.
func ClickClearType(text string, secret bool) Strategy {
	return textStrategy{name: "click_clear_type", text: text, secret: secret,
		enter: func(env Env, td TextDriver, el Element, text string) error {
			if err := env.Driver.Click(el); err != nil {
				return fmt.Errorf("focus: %w", err)
			}
			if err := td.Clear(el); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			return td.SendKeys(el, text)
		}}
}

// SetValue writes the value directly through the driver's value setter.
func SetValue(text string, secret bool) Strategy {
	return textStrategy{name: "set_value", text: text, secret: secret,
		enter: func(env Env, _ TextDriver, el Element, text string) error {
			vs, ok := env.Driver.(ValueSetter)
			if !ok {
				return core.ErrUnsupported.WithMessage("driver has no value setter")
			}
			return vs.SetValue(el, text)
		}}
}

// ShellInput focuses the field and types through the device shell
// ("input text").
func ShellInput(text string, secret bool) Strategy {
	return textStrategy{name: "shell_input", text: text, secret: secret,
		enter: func(env Env, td TextDriver, el Element, text string) error {
			sr, ok := env.Driver.(ShellRunner)
			if !ok {
				return core.ErrUnsupported.WithMessage("driver cannot run shell commands")
			}
			if err := env.Driver.Click(el); err != nil {
				return fmt.Errorf("focus: %w", err)
			}
			if err := td.Clear(el); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			_, err := sr.Shell("input", "text", escapeShellText(text))
			return err
		}}
}

// DefaultTextStrategies returns the text entry strategies from least to
// most invasive.
func DefaultTextStrategies(text string, secret bool) []Strategy {
	return []Strategy{
		ClearAndType(text, secret),
		ClickClearType(text, secret),
		SetValue(text, secret),
		ShellInput(text, secret),
	}
}

// verifyText accepts the entry when the field reads back the text, or when
// the field no longer shows its hint (password fields mask their value).
func verifyText(td TextDriver, el Element, want string, secret bool) error {
	got, err := td.Text(el)
	if err == nil && got == want {
		return nil
	}
	if hint, herr := td.Attribute(el, hintAttribute); herr == nil && hint == "false" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read back text: %w", err)
	}
	if secret {
		return core.ErrNotActionable.WithMessage("field did not accept the secret value")
	}
	return core.ErrNotActionable.WithMessage(fmt.Sprintf("field reads %q, want %q", got, want))
}

// shellMeta are the characters the device shell would interpret in an
// unquoted "input text" argument.
const shellMeta = "\\'\"`$&;|()<>*?[]{}~#!"

// escapeShellText prepares s for "input text": spaces become %s and shell
// metacharacters are backslash escaped.
func escapeShellText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(shellMeta, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
