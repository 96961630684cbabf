package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/config"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
)

// rejectionPhrases mark a login error message as a credentials rejection.
var rejectionPhrases = []string{
	"not authorized",
	"check your user name and password",
	"invalid",
	"incorrect",
	"failed",
}

// HandleANR answers an "app isn't responding" dialog if one is showing.
// It reports whether a dialog was dismissed.
func (s *Session) HandleANR() (bool, error) {
	var dismissed bool
	err := s.step("handle ANR dialog", func() (stepOutcome, error) {
		report, err := s.dismisser.DismissTransientDialogs(s.catalogs.ANR, action.DismissOptions{
			MaxIterations:      2,
			MinQuietIterations: 1,
			EntryTimeout:       s.settings.Timeouts.ANR,
		})
		if err != nil {
			return stepOutcome{}, err
		}
		dismissed = len(report.Dismissed()) > 0
		return dismissalOutcome(report), nil
	})
	return dismissed, err
}

// DismissDialogs runs the dismissal loop over catalog with opts.
func (s *Session) DismissDialogs(catalog flow.Catalog, opts action.DismissOptions) (action.DismissReport, error) {
	var report action.DismissReport
	err := s.step("dismiss "+catalog.Name+" dialogs", func() (stepOutcome, error) {
		var err error
		report, err = s.dismisser.DismissTransientDialogs(catalog, opts)
		if err != nil {
			return stepOutcome{}, err
		}
		return dismissalOutcome(report), nil
	})
	return report, err
}

// ForceDismiss sweeps every known dialog button once.
func (s *Session) ForceDismiss() (action.DismissReport, error) {
	opts := s.settings.Dismissal
	opts.MaxIterations = 1
	opts.MinQuietIterations = 1
	opts.MinIterations = 0
	opts.InitialGrace = 0
	return s.DismissDialogs(s.catalogs.ForceDismiss, opts)
}

func dismissalOutcome(r action.DismissReport) stepOutcome {
	var unresolved []string
	found := 0
	for _, it := range r.History {
		found += len(it.Found)
		unresolved = append(unresolved, it.Failed...)
		unresolved = append(unresolved, it.Persisted...)
	}
	switch {
	case len(unresolved) > 0:
		return warned("not dismissed: " + strings.Join(unresolved, ", "))
	case found == 0:
		return skipped("no dialogs")
	default:
		return passed(fmt.Sprintf("dismissed %s (%s after %d iterations)",
			strings.Join(r.Dismissed(), ", "), r.Stop, r.Iterations))
	}
}

// loginScreen is the login screen currently showing.
type loginScreen int

const (
	noLoginScreen loginScreen = iota
	urlScreen
	credentialsScreen
)

func (l loginScreen) String() string {
	switch l {
	case urlScreen:
		return "server url"
	case credentialsScreen:
		return "credentials"
	default:
		return "none"
	}
}

// detectLoginScreen polls for the server URL field or the credentials
// dialog, whichever shows first.
func (s *Session) detectLoginScreen(budget time.Duration) (loginScreen, error) {
	sc := s.screens
	res, err := s.poller.AwaitAny(anyOf("login screen", sc.Username, sc.CredentialsTitle, sc.ServerURL), budget)
	if err != nil || !res.IsFound() {
		return noLoginScreen, err
	}
	if contains(sc.ServerURL, res.Locator) {
		return urlScreen, nil
	}
	return credentialsScreen, nil
}

// onHomeScreen reports whether any home header shows within budget.
func (s *Session) onHomeScreen(budget time.Duration) (bool, error) {
	res, err := s.poller.AwaitAny(anyOf("home screen", s.screens.HomeHeaders...), budget)
	if err != nil {
		return false, err
	}
	return res.IsFound(), nil
}

// RestartApp terminates and relaunches the app under test.
func (s *Session) RestartApp() error {
	return s.step("restart app", func() (stepOutcome, error) {
		ac, ok := s.driver.(action.AppController)
		if !ok {
			return stepOutcome{}, core.ErrUnsupported.WithMessage("driver cannot restart the app")
		}
		if s.settings.AppID == "" {
			return stepOutcome{}, core.ErrInvalidConfig.WithMessage("app id is not configured")
		}
		if err := ac.TerminateApp(s.settings.AppID); err != nil {
			s.log.Warn("terminate app failed", zap.String("app", s.settings.AppID), zap.Error(err))
		}
		if err := ac.ActivateApp(s.settings.AppID); err != nil {
			return stepOutcome{}, core.ErrAppNotResponding.WithMessage("relaunch failed").WithCause(err)
		}
		s.settle()
		if activity, err := ac.CurrentActivity(); err == nil {
			s.log.Debug("app relaunched", zap.String("activity", activity))
		}
		return passed("relaunched " + s.settings.AppID), nil
	})
}

// EnsureLoginPage brings the app to the login page: it answers ANR
// dialogs, logs out when already signed in, and otherwise restarts the app
// up to Timeouts.RestartAttempts times.
func (s *Session) EnsureLoginPage() error {
	s.settle()
	if _, err := s.HandleANR(); err != nil {
		return err
	}

	check := func(budget time.Duration) (loginScreen, error) {
		var screen loginScreen
		err := s.step("detect login page", func() (stepOutcome, error) {
			var err error
			screen, err = s.detectLoginScreen(budget)
			if err != nil {
				return stepOutcome{}, err
			}
			if screen == noLoginScreen {
				return skipped("login page not showing"), nil
			}
			return passed(screen.String() + " screen showing"), nil
		})
		return screen, err
	}

	screen, err := check(s.settings.Timeouts.Element)
	if err != nil || screen != noLoginScreen {
		return err
	}

	home, err := s.onHomeScreen(s.settings.Timeouts.Short)
	if err != nil {
		return err
	}
	if home {
		s.log.Info("already logged in, logging out")
		if err := s.Logout(); err != nil {
			return fmt.Errorf("logout before login: %w", err)
		}
		s.settle()
		if screen, err = check(s.settings.Timeouts.Element); err != nil || screen != noLoginScreen {
			return err
		}
	}

	for attempt := 1; attempt <= s.settings.Timeouts.RestartAttempts; attempt++ {
		s.log.Warn("login page not displayed, restarting app",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.settings.Timeouts.RestartAttempts))
		if err := s.RestartApp(); err != nil {
			if core.IsConfigError(err) || isUnsupported(err) {
				break
			}
			continue
		}
		if _, err := s.HandleANR(); err != nil {
			return err
		}
		if screen, err = check(s.settings.Timeouts.Element); err != nil || screen != noLoginScreen {
			return err
		}
	}

	err = core.ErrScreenNotReached.WithMessage("login page not displayed")
	_ = s.step("ensure login page", func() (stepOutcome, error) { return stepOutcome{}, err })
	return err
}

// Login signs in with creds from the server URL screen or the credentials
// dialog, whichever is showing.
func (s *Session) Login(creds config.Credentials) error {
	if err := validateCredentials(creds); err != nil {
		return err
	}
	t := s.settings.Timeouts
	sc := s.screens
	s.settle()

	var screen loginScreen
	err := s.step("detect login screen", func() (stepOutcome, error) {
		var err error
		screen, err = s.detectLoginScreen(t.Screen)
		if err != nil {
			return stepOutcome{}, err
		}
		if screen == noLoginScreen {
			return stepOutcome{}, core.ErrScreenNotReached.WithMessage("neither server url nor credentials screen showing")
		}
		return passed(screen.String() + " screen showing"), nil
	})
	if err != nil {
		return err
	}

	if screen == urlScreen {
		if err := s.submitServerURL(creds.ServerURL); err != nil {
			return err
		}
	}

	if err := s.step("enter username", func() (stepOutcome, error) {
		return s.waitAndType(sc.Username, creds.Username, false, t.Element)
	}); err != nil {
		return err
	}
	if err := s.step("enter password", func() (stepOutcome, error) {
		return s.waitAndType(sc.Password, creds.Password, true, t.Element)
	}); err != nil {
		return err
	}
	s.hideKeyboard()

	return s.step("submit credentials", func() (stepOutcome, error) {
		return s.waitAndClick(sc.Continue, t.Short)
	})
}

func (s *Session) submitServerURL(serverURL string) error {
	t := s.settings.Timeouts
	sc := s.screens

	if err := s.step("enter server url", func() (stepOutcome, error) {
		if serverURL == "" {
			return stepOutcome{}, core.ErrInvalidConfig.WithMessage("missing credentials: server url (server url screen showing)")
		}
		return s.waitAndType(sc.ServerURL, serverURL, false, t.Element)
	}); err != nil {
		return err
	}
	s.hideKeyboard()

	if err := s.step("continue to credentials", func() (stepOutcome, error) {
		return s.waitAndClick(sc.Continue, t.Short)
	}); err != nil {
		return err
	}

	return s.step("wait for credentials dialog", func() (stepOutcome, error) {
		res, err := s.poller.AwaitAny(sc.Username, t.Screen)
		if err != nil {
			return stepOutcome{}, err
		}
		if res.IsFound() {
			return passed("credentials dialog showing"), nil
		}
		// Continue sometimes needs a second press while the server is
		// being resolved.
		still, err := s.poller.AwaitAny(sc.ServerURL, t.Short)
		if err != nil || !still.IsFound() {
			return stepOutcome{}, core.ErrScreenNotReached.WithMessage("credentials dialog did not appear")
		}
		if out, err := s.waitAndClick(sc.Continue, t.Short); err != nil {
			return out, err
		}
		if err := s.await(sc.Username, t.Screen); err != nil {
			return stepOutcome{}, core.ErrScreenNotReached.WithMessage("credentials dialog did not appear").WithCause(err)
		}
		return warned("credentials dialog needed a second continue"), nil
	})
}

// VerifyLogin clears the post-login prompts and checks the home screen
// shows.
func (s *Session) VerifyLogin() error {
	t := s.settings.Timeouts
	if _, err := s.DismissDialogs(s.catalogs.PostLogin, s.settings.Dismissal); err != nil {
		return err
	}

	err := s.step("verify home screen", func() (stepOutcome, error) {
		home, err := s.onHomeScreen(t.Element)
		if err != nil {
			return stepOutcome{}, err
		}
		if home {
			return passed("home screen showing"), nil
		}
		gone, err := s.poller.AwaitAbsence(s.screens.Username.Locators[0], t.Short)
		if err != nil {
			return stepOutcome{}, err
		}
		if gone {
			return warned("home header not found, but login screen is gone"), nil
		}
		return stepOutcome{}, core.ErrScreenNotReached.WithMessage("still on login screen")
	})
	if err != nil {
		return err
	}

	if _, err := s.ForceDismiss(); err != nil {
		return err
	}
	logger.Pass(s.log, "login verified")
	return nil
}

// VerifyInvalidLogin checks the app rejected the credentials: an error
// message, a snackbar or toast, or the login screen still showing.
func (s *Session) VerifyInvalidLogin() error {
	t := s.settings.Timeouts
	sc := s.screens
	return s.step("verify login rejected", func() (stepOutcome, error) {
		res, err := s.poller.AwaitAny(sc.InputError, t.Element)
		if err != nil {
			return stepOutcome{}, err
		}
		if res.IsFound() {
			msg := s.readText(res.Element)
			if isRejection(msg) {
				return passed("error shown: " + msg), nil
			}
			s.log.Debug("input error does not read as a rejection", zap.String("text", msg))
		}
		for _, target := range []flow.Target{sc.Snackbar, sc.Toast} {
			res, err := s.poller.AwaitAny(target, t.Short)
			if err != nil {
				return stepOutcome{}, err
			}
			if res.IsFound() {
				return passed(target.Name + " shown: " + s.readText(res.Element)), nil
			}
		}
		screen, err := s.detectLoginScreen(t.Short)
		if err != nil {
			return stepOutcome{}, err
		}
		if screen != noLoginScreen {
			return passed("still on " + screen.String() + " screen"), nil
		}
		return stepOutcome{}, core.ErrScreenNotReached.WithMessage("login was not rejected")
	})
}

// Logout signs out through the profile menu.
func (s *Session) Logout() error {
	t := s.settings.Timeouts
	for _, target := range []flow.Target{s.screens.ProfileMenu, s.screens.Logout, s.screens.LogoutConfirm} {
		target := target
		if err := s.step("tap "+target.Name, func() (stepOutcome, error) {
			return s.waitAndClick(target, t.Element)
		}); err != nil {
			return err
		}
	}
	logger.Pass(s.log, "logged out")
	return nil
}

// Tap waits up to budget for t and clicks it as a single step. A zero
// budget uses the element timeout.
func (s *Session) Tap(t flow.Target, budget time.Duration) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if budget <= 0 {
		budget = s.settings.Timeouts.Element
	}
	return s.step("tap "+t.Name, func() (stepOutcome, error) {
		return s.waitAndClick(t, budget)
	})
}

func (s *Session) readText(el action.Element) string {
	td, ok := s.driver.(action.TextDriver)
	if !ok {
		return ""
	}
	text, err := td.Text(el)
	if err != nil {
		s.log.Debug("read text failed", zap.Error(err))
	}
	return text
}

func isRejection(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range rejectionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isUnsupported(err error) bool {
	return errors.Is(err, core.ErrUnsupported)
}

// validateCredentials checks the account fields. The server url is only
// needed when the server url screen shows, so it is checked there.
func validateCredentials(c config.Credentials) error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return core.ErrInvalidConfig.WithMessage("missing credentials: " + strings.Join(missing, ", "))
	}
	return nil
}
