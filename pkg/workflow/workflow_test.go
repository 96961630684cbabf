package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/config"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/driver/mock"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var creds = config.Credentials{
	ServerURL: "acme.condecosoftware.com",
	Username:  "jane.doe",
	Password:  "s3cret pass",
}

func testSettings() workflow.Settings {
	return workflow.Settings{
		AppID:    workflow.AppPackage,
		Platform: "android",
		Timeouts: config.TimeoutConfig{
			PollInterval:    500 * time.Millisecond,
			Element:         10 * time.Second,
			Short:           2 * time.Second,
			Screen:          30 * time.Second,
			ANR:             3 * time.Second,
			Settle:          2 * time.Second,
			RestartAttempts: 2,
		},
		Dismissal: action.DismissOptions{
			MaxIterations:       15,
			MinQuietIterations:  3,
			MinIterations:       3,
			InterIterationDelay: time.Second,
			InitialGrace:        2 * time.Second,
			EntryTimeout:        time.Second,
			VerifyTimeout:       time.Second,
		},
	}
}

// app scripts the Engage screens on a mock driver.
type app struct {
	t  *testing.T
	d  *mock.Driver
	sc workflow.Screens
}

func newApp(t *testing.T) *app {
	return &app{t: t, d: mock.New(mock.Config{Platform: "android"}), sc: workflow.DefaultScreens()}
}

func (a *app) add(name string, target flow.Target) *mock.Element {
	return a.d.AddButton(name, target.Locators[0])
}

func (a *app) urlScreen() {
	a.add("server url", a.sc.ServerURL)
	a.add("continue", a.sc.Continue)
}

func (a *app) credentialsScreen() {
	a.add("credentials title", a.sc.CredentialsTitle)
	a.add("username", a.sc.Username)
	pw := a.add("password", a.sc.Password)
	pw.Masked = true
	if !a.d.Present("continue") {
		a.add("continue", a.sc.Continue)
	}
}

func (a *app) homeScreen() {
	a.add("today", a.sc.HomeHeaders[0])
	a.add("profile menu", a.sc.ProfileMenu)
}

func (a *app) clearScreen() {
	for _, name := range []string{"server url", "continue", "credentials title", "username", "password"} {
		a.d.Remove(name)
	}
}

// transitions makes continue advance url, credentials, home, ignoring
// the first skipContinue presses.
func (a *app) transitions(skipContinue int) {
	presses := 0
	a.d.OnCall = func(d *mock.Driver, c mock.Call) {
		if c.Method != mock.MethodClick || c.Element != "continue" {
			return
		}
		presses++
		if presses <= skipContinue {
			return
		}
		switch {
		case d.Present("server url"):
			d.Remove("server url")
			a.credentialsScreen()
		case d.Present("username"):
			a.clearScreen()
			a.homeScreen()
		}
	}
}

func (a *app) session() (*workflow.Session, *action.FakeClock) {
	clock := action.NewFakeClock(epoch)
	s := workflow.NewSession(a.d, testSettings(),
		workflow.WithClock(clock),
		workflow.WithLogger(zaptest.NewLogger(a.t)))
	return s, clock
}

func stepNames(steps []core.StepResult) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func stepStatus(t *testing.T, steps []core.StepResult, name string) core.StepStatus {
	t.Helper()
	for _, s := range steps {
		if s.Name == name {
			return s.Status
		}
	}
	t.Fatalf("step %q not recorded in %v", name, stepNames(steps))
	return core.StatusPending
}

func clickedNames(d *mock.Driver) []string {
	var out []string
	for _, c := range d.CallsOf(mock.MethodClick) {
		out = append(out, c.Element)
	}
	return out
}

func TestLogin_FromServerURLScreen(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	a.transitions(0)
	s, _ := a.session()

	require.NoError(t, s.Login(creds))

	assert.Equal(t, []string{
		"detect login screen",
		"enter server url",
		"continue to credentials",
		"wait for credentials dialog",
		"enter username",
		"enter password",
		"submit credentials",
	}, stepNames(s.Steps()))
	for _, st := range s.Steps() {
		assert.Equal(t, core.StatusPassed, st.Status, st.Name)
	}
	assert.True(t, a.d.Present("today"), "home screen reached")

	var typed []string
	for _, c := range a.d.CallsOf(mock.MethodSendKeys) {
		typed = append(typed, c.Element+"="+c.Args[0])
	}
	assert.Equal(t, []string{
		"server url=" + creds.ServerURL,
		"username=" + creds.Username,
		"password=" + creds.Password,
	}, typed)
	assert.NotEmpty(t, a.d.CallsOf(mock.MethodHideKeys))
}

func TestLogin_CredentialsScreenSkipsServerURL(t *testing.T) {
	a := newApp(t)
	a.credentialsScreen()
	a.transitions(0)
	s, _ := a.session()

	require.NoError(t, s.Login(creds))

	names := stepNames(s.Steps())
	assert.NotContains(t, names, "enter server url")
	assert.Equal(t, "detect login screen", names[0])
	assert.Equal(t, "submit credentials", names[len(names)-1])
	assert.True(t, a.d.Present("today"))
}

func TestLogin_CredentialsScreenWithoutServerURL(t *testing.T) {
	a := newApp(t)
	a.credentialsScreen()
	a.transitions(0)
	s, _ := a.session()

	noURL := creds
	noURL.ServerURL = ""
	require.NoError(t, s.Login(noURL))
	assert.True(t, a.d.Present("today"))
}

func TestLogin_ServerURLScreenNeedsURL(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	s, _ := a.session()

	noURL := creds
	noURL.ServerURL = ""
	err := s.Login(noURL)

	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
	assert.Contains(t, err.Error(), "server url")
	assert.Equal(t, core.StatusErrored, stepStatus(t, s.Steps(), "enter server url"))
	assert.Empty(t, a.d.Actions())
}

func TestLogin_SecondContinuePress(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	a.transitions(1)
	s, _ := a.session()

	require.NoError(t, s.Login(creds))

	steps := s.Steps()
	assert.Equal(t, core.StatusWarned, stepStatus(t, steps, "wait for credentials dialog"))
	assert.Equal(t, []string{"continue", "continue", "continue"}, clickedNames(a.d))
}

func TestLogin_NoLoginScreen(t *testing.T) {
	a := newApp(t)
	s, clock := a.session()

	err := s.Login(creds)

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrScreenNotReached))
	assert.GreaterOrEqual(t, clock.Slept(), 32*time.Second, "settle plus screen budget")
	assert.Empty(t, a.d.Actions())

	steps := s.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, core.StatusFailed, steps[0].Status)
	assert.Equal(t, core.ErrCategoryAssertion, steps[0].Category)
	require.Len(t, steps[0].Attachments, 2)
	assert.Equal(t, core.ContentTypePNG, steps[0].Attachments[0].ContentType)
	assert.Equal(t, core.ContentTypeXML, steps[0].Attachments[1].ContentType)
	assert.Contains(t, string(steps[0].Attachments[1].Body), "<hierarchy")
}

func TestLogin_MissingCredentials(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	s, clock := a.session()

	err := s.Login(config.Credentials{ServerURL: "acme"})

	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
	assert.Contains(t, err.Error(), "username, password")
	assert.Empty(t, a.d.Calls())
	assert.Zero(t, clock.Slept())
}

func TestLogin_FieldRefusesInput(t *testing.T) {
	a := newApp(t)
	a.add("credentials title", a.sc.CredentialsTitle)
	a.add("continue", a.sc.Continue)
	// Drops keys, has no working value setter and cannot be focused, so
	// every text strategy fails.
	user := a.add("username", a.sc.Username)
	user.IgnoreKeys = true
	user.SetValueErr = errors.New("value endpoint unavailable")
	user.ClickErr = errors.New("element click intercepted")
	s, _ := a.session()

	err := s.Login(creds)

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotActionable))
	assert.Contains(t, err.Error(), "shell_input")
	assert.Equal(t, core.StatusFailed, stepStatus(t, s.Steps(), "enter username"))
	assert.Empty(t, a.d.CallsOf(mock.MethodShell), "shell input needs focus first")
}

func TestEnsureLoginPage_AlreadyShowing(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	s, _ := a.session()

	require.NoError(t, s.EnsureLoginPage())

	steps := s.Steps()
	assert.Equal(t, []string{"handle ANR dialog", "detect login page"}, stepNames(steps))
	assert.Equal(t, core.StatusSkipped, steps[0].Status)
	assert.Equal(t, core.StatusPassed, steps[1].Status)
	assert.Empty(t, a.d.Actions())
}

func TestEnsureLoginPage_AnswersANR(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	a.d.AddButton("anr title", flow.ByID("android:id/alertTitle"))
	wait := a.d.AddDialog("anr wait", flow.ByID("android:id/aerr_wait"))
	wait.OnClickRemove = []string{"anr title"}
	s, _ := a.session()

	require.NoError(t, s.EnsureLoginPage())

	assert.Equal(t, 1, wait.Clicks())
	assert.Equal(t, core.StatusPassed, stepStatus(t, s.Steps(), "handle ANR dialog"))
}

func TestEnsureLoginPage_LogsOutFromHome(t *testing.T) {
	a := newApp(t)
	a.homeScreen()
	a.add("logout", a.sc.Logout)
	a.add("logout confirm", a.sc.LogoutConfirm)
	a.d.OnCall = func(d *mock.Driver, c mock.Call) {
		if c.Method == mock.MethodClick && c.Element == "logout confirm" {
			for _, name := range []string{"today", "profile menu", "logout", "logout confirm"} {
				d.Remove(name)
			}
			a.urlScreen()
		}
	}
	s, _ := a.session()

	require.NoError(t, s.EnsureLoginPage())

	assert.Equal(t, []string{"profile menu", "logout", "logout confirm"}, clickedNames(a.d))
	assert.Empty(t, a.d.CallsOf(mock.MethodActivate), "no restart needed")
	assert.Contains(t, stepNames(s.Steps()), "tap logout confirm")
}

func TestEnsureLoginPage_RestartsApp(t *testing.T) {
	a := newApp(t)
	a.d.OnCall = func(d *mock.Driver, c mock.Call) {
		if c.Method == mock.MethodActivate {
			a.urlScreen()
		}
	}
	s, _ := a.session()

	require.NoError(t, s.EnsureLoginPage())

	terminate := a.d.CallsOf(mock.MethodTerminate)
	activate := a.d.CallsOf(mock.MethodActivate)
	require.Len(t, terminate, 1)
	require.Len(t, activate, 1)
	assert.Equal(t, []string{workflow.AppPackage}, activate[0].Args)
	assert.Equal(t, core.StatusPassed, stepStatus(t, s.Steps(), "restart app"))
}

func TestEnsureLoginPage_GivesUpAfterRestarts(t *testing.T) {
	a := newApp(t)
	s, _ := a.session()

	err := s.EnsureLoginPage()

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrScreenNotReached))
	assert.Len(t, a.d.CallsOf(mock.MethodActivate), testSettings().Timeouts.RestartAttempts)

	res := s.Result(err)
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, "ensure login page", res.Steps[len(res.Steps)-1].Name)
}

func TestVerifyLogin_DismissesPromptsThenChecksHome(t *testing.T) {
	a := newApp(t)
	a.homeScreen()
	allow := a.d.AddDialog("permission allow", flow.ByID("com.android.permissioncontroller:id/permission_allow_button"))
	allow.AppearAfter = 1
	s, _ := a.session()

	require.NoError(t, s.VerifyLogin())

	assert.Equal(t, 1, allow.Clicks())
	steps := s.Steps()
	assert.Equal(t, []string{"dismiss post_login dialogs", "verify home screen", "dismiss force_dismiss dialogs"}, stepNames(steps))
	assert.Equal(t, core.StatusPassed, steps[0].Status)
	assert.Contains(t, steps[0].Message, "permission allow")
	assert.Equal(t, core.StatusPassed, steps[1].Status)
	assert.Equal(t, core.StatusSkipped, steps[2].Status)
}

func TestVerifyLogin_StillOnLoginScreen(t *testing.T) {
	a := newApp(t)
	a.credentialsScreen()
	s, _ := a.session()

	err := s.VerifyLogin()

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrScreenNotReached))
	assert.Equal(t, core.StatusFailed, stepStatus(t, s.Steps(), "verify home screen"))
}

func TestVerifyInvalidLogin(t *testing.T) {
	t.Run("error message", func(t *testing.T) {
		a := newApp(t)
		a.credentialsScreen()
		a.add("input error", a.sc.InputError).Text = "Please check your user name and password"
		s, _ := a.session()

		require.NoError(t, s.VerifyInvalidLogin())
		assert.Contains(t, s.Steps()[0].Message, "check your user name")
	})

	t.Run("still on login screen", func(t *testing.T) {
		a := newApp(t)
		a.credentialsScreen()
		s, _ := a.session()

		require.NoError(t, s.VerifyInvalidLogin())
		assert.Equal(t, "still on credentials screen", s.Steps()[0].Message)
	})

	t.Run("logged in", func(t *testing.T) {
		a := newApp(t)
		a.homeScreen()
		s, _ := a.session()

		err := s.VerifyInvalidLogin()
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrScreenNotReached))
	})
}

func TestResult_Summary(t *testing.T) {
	a := newApp(t)
	a.urlScreen()
	a.transitions(0)
	s, clock := a.session()

	s.Begin("login")
	require.NoError(t, s.Login(creds))
	clock.Advance(time.Second)
	res := s.Result(nil)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "login", res.Name)
	assert.Equal(t, "android", res.Platform)
	assert.Equal(t, core.StatusPassed, res.Status)
	assert.Equal(t, 7, res.PassedSteps)
	assert.Equal(t, epoch, res.StartTime)
	assert.Equal(t, clock.Now().Sub(epoch), res.Duration)
	for i, st := range res.Steps {
		assert.Equal(t, i, st.Index)
	}
}

func TestTap(t *testing.T) {
	a := newApp(t)
	a.homeScreen()
	s, _ := a.session()

	s.Begin("tap")
	require.NoError(t, s.Tap(a.sc.ProfileMenu, 0))
	steps := s.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "tap "+a.sc.ProfileMenu.Name, steps[0].Name)
	assert.Equal(t, core.StatusPassed, steps[0].Status)
}

func TestTap_Missing(t *testing.T) {
	a := newApp(t)
	s, clock := a.session()

	s.Begin("tap")
	err := s.Tap(a.sc.Logout, 3*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrElementNotFound))
	assert.GreaterOrEqual(t, clock.Now().Sub(epoch), 3*time.Second)
}

func TestTap_InvalidTarget(t *testing.T) {
	s, _ := newApp(t).session()
	err := s.Tap(flow.Target{Name: "empty"}, time.Second)
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}
