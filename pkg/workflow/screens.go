package workflow

import (
	"fmt"

	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// AppPackage is the Engage Android application id.
const AppPackage = "com.condecosoftware.condeco"

func appID(name string) string { return AppPackage + ":id/" + name }

func homeHeader(text string) flow.Locator {
	return flow.ByXPath(fmt.Sprintf(`(//android.widget.TextView[@text="%s"])[1]`, text))
}

// Screens holds every target the workflows touch. Fields can be replaced
// from a catalog file before the session starts.
type Screens struct {
	// Server URL entry screen.
	ServerURL flow.Target
	Continue  flow.Target

	// Credentials dialog.
	CredentialsTitle flow.Target
	Username         flow.Target
	Password         flow.Target
	InputError       flow.Target
	Snackbar         flow.Target
	Toast            flow.Target

	// Logged-in home screen. Any of the headers marks it.
	HomeHeaders   []flow.Target
	ProfileMenu   flow.Target
	Logout        flow.Target
	LogoutConfirm flow.Target
}

// DefaultScreens returns the Engage Android targets.
func DefaultScreens() Screens {
	return Screens{
		ServerURL: flow.MustTarget("server url", flow.ByID(appID("editTextServerUrl"))),
		Continue:  flow.MustTarget("continue", flow.ResourceID(appID("buttonContinue"), "android.widget.Button")...),

		CredentialsTitle: flow.MustTarget("credentials title", flow.ByID(appID("title"))),
		Username:         flow.MustTarget("username", flow.ResourceID(appID("username"), "android.widget.EditText")...),
		Password:         flow.MustTarget("password", flow.ResourceID(appID("password"), "android.widget.EditText")...),
		InputError:       flow.MustTarget("input error", flow.ByID(appID("textinput_error"))),
		Snackbar:         flow.MustTarget("snackbar", flow.ByID(appID("snackbar_text"))),
		Toast:            flow.MustTarget("toast", flow.ByXPath("//android.widget.Toast")),

		HomeHeaders: []flow.Target{
			flow.MustTarget("today", homeHeader("Today")),
			flow.MustTarget("calendar", homeHeader("Calendar")),
			flow.MustTarget("book", homeHeader("Book")),
			flow.MustTarget("your team", homeHeader("Your team")),
		},
		ProfileMenu:   flow.MustTarget("profile menu", flow.ByXPath(`//android.widget.LinearLayout[@content-desc="Profile"]/android.widget.ImageView`)),
		Logout:        flow.MustTarget("logout", flow.ByID(appID("logout"))),
		LogoutConfirm: flow.MustTarget("logout confirm", flow.ByID(appID("core_dlg_positive_button"))),
	}
}

// fields maps the snake case target names to the fields of s.
func (s *Screens) fields() map[string]*flow.Target {
	return map[string]*flow.Target{
		"server_url":        &s.ServerURL,
		"continue":          &s.Continue,
		"credentials_title": &s.CredentialsTitle,
		"username":          &s.Username,
		"password":          &s.Password,
		"input_error":       &s.InputError,
		"snackbar":          &s.Snackbar,
		"toast":             &s.Toast,
		"profile_menu":      &s.ProfileMenu,
		"logout":            &s.Logout,
		"logout_confirm":    &s.LogoutConfirm,
	}
}

// Override replaces the targets named in f. Names are the field names in
// snake case, e.g. "server_url" or "logout_confirm".
func (s *Screens) Override(f *flow.File) {
	if f == nil {
		return
	}
	for name, field := range s.fields() {
		if t, ok := f.Target(name); ok {
			*field = t
		}
	}
}

// Lookup returns the target with the given snake case name.
func (s Screens) Lookup(name string) (flow.Target, bool) {
	field, ok := s.fields()[name]
	if !ok {
		return flow.Target{}, false
	}
	return *field, true
}

// Validate checks every target.
func (s Screens) Validate() error {
	targets := []flow.Target{
		s.ServerURL, s.Continue, s.CredentialsTitle, s.Username, s.Password,
		s.InputError, s.Snackbar, s.Toast, s.ProfileMenu, s.Logout,
		s.LogoutConfirm,
	}
	targets = append(targets, s.HomeHeaders...)
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if len(s.HomeHeaders) == 0 {
		return fmt.Errorf("screens: no home headers")
	}
	return nil
}

var (
	permissionAllow = flow.DialogEntry{
		Name:   "permission allow",
		Detect: flow.MustTarget("permission allow", flow.ByID("com.android.permissioncontroller:id/permission_allow_button")),
	}
	permissionDeny = flow.DialogEntry{
		Name:   "permission deny",
		Detect: flow.MustTarget("permission deny", flow.ByID("com.android.permissioncontroller:id/permission_deny_button")),
	}
	autoCheckInCancel = flow.DialogEntry{
		Name:   "automatic check-in cancel",
		Detect: flow.MustTarget("automatic check-in cancel", flow.ResourceID(appID("buttonCancelAutomaticCheckIn"), "android.widget.TextView")...),
	}
	genericPositive = flow.DialogEntry{
		Name:   "generic ok",
		Detect: flow.MustTarget("generic ok", flow.ByID("android:id/button1")),
	}
	genericNegative = flow.DialogEntry{
		Name:   "generic cancel",
		Detect: flow.MustTarget("generic cancel", flow.ByID("android:id/button2")),
	}
	genericNeutral = flow.DialogEntry{
		Name:   "generic neutral",
		Detect: flow.MustTarget("generic neutral", flow.ByID("android:id/button3")),
	}
	appPositive = flow.DialogEntry{
		Name:   "app dialog positive",
		Detect: flow.MustTarget("app dialog positive", flow.ByID(appID("core_dlg_positive_button"))),
	}
	appNegative = flow.DialogEntry{
		Name:   "app dialog negative",
		Detect: flow.MustTarget("app dialog negative", flow.ByID(appID("core_dlg_negative_button"))),
	}
)

// Built-in catalog names, also used to look up overrides in catalog files.
const (
	CatalogEngage       = "engage"
	CatalogPostLogin    = "post_login"
	CatalogANR          = "anr"
	CatalogForceDismiss = "force_dismiss"
)

// EngageCatalog is the notification prompts Engage raises right after
// launch: the notification permission first, then automatic check-in.
func EngageCatalog() flow.Catalog {
	return flow.Catalog{Name: CatalogEngage, Entries: []flow.DialogEntry{permissionAllow, autoCheckInCancel}}
}

// PostLoginCatalog adds generic system OK prompts to EngageCatalog.
func PostLoginCatalog() flow.Catalog {
	return flow.Catalog{Name: CatalogPostLogin, Entries: []flow.DialogEntry{permissionAllow, autoCheckInCancel, genericPositive}}
}

// ANRCatalog answers "app isn't responding" with Wait, or Close when Wait
// is not offered.
func ANRCatalog() flow.Catalog {
	return flow.Catalog{Name: CatalogANR, Entries: []flow.DialogEntry{{
		Name:    "app not responding",
		Detect:  flow.MustTarget("anr title", flow.ByID("android:id/alertTitle")),
		Dismiss: flow.MustTarget("anr wait", flow.ByID("android:id/aerr_wait"), flow.ByID("android:id/aerr_close")),
	}}}
}

// ForceDismissCatalog is the last-resort sweep over every known dialog
// button.
func ForceDismissCatalog() flow.Catalog {
	return flow.Catalog{Name: CatalogForceDismiss, Entries: []flow.DialogEntry{
		genericPositive, genericNegative, genericNeutral,
		permissionAllow, permissionDeny, autoCheckInCancel,
		appPositive, appNegative,
	}}
}

// Catalogs holds the catalogs a session dismisses with.
type Catalogs struct {
	Engage       flow.Catalog
	PostLogin    flow.Catalog
	ANR          flow.Catalog
	ForceDismiss flow.Catalog
}

// DefaultCatalogs returns the built-in catalogs.
func DefaultCatalogs() Catalogs {
	return Catalogs{
		Engage:       EngageCatalog(),
		PostLogin:    PostLoginCatalog(),
		ANR:          ANRCatalog(),
		ForceDismiss: ForceDismissCatalog(),
	}
}

// Override replaces built-in catalogs with same-named ones from f.
func (c *Catalogs) Override(f *flow.File) {
	if f == nil {
		return
	}
	for name, field := range map[string]*flow.Catalog{
		CatalogEngage:       &c.Engage,
		CatalogPostLogin:    &c.PostLogin,
		CatalogANR:          &c.ANR,
		CatalogForceDismiss: &c.ForceDismiss,
	} {
		if cat, ok := f.Catalog(name); ok {
			*field = cat
		}
	}
}

// Lookup returns the catalog with the given name.
func (c Catalogs) Lookup(name string) (flow.Catalog, bool) {
	for _, cat := range []flow.Catalog{c.Engage, c.PostLogin, c.ANR, c.ForceDismiss} {
		if cat.Name == name {
			return cat, true
		}
	}
	return flow.Catalog{}, false
}
