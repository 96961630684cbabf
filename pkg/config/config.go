// Package config loads engage-runner settings from a YAML file, ENGAGE_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. ENGAGE_APPIUM_URL.
const EnvPrefix = "ENGAGE"

// Config file names looked up by LoadFromDir, in order.
var configFileNames = []string{"engage.yaml", "engage.yml"}

// Config is the full runner configuration.
type Config struct {
	Appium      AppiumConfig          `mapstructure:"appium" yaml:"appium"`
	App         AppConfig             `mapstructure:"app" yaml:"app"`
	Credentials Credentials           `mapstructure:"credentials" yaml:"credentials"`
	Timeouts    TimeoutConfig         `mapstructure:"timeouts" yaml:"timeouts"`
	Dismissal   action.DismissOptions `mapstructure:"dismissal" yaml:"dismissal"`
	Logger      logger.Config         `mapstructure:"logger" yaml:"logger"`
	Report      ReportConfig          `mapstructure:"report" yaml:"report"`
	// Catalog is an optional YAML file with extra targets and dialog catalogs.
	Catalog string `mapstructure:"catalog" yaml:"catalog"`

	// SourceFile is the config file that was read, empty when none.
	SourceFile string `mapstructure:"-" yaml:"-"`
}

// AppiumConfig describes the automation server.
type AppiumConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// External means the server is managed outside the runner. Otherwise
	// a local server is started on the URL's port unless one already
	// answers there.
	External bool `mapstructure:"external" yaml:"external"`
	// Binary is the appium executable used for a local server.
	Binary         string        `mapstructure:"binary" yaml:"binary"`
	StartTimeout   time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	ConnectRetry   time.Duration `mapstructure:"connect_retry" yaml:"connect_retry"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// AppConfig describes the device and the app under test.
type AppConfig struct {
	Platform       string `mapstructure:"platform" yaml:"platform"`
	DeviceName     string `mapstructure:"device_name" yaml:"device_name"`
	AutomationName string `mapstructure:"automation_name" yaml:"automation_name"`
	Package        string `mapstructure:"package" yaml:"package"`
	Activity       string `mapstructure:"activity" yaml:"activity"`
	NoReset        bool   `mapstructure:"no_reset" yaml:"no_reset"`
	ForceLaunch    bool   `mapstructure:"force_launch" yaml:"force_launch"`
	// Capabilities are merged over the derived ones. Keys are lowercased
	// on load.
	Capabilities map[string]interface{} `mapstructure:"capabilities" yaml:"capabilities"`
}

// Credentials are the Engage server and account used by login.
type Credentials struct {
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
}

// TimeoutConfig holds the budgets workflows pass to the primitives.
type TimeoutConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Element      time.Duration `mapstructure:"element" yaml:"element"`
	Short        time.Duration `mapstructure:"short" yaml:"short"`
	Screen       time.Duration `mapstructure:"screen" yaml:"screen"`
	ANR          time.Duration `mapstructure:"anr" yaml:"anr"`
	// Settle is the pause after launches and screen transitions.
	Settle time.Duration `mapstructure:"settle" yaml:"settle"`
	// RestartAttempts bounds app restarts while looking for the login page.
	RestartAttempts int `mapstructure:"restart_attempts" yaml:"restart_attempts"`
}

// ReportConfig controls Allure output.
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// SetDefaults registers every default. Each key needs one so environment
// overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	// -- Appium --
	v.SetDefault("appium.url", "http://127.0.0.1:4723")
	v.SetDefault("appium.external", false)
	v.SetDefault("appium.binary", "appium")
	v.SetDefault("appium.start_timeout", "60s")
	v.SetDefault("appium.rate_limit", 20.0)
	v.SetDefault("appium.rate_burst", 5)
	v.SetDefault("appium.connect_retry", "30s")
	v.SetDefault("appium.request_timeout", "2m")

	// -- App --
	v.SetDefault("app.platform", "android")
	v.SetDefault("app.device_name", "Android Emulator")
	v.SetDefault("app.automation_name", "UiAutomator2")
	v.SetDefault("app.package", "com.condecosoftware.condeco")
	v.SetDefault("app.activity", "com.condecosoftware.condeco.SplashActivity")
	v.SetDefault("app.no_reset", true)
	v.SetDefault("app.force_launch", true)
	v.SetDefault("app.capabilities", map[string]interface{}{})

	// -- Credentials --
	v.SetDefault("credentials.server_url", "")
	v.SetDefault("credentials.username", "")
	v.SetDefault("credentials.password", "")

	// -- Timeouts --
	v.SetDefault("timeouts.poll_interval", action.DefaultPollInterval.String())
	v.SetDefault("timeouts.element", "10s")
	v.SetDefault("timeouts.short", "2s")
	v.SetDefault("timeouts.screen", "30s")
	v.SetDefault("timeouts.anr", "3s")
	v.SetDefault("timeouts.settle", "2s")
	v.SetDefault("timeouts.restart_attempts", 2)

	// -- Dismissal --
	d := action.DefaultDismissOptions()
	v.SetDefault("dismissal.max_iterations", d.MaxIterations)
	v.SetDefault("dismissal.min_quiet_iterations", d.MinQuietIterations)
	v.SetDefault("dismissal.min_iterations", d.MinIterations)
	v.SetDefault("dismissal.inter_iteration_delay", d.InterIterationDelay.String())
	v.SetDefault("dismissal.initial_grace", d.InitialGrace.String())
	v.SetDefault("dismissal.entry_timeout", d.EntryTimeout.String())
	v.SetDefault("dismissal.verify_timeout", d.VerifyTimeout.String())

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.no_color", false)

	// -- Report --
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.dir", "")

	v.SetDefault("catalog", "")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Legacy variable names.
	_ = v.BindEnv("appium.url", "ENGAGE_APPIUM_URL", "APPIUM_SERVER_URL")
	_ = v.BindEnv("appium.external", "ENGAGE_APPIUM_EXTERNAL", "USE_EXTERNAL_APPIUM")
	return v
}

// Default returns the configuration built from defaults and environment only.
func Default() (*Config, error) {
	return FromViper(New())
}

// Load reads path, then applies environment overrides.
func Load(path string) (*Config, error) {
	v, err := Read(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = path
	return cfg, nil
}

// Read returns a viper instance with defaults, environment binding and,
// when path is set, the contents of that file. Callers may Set overrides
// before FromViper.
func Read(path string) (*viper.Viper, error) {
	v := New()
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// Find returns the first engage.yaml or engage.yml in dir, or "" when
// there is none.
func Find(dir string) string {
	for _, name := range configFileNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	return ""
}

// LoadFromDir looks for engage.yaml or engage.yml in the directory. Without
// a file the defaults and environment apply.
func LoadFromDir(dir string) (*Config, error) {
	if path := Find(dir); path != "" {
		return Load(path)
	}
	return Default()
}

// FromViper unmarshals and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Appium.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("appium.url %q is not an absolute URL", c.Appium.URL)
	}
	switch strings.ToLower(c.App.Platform) {
	case "android", "ios":
	default:
		return invalid("app.platform must be android or ios, got %q", c.App.Platform)
	}
	if !c.Appium.External && c.Appium.Binary == "" {
		return invalid("appium.binary is required unless appium.external is set")
	}
	if c.Appium.StartTimeout < 0 {
		return invalid("appium.start_timeout must not be negative")
	}
	if c.Appium.RateBurst < 0 {
		return invalid("appium.rate_burst must not be negative")
	}
	if c.Timeouts.Element <= 0 || c.Timeouts.Short <= 0 || c.Timeouts.Screen <= 0 || c.Timeouts.ANR <= 0 {
		return invalid("timeouts must be positive durations")
	}
	if c.Timeouts.Settle < 0 {
		return invalid("timeouts.settle must not be negative")
	}
	if c.Timeouts.RestartAttempts < 0 {
		return invalid("timeouts.restart_attempts must not be negative")
	}
	if err := c.Dismissal.Validate(); err != nil {
		return fmt.Errorf("dismissal: %w", err)
	}
	return nil
}

// ValidateCredentials checks the account fields login needs. The server
// url is optional here: the app skips its screen once a server is stored.
func (c *Config) ValidateCredentials() error {
	var missing []string
	if c.Credentials.Username == "" {
		missing = append(missing, "username")
	}
	if c.Credentials.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return invalid("credentials missing: %s (set ENGAGE_CREDENTIALS_<NAME>)", strings.Join(missing, ", "))
	}
	return nil
}

// Capabilities returns the W3C capabilities for session creation.
func (c *Config) Capabilities() map[string]interface{} {
	caps := map[string]interface{}{
		"platformName":          c.App.Platform,
		"appium:automationName": c.App.AutomationName,
		"appium:noReset":        c.App.NoReset,
	}
	if c.App.DeviceName != "" {
		caps["appium:deviceName"] = c.App.DeviceName
	}
	if strings.EqualFold(c.App.Platform, "android") {
		if c.App.Package != "" {
			caps["appium:appPackage"] = c.App.Package
		}
		if c.App.Activity != "" {
			caps["appium:appActivity"] = c.App.Activity
		}
		caps["appium:forceAppLaunch"] = c.App.ForceLaunch
	} else if c.App.Package != "" {
		caps["appium:bundleId"] = c.App.Package
	}
	for k, val := range c.App.Capabilities {
		if !strings.Contains(k, ":") && k != "platformName" {
			k = "appium:" + k
		}
		caps[k] = val
	}
	return caps
}

// ReportDir resolves the Allure results directory.
func (c *Config) ReportDir() string {
	if c.Report.Dir != "" {
		return c.Report.Dir
	}
	return GetReportsDir()
}

// IsNotFound reports whether err is a missing config file.
func IsNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}

func invalid(format string, args ...interface{}) error {
	return core.ErrInvalidConfig.WithMessage(fmt.Sprintf(format, args...))
}
