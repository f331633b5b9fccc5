package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Events are never written here; only view settings are.

// CalendarConfig describes a single ICS calendar subscription.
type CalendarConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID identifies the calendar for filtering, de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is the calendar title shown in the filter selector.
	Name string `yaml:"name" json:"name"`
	// Source groups calendars in the selector (e.g. "Google", "iCloud").
	// Defaults to the URL host.
	Source string `yaml:"source" json:"source"`
	// Color is an opaque display hint passed through to clients.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone all computations run in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of "debug", "info", "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// WorkStartHour / WorkEndHour bound the daily working window.
	// Start is 0-23, end is 1-24 and must be after start.
	WorkStartHour int `yaml:"work_start_hour" json:"work_start_hour"`
	WorkEndHour   int `yaml:"work_end_hour" json:"work_end_hour"`

	// AutoSyncMinutes is the auto-sync period; 0 disables it.
	AutoSyncMinutes int `yaml:"auto_sync_minutes" json:"auto_sync_minutes"`

	// Calendar is the selected calendar ID; empty means all calendars.
	Calendar string `yaml:"calendar" json:"calendar"`

	// Access selects the permission behavior:
	//   - "granted" (default)
	//   - "denied", "restricted", "write_only"
	//   - "prompt": ask on the terminal at first refresh
	Access string `yaml:"access" json:"access"`

	// SkipAllDay excludes all-day events from busy time.
	SkipAllDay bool `yaml:"skip_all_day" json:"skip_all_day"`

	// CacheDir holds the ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// PreviewPath is where the preview PNG is rendered after each sync (and
	// by -snapshot) and served from at /preview.png.
	PreviewPath string `yaml:"preview_path" json:"preview_path"`

	// Calendars is the list of subscribed ICS calendars.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Local"
	defaultLogLevel    = "info"
	defaultStartHour   = 9
	defaultEndHour     = 17
	defaultAccess      = "granted"
	defaultCacheDir    = "/var/lib/freetime/ics-cache"
	defaultPreviewPath = "/var/lib/freetime/preview.png"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		Timezone:        defaultTimezone,
		LogLevel:        defaultLogLevel,
		WorkStartHour:   defaultStartHour,
		WorkEndHour:     defaultEndHour,
		AutoSyncMinutes: 0,
		Access:          defaultAccess,
		CacheDir:        defaultCacheDir,
		PreviewPath:     defaultPreviewPath,
		Calendars:       []CalendarConfig{},
		BasicAuth:       nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	// Out-of-range or inverted hours fall back to the default workday as a
	// pair, so a half-valid config never produces an empty window.
	if c.WorkStartHour < 0 || c.WorkStartHour > 23 ||
		c.WorkEndHour < 1 || c.WorkEndHour > 24 ||
		c.WorkStartHour >= c.WorkEndHour {
		c.WorkStartHour = defaultStartHour
		c.WorkEndHour = defaultEndHour
	}

	if c.AutoSyncMinutes < 0 {
		c.AutoSyncMinutes = 0
	}

	switch c.Access {
	case "granted", "denied", "restricted", "write_only", "prompt":
		// ok
	default:
		c.Access = defaultAccess
	}

	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.PreviewPath == "" {
		c.PreviewPath = defaultPreviewPath
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".freetime-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
