// Package config loads bncode settings from .bncode.kdl and BNCODE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"
	kdl "github.com/sblinch/kdl-go"

	"github.com/brighthub/bncode/internal/sandbox"
)

// ConfigFileName is the name of the bncode configuration file.
const ConfigFileName = ".bncode.kdl"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BNCODE"

// Config represents the bncode configuration.
type Config struct {
	Server    *ServerConfig              `kdl:"server"`
	Preview   *PreviewConfig             `kdl:"preview"`
	Sandbox   *SandboxConfig             `kdl:"sandbox"`
	Viewports map[string]*ViewportConfig `kdl:"viewports"`
	Workspace *WorkspaceConfig           `kdl:"workspace"`
	Headless  *HeadlessConfig            `kdl:"headless"`
	Log       *LogConfig                 `kdl:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen string `kdl:"listen"`
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string `kdl:"allowed-origins"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `kdl:"rate-limit"`
	RateBurst int     `kdl:"rate-burst"`
}

// PreviewConfig configures preview sessions.
type PreviewConfig struct {
	MaxLogEntries int `kdl:"max-log-entries"`
	// DebounceMs is the quiet period before recomposing, in milliseconds.
	DebounceMs int `kdl:"debounce-ms"`
	// TargetOrigin restricts the instrumentation's postMessage target.
	TargetOrigin string `kdl:"target-origin"`
}

// SandboxConfig selects optional iframe capabilities.
type SandboxConfig struct {
	AllowForms  bool `kdl:"allow-forms"`
	AllowModals bool `kdl:"allow-modals"`
}

// ViewportConfig defines a named preview width.
type ViewportConfig struct {
	Width string `kdl:"width"`
}

// WorkspaceConfig configures bundle persistence.
type WorkspaceConfig struct {
	Dir     string `kdl:"dir"`
	Persist bool   `kdl:"persist"`
}

// HeadlessConfig configures the headless runtime.
type HeadlessConfig struct {
	TimeoutMs int `kdl:"timeout-ms"`
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	Debug bool   `kdl:"debug"`
	JSON  bool   `kdl:"json"`
	File  string `kdl:"file"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Listen:    "127.0.0.1:7420",
			RateLimit: 20,
			RateBurst: 40,
		},
		Preview: &PreviewConfig{
			MaxLogEntries: 100,
			DebounceMs:    300,
			TargetOrigin:  "*",
		},
		Sandbox: &SandboxConfig{
			AllowForms:  true,
			AllowModals: true,
		},
		Viewports: map[string]*ViewportConfig{
			"mobile":  {Width: "375px"},
			"tablet":  {Width: "768px"},
			"desktop": {Width: "100%"},
		},
		Workspace: &WorkspaceConfig{
			Dir:     ".bncode",
			Persist: true,
		},
		Headless: &HeadlessConfig{
			TimeoutMs: 2000,
		},
		Log: &LogConfig{},
	}
}

// Load reads the config file found from dir upward, then applies
// environment overrides.
func Load(dir string) (*Config, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadConfig loads configuration from the specified directory.
// It looks for .bncode.kdl in the directory and its parents.
func LoadConfig(dir string) (*Config, error) {
	configPath := FindConfigFile(dir)
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadConfigFile(configPath)
}

// FindConfigFile searches for .bncode.kdl starting from dir and walking up.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			break
		}
		absDir = parent
	}

	return ""
}

// LoadConfigFile loads configuration from a specific file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(string(data))
}

// ParseConfig parses KDL configuration data over the defaults.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()

	if err := kdl.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillMissing()

	return cfg, nil
}

// fillMissing restores sections a file may have nulled out.
func (c *Config) fillMissing() {
	def := DefaultConfig()
	if c.Server == nil {
		c.Server = def.Server
	}
	if c.Preview == nil {
		c.Preview = def.Preview
	}
	if c.Sandbox == nil {
		c.Sandbox = def.Sandbox
	}
	if len(c.Viewports) == 0 {
		c.Viewports = def.Viewports
	}
	if c.Workspace == nil {
		c.Workspace = def.Workspace
	}
	if c.Headless == nil {
		c.Headless = def.Headless
	}
	if c.Log == nil {
		c.Log = def.Log
	}
}

// envOverrides maps BNCODE_* variables. Unset variables leave the file
// value alone.
type envOverrides struct {
	Listen         *string        `envconfig:"LISTEN"`
	MaxLogEntries  *int           `envconfig:"MAX_LOG_ENTRIES"`
	Debounce       *time.Duration `envconfig:"DEBOUNCE"`
	TargetOrigin   *string        `envconfig:"TARGET_ORIGIN"`
	AllowForms     *bool          `envconfig:"ALLOW_FORMS"`
	AllowModals    *bool          `envconfig:"ALLOW_MODALS"`
	RateLimit      *float64       `envconfig:"RATE_LIMIT"`
	RateBurst      *int           `envconfig:"RATE_BURST"`
	AllowedOrigins []string       `envconfig:"ALLOWED_ORIGINS"`
	DataDir        *string        `envconfig:"DATA_DIR"`
	Persist        *bool          `envconfig:"PERSIST"`
	LogJSON        *bool          `envconfig:"LOG_JSON"`
	LogFile        *string        `envconfig:"LOG_FILE"`
}

// ApplyEnv overlays BNCODE_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if env.Listen != nil {
		c.Server.Listen = *env.Listen
	}
	if env.MaxLogEntries != nil {
		c.Preview.MaxLogEntries = *env.MaxLogEntries
	}
	if env.Debounce != nil {
		c.Preview.DebounceMs = int(env.Debounce.Milliseconds())
	}
	if env.TargetOrigin != nil {
		c.Preview.TargetOrigin = *env.TargetOrigin
	}
	if env.AllowForms != nil {
		c.Sandbox.AllowForms = *env.AllowForms
	}
	if env.AllowModals != nil {
		c.Sandbox.AllowModals = *env.AllowModals
	}
	if env.RateLimit != nil {
		c.Server.RateLimit = *env.RateLimit
	}
	if env.RateBurst != nil {
		c.Server.RateBurst = *env.RateBurst
	}
	if len(env.AllowedOrigins) > 0 {
		c.Server.AllowedOrigins = env.AllowedOrigins
	}
	if env.DataDir != nil {
		c.Workspace.Dir = *env.DataDir
	}
	if env.Persist != nil {
		c.Workspace.Persist = *env.Persist
	}
	if env.LogJSON != nil {
		c.Log.JSON = *env.LogJSON
	}
	if env.LogFile != nil {
		c.Log.File = *env.LogFile
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server listen address is empty"))
	}
	if c.Preview.MaxLogEntries < 0 {
		errs = append(errs, fmt.Errorf("max-log-entries must not be negative, got %d", c.Preview.MaxLogEntries))
	}
	if c.Preview.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("debounce-ms must not be negative, got %d", c.Preview.DebounceMs))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate-limit must not be negative, got %v", c.Server.RateLimit))
	}
	for name, vp := range c.Viewports {
		if vp == nil || vp.Width == "" {
			errs = append(errs, fmt.Errorf("viewport %q has no width", name))
		}
	}
	return errors.Join(errs...)
}

// Debounce returns the debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Preview.DebounceMs) * time.Millisecond
}

// HeadlessTimeout returns the headless execution budget.
func (c *Config) HeadlessTimeout() time.Duration {
	return time.Duration(c.Headless.TimeoutMs) * time.Millisecond
}

// Policy returns the sandbox policy.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		AllowForms:  c.Sandbox.AllowForms,
		AllowModals: c.Sandbox.AllowModals,
	}
}

// Presets returns the configured viewports: the built-ins first in their
// usual order, then custom ones by name.
func (c *Config) Presets() []sandbox.ViewportPreset {
	var out []sandbox.ViewportPreset
	seen := make(map[string]bool)
	for _, p := range sandbox.Presets() {
		if vp, ok := c.Viewports[p.Name]; ok && vp != nil {
			out = append(out, sandbox.ViewportPreset{Name: p.Name, Width: vp.Width})
			seen[p.Name] = true
		}
	}

	var custom []string
	for name := range c.Viewports {
		if !seen[name] {
			custom = append(custom, name)
		}
	}
	sort.Strings(custom)
	for _, name := range custom {
		if vp := c.Viewports[name]; vp != nil {
			out = append(out, sandbox.ViewportPreset{Name: name, Width: vp.Width})
		}
	}
	return out
}

// WriteDefaultConfig writes a default configuration file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// BNCode preview configuration
// Environment variables (BNCODE_LISTEN, BNCODE_DEBOUNCE, ...) override these.

server {
    listen "127.0.0.1:7420"
    // allowed-origins "http://localhost:5173"
    rate-limit 20   // bundle pushes per second per client, 0 disables
    rate-burst 40
}

preview {
    max-log-entries 100  // console entries kept per preview
    debounce-ms 300      // quiet period before recomposing
    target-origin "*"    // postMessage target, e.g. "http://127.0.0.1:7420"
}

// Optional iframe capabilities. Scripts and same-origin are always allowed.
sandbox {
    allow-forms true
    allow-modals true
}

viewports {
    mobile {
        width "375px"
    }
    tablet {
        width "768px"
    }
    desktop {
        width "100%"
    }
}

workspace {
    dir ".bncode"   // where the last bundle of each preview is kept
    persist true
}

headless {
    timeout-ms 2000
}

log {
    debug false
    json false
    // file "bncode.log"
}
`
	return os.WriteFile(path, []byte(defaultKDL), 0644)
}
