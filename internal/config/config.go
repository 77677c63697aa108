// Package config loads the appdeck server configuration from YAML.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"appdeck/internal/security"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file searched for in the default locations.
const FileName = "appdeck.yaml"

// Defaults
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultDBPath           = "/var/lib/appdeck/appdeck.db"
	DefaultLogFile          = "/var/log/appdeck/appdeck.log"
	DefaultLogLevel         = "info"
	DefaultAppsDirectory    = "/srv/apps"
	DefaultPortStart        = 4000
	DefaultProxyConfigPath  = "/etc/caddy/Caddyfile"
	DefaultProxyService     = "caddy"
	DefaultProxyBinary      = "caddy"
	DefaultDashboardAddress = ":80"
	DefaultUnitDirectory    = "/etc/systemd/system"
	DefaultUnitPrefix       = "appdeck"
	DefaultWorkerInterval   = 5 * time.Second
	DefaultNudgeDelay       = 250 * time.Millisecond
	DefaultBranch           = "main"
	DefaultStatusContext    = "appdeck"
)

// Setting keys that may override file configuration at runtime.
const (
	SettingAppsDirectory   = "apps_directory"
	SettingProxyConfigPath = "proxy_config_path"
)

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Apps       AppsConfig       `yaml:"apps"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Forge      ForgeConfig      `yaml:"forge"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxUploadBytes bounds multipart archive uploads.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type AppsConfig struct {
	Directory string `yaml:"directory"`
	// User runs application services; empty means the supervisor default.
	User      string `yaml:"user"`
	PortStart int    `yaml:"port_start"`
	// UploadDirectory holds archives between submit and extraction.
	UploadDirectory string `yaml:"upload_directory"`
}

type ProxyConfig struct {
	ConfigPath       string `yaml:"config_path"`
	Service          string `yaml:"service"`
	Binary           string `yaml:"binary"`
	DashboardAddress string `yaml:"dashboard_address"`
}

type SupervisorConfig struct {
	UnitDirectory string `yaml:"unit_directory"`
	Prefix        string `yaml:"prefix"`
}

type DeployConfig struct {
	WorkerInterval time.Duration `yaml:"worker_interval"`
	NudgeDelay     time.Duration `yaml:"nudge_delay"`
	// StepTimeout bounds each subprocess step; zero disables the limit.
	StepTimeout   time.Duration `yaml:"step_timeout"`
	DefaultBranch string        `yaml:"default_branch"`
}

type ForgeConfig struct {
	GitHubToken   string `yaml:"github_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	StatusContext string `yaml:"status_context"`
	// PublicURL is linked from commit statuses when set.
	PublicURL string `yaml:"public_url"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path over the defaults. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 512 << 20
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDBPath
	}
	if c.Log.File == "" {
		c.Log.File = DefaultLogFile
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Apps.Directory == "" {
		c.Apps.Directory = DefaultAppsDirectory
	}
	if c.Apps.PortStart == 0 {
		c.Apps.PortStart = DefaultPortStart
	}
	if c.Apps.UploadDirectory == "" {
		c.Apps.UploadDirectory = filepath.Join(os.TempDir(), "appdeck-uploads")
	}
	if c.Proxy.ConfigPath == "" {
		c.Proxy.ConfigPath = DefaultProxyConfigPath
	}
	if c.Proxy.Service == "" {
		c.Proxy.Service = DefaultProxyService
	}
	if c.Proxy.Binary == "" {
		c.Proxy.Binary = DefaultProxyBinary
	}
	if c.Proxy.DashboardAddress == "" {
		c.Proxy.DashboardAddress = DefaultDashboardAddress
	}
	if c.Supervisor.UnitDirectory == "" {
		c.Supervisor.UnitDirectory = DefaultUnitDirectory
	}
	if c.Supervisor.Prefix == "" {
		c.Supervisor.Prefix = DefaultUnitPrefix
	}
	if c.Deploy.WorkerInterval == 0 {
		c.Deploy.WorkerInterval = DefaultWorkerInterval
	}
	if c.Deploy.NudgeDelay == 0 {
		c.Deploy.NudgeDelay = DefaultNudgeDelay
	}
	if c.Deploy.DefaultBranch == "" {
		c.Deploy.DefaultBranch = DefaultBranch
	}
	if c.Forge.StatusContext == "" {
		c.Forge.StatusContext = DefaultStatusContext
	}
}

// Validate returns one message per invalid field.
func (c *Config) Validate() []string {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Apps.PortStart < 1024 || c.Apps.PortStart > 65535 {
		errors = append(errors, fmt.Sprintf("  - apps.port_start must be between 1024 and 65535, got %d", c.Apps.PortStart))
	}
	if _, err := security.SanitizePath(c.Apps.Directory); err != nil {
		errors = append(errors, fmt.Sprintf("  - apps.directory: %v", err))
	}
	if _, err := security.SanitizePath(c.Proxy.ConfigPath); err != nil {
		errors = append(errors, fmt.Sprintf("  - proxy.config_path: %v", err))
	}
	if c.Deploy.WorkerInterval < 0 || c.Deploy.NudgeDelay < 0 || c.Deploy.StepTimeout < 0 {
		errors = append(errors, "  - deploy durations cannot be negative")
	}
	if err := security.ValidateBranchName(c.Deploy.DefaultBranch); err != nil {
		errors = append(errors, fmt.Sprintf("  - deploy.default_branch: %v", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("  - log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}

	return errors
}

// Warnings reports non-fatal problems worth logging at startup.
func (c *Config) Warnings(path string) []string {
	var warnings []string

	if c.Forge.WebhookSecret == "" {
		warnings = append(warnings, "forge.webhook_secret is not set; the GitHub webhook endpoint is disabled")
	} else if err := security.ValidateWebhookSecret(c.Forge.WebhookSecret); err != nil {
		warnings = append(warnings, fmt.Sprintf("forge.webhook_secret is weak: %v", err))
	}

	if path != "" && (c.Forge.GitHubToken != "" || c.Forge.WebhookSecret != "") {
		if err := security.ValidateSecurePermissions(path); err != nil {
			warnings = append(warnings, err.Error())
		}
	}

	return warnings
}

// SettingsStore reads runtime overrides.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (value string, found bool, err error)
}

// Live resolves values that the settings table may override at runtime.
type Live struct {
	cfg   *Config
	store SettingsStore
}

// NewLive binds a configuration to its settings store.
func NewLive(cfg *Config, store SettingsStore) *Live {
	return &Live{cfg: cfg, store: store}
}

// Config returns the static configuration.
func (l *Live) Config() *Config {
	return l.cfg
}

// AppsDirectory is the root under which applications are deployed.
func (l *Live) AppsDirectory(ctx context.Context) string {
	return l.lookup(ctx, SettingAppsDirectory, l.cfg.Apps.Directory)
}

// ProxyConfigPath is where the Caddyfile is written.
func (l *Live) ProxyConfigPath(ctx context.Context) string {
	return l.lookup(ctx, SettingProxyConfigPath, l.cfg.Proxy.ConfigPath)
}

func (l *Live) lookup(ctx context.Context, key, fallback string) string {
	if l.store == nil {
		return fallback
	}
	value, found, err := l.store.GetSetting(ctx, key)
	if err != nil || !found || value == "" {
		return fallback
	}
	return value
}

// IsOverridable reports whether key may be changed through the settings API.
func IsOverridable(key string) bool {
	return key == SettingAppsDirectory || key == SettingProxyConfigPath
}
