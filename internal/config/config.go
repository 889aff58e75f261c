package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models proctorsync.yml.
type Config struct {
	Vendor struct {
		BaseURL           string  `yaml:"base_url"`
		TimeoutSeconds    int     `yaml:"timeout_seconds"`
		Timezone          string  `yaml:"timezone"`
		PageSize          int     `yaml:"page_size"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"vendor"`
	Session struct {
		TimeoutMinutes int `yaml:"timeout_minutes"`
		GraceMinutes   int `yaml:"grace_minutes"`
	} `yaml:"session"`
	Sync struct {
		Workers int `yaml:"workers"`
	} `yaml:"sync"`
	Mail struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		From     string `yaml:"from"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mail"`
	Server struct {
		Listen    string `yaml:"listen"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with psync init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "proctorsync.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Vendor.BaseURL == "" {
		return fmt.Errorf("config.vendor.base_url is required")
	}
	u, err := url.Parse(c.Vendor.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.vendor.base_url %q is not an absolute URL", c.Vendor.BaseURL)
	}
	if c.Vendor.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.vendor.timeout_seconds must be positive")
	}
	if c.Vendor.PageSize <= 0 {
		return fmt.Errorf("config.vendor.page_size must be positive")
	}
	if c.Vendor.RequestsPerSecond <= 0 {
		return fmt.Errorf("config.vendor.requests_per_second must be positive")
	}
	if _, err := time.LoadLocation(c.Vendor.Timezone); err != nil {
		return fmt.Errorf("config.vendor.timezone %q: %w", c.Vendor.Timezone, err)
	}
	if c.Session.TimeoutMinutes <= 0 {
		return fmt.Errorf("config.session.timeout_minutes must be positive")
	}
	if c.Session.GraceMinutes <= 0 {
		return fmt.Errorf("config.session.grace_minutes must be positive")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("config.sync.workers must be at least 1")
	}
	if c.Mail.Host != "" {
		if c.Mail.Port <= 0 {
			return fmt.Errorf("config.mail.port must be positive when mail.host is set")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("config.mail.from is required when mail.host is set")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// VendorTimeout is the per-request HTTP timeout.
func (c *Config) VendorTimeout() time.Duration {
	return time.Duration(c.Vendor.TimeoutSeconds) * time.Second
}

// VendorLocation resolves the API timezone. Validate guarantees it loads.
func (c *Config) VendorLocation() *time.Location {
	loc, err := time.LoadLocation(c.Vendor.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionTimeout is how long a user may idle before their session is stale.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

// SessionGrace is the trailing window in which a close is still attempted.
func (c *Config) SessionGrace() time.Duration {
	return time.Duration(c.Session.GraceMinutes) * time.Minute
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for psync init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `vendor:
  base_url: https://ca.proctorapi.example.com
  timeout_seconds: 30
  timezone: UTC
  page_size: 100
  requests_per_second: 5

session:
  timeout_minutes: 10
  grace_minutes: 4

sync:
  workers: 1

mail:
  host: ""
  port: 25
  from: ""
  username: ""
  password: ""

server:
  listen: ":8087"
  jwt_secret: ""

log:
  level: info
`
