package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	GitLab       GitLabConfig       `yaml:"gitlab"`
	Sync         SyncConfig         `yaml:"sync"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
	Repositories []RepositoryConfig `yaml:"repositories"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type GitLabConfig struct {
	PerPage  int    `yaml:"per_page"`
	MaxPages int    `yaml:"max_pages"`
	Timeout  string `yaml:"timeout"` // e.g. "30s"
	RetryMax int    `yaml:"retry_max"`
	Proxy    string `yaml:"proxy"`
}

type SyncConfig struct {
	Interval     string `yaml:"interval"` // "0" disables the scheduler
	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"poll_interval"`
	LeaseTTL     string `yaml:"lease_ttl"`
	MaxAttempts  int    `yaml:"max_attempts"`
	RetryDelay   string `yaml:"retry_delay"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration string `yaml:"token_duration"` // e.g. "24h"
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RepositoryConfig seeds a repository on startup. TokenEnv names an
// environment variable holding the token so config files stay secret-free.
type RepositoryConfig struct {
	Identifier       string `yaml:"identifier"`
	URL              string `yaml:"url"`
	RootURL          string `yaml:"root_url"`
	Token            string `yaml:"token"`
	TokenEnv         string `yaml:"token_env"`
	ReportLastCommit bool   `yaml:"report_last_commit"`
}

// ResolvedToken returns Token, or the value of TokenEnv when Token is empty.
func (r RepositoryConfig) ResolvedToken() string {
	if r.Token != "" || r.TokenEnv == "" {
		return r.Token
	}
	return os.Getenv(r.TokenEnv)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Durations holds the parsed duration settings.
type Durations struct {
	GitLabTimeout    time.Duration
	SyncInterval     time.Duration
	SyncPollInterval time.Duration
	SyncLeaseTTL     time.Duration
	SyncRetryDelay   time.Duration
	TokenDuration    time.Duration
}

// ParseDurations parses every duration field, naming the first bad one.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"gitlab.timeout", c.GitLab.Timeout, &d.GitLabTimeout},
		{"sync.interval", c.Sync.Interval, &d.SyncInterval},
		{"sync.poll_interval", c.Sync.PollInterval, &d.SyncPollInterval},
		{"sync.lease_ttl", c.Sync.LeaseTTL, &d.SyncLeaseTTL},
		{"sync.retry_delay", c.Sync.RetryDelay, &d.SyncRetryDelay},
		{"auth.token_duration", c.Auth.TokenDuration, &d.TokenDuration},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

// ValidateServe checks the settings the long-running server depends on.
func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("LABSYNC_JWT_SECRET must be set to a non-default value (example: LABSYNC_JWT_SECRET=dev-jwt-secret-change-this)")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("LABSYNC_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	return c.Validate()
}

// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.GitLab.PerPage < 0 || c.GitLab.PerPage > 100 {
		return fmt.Errorf("gitlab.per_page must be between 1 and 100")
	}
	if c.GitLab.MaxPages < 0 {
		return fmt.Errorf("gitlab.max_pages must not be negative")
	}
	if _, err := c.ParseDurations(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Repositories))
	for i, r := range c.Repositories {
		if strings.TrimSpace(r.Identifier) == "" {
			return fmt.Errorf("repositories[%d]: identifier is required", i)
		}
		if _, dup := seen[r.Identifier]; dup {
			return fmt.Errorf("repositories[%d]: duplicate identifier %q", i, r.Identifier)
		}
		seen[r.Identifier] = struct{}{}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "labsync.db",
		},
		GitLab: GitLabConfig{
			PerPage:  50,
			MaxPages: 10,
			Timeout:  "30s",
			RetryMax: 2,
		},
		Sync: SyncConfig{
			Interval:     "10m",
			Workers:      2,
			PollInterval: "1s",
			LeaseTTL:     "30m",
			MaxAttempts:  3,
			RetryDelay:   "1m",
		},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			TokenDuration: "24h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LABSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LABSYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LABSYNC_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = parseCSV(v)
	}
	if v := os.Getenv("LABSYNC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LABSYNC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LABSYNC_GITLAB_PER_PAGE"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.GitLab.PerPage = value
		}
	}
	if v := os.Getenv("LABSYNC_GITLAB_MAX_PAGES"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.GitLab.MaxPages = value
		}
	}
	if v := os.Getenv("LABSYNC_GITLAB_TIMEOUT"); v != "" {
		cfg.GitLab.Timeout = v
	}
	if v := os.Getenv("LABSYNC_GITLAB_RETRY_MAX"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value >= 0 {
			cfg.GitLab.RetryMax = value
		}
	}
	if v := os.Getenv("LABSYNC_GITLAB_PROXY"); v != "" {
		cfg.GitLab.Proxy = strings.TrimSpace(v)
	}
	if v := os.Getenv("LABSYNC_SYNC_INTERVAL"); v != "" {
		cfg.Sync.Interval = v
	}
	if v := os.Getenv("LABSYNC_SYNC_WORKERS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Sync.Workers = value
		}
	}
	if v := os.Getenv("LABSYNC_SYNC_LEASE_TTL"); v != "" {
		cfg.Sync.LeaseTTL = v
	}
	if v := os.Getenv("LABSYNC_SYNC_MAX_ATTEMPTS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Sync.MaxAttempts = value
		}
	}
	if v := os.Getenv("LABSYNC_SYNC_RETRY_DELAY"); v != "" {
		cfg.Sync.RetryDelay = v
	}
	if v := os.Getenv("LABSYNC_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LABSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
