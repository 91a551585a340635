// Package config loads and validates the fetch pipeline configuration
// from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a fetch run.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Store  StoreConfig  `yaml:"store"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Mirror MirrorConfig `yaml:"mirror"`
	Notify NotifyConfig `yaml:"notify"`
}

// RemoteConfig describes the remote dataset API and its retry and
// circuit breaker tuning.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Circuit breaker tuning.
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// StoreConfig describes the local SQLite store and its connection pool.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// AcquirePolicy is "block" (wait up to acquire_timeout for a free
	// connection) or "fail_fast" (error immediately when the pool is
	// exhausted).
	AcquirePolicy string `yaml:"acquire_policy"`
}

// TableConfig describes a single remote table to fetch.
type TableConfig struct {
	Name         string `yaml:"name"`
	KeyColumn    string `yaml:"key_column"`
	PageSize     int64  `yaml:"page_size"`
	ExpectedRows int64  `yaml:"expected_rows"`
}

// FetchConfig controls run-wide fetch behaviour.
type FetchConfig struct {
	Tables            []TableConfig `yaml:"tables"`
	MaxParallelTables int           `yaml:"max_parallel_tables"`
	PageSize          int64         `yaml:"page_size"`
	MaxDeferrals      int           `yaml:"max_deferrals"`
	StateDir          string        `yaml:"state_dir"`
}

// MirrorConfig controls the optional Parquet mirror of completed tables.
type MirrorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
}

// NotifyConfig controls run lifecycle notifications.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	Channel         string `yaml:"channel"`
}

// Load reads a YAML config file, expands ${ENV} references, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses configuration from raw YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = "tablefetch/1.0"
	}
	if c.Remote.RequestTimeout == 0 {
		c.Remote.RequestTimeout = 30 * time.Second
	}
	if c.Remote.MaxRetries == 0 {
		c.Remote.MaxRetries = 4
	}
	if c.Remote.InitialBackoff == 0 {
		c.Remote.InitialBackoff = 500 * time.Millisecond
	}
	if c.Remote.MaxBackoff == 0 {
		c.Remote.MaxBackoff = 30 * time.Second
	}
	if c.Remote.FailureThreshold == 0 {
		c.Remote.FailureThreshold = 5
	}
	if c.Remote.Cooldown == 0 {
		c.Remote.Cooldown = 30 * time.Second
	}
	if c.Remote.MaxCooldown == 0 {
		c.Remote.MaxCooldown = 5 * time.Minute
	}

	if c.Store.Path == "" {
		c.Store.Path = "tablefetch.db"
	}
	if c.Store.MaxConnections == 0 {
		c.Store.MaxConnections = 8
	}
	if c.Store.AcquireTimeout == 0 {
		c.Store.AcquireTimeout = 10 * time.Second
	}
	if c.Store.AcquirePolicy == "" {
		c.Store.AcquirePolicy = "block"
	}

	if c.Fetch.MaxParallelTables == 0 {
		c.Fetch.MaxParallelTables = 4
	}
	if c.Fetch.PageSize == 0 {
		c.Fetch.PageSize = 1000
	}
	if c.Fetch.MaxDeferrals == 0 {
		c.Fetch.MaxDeferrals = 3
	}
	if c.Fetch.StateDir == "" {
		c.Fetch.StateDir = "."
	}
	for i := range c.Fetch.Tables {
		t := &c.Fetch.Tables[i]
		if t.KeyColumn == "" {
			t.KeyColumn = "id"
		}
		if t.PageSize == 0 {
			t.PageSize = c.Fetch.PageSize
		}
	}

	if c.Mirror.Dir == "" {
		c.Mirror.Dir = "mirror"
	}
	if c.Mirror.Compression == "" {
		c.Mirror.Compression = "snappy"
	}
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
	}
	if len(c.Fetch.Tables) == 0 {
		return fmt.Errorf("fetch.tables must list at least one table")
	}
	seen := make(map[string]bool, len(c.Fetch.Tables))
	for _, t := range c.Fetch.Tables {
		if t.Name == "" {
			return fmt.Errorf("fetch.tables entries must have a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("fetch.tables lists %q more than once", t.Name)
		}
		seen[t.Name] = true
		if t.PageSize < 1 {
			return fmt.Errorf("table %s: page_size must be positive, got %d", t.Name, t.PageSize)
		}
	}
	if c.Fetch.MaxParallelTables < 1 {
		return fmt.Errorf("fetch.max_parallel_tables must be at least 1, got %d", c.Fetch.MaxParallelTables)
	}
	if c.Store.MaxConnections < 2 {
		return fmt.Errorf("store.max_connections must be at least 2, got %d", c.Store.MaxConnections)
	}
	switch c.Store.AcquirePolicy {
	case "block", "fail_fast":
	default:
		return fmt.Errorf("store.acquire_policy must be \"block\" or \"fail_fast\", got %q", c.Store.AcquirePolicy)
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative, got %d", c.Remote.MaxRetries)
	}
	if c.Remote.FailureThreshold < 1 {
		return fmt.Errorf("remote.failure_threshold must be at least 1, got %d", c.Remote.FailureThreshold)
	}
	if c.Mirror.Enabled {
		switch c.Mirror.Compression {
		case "snappy", "zstd", "gzip", "none":
		default:
			return fmt.Errorf("mirror.compression must be one of snappy, zstd, gzip, none; got %q", c.Mirror.Compression)
		}
	}
	return nil
}

// Table returns the configuration for the named table, if present.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Fetch.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// StatePath returns the path of the resume state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.Fetch.StateDir, "resume_state.json")
}

// Sanitized returns a copy of the config safe for logging, with
// credentials redacted.
func (c *Config) Sanitized() Config {
	out := *c
	if out.Remote.APIKey != "" {
		out.Remote.APIKey = "***"
	}
	if out.Notify.SlackWebhookURL != "" {
		out.Notify.SlackWebhookURL = "***"
	}
	return out
}
