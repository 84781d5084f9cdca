// Package config holds the runtime settings of the stock count service.
// Values come from defaults, then an optional YAML file, then STOCKCOUNT_*
// environment variables (which a .env file may populate).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"github.com/Bruce-k901/My-App-sub012/internal/stockcount"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// Libraries is the section rank order; unknown tags sort after these.
	Libraries []string `yaml:"libraries"`

	Counting CountingConfig `yaml:"counting"`
	Approval ApprovalConfig `yaml:"approval"`
}

type CountingConfig struct {
	CommitConcurrency int  `yaml:"commit_concurrency"`
	AdvanceFocus      bool `yaml:"advance_focus"`
	RefreshAfterSave  bool `yaml:"refresh_after_save"`
}

type ApprovalConfig struct {
	AllowSelfApproval bool   `yaml:"allow_self_approval"`
	BreakerCooldown   string `yaml:"breaker_cooldown"`

	// RemoteURL, when set, is asked for the approver before the local walk.
	RemoteURL     string `yaml:"remote_url"`
	RemoteTimeout string `yaml:"remote_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		DBPath:    "data/stockcount.db",
		LogLevel:  "info",
		Libraries: append([]string(nil), stockcount.DefaultLibraries...),
		Counting: CountingConfig{
			CommitConcurrency: 8,
			AdvanceFocus:      true,
			RefreshAfterSave:  true,
		},
		Approval: ApprovalConfig{
			AllowSelfApproval: true,
			BreakerCooldown:   "1m",
			RemoteTimeout:     "8s",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("STOCKCOUNT_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := get("STOCKCOUNT_DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := get("STOCKCOUNT_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("STOCKCOUNT_LIBRARIES"); ok {
		c.Libraries = splitList(v)
	}
	if v, ok := get("STOCKCOUNT_COMMIT_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STOCKCOUNT_COMMIT_CONCURRENCY: %w", err)
		}
		c.Counting.CommitConcurrency = n
	}
	if v, ok := get("STOCKCOUNT_ADVANCE_FOCUS"); ok {
		c.Counting.AdvanceFocus = parseBool(v)
	}
	if v, ok := get("STOCKCOUNT_ALLOW_SELF_APPROVAL"); ok {
		c.Approval.AllowSelfApproval = parseBool(v)
	}
	if v, ok := get("STOCKCOUNT_BREAKER_COOLDOWN"); ok {
		c.Approval.BreakerCooldown = v
	}
	if v, ok := get("STOCKCOUNT_APPROVER_URL"); ok {
		c.Approval.RemoteURL = v
	}
	if v, ok := get("STOCKCOUNT_APPROVER_TIMEOUT"); ok {
		c.Approval.RemoteTimeout = v
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Counting.CommitConcurrency < 1 {
		return fmt.Errorf("counting.commit_concurrency must be at least 1")
	}
	if _, err := c.BreakerCooldownDuration(); err != nil {
		return err
	}
	if _, err := c.Remote(); err != nil {
		return err
	}
	return nil
}

// Remote builds the remote approver resolver, or nil when none is configured.
func (c *Config) Remote() (approver.Remote, error) {
	if strings.TrimSpace(c.Approval.RemoteURL) == "" {
		return nil, nil
	}
	timeout := time.Duration(0)
	if raw := strings.TrimSpace(c.Approval.RemoteTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("approval.remote_timeout: %w", err)
		}
		timeout = d
	}
	remote, err := approver.NewHTTPRemote(c.Approval.RemoteURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("approval.remote_url: %w", err)
	}
	return remote, nil
}

// BreakerCooldownDuration parses Approval.BreakerCooldown. Zero keeps the
// breaker open until reset.
func (c *Config) BreakerCooldownDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.Approval.BreakerCooldown)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("approval.breaker_cooldown: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("approval.breaker_cooldown must not be negative")
	}
	return d, nil
}

// Ordering builds the section ordering from Libraries.
func (c *Config) Ordering() stockcount.Ordering {
	return stockcount.NewOrdering(c.Libraries)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
