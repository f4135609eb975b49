package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/canopyguard/canopy/internal/policy"
)

//go:embed sample_config.toml
var sampleConfig string

// Collector contains the remote collector connection settings.
type Collector struct {
	BaseURL               string `toml:"base_url"`
	APIToken              string `toml:"api_token"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Outbox contains the local encrypted queue settings.
type Outbox struct {
	DataDir  string `toml:"data_dir"`
	Capacity int    `toml:"capacity"`
}

// Sync contains drain scheduling, backoff and rate-limit settings.
// All durations are whole seconds.
type Sync struct {
	IntervalSeconds       int     `toml:"interval_seconds"`
	ProbeIntervalSeconds  int     `toml:"probe_interval_seconds"`
	BackoffInitialSeconds int     `toml:"backoff_initial_seconds"`
	BackoffFactor         float64 `toml:"backoff_factor"`
	BackoffCapSeconds     int     `toml:"backoff_cap_seconds"`
	MaxRetries            int     `toml:"max_retries"`
	AttemptBudget         int     `toml:"attempt_budget"`
	AttemptWindowSeconds  int     `toml:"attempt_window_seconds"`
	AttemptTimeoutSeconds int     `toml:"attempt_timeout_seconds"`
}

// Battery contains the low-battery drain gate settings.
type Battery struct {
	MinLevel       float64 `toml:"min_level"`
	QueueThreshold int     `toml:"queue_threshold"`
}

// Identity contains the device identity override. When empty the host
// machine id is used.
type Identity struct {
	DeviceID string `toml:"device_id"`
}

// Decoy contains placeholder-record seeding settings.
type Decoy struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// Snapshot contains database snapshot settings.
type Snapshot struct {
	Enabled bool `toml:"enabled"`
	Keep    int  `toml:"keep"`
}

// Logging contains log output settings.
type Logging struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// Config encapsulates all configuration values for canopyd.
type Config struct {
	Collector Collector `toml:"collector"`
	Outbox    Outbox    `toml:"outbox"`
	Sync      Sync      `toml:"sync"`
	Battery   Battery   `toml:"battery"`
	Identity  Identity  `toml:"identity"`
	Decoy     Decoy     `toml:"decoy"`
	Snapshot  Snapshot  `toml:"snapshot"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/canopy/config.toml")
}

// Load locates, parses and validates a configuration file. The returned
// config has all path fields expanded and every zero field normalized to
// its default.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("canopy.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCollector(); err != nil {
		return err
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateBattery(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCollector() error {
	if c.Collector.BaseURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/canopy/config.toml"
		}
		return fmt.Errorf("collector.base_url is required. Set CANOPY_COLLECTOR_URL env var or edit %s (create with 'canopyd config init')", defaultPath)
	}
	parsed, err := url.Parse(c.Collector.BaseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("collector.base_url %q is not a valid URL", c.Collector.BaseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("collector.base_url must use http or https, got %q", parsed.Scheme)
	}
	return nil
}

func (c *Config) validateOutbox() error {
	if c.Outbox.Capacity <= 0 {
		return errors.New("outbox.capacity must be positive")
	}
	if c.Outbox.DataDir == "" {
		return errors.New("outbox.data_dir must be set")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.BackoffFactor < 1 {
		return errors.New("sync.backoff_factor must be at least 1")
	}
	if c.Sync.BackoffCapSeconds < c.Sync.BackoffInitialSeconds {
		return errors.New("sync.backoff_cap_seconds must not be below sync.backoff_initial_seconds")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.AttemptBudget < 1 {
		return errors.New("sync.attempt_budget must be at least 1")
	}
	return nil
}

func (c *Config) validateBattery() error {
	if c.Battery.MinLevel < 0 || c.Battery.MinLevel > 100 {
		return errors.New("battery.min_level must be between 0 and 100")
	}
	if c.Battery.QueueThreshold < 0 {
		return errors.New("battery.queue_threshold must not be negative")
	}
	return nil
}

// DrainPolicy maps the [sync] and [battery] sections onto the drain
// policy consumed by the orchestrator.
func (c *Config) DrainPolicy() policy.DrainPolicy {
	return policy.DrainPolicy{
		BackoffInitial:        time.Duration(c.Sync.BackoffInitialSeconds) * time.Second,
		BackoffFactor:         c.Sync.BackoffFactor,
		BackoffCap:            time.Duration(c.Sync.BackoffCapSeconds) * time.Second,
		MaxRetries:            c.Sync.MaxRetries,
		AttemptBudget:         c.Sync.AttemptBudget,
		AttemptWindow:         time.Duration(c.Sync.AttemptWindowSeconds) * time.Second,
		BatteryMinLevel:       c.Battery.MinLevel,
		BatteryQueueThreshold: c.Battery.QueueThreshold,
		AttemptTimeout:        time.Duration(c.Sync.AttemptTimeoutSeconds) * time.Second,
	}
}

// RequestTimeout returns the collector request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Collector.RequestTimeoutSeconds) * time.Second
}

// SyncInterval returns how often the daemon triggers a drain pass.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// ProbeInterval returns how often the daemon probes collector reachability.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sync.ProbeIntervalSeconds) * time.Second
}

// DecoyInterval returns how often the daemon seeds a placeholder record.
func (c *Config) DecoyInterval() time.Duration {
	return time.Duration(c.Decoy.IntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
