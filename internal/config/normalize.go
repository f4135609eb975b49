package config

import (
	"os"
	"strings"
)

// normalize trims strings, applies environment fallbacks, fills zero
// fields with defaults and expands all path fields.
func (c *Config) normalize() error {
	c.normalizeCollector()
	c.normalizeOutbox()
	c.normalizeSync()
	c.normalizeBattery()
	c.normalizeIdentity()
	c.normalizeDecoy()
	c.normalizeSnapshot()
	c.normalizeLogging()
	return c.normalizePaths()
}

func (c *Config) normalizeCollector() {
	c.Collector.BaseURL = strings.TrimSpace(c.Collector.BaseURL)
	c.Collector.APIToken = strings.TrimSpace(c.Collector.APIToken)

	if c.Collector.BaseURL == "" {
		c.Collector.BaseURL = strings.TrimSpace(os.Getenv("CANOPY_COLLECTOR_URL"))
	}
	if c.Collector.APIToken == "" {
		c.Collector.APIToken = strings.TrimSpace(os.Getenv("CANOPY_API_TOKEN"))
	}
	c.Collector.BaseURL = strings.TrimRight(c.Collector.BaseURL, "/")

	if c.Collector.RequestTimeoutSeconds <= 0 {
		c.Collector.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
}

func (c *Config) normalizeOutbox() {
	c.Outbox.DataDir = strings.TrimSpace(c.Outbox.DataDir)
	if c.Outbox.DataDir == "" {
		c.Outbox.DataDir = defaultDataDir()
	}
	if c.Outbox.Capacity <= 0 {
		c.Outbox.Capacity = defaultCapacity
	}
}

func (c *Config) normalizeSync() {
	defaults := Default().Sync
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = defaults.IntervalSeconds
	}
	if c.Sync.ProbeIntervalSeconds <= 0 {
		c.Sync.ProbeIntervalSeconds = defaults.ProbeIntervalSeconds
	}
	if c.Sync.BackoffInitialSeconds <= 0 {
		c.Sync.BackoffInitialSeconds = defaults.BackoffInitialSeconds
	}
	if c.Sync.BackoffFactor <= 0 {
		c.Sync.BackoffFactor = defaults.BackoffFactor
	}
	if c.Sync.BackoffCapSeconds <= 0 {
		c.Sync.BackoffCapSeconds = defaults.BackoffCapSeconds
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = defaults.MaxRetries
	}
	if c.Sync.AttemptBudget <= 0 {
		c.Sync.AttemptBudget = defaults.AttemptBudget
	}
	if c.Sync.AttemptWindowSeconds <= 0 {
		c.Sync.AttemptWindowSeconds = defaults.AttemptWindowSeconds
	}
	if c.Sync.AttemptTimeoutSeconds <= 0 {
		c.Sync.AttemptTimeoutSeconds = defaults.AttemptTimeoutSeconds
	}
}

func (c *Config) normalizeBattery() {
	if c.Battery.MinLevel <= 0 {
		c.Battery.MinLevel = Default().Battery.MinLevel
	}
	if c.Battery.QueueThreshold <= 0 {
		c.Battery.QueueThreshold = Default().Battery.QueueThreshold
	}
}

func (c *Config) normalizeIdentity() {
	c.Identity.DeviceID = strings.TrimSpace(c.Identity.DeviceID)
	if c.Identity.DeviceID == "" {
		c.Identity.DeviceID = strings.TrimSpace(os.Getenv("CANOPY_DEVICE_ID"))
	}
}

func (c *Config) normalizeDecoy() {
	if c.Decoy.IntervalSeconds <= 0 {
		c.Decoy.IntervalSeconds = defaultDecoyIntervalSeconds
	}
}

func (c *Config) normalizeSnapshot() {
	if c.Snapshot.Keep <= 0 {
		c.Snapshot.Keep = defaultSnapshotKeep
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Path = strings.TrimSpace(c.Logging.Path)
	if c.Logging.Path == "" {
		c.Logging.Path = defaultLogPath
	}
}

func (c *Config) normalizePaths() error {
	dataDir, err := expandPath(c.Outbox.DataDir)
	if err != nil {
		return err
	}
	c.Outbox.DataDir = dataDir

	logPath, err := expandPath(c.Logging.Path)
	if err != nil {
		return err
	}
	c.Logging.Path = logPath
	return nil
}
