package config

import (
	"os"

	"github.com/canopyguard/canopy/internal/policy"
)

const (
	defaultDataDirUser   = "~/.canopy"
	defaultDataDirSystem = "/var/lib/canopy"

	defaultLogPath  = "/var/tmp/canopyd.log"
	defaultLogLevel = "info"

	defaultCapacity = 500

	defaultSyncIntervalSeconds   = 300
	defaultProbeIntervalSeconds  = 60
	defaultRequestTimeoutSeconds = 30

	defaultDecoyIntervalSeconds = 1800
	defaultSnapshotKeep         = 5
)

// defaultDataDir picks the queue location for the current privilege level.
// A root daemon keeps its state under /var/lib so it survives user churn.
func defaultDataDir() string {
	if os.Geteuid() == 0 {
		return defaultDataDirSystem
	}
	return defaultDataDirUser
}

// Default returns a Config populated with default values. Duration and
// retry defaults come from the drain policy package so the two never
// drift apart.
func Default() Config {
	return Config{
		Collector: Collector{
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
		},
		Outbox: Outbox{
			DataDir:  defaultDataDir(),
			Capacity: defaultCapacity,
		},
		Sync: Sync{
			IntervalSeconds:       defaultSyncIntervalSeconds,
			ProbeIntervalSeconds:  defaultProbeIntervalSeconds,
			BackoffInitialSeconds: int(policy.DefaultBackoffInitial.Seconds()),
			BackoffFactor:         policy.DefaultBackoffFactor,
			BackoffCapSeconds:     int(policy.DefaultBackoffCap.Seconds()),
			MaxRetries:            policy.DefaultMaxRetries,
			AttemptBudget:         policy.DefaultAttemptBudget,
			AttemptWindowSeconds:  int(policy.DefaultAttemptWindow.Seconds()),
			AttemptTimeoutSeconds: int(policy.DefaultAttemptTimeout.Seconds()),
		},
		Battery: Battery{
			MinLevel:       policy.DefaultBatteryMinLevel,
			QueueThreshold: policy.DefaultBatteryQueueThreshold,
		},
		Decoy: Decoy{
			Enabled:         true,
			IntervalSeconds: defaultDecoyIntervalSeconds,
		},
		Snapshot: Snapshot{
			Enabled: true,
			Keep:    defaultSnapshotKeep,
		},
		Logging: Logging{
			Level: defaultLogLevel,
			Path:  defaultLogPath,
		},
	}
}
