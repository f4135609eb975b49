// Package policy holds the pure decision rules that govern a drain pass:
// the retry backoff curve, the rolling attempt budget and the battery
// gate. Nothing here performs I/O; the orchestrator feeds in observations
// and obeys the answers, which keeps every rule independently testable.
package policy

import "time"

// Reference tunables. All of them are configurable; none is asserted to
// be optimal, they carry over empirically tuned production values.
const (
	DefaultBackoffInitial = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultBackoffCap     = time.Hour
	DefaultMaxRetries     = 8

	DefaultAttemptBudget = 10
	DefaultAttemptWindow = time.Minute

	DefaultBatteryMinLevel       = 20.0
	DefaultBatteryQueueThreshold = 10

	DefaultAttemptTimeout = 30 * time.Second
)

// DrainPolicy bundles the tunables consulted during one sync pass.
type DrainPolicy struct {
	// BackoffInitial and BackoffFactor shape the per-item retry delay:
	// BackoffInitial times BackoffFactor^retryCount, capped at BackoffCap.
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration

	// MaxRetries is the retry budget per item; an item whose count
	// reaches it is dropped with a distinct outcome.
	MaxRetries int

	// AttemptBudget delivery attempts are allowed per rolling
	// AttemptWindow, counted regardless of outcome.
	AttemptBudget int
	AttemptWindow time.Duration

	// The battery gate defers a pass when the queue holds more than
	// BatteryQueueThreshold items, charge is below BatteryMinLevel
	// percent and the device is not charging.
	BatteryMinLevel       float64
	BatteryQueueThreshold int

	// AttemptTimeout bounds a single delivery attempt; a timeout is a
	// retryable failure.
	AttemptTimeout time.Duration
}

// Default returns the reference drain policy.
func Default() DrainPolicy {
	return DrainPolicy{
		BackoffInitial:        DefaultBackoffInitial,
		BackoffFactor:         DefaultBackoffFactor,
		BackoffCap:            DefaultBackoffCap,
		MaxRetries:            DefaultMaxRetries,
		AttemptBudget:         DefaultAttemptBudget,
		AttemptWindow:         DefaultAttemptWindow,
		BatteryMinLevel:       DefaultBatteryMinLevel,
		BatteryQueueThreshold: DefaultBatteryQueueThreshold,
		AttemptTimeout:        DefaultAttemptTimeout,
	}
}
