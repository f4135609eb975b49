package policy

import (
	"github.com/canopyguard/canopy/internal/domain"
)

// ShouldDefer reports whether a drain pass should be skipped to preserve
// battery: a backlog above the queue threshold, charge below the minimum
// level and no charger attached. A small queue syncs even on low battery
// since draining it costs little. Pure function of its inputs.
func (p DrainPolicy) ShouldDefer(queueSize int, status domain.BatteryStatus) bool {
	return queueSize > p.BatteryQueueThreshold &&
		status.Level < p.BatteryMinLevel &&
		!status.Charging
}
