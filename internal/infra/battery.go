package infra

import (
	"github.com/distatus/battery"
	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

// SystemBattery reads host power state through the platform battery APIs.
// Hosts without a readable battery (desktops, VMs) report fully charged so
// syncing is never starved on wall power.
type SystemBattery struct {
	logger  *zap.Logger
	readAll func() ([]*battery.Battery, error)
}

// NewSystemBattery creates a battery provider.
func NewSystemBattery(logger *zap.Logger) *SystemBattery {
	return &SystemBattery{
		logger:  logger,
		readAll: battery.GetAll,
	}
}

// Status reports the current charge level and charging state. On laptops
// with several batteries the lowest level governs; a battery at or above
// full, or actively charging, counts as charging.
func (s *SystemBattery) Status() domain.BatteryStatus {
	failOpen := domain.BatteryStatus{Level: 100, Charging: true}

	batteries, err := s.readAll()
	if err != nil {
		// GetAll reports per-battery errors; usable entries still come
		// through, so only log and keep going.
		s.logger.Debug("battery read reported errors", zap.Error(err))
	}

	lowest := 100.0
	charging := false
	valid := false
	for _, b := range batteries {
		if b == nil || b.Full <= 0 {
			continue
		}
		level := b.Current / b.Full * 100
		if level > 100 {
			level = 100
		}
		if !valid || level < lowest {
			lowest = level
		}
		valid = true
		if b.State == battery.Charging || b.State == battery.Full {
			charging = true
		}
	}

	if !valid {
		return failOpen
	}
	return domain.BatteryStatus{Level: lowest, Charging: charging}
}

// Ensure SystemBattery implements domain.BatteryProvider.
var _ domain.BatteryProvider = (*SystemBattery)(nil)
