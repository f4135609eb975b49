package infra

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/canopyguard/canopy/internal/domain"
)

// HostIdentity resolves the stable device identity that payload keys are
// derived from. A configured override wins; otherwise the host machine id
// is used. The resolved value is cached for the process lifetime so key
// derivation always sees the same identity.
type HostIdentity struct {
	override string

	mu       sync.Mutex
	cached   string
	hostIDFn func() (string, error)
}

// NewHostIdentity creates an identity provider. override may be empty.
func NewHostIdentity(override string) *HostIdentity {
	return &HostIdentity{
		override: strings.TrimSpace(override),
		hostIDFn: host.HostID,
	}
}

// DeviceID returns the device identity, or ErrDeviceIdentityMissing when
// neither an override nor a host machine id is available.
func (h *HostIdentity) DeviceID() (string, error) {
	if h.override != "" {
		return h.override, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != "" {
		return h.cached, nil
	}

	id, err := h.hostIDFn()
	if err != nil {
		return "", fmt.Errorf("failed to read host id: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", domain.ErrDeviceIdentityMissing
	}

	h.cached = id
	return id, nil
}

// Ensure HostIdentity implements domain.IdentityProvider.
var _ domain.IdentityProvider = (*HostIdentity)(nil)
