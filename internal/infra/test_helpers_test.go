package infra

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

// stubIdentity is a test double for domain.IdentityProvider.
type stubIdentity struct {
	id  string
	err error
}

func (s *stubIdentity) DeviceID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}

// Ensure stubIdentity implements domain.IdentityProvider.
var _ domain.IdentityProvider = (*stubIdentity)(nil)

// newTestOutbox creates an encrypted outbox in a temp directory for testing.
func newTestOutbox(t *testing.T, capacity int) *SQLCipherOutbox {
	t.Helper()
	return newTestOutboxWithIdentity(t, capacity, &stubIdentity{id: "test-device"})
}

// newTestOutboxWithIdentity creates an outbox with a custom identity provider.
func newTestOutboxWithIdentity(t *testing.T, capacity int, identity domain.IdentityProvider) *SQLCipherOutbox {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateDBKey()
	require.NoError(t, err)

	outbox, err := NewSQLCipherOutbox(dataDir, key, capacity, NewDeviceCipher(), identity, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { outbox.Close() })
	return outbox
}
