package domain

import (
	"errors"
	"fmt"
)

// ErrItemNotFound is returned by UpdateRetry when the target id is absent.
// A missing retry target means the item was removed concurrently; callers
// log and move on to the next item.
var ErrItemNotFound = errors.New("outbox: item not found")

// ErrDeviceIdentityMissing is returned when no device identity is configured.
// The queue and orchestrator refuse to operate without one.
var ErrDeviceIdentityMissing = errors.New("device identity not configured")

// KeyDerivationError wraps a crypto-provider failure during key derivation.
// It is fatal to the current operation only; derivation is retried on the
// next call, never cached as a poisoned state.
type KeyDerivationError struct {
	Err error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("key derivation failed: %v", e.Err)
}

func (e *KeyDerivationError) Unwrap() error { return e.Err }

// DecryptionError means the authentication tag did not verify: the item is
// corrupted or was encrypted for a different device. The item is skipped and
// flagged, never destroyed.
type DecryptionError struct {
	ItemID string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("payload decryption failed: %v", e.Err)
	}
	return fmt.Sprintf("payload decryption failed for item %s: %v", e.ItemID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the persistence substrate. A mutating
// operation that returns one has not durably committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransportError classifies a failed delivery attempt. Retryable covers
// network errors, timeouts, rate limiting and expired auth; malformed or
// permanently rejected payloads are not retryable.
type TransportError struct {
	StatusCode int // 0 for network-level failures
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed (%s, status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s): %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a delivery failure worth
// retrying. Unknown errors default to retryable so transient conditions
// are not turned into data loss.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// IsDecryptionError reports whether err is a payload authentication failure.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
