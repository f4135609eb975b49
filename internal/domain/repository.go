package domain

import (
	"context"
	"time"
)

// OutboxStore is the bounded persistent queue of encrypted artifacts.
// Implementation: SQLCipher database, single-writer transactions.
// Every mutation is atomic; capacity holds after every call.
type OutboxStore interface {
	// Enqueue encrypts record and inserts it, evicting the oldest items
	// first if capacity would be exceeded. Returns the new item id and
	// how many items were evicted to make room.
	Enqueue(ctx context.Context, record []byte, ownerKey string, placeholder bool) (id string, evicted int, err error)

	// List returns up to limit decrypted items, oldest first (limit <= 0
	// means all). Items that fail decryption are skipped and logged, not
	// removed.
	List(ctx context.Context, limit int) ([]Item, error)

	// ListOwner is List filtered by the cleartext grouping key.
	ListOwner(ctx context.Context, ownerKey string, limit int) ([]Item, error)

	// Remove deletes an item by id. Removing an absent id is a no-op.
	Remove(ctx context.Context, id string) error

	// UpdateRetry rewrites the retry fields inside the encrypted payload
	// with a fresh nonce and replaces the stored item atomically.
	// Returns ErrItemNotFound if id is absent.
	UpdateRetry(ctx context.Context, id string, retryCount int, lastRetryAt time.Time) error

	// Size returns the current item count, placeholders included.
	Size(ctx context.Context) (int, error)

	// Clear removes every item.
	Clear(ctx context.Context) error

	// Close releases the database connection.
	Close() error
}

// PayloadCipher derives per-device keys and seals/opens payloads.
// Keys are held only in process memory, cached per device identity.
type PayloadCipher interface {
	// Encrypt seals plaintext with a fresh random nonce under the key
	// derived for deviceID.
	Encrypt(plaintext []byte, deviceID string) (ciphertext, nonce []byte, err error)

	// Decrypt opens ciphertext; fails with DecryptionError when the tag
	// does not verify, including when deviceID differs from the one used
	// to encrypt.
	Decrypt(ciphertext, nonce []byte, deviceID string) ([]byte, error)

	// Invalidate drops the cached key for deviceID (e.g. identity change).
	Invalidate(deviceID string)
}

// Transport delivers one decrypted artifact to the remote collector.
type Transport interface {
	// Deliver attempts one upload. A nil error means the collector
	// accepted the artifact; otherwise the error classifies as retryable
	// or not (see TransportError).
	Deliver(ctx context.Context, item Item) error

	// Ping probes collector reachability for the connectivity tracker.
	Ping(ctx context.Context) error
}

// IdentityProvider supplies the stable device identity string used for
// key derivation. Implementations must return ErrDeviceIdentityMissing
// rather than an empty id.
type IdentityProvider interface {
	DeviceID() (string, error)
}

// BatteryProvider reports host power state. Unavailable readings are
// reported as fully charged so a plugged-in device is never under-synced.
type BatteryProvider interface {
	Status() BatteryStatus
}

// ConnectivityTracker holds online/offline/syncing state and sync progress.
// Driven by the orchestrator and the daemon's reachability probe; performs
// no I/O of its own.
type ConnectivityTracker interface {
	SetOnline(online bool)
	Status() ConnStatus

	// Subscribe registers a listener invoked synchronously on every
	// online/offline transition, in registration order. The returned
	// function unsubscribes. A panicking listener does not prevent the
	// rest from running.
	Subscribe(func(online bool)) (unsubscribe func())

	StartSync(total int)
	UpdateSync(synced int)
	CompleteSync()

	Snapshot() SyncProgress
	EstimateRemaining() *SyncEstimate
}

// KeyProvider abstracts the source of the database file key.
// Phase 1: file-based key. Phase 2: server-escrowed key.
type KeyProvider interface {
	// GetKey returns the database key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new database key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
