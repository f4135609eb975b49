// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ConnStatus is the device connectivity state as reported to health consumers.
type ConnStatus string

const (
	StatusOnline  ConnStatus = "online"
	StatusOffline ConnStatus = "offline"
	StatusSyncing ConnStatus = "syncing"
)

// Item is the decrypted view of one queued artifact, as returned by List.
// Record holds the producer's serialized capture; it is opaque to the engine
// and only ever stored encrypted.
type Item struct {
	ID          string
	OwnerKey    string // cleartext grouping key (child/session id), safe on its own
	Placeholder bool   // decoy item, never delivered
	EnqueuedAt  time.Time
	Record      []byte
	RetryCount  int
	LastRetryAt time.Time // zero until the first failed attempt
}

// DeliveryOutcome classifies a single transport attempt.
type DeliveryOutcome int

const (
	DeliveryOK DeliveryOutcome = iota
	DeliveryRetryable
	DeliveryFatal
)

// SyncSummary reports what a single drain pass did with the queue.
// Deferred means the pass declined to run (battery gate or a drain already
// in flight) and nothing was attempted.
type SyncSummary struct {
	Delivered           int
	RetryExhausted      int
	NonRetryableDropped int
	StillQueued         int
	Deferred            bool
}

// SyncProgress is a snapshot of the tracker state for health reporting.
type SyncProgress struct {
	Online              bool
	OfflineSince        time.Time // zero iff online
	LastOfflineDuration time.Duration
	Syncing             bool
	Total               int
	Synced              int
	StartedAt           time.Time // zero when no sync in flight
	LastCompletedAt     time.Time
	LastSyncedCount     int
	LastSyncDuration    time.Duration
}

// SyncEstimate is a linear extrapolation of the in-flight pass.
type SyncEstimate struct {
	ItemsPerMinute float64
	ETASeconds     float64
}

// BatteryStatus is the host power reading used by the drain gate.
type BatteryStatus struct {
	Level    float64 // 0-100
	Charging bool
}
