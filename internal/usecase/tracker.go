// Package usecase contains application business logic.
package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

type trackerListener struct {
	id int
	fn func(online bool)
}

// Tracker holds connectivity state and sync progress in memory. It does
// no I/O of its own: the daemon's reachability probe drives online state
// and the orchestrator brackets sync passes around it.
type Tracker struct {
	mu sync.Mutex

	online              bool
	offlineSince        time.Time
	lastOfflineDuration time.Duration

	syncing   bool
	total     int
	synced    int
	startedAt time.Time

	lastCompletedAt  time.Time
	lastSyncedCount  int
	lastSyncDuration time.Duration

	listeners  []trackerListener
	listenerID int

	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. The initial state is online: the first
// failed reachability probe starts the outage clock, so a device that
// never gets probed does not accumulate a fictional outage.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		online: true,
		logger: logger,
		now:    time.Now,
	}
}

// SetOnline applies a connectivity observation. Repeated observations of
// the same state are no-ops. Going offline starts the outage clock and
// resets the last outage duration; coming back online captures how long
// the outage lasted. Listeners are notified synchronously on every real
// transition, in registration order.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}

	now := t.now()
	t.online = online
	if online {
		t.lastOfflineDuration = now.Sub(t.offlineSince)
		t.offlineSince = time.Time{}
	} else {
		t.offlineSince = now
		t.lastOfflineDuration = 0
	}

	listeners := make([]trackerListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	t.logger.Info("connectivity changed", zap.Bool("online", online))

	for _, l := range listeners {
		t.notify(l, online)
	}
}

// notify invokes one listener, containing any panic so the remaining
// listeners still run.
func (t *Tracker) notify(l trackerListener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("connectivity listener panicked",
				zap.Int("listener", l.id),
				zap.Any("panic", r))
		}
	}()
	l.fn(online)
}

// Subscribe registers fn for connectivity transitions and returns its
// unsubscribe function. Unsubscribing twice is harmless.
func (t *Tracker) Subscribe(fn func(online bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listenerID++
	id := t.listenerID
	t.listeners = append(t.listeners, trackerListener{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

// Status reports the externally visible connectivity state. Offline takes
// precedence over syncing: health output never claims progress during an
// outage, even while a drain pass is still finishing.
func (t *Tracker) Status() domain.ConnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case !t.online:
		return domain.StatusOffline
	case t.syncing:
		return domain.StatusSyncing
	default:
		return domain.StatusOnline
	}
}

// StartSync opens a sync bracket over total items.
func (t *Tracker) StartSync(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.syncing = true
	t.total = total
	t.synced = 0
	t.startedAt = t.now()
}

// UpdateSync records the running count of items synced this pass.
func (t *Tracker) UpdateSync(synced int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.synced = synced
}

// CompleteSync closes the bracket, retaining the final count and duration
// for health reporting before clearing the in-flight progress.
func (t *Tracker) CompleteSync() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.syncing {
		return
	}

	now := t.now()
	t.lastSyncedCount = t.synced
	t.lastSyncDuration = now.Sub(t.startedAt)
	t.lastCompletedAt = now

	t.syncing = false
	t.total = 0
	t.synced = 0
	t.startedAt = time.Time{}
}

// Snapshot returns a consistent copy of the tracker state. The reported
// Syncing flag honors the same offline precedence as Status.
func (t *Tracker) Snapshot() domain.SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return domain.SyncProgress{
		Online:              t.online,
		OfflineSince:        t.offlineSince,
		LastOfflineDuration: t.lastOfflineDuration,
		Syncing:             t.syncing && t.online,
		Total:               t.total,
		Synced:              t.synced,
		StartedAt:           t.startedAt,
		LastCompletedAt:     t.lastCompletedAt,
		LastSyncedCount:     t.lastSyncedCount,
		LastSyncDuration:    t.lastSyncDuration,
	}
}

// EstimateRemaining extrapolates the in-flight pass linearly from items
// synced so far. Nil until at least one item has been synced.
func (t *Tracker) EstimateRemaining() *domain.SyncEstimate {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.syncing || t.synced == 0 {
		return nil
	}

	elapsed := t.now().Sub(t.startedAt)
	if elapsed <= 0 {
		return nil
	}

	perMinute := float64(t.synced) / elapsed.Minutes()
	remaining := t.total - t.synced
	if remaining < 0 {
		remaining = 0
	}

	var etaSeconds float64
	if perMinute > 0 {
		etaSeconds = float64(remaining) / perMinute * 60
	}

	return &domain.SyncEstimate{
		ItemsPerMinute: perMinute,
		ETASeconds:     etaSeconds,
	}
}

// Ensure Tracker implements domain.ConnectivityTracker.
var _ domain.ConnectivityTracker = (*Tracker)(nil)
