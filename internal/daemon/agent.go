// Package daemon implements the long-running sync agent.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

// SyncRunner triggers one drain pass over the outbox.
type SyncRunner interface {
	RunSyncPass(ctx context.Context) (domain.SyncSummary, error)
}

// DecoySource produces placeholder records for queue padding.
type DecoySource interface {
	Record() ([]byte, error)
}

// SnapshotKeeper prunes snapshot files beyond the retention limit.
type SnapshotKeeper interface {
	Prune() error
}

// QueueView is the slice of the outbox the agent itself touches.
type QueueView interface {
	Enqueue(ctx context.Context, record []byte, ownerKey string, placeholder bool) (string, int, error)
	Size(ctx context.Context) (int, error)
}

// AgentConfig holds agent daemon configuration.
type AgentConfig struct {
	SyncInterval          time.Duration // How often to run a drain pass
	ProbeInterval         time.Duration // How often to probe collector reachability
	DecoyInterval         time.Duration // How often to seed a placeholder record (0 disables)
	HealthLogInterval     time.Duration // How often to log agent health
	SnapshotPruneInterval time.Duration // How often to prune old snapshots
}

// DefaultAgentConfig returns default agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SyncInterval:          5 * time.Minute,
		ProbeInterval:         60 * time.Second,
		DecoyInterval:         30 * time.Minute,
		HealthLogInterval:     10 * time.Minute,
		SnapshotPruneInterval: 24 * time.Hour,
	}
}

// Agent is the main sync daemon. It probes collector reachability, runs
// drain passes on a schedule and immediately after reconnecting, seeds
// placeholder records, and keeps snapshot retention in check.
type Agent struct {
	config    AgentConfig
	runner    SyncRunner
	transport domain.Transport
	tracker   domain.ConnectivityTracker
	queue     QueueView
	decoys    DecoySource
	snapshots SnapshotKeeper
	logger    *zap.Logger

	// wake receives a signal when connectivity returns so the next
	// drain does not wait for the sync ticker.
	wake chan struct{}
}

// NewAgent creates a new sync agent. decoys and snapshots may be nil to
// disable the corresponding duty.
func NewAgent(
	config AgentConfig,
	runner SyncRunner,
	transport domain.Transport,
	tracker domain.ConnectivityTracker,
	queue QueueView,
	decoys DecoySource,
	snapshots SnapshotKeeper,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		config:    config,
		runner:    runner,
		transport: transport,
		tracker:   tracker,
		queue:     queue,
		decoys:    decoys,
		snapshots: snapshots,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Run starts the agent loop. This blocks until context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	unsubscribe := a.tracker.Subscribe(func(online bool) {
		if !online {
			return
		}
		select {
		case a.wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	a.logger.Info("sync agent started",
		zap.Duration("sync_interval", a.config.SyncInterval),
		zap.Duration("probe_interval", a.config.ProbeInterval))

	// Probe and drain immediately on startup so a short-lived session
	// still ships whatever it can.
	a.probe(ctx)
	a.runDrain(ctx)

	syncTicker := time.NewTicker(a.config.SyncInterval)
	probeTicker := time.NewTicker(a.config.ProbeInterval)
	healthTicker := time.NewTicker(a.config.HealthLogInterval)
	pruneTicker := time.NewTicker(a.config.SnapshotPruneInterval)

	decoyInterval := a.config.DecoyInterval
	if a.decoys == nil || decoyInterval <= 0 {
		// Park the ticker on a duration that never fires in practice.
		decoyInterval = 24 * 365 * time.Hour
	}
	decoyTicker := time.NewTicker(decoyInterval)

	defer func() {
		syncTicker.Stop()
		probeTicker.Stop()
		healthTicker.Stop()
		pruneTicker.Stop()
		decoyTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sync agent stopping")
			return ctx.Err()

		case <-a.wake:
			a.logger.Debug("connectivity restored, draining")
			a.runDrain(ctx)

		case <-syncTicker.C:
			a.runDrain(ctx)

		case <-probeTicker.C:
			a.probe(ctx)

		case <-decoyTicker.C:
			a.seedDecoy(ctx)

		case <-healthTicker.C:
			a.logHealth(ctx)

		case <-pruneTicker.C:
			a.pruneSnapshots()
		}
	}
}

// probe checks collector reachability and feeds the result to the
// connectivity tracker.
func (a *Agent) probe(ctx context.Context) {
	err := a.transport.Ping(ctx)
	if err != nil {
		a.logger.Debug("collector unreachable", zap.Error(err))
	}
	a.tracker.SetOnline(err == nil)
}

// runDrain executes one drain pass unless the collector is unreachable.
func (a *Agent) runDrain(ctx context.Context) {
	if a.tracker.Status() == domain.StatusOffline {
		a.logger.Debug("collector unreachable, drain skipped")
		return
	}

	summary, err := a.runner.RunSyncPass(ctx)
	if err != nil {
		a.logger.Error("drain pass failed", zap.Error(err))
		return
	}

	if summary.Deferred {
		a.logger.Debug("drain pass deferred")
		return
	}

	if summary.Delivered > 0 || summary.RetryExhausted > 0 || summary.NonRetryableDropped > 0 {
		a.logger.Info("drain pass completed",
			zap.Int("delivered", summary.Delivered),
			zap.Int("retry_exhausted", summary.RetryExhausted),
			zap.Int("non_retryable_dropped", summary.NonRetryableDropped),
			zap.Int("still_queued", summary.StillQueued))
	}
}

// seedDecoy enqueues one placeholder record.
func (a *Agent) seedDecoy(ctx context.Context) {
	if a.decoys == nil {
		return
	}

	record, err := a.decoys.Record()
	if err != nil {
		a.logger.Warn("failed to generate placeholder record", zap.Error(err))
		return
	}

	if _, _, err := a.queue.Enqueue(ctx, record, "", true); err != nil {
		a.logger.Warn("failed to enqueue placeholder record", zap.Error(err))
		return
	}

	a.logger.Debug("placeholder record seeded")
}

// logHealth emits a periodic status line so an operator can confirm the
// agent is alive from the log alone.
func (a *Agent) logHealth(ctx context.Context) {
	size, err := a.queue.Size(ctx)
	if err != nil {
		a.logger.Warn("failed to read queue size", zap.Error(err))
		return
	}

	snap := a.tracker.Snapshot()
	fields := []zap.Field{
		zap.Bool("online", snap.Online),
		zap.Bool("syncing", snap.Syncing),
		zap.Int("queued", size),
	}
	if !snap.Online && !snap.OfflineSince.IsZero() {
		fields = append(fields, zap.Duration("offline_for", time.Since(snap.OfflineSince)))
	}
	if !snap.LastCompletedAt.IsZero() {
		fields = append(fields,
			zap.Time("last_sync", snap.LastCompletedAt),
			zap.Int("last_synced", snap.LastSyncedCount))
	}

	a.logger.Info("agent health", fields...)
}

// pruneSnapshots trims snapshot retention.
func (a *Agent) pruneSnapshots() {
	if a.snapshots == nil {
		return
	}
	if err := a.snapshots.Prune(); err != nil {
		a.logger.Warn("snapshot prune failed", zap.Error(err))
	}
}
