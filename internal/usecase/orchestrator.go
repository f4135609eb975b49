package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
	"github.com/canopyguard/canopy/internal/policy"
)

// Orchestrator drains the outbox within policy limits and reports what
// happened to each item. It owns no timer: the daemon loop or a CLI
// one-shot triggers RunSyncPass, and the pass takes whatever the rate
// window, backoff curve and battery gate allow.
type Orchestrator struct {
	store     domain.OutboxStore
	transport domain.Transport
	tracker   domain.ConnectivityTracker
	battery   domain.BatteryProvider
	policy    policy.DrainPolicy
	window    *policy.AttemptWindow
	logger    *zap.Logger

	// passMu serializes drain passes; a trigger that finds it held is
	// coalesced into a no-op rather than queued.
	passMu sync.Mutex
	now    func() time.Time
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(
	store domain.OutboxStore,
	transport domain.Transport,
	tracker domain.ConnectivityTracker,
	battery domain.BatteryProvider,
	drain policy.DrainPolicy,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		transport: transport,
		tracker:   tracker,
		battery:   battery,
		policy:    drain,
		window:    policy.NewAttemptWindow(drain.AttemptBudget, drain.AttemptWindow),
		logger:    logger,
		now:       time.Now,
	}
}

// RunSyncPass drains as much of the queue as policy allows. Items are
// visited oldest first; per-item failures are isolated and never abort
// the rest of the pass. The returned summary accounts for every real
// item the pass considered. Deferred is set when the pass declined to
// run at all (battery gate, or another pass still in flight).
func (o *Orchestrator) RunSyncPass(ctx context.Context) (domain.SyncSummary, error) {
	if !o.passMu.TryLock() {
		o.logger.Debug("drain already in flight, coalescing trigger")
		return domain.SyncSummary{Deferred: true}, nil
	}
	defer o.passMu.Unlock()

	size, err := o.store.Size(ctx)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	if size == 0 {
		return domain.SyncSummary{}, nil
	}

	batteryStatus := o.battery.Status()
	if o.policy.ShouldDefer(size, batteryStatus) {
		o.logger.Info("drain deferred to preserve battery",
			zap.Int("queue_size", size),
			zap.Float64("battery_level", batteryStatus.Level),
			zap.Bool("charging", batteryStatus.Charging))
		return domain.SyncSummary{Deferred: true}, nil
	}

	items, err := o.store.List(ctx, 0)
	if err != nil {
		return domain.SyncSummary{}, err
	}

	// Placeholders pad the queue but are never delivered; they rotate
	// out through FIFO eviction instead.
	pending := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if !item.Placeholder {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		return domain.SyncSummary{}, nil
	}

	now := o.now()
	attemptable := 0
	for _, item := range pending {
		if item.RetryCount < o.policy.MaxRetries && o.policy.RetryDue(item, now) {
			attemptable++
		}
	}
	toAttempt := attemptable
	if budget := o.window.Remaining(now); budget < toAttempt {
		toAttempt = budget
	}

	if toAttempt > 0 {
		o.tracker.StartSync(toAttempt)
		defer o.tracker.CompleteSync()
	}

	var summary domain.SyncSummary
	for i, item := range pending {
		if ctx.Err() != nil {
			summary.StillQueued += len(pending) - i
			break
		}

		// Retry budget spent: the one path that discards an item
		// without delivering it, reported under its own count.
		if item.RetryCount >= o.policy.MaxRetries {
			if removeErr := o.store.Remove(ctx, item.ID); removeErr != nil {
				o.logger.Warn("failed to drop retry-exhausted item",
					zap.String("item_id", item.ID), zap.Error(removeErr))
				summary.StillQueued++
				continue
			}
			o.logger.Warn("item dropped after exhausting retries",
				zap.String("item_id", item.ID),
				zap.Int("retry_count", item.RetryCount))
			summary.RetryExhausted++
			continue
		}

		if !o.policy.RetryDue(item, o.now()) {
			summary.StillQueued++
			continue
		}

		if o.window.Remaining(o.now()) == 0 {
			summary.StillQueued++
			continue
		}

		o.window.Record(o.now())
		deliverErr := o.deliver(ctx, item)

		if deliverErr != nil && ctx.Err() != nil {
			// Shutdown interrupted the attempt; leave retry state alone.
			summary.StillQueued += len(pending) - i
			break
		}

		switch classifyDelivery(deliverErr) {
		case domain.DeliveryOK:
			if removeErr := o.store.Remove(ctx, item.ID); removeErr != nil {
				// Delivered but not dequeued: the collector dedupes on
				// item id, so the eventual re-delivery is harmless.
				o.logger.Error("failed to remove delivered item",
					zap.String("item_id", item.ID), zap.Error(removeErr))
			}
			summary.Delivered++
			o.tracker.UpdateSync(summary.Delivered)

		case domain.DeliveryRetryable:
			newCount := item.RetryCount + 1
			if newCount >= o.policy.MaxRetries {
				if removeErr := o.store.Remove(ctx, item.ID); removeErr != nil {
					o.logger.Warn("failed to drop retry-exhausted item",
						zap.String("item_id", item.ID), zap.Error(removeErr))
					summary.StillQueued++
					continue
				}
				o.logger.Warn("item dropped after exhausting retries",
					zap.String("item_id", item.ID),
					zap.Int("retry_count", newCount),
					zap.Error(deliverErr))
				summary.RetryExhausted++
				continue
			}

			if updateErr := o.store.UpdateRetry(ctx, item.ID, newCount, o.now()); updateErr != nil {
				if errors.Is(updateErr, domain.ErrItemNotFound) {
					// Lost-update race with a concurrent removal.
					o.logger.Warn("retry target vanished mid-pass",
						zap.String("item_id", item.ID))
				} else {
					o.logger.Error("failed to record retry",
						zap.String("item_id", item.ID), zap.Error(updateErr))
				}
			}
			summary.StillQueued++

		case domain.DeliveryFatal:
			if removeErr := o.store.Remove(ctx, item.ID); removeErr != nil {
				o.logger.Warn("failed to drop rejected item",
					zap.String("item_id", item.ID), zap.Error(removeErr))
				summary.StillQueued++
				continue
			}
			o.logger.Warn("item permanently rejected by collector",
				zap.String("item_id", item.ID), zap.Error(deliverErr))
			summary.NonRetryableDropped++
		}
	}

	o.logger.Info("drain pass finished",
		zap.Int("delivered", summary.Delivered),
		zap.Int("retry_exhausted", summary.RetryExhausted),
		zap.Int("non_retryable_dropped", summary.NonRetryableDropped),
		zap.Int("still_queued", summary.StillQueued))

	return summary, nil
}

// deliver bounds one transport attempt with the per-attempt timeout.
// A timeout surfaces as a retryable transport failure.
func (o *Orchestrator) deliver(ctx context.Context, item domain.Item) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.policy.AttemptTimeout)
	defer cancel()
	return o.transport.Deliver(attemptCtx, item)
}

// classifyDelivery maps a transport result onto the outcome taxonomy.
func classifyDelivery(err error) domain.DeliveryOutcome {
	if err == nil {
		return domain.DeliveryOK
	}
	if domain.IsRetryable(err) {
		return domain.DeliveryRetryable
	}
	return domain.DeliveryFatal
}
