package policy

import (
	"math"
	"time"

	"github.com/canopyguard/canopy/internal/domain"
)

// Delay returns the wait imposed on an item after retryCount failed
// attempts: BackoffInitial times BackoffFactor^retryCount, capped at
// BackoffCap. Non-decreasing in retryCount and never above the cap.
func (p DrainPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(p.BackoffInitial) * math.Pow(p.BackoffFactor, float64(retryCount))
	if delay < 0 || delay >= float64(p.BackoffCap) || math.IsInf(delay, 1) {
		return p.BackoffCap
	}
	return time.Duration(delay)
}

// RetryDue reports whether item may be attempted at now. Items that have
// never failed are always due; a failed item becomes due once its last
// attempt plus the backoff delay has elapsed.
func (p DrainPolicy) RetryDue(item domain.Item, now time.Time) bool {
	if item.RetryCount == 0 || item.LastRetryAt.IsZero() {
		return true
	}
	return !now.Before(item.LastRetryAt.Add(p.Delay(item.RetryCount)))
}
