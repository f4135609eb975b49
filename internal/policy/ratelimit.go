package policy

import (
	"sync"
	"time"
)

// AttemptWindow counts delivery attempts over a sliding time window.
// Attempts are recorded regardless of outcome so a failure storm is
// rate-bounded exactly like healthy traffic.
type AttemptWindow struct {
	mu     sync.Mutex
	budget int
	window time.Duration
	stamps []time.Time
}

// NewAttemptWindow creates a window allowing budget attempts per span.
func NewAttemptWindow(budget int, span time.Duration) *AttemptWindow {
	if budget <= 0 {
		budget = DefaultAttemptBudget
	}
	if span <= 0 {
		span = DefaultAttemptWindow
	}
	return &AttemptWindow{budget: budget, window: span}
}

// Record notes one attempt at now.
func (w *AttemptWindow) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.stamps = append(w.stamps, now)
}

// Remaining returns how many attempts are still allowed at now.
func (w *AttemptWindow) Remaining(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	remaining := w.budget - len(w.stamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// prune drops stamps that have aged out of the window. Stamps are
// appended in time order, so a single forward scan suffices.
func (w *AttemptWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}
