// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// ReceivedArtifact is one upload the fake collector accepted.
type ReceivedArtifact struct {
	ItemID     string
	DeviceID   string
	OwnerKey   string
	RetryCount int
	Body       []byte
}

// FakeCollector is an in-process collector for integration tests. It
// records accepted artifacts and can be scripted to reject uploads with
// a chosen status, globally or per item id.
type FakeCollector struct {
	mu        sync.Mutex
	server    *httptest.Server
	received  []ReceivedArtifact
	status    int
	statusFor map[string]int
	healthy   bool
	requests  int
}

// NewFakeCollector starts a fake collector. Callers must Close it.
func NewFakeCollector() *FakeCollector {
	f := &FakeCollector{
		statusFor: make(map[string]int),
		healthy:   true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/artifacts", f.handleArtifact)
	mux.HandleFunc("/healthz", f.handleHealth)
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the collector base URL.
func (f *FakeCollector) URL() string {
	return f.server.URL
}

// Close shuts the collector down.
func (f *FakeCollector) Close() {
	f.server.Close()
}

// SetStatus forces every upload to fail with the given status.
// Passing 0 restores accept-all behavior.
func (f *FakeCollector) SetStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

// SetStatusFor forces uploads of one item to fail with the given status.
func (f *FakeCollector) SetStatusFor(itemID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFor[itemID] = code
}

// SetHealthy controls the health endpoint.
func (f *FakeCollector) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// Received returns a copy of all accepted artifacts in arrival order.
func (f *FakeCollector) Received() []ReceivedArtifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReceivedArtifact, len(f.received))
	copy(out, f.received)
	return out
}

// ReceivedIDs returns accepted item ids in arrival order.
func (f *FakeCollector) ReceivedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.received))
	for _, r := range f.received {
		ids = append(ids, r.ItemID)
	}
	return ids
}

// Requests returns how many upload attempts arrived, accepted or not.
func (f *FakeCollector) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *FakeCollector) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	itemID := r.Header.Get("X-Canopy-Item-Id")
	retryCount, _ := strconv.Atoi(r.Header.Get("X-Canopy-Retry-Count"))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	if code, ok := f.statusFor[itemID]; ok && code != 0 {
		w.WriteHeader(code)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	f.received = append(f.received, ReceivedArtifact{
		ItemID:     itemID,
		DeviceID:   r.Header.Get("X-Canopy-Device-Id"),
		OwnerKey:   r.Header.Get("X-Canopy-Owner-Key"),
		RetryCount: retryCount,
		Body:       body,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *FakeCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
