package infra

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

const (
	artifactsPath = "/v1/artifacts"
	healthPath    = "/healthz"

	// DefaultRequestTimeout bounds a single delivery attempt when the
	// caller supplies no deadline of its own.
	DefaultRequestTimeout = 30 * time.Second
)

// CollectorTransport uploads decrypted artifacts to the remote collector
// over HTTPS. The item id doubles as the idempotency key: the collector
// deduplicates on it, so re-delivering after an ambiguous failure is safe.
type CollectorTransport struct {
	client   *http.Client
	baseURL  string
	token    string
	identity domain.IdentityProvider
	logger   *zap.Logger
}

// NewCollectorTransport creates a transport for the given collector base URL.
// token may be empty when the collector does not require auth (tests).
func NewCollectorTransport(baseURL, token string, timeout time.Duration, identity domain.IdentityProvider, logger *zap.Logger) *CollectorTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &CollectorTransport{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		identity: identity,
		logger:   logger,
	}
}

// Deliver uploads one artifact. A nil return means the collector accepted
// it; any other outcome is a TransportError classified as retryable or not.
func (t *CollectorTransport) Deliver(ctx context.Context, item domain.Item) error {
	deviceID, err := t.identity.DeviceID()
	if err != nil {
		return fmt.Errorf("failed to resolve device identity: %w", err)
	}

	url := t.baseURL + artifactsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(item.Record))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "canopyd")
	req.Header.Set("X-Canopy-Device-Id", deviceID)
	req.Header.Set("X-Canopy-Item-Id", item.ID)
	req.Header.Set("X-Canopy-Enqueued-At", item.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	req.Header.Set("X-Canopy-Retry-Count", strconv.Itoa(item.RetryCount))
	if item.OwnerKey != "" {
		req.Header.Set("X-Canopy-Owner-Key", item.OwnerKey)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all worth retrying.
		return &domain.TransportError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return &domain.TransportError{
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Err:        fmt.Errorf("collector returned status %d", resp.StatusCode),
	}
}

// Ping probes the collector health endpoint. Any non-2xx response or
// network failure counts as unreachable.
func (t *CollectorTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "canopyd")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("collector health check returned status %d", resp.StatusCode)
}

// retryableStatus classifies an HTTP status for retry purposes. Auth
// failures are retryable: the token is refreshed out of band, dropping
// artifacts over a stale token would lose data permanently.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

var _ domain.Transport = (*CollectorTransport)(nil)
