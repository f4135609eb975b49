package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
	"github.com/canopyguard/canopy/internal/usecase"
)

type stubAgentTransport struct {
	mu      sync.Mutex
	pingErr error
}

func (s *stubAgentTransport) Deliver(_ context.Context, _ domain.Item) error {
	return nil
}

func (s *stubAgentTransport) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *stubAgentTransport) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

type mockRunner struct {
	mu      sync.Mutex
	summary domain.SyncSummary
	err     error
	count   int
}

func (m *mockRunner) RunSyncPass(_ context.Context) (domain.SyncSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return m.summary, m.err
}

func (m *mockRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type stubQueue struct {
	mu           sync.Mutex
	size         int
	sizeErr      error
	placeholders int
	records      [][]byte
}

func (s *stubQueue) Enqueue(_ context.Context, record []byte, _ string, placeholder bool) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if placeholder {
		s.placeholders++
	}
	s.size++
	return "item-id", 0, nil
}

func (s *stubQueue) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.sizeErr
}

func (s *stubQueue) placeholderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholders
}

type stubDecoys struct {
	err error
}

func (s *stubDecoys) Record() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(`{"kind":"page_visit"}`), nil
}

type stubKeeper struct {
	mu    sync.Mutex
	err   error
	count int
}

func (s *stubKeeper) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return s.err
}

type agentFixture struct {
	agent     *Agent
	runner    *mockRunner
	transport *stubAgentTransport
	tracker   *usecase.Tracker
	queue     *stubQueue
	keeper    *stubKeeper
}

func newTestAgent(t *testing.T, config AgentConfig) *agentFixture {
	t.Helper()

	runner := &mockRunner{}
	transport := &stubAgentTransport{}
	tracker := usecase.NewTracker(zap.NewNop())
	queue := &stubQueue{}
	keeper := &stubKeeper{}

	agent := NewAgent(config, runner, transport, tracker, queue, &stubDecoys{}, keeper, zap.NewNop())
	return &agentFixture{
		agent:     agent,
		runner:    runner,
		transport: transport,
		tracker:   tracker,
		queue:     queue,
		keeper:    keeper,
	}
}

// TestDefaultAgentConfig verifies default agent configuration
func TestDefaultAgentConfig(t *testing.T) {
	config := DefaultAgentConfig()

	assert.Equal(t, 5*time.Minute, config.SyncInterval)
	assert.Equal(t, 60*time.Second, config.ProbeInterval)
	assert.Equal(t, 30*time.Minute, config.DecoyInterval)
}

// TestAgentConfig_AllFieldsSet verifies all agent config fields have values
func TestAgentConfig_AllFieldsSet(t *testing.T) {
	config := DefaultAgentConfig()

	assert.NotZero(t, config.SyncInterval, "SyncInterval should be set")
	assert.NotZero(t, config.ProbeInterval, "ProbeInterval should be set")
	assert.NotZero(t, config.DecoyInterval, "DecoyInterval should be set")
	assert.NotZero(t, config.HealthLogInterval, "HealthLogInterval should be set")
	assert.NotZero(t, config.SnapshotPruneInterval, "SnapshotPruneInterval should be set")
}

// TestProbeUpdatesTracker verifies that probe results flow into the
// connectivity tracker.
func TestProbeUpdatesTracker(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	ctx := context.Background()

	fx.agent.probe(ctx)
	assert.Equal(t, domain.StatusOnline, fx.tracker.Status())

	fx.transport.setPingErr(errors.New("connection refused"))
	fx.agent.probe(ctx)
	assert.Equal(t, domain.StatusOffline, fx.tracker.Status())

	fx.transport.setPingErr(nil)
	fx.agent.probe(ctx)
	assert.Equal(t, domain.StatusOnline, fx.tracker.Status())
}

// TestRunDrainSkippedWhileOffline verifies no drain pass runs while the
// collector is unreachable.
func TestRunDrainSkippedWhileOffline(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	ctx := context.Background()

	fx.tracker.SetOnline(false)
	fx.agent.runDrain(ctx)

	assert.Zero(t, fx.runner.calls())
}

// TestRunDrainInvokesRunner verifies a drain pass runs while online.
func TestRunDrainInvokesRunner(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	fx.runner.summary = domain.SyncSummary{Delivered: 3}
	ctx := context.Background()

	fx.agent.runDrain(ctx)

	assert.Equal(t, 1, fx.runner.calls())
}

// TestRunDrainSurvivesRunnerError verifies a failing pass does not
// panic or wedge the agent.
func TestRunDrainSurvivesRunnerError(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	fx.runner.err = errors.New("storage gone")
	ctx := context.Background()

	fx.agent.runDrain(ctx)
	fx.agent.runDrain(ctx)

	assert.Equal(t, 2, fx.runner.calls())
}

// TestSeedDecoyEnqueuesPlaceholder verifies decoy seeding marks the
// item as a placeholder.
func TestSeedDecoyEnqueuesPlaceholder(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	ctx := context.Background()

	fx.agent.seedDecoy(ctx)

	assert.Equal(t, 1, fx.queue.placeholderCount())
	require.Len(t, fx.queue.records, 1)
	assert.NotEmpty(t, fx.queue.records[0])
}

// TestSeedDecoyGeneratorFailure verifies nothing is enqueued when the
// generator fails.
func TestSeedDecoyGeneratorFailure(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	fx.agent.decoys = &stubDecoys{err: errors.New("entropy exhausted")}
	ctx := context.Background()

	fx.agent.seedDecoy(ctx)

	assert.Zero(t, fx.queue.placeholderCount())
}

// TestSeedDecoyNilSource verifies a nil decoy source disables seeding.
func TestSeedDecoyNilSource(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	fx.agent.decoys = nil
	ctx := context.Background()

	fx.agent.seedDecoy(ctx)

	assert.Zero(t, fx.queue.placeholderCount())
}

// TestLogHealthHandlesSizeError verifies health logging tolerates a
// broken store.
func TestLogHealthHandlesSizeError(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())
	fx.queue.sizeErr = errors.New("database locked")
	ctx := context.Background()

	fx.agent.logHealth(ctx)
}

// TestPruneSnapshots verifies pruning delegates to the keeper and a nil
// keeper disables the duty.
func TestPruneSnapshots(t *testing.T) {
	fx := newTestAgent(t, DefaultAgentConfig())

	fx.agent.pruneSnapshots()
	assert.Equal(t, 1, fx.keeper.count)

	fx.agent.snapshots = nil
	fx.agent.pruneSnapshots()
	assert.Equal(t, 1, fx.keeper.count)
}

// TestRunStopsOnContextCancel verifies the agent loop exits when its
// context ends.
func TestRunStopsOnContextCancel(t *testing.T) {
	config := AgentConfig{
		SyncInterval:          10 * time.Millisecond,
		ProbeInterval:         10 * time.Millisecond,
		DecoyInterval:         time.Hour,
		HealthLogInterval:     time.Hour,
		SnapshotPruneInterval: time.Hour,
	}
	fx := newTestAgent(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := fx.agent.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, fx.runner.calls(), 1, "startup drain should have run")
}

// TestRunDrainsOnReconnect verifies that connectivity returning wakes a
// drain pass without waiting for the sync ticker.
func TestRunDrainsOnReconnect(t *testing.T) {
	config := AgentConfig{
		SyncInterval:          time.Hour,
		ProbeInterval:         10 * time.Millisecond,
		DecoyInterval:         time.Hour,
		HealthLogInterval:     time.Hour,
		SnapshotPruneInterval: time.Hour,
	}
	fx := newTestAgent(t, config)
	fx.transport.setPingErr(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fx.agent.Run(ctx)
	}()

	// Startup probe fails, so the startup drain is skipped.
	require.Eventually(t, func() bool {
		return fx.tracker.Status() == domain.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, fx.runner.calls())

	fx.transport.setPingErr(nil)

	require.Eventually(t, func() bool {
		return fx.runner.calls() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after cancel")
	}
}
