package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/heraldhq/herald/internal/delivery"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/mongodb"
	"github.com/heraldhq/herald/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder tracks the order of lifecycle calls across all fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

type fakeStore struct {
	rec           *recorder
	connectErr    error
	disconnectErr error
	connected     bool
	healthy       bool
}

func (f *fakeStore) Connect(ctx context.Context) error {
	f.rec.record("store.connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.healthy = true
	return nil
}

func (f *fakeStore) Disconnect(ctx context.Context) error {
	f.rec.record("store.disconnect")
	f.connected = false
	return f.disconnectErr
}

func (f *fakeStore) HealthCheck(ctx context.Context) bool { return f.healthy }
func (f *fakeStore) IsConnected() bool                    { return f.connected }
func (f *fakeStore) GetPoolStats() mongodb.PoolStats {
	return mongodb.PoolStats{Connected: f.connected, MaxAttempts: 5}
}

type fakeQueue struct {
	rec      *recorder
	pingErr  error
	closeErr error
}

func (f *fakeQueue) HealthCheck(ctx context.Context) error {
	f.rec.record("queue.healthcheck")
	return f.pingErr
}

func (f *fakeQueue) Close() error {
	f.rec.record("queue.close")
	return f.closeErr
}

type fakeEngine struct {
	rec      *recorder
	startErr error
	stopErr  error
	running  bool
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.rec.record("engine.start")
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.rec.record("engine.stop")
	f.running = false
	return f.stopErr
}

func (f *fakeEngine) IsRunning() bool { return f.running }
func (f *fakeEngine) Stats() delivery.Stats {
	return delivery.Stats{Running: f.running}
}

type fakeMonitor struct {
	rec       *recorder
	heapRatio float64
	running   bool
}

func (f *fakeMonitor) Start(ctx context.Context) error {
	f.rec.record("monitor.start")
	f.running = true
	return nil
}

func (f *fakeMonitor) Stop(ctx context.Context) error {
	f.rec.record("monitor.stop")
	f.running = false
	return nil
}

func (f *fakeMonitor) Snapshot() monitor.Snapshot {
	return monitor.Snapshot{HeapUsedRatio: f.heapRatio}
}

func (f *fakeMonitor) HeapUsedRatio() float64 { return f.heapRatio }
func (f *fakeMonitor) Threshold() float64     { return 0.95 }

type fixture struct {
	rec     *recorder
	store   *fakeStore
	queue   *fakeQueue
	engine  *fakeEngine
	monitor *fakeMonitor
	sup     *Supervisor
}

func newFixture() *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:     rec,
		store:   &fakeStore{rec: rec},
		queue:   &fakeQueue{rec: rec},
		engine:  &fakeEngine{rec: rec},
		monitor: &fakeMonitor{rec: rec, heapRatio: 0.5},
	}
	f.sup = New(logging.NewNop(), f.store, f.queue, f.engine, f.monitor)
	return f
}

func TestStart_SequentialOrder(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.sup.Start(context.Background()))
	assert.Equal(t, []string{
		"store.connect",
		"queue.healthcheck",
		"engine.start",
		"monitor.start",
	}, f.rec.Calls())
	assert.Equal(t, PhaseReady, f.sup.Phase())
}

func TestStart_FailureIsFatal(t *testing.T) {
	f := newFixture()
	f.queue.pingErr = errors.New("queue unreachable")

	err := f.sup.Start(context.Background())
	require.Error(t, err)

	// Later steps never run.
	assert.Equal(t, []string{"store.connect", "queue.healthcheck"}, f.rec.Calls())
	assert.Equal(t, PhaseStarting, f.sup.Phase())

	startup := f.sup.CheckStartup()
	assert.False(t, startup.Started)
	assert.Equal(t, ReasonInitFailed, startup.Reason)
	assert.Contains(t, startup.Error, "queue")
}

func TestStartupProbe_InProgressThenStarted(t *testing.T) {
	f := newFixture()

	startup := f.sup.CheckStartup()
	assert.False(t, startup.Started)
	assert.Equal(t, ReasonInitInProgress, startup.Reason)

	require.NoError(t, f.sup.Start(context.Background()))
	startup = f.sup.CheckStartup()
	assert.True(t, startup.Started)
	assert.Empty(t, startup.Reason)
}

func TestShutdown_ReverseOrder(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))
	f.rec.calls = nil

	require.NoError(t, f.sup.Shutdown(context.Background(), "SIGTERM"))
	assert.Equal(t, []string{
		"engine.stop",
		"monitor.stop",
		"store.disconnect",
		"queue.close",
	}, f.rec.Calls())
	assert.Equal(t, PhaseStopped, f.sup.Phase())
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))
	f.rec.calls = nil

	require.NoError(t, f.sup.Shutdown(context.Background(), "SIGTERM"))
	callsAfterFirst := len(f.rec.Calls())

	require.NoError(t, f.sup.Shutdown(context.Background(), "SIGINT"))
	assert.Equal(t, callsAfterFirst, len(f.rec.Calls()), "second shutdown must not tear down again")
}

func TestShutdown_StepFailureDoesNotBlockLaterSteps(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))
	f.rec.calls = nil

	f.engine.stopErr = errors.New("engine stuck")
	f.store.disconnectErr = errors.New("close failed")

	err := f.sup.Shutdown(context.Background(), "SIGTERM")
	require.Error(t, err)

	// Every step still ran.
	assert.Equal(t, []string{
		"engine.stop",
		"monitor.stop",
		"store.disconnect",
		"queue.close",
	}, f.rec.Calls())
}

func TestLiveness_IndependentOfDependencies(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	// Store outage: liveness must stay true.
	f.store.healthy = false
	f.store.connected = false

	result := f.sup.CheckLiveness()
	assert.True(t, result.Alive)
}

func TestLiveness_MemoryExhaustion(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	f.monitor.heapRatio = 0.96
	result := f.sup.CheckLiveness()
	assert.False(t, result.Alive)
	assert.Equal(t, ReasonMemory, result.Reason)
	assert.InDelta(t, 0.96, result.HeapUsedRatio, 0.001)
}

func TestLiveness_ShuttingDown(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))
	require.NoError(t, f.sup.Shutdown(context.Background(), "SIGTERM"))

	result := f.sup.CheckLiveness()
	assert.False(t, result.Alive)
	assert.Equal(t, ReasonShuttingDown, result.Reason)
}

func TestReadiness_DegradedOnStoreOutage(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	f.store.healthy = false

	readiness := f.sup.CheckReadiness(context.Background())
	assert.False(t, readiness.Ready)
	assert.Equal(t, "unhealthy", readiness.Checks.Database)
	assert.Equal(t, "healthy", readiness.Checks.DeliveryEngine)
	assert.Equal(t, "healthy", readiness.Checks.Initialized)

	// Same process state: liveness unaffected.
	assert.True(t, f.sup.CheckLiveness().Alive)
}

func TestReadiness_AllHealthy(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	readiness := f.sup.CheckReadiness(context.Background())
	assert.True(t, readiness.Ready)
	assert.Equal(t, "healthy", readiness.Checks.Database)
	assert.Equal(t, "healthy", readiness.Checks.ShuttingDown)
}

func TestReadiness_EngineStopped(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	f.engine.running = false

	readiness := f.sup.CheckReadiness(context.Background())
	assert.False(t, readiness.Ready)
	assert.Equal(t, "unhealthy", readiness.Checks.DeliveryEngine)
}

func TestProbeState_FreshReads(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	state := f.sup.ProbeState()
	assert.True(t, state.FullyInitialized)
	assert.True(t, state.StoreConnected)
	assert.True(t, state.EngineRunning)
	assert.False(t, state.ShuttingDown)

	f.store.connected = false
	state = f.sup.ProbeState()
	assert.False(t, state.StoreConnected, "probe state is computed fresh, never cached")
}

func TestStats(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.sup.Start(context.Background()))

	stats := f.sup.Stats()
	assert.Equal(t, PhaseReady, stats.Phase)
	assert.NotEmpty(t, stats.InstanceID)
	assert.True(t, stats.Engine.Running)
	assert.True(t, stats.Pool.Connected)
}
