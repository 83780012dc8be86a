// Package monitor samples process resource usage. The supervisor's liveness
// probe reads its heap ratio; the /resources endpoint serves its snapshots.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultSampleInterval = 15 * time.Second
	DefaultHeapThreshold  = 0.95
)

// Snapshot is a point-in-time view of process resource usage.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	HeapAlloc     uint64    `json:"heap_alloc_bytes"`
	HeapSys       uint64    `json:"heap_sys_bytes"`
	HeapUsedRatio float64   `json:"heap_used_ratio"`
	Sys           uint64    `json:"sys_bytes"`
	NumGoroutine  int       `json:"goroutines"`
	NumGC         uint32    `json:"gc_cycles"`
}

type Monitor struct {
	logger    *logging.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	threshold float64

	readMem func(*runtime.MemStats)

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(interval time.Duration, threshold float64, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultHeapThreshold
	}
	return &Monitor{
		logger:    logger,
		metrics:   m,
		interval:  interval,
		threshold: threshold,
		readMem:   runtime.ReadMemStats,
	}
}

// Start launches the background sampling loop. Starting an already running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.startedAt = time.Now()

	go m.run(loopCtx, m.done)

	m.logger.Info("resource monitor started",
		zap.Duration("interval", m.interval),
		zap.Float64("heap_threshold", m.threshold))
	return nil
}

// Stop cancels the sampling loop and waits for it to exit, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Threshold() float64 {
	return m.threshold
}

// Snapshot takes a fresh sample. Probes must never serve cached state.
func (m *Monitor) Snapshot() Snapshot {
	var ms runtime.MemStats
	m.readMem(&ms)

	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()

	var uptime float64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}

	return Snapshot{
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: uptime,
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		HeapUsedRatio: heapRatio(ms.HeapAlloc, ms.HeapSys),
		Sys:           ms.Sys,
		NumGoroutine:  runtime.NumGoroutine(),
		NumGC:         ms.NumGC,
	}
}

// HeapUsedRatio samples the current heap utilization.
func (m *Monitor) HeapUsedRatio() float64 {
	var ms runtime.MemStats
	m.readMem(&ms)
	return heapRatio(ms.HeapAlloc, ms.HeapSys)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Snapshot()
			m.metrics.HeapUsedRatio.Set(snap.HeapUsedRatio)
			if snap.HeapUsedRatio >= m.threshold {
				m.logger.Warn("heap utilization above threshold",
					zap.Float64("ratio", snap.HeapUsedRatio),
					zap.Float64("threshold", m.threshold))
			}
		}
	}
}

func heapRatio(alloc, sys uint64) float64 {
	if sys == 0 {
		return 0
	}
	return float64(alloc) / float64(sys)
}
