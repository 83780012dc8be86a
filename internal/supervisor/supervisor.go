// Package supervisor orchestrates the worker's lifecycle: strict sequential
// startup, a race-free view of process health for the probe surface, and
// idempotent graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heraldhq/herald/internal/delivery"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/mongodb"
	"github.com/heraldhq/herald/internal/monitor"
	"go.uber.org/zap"
)

// Phase is the supervisor's lifecycle phase. "Degraded" is deliberately not
// a phase: it is derived per probe request from live sub-component state, so
// a store outage flips readiness without touching the state machine.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseReady        Phase = "ready"
	PhaseShuttingDown Phase = "shutting_down"
	PhaseStopped      Phase = "stopped"
)

// Store is the connection manager surface the supervisor depends on.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	IsConnected() bool
	GetPoolStats() mongodb.PoolStats
}

// Engine is the delivery engine surface the supervisor depends on.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Stats() delivery.Stats
}

// Monitor is the resource monitoring surface the supervisor depends on.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() monitor.Snapshot
	HeapUsedRatio() float64
	Threshold() float64
}

// Queue is the message-queue client surface the supervisor depends on.
type Queue interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Supervisor owns the process-wide lifecycle flags. Probe handlers read a
// single consistent source of truth instead of ambient globals.
type Supervisor struct {
	logger  *logging.Logger
	store   Store
	queue   Queue
	engine  Engine
	monitor Monitor
	tracker *StatusTracker

	instanceID string

	mu               sync.Mutex
	phase            Phase
	fullyInitialized bool
	shuttingDown     bool
	initErr          error
	shutdownReason   string
	startedAt        time.Time
}

func New(logger *logging.Logger, store Store, queue Queue, engine Engine, mon Monitor) *Supervisor {
	return &Supervisor{
		logger:     logger,
		store:      store,
		queue:      queue,
		engine:     engine,
		monitor:    mon,
		tracker:    NewStatusTracker(),
		instanceID: uuid.NewString(),
		phase:      PhaseStarting,
	}
}

// Start brings the sub-components up in strict sequence: store, queue,
// delivery engine, resource monitor. Any failure is fatal to initialization;
// there is no partial-start retry at this layer.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.phase = PhaseStarting
	s.startedAt = time.Now()
	s.mu.Unlock()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"mongodb", s.store.Connect},
		{"queue", s.queue.HealthCheck},
		{"delivery-engine", s.engine.Start},
		{"resource-monitor", s.monitor.Start},
	}

	for _, step := range steps {
		s.logger.Info("starting component", zap.String("component", step.name))
		if err := step.run(ctx); err != nil {
			s.tracker.MarkFailed(step.name)
			initErr := fmt.Errorf("initialization failed at %s: %w", step.name, err)
			s.mu.Lock()
			s.initErr = initErr
			s.mu.Unlock()
			s.logger.Error("initialization failed",
				zap.String("component", step.name),
				zap.Error(err))
			return initErr
		}
		s.tracker.MarkHealthy(step.name)
	}

	s.mu.Lock()
	s.fullyInitialized = true
	s.phase = PhaseReady
	s.mu.Unlock()

	s.logger.Info("worker fully initialized", zap.String("instance_id", s.instanceID))
	return nil
}

// Shutdown tears the sub-components down in reverse startup order. It is
// idempotent: a second invocation while shutdown is underway is a no-op.
// A failing step is logged and reported but does not block later steps.
func (s *Supervisor) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		s.logger.Warn("shutdown already in progress, ignoring", zap.String("reason", reason))
		return nil
	}
	s.shuttingDown = true
	s.shutdownReason = reason
	s.phase = PhaseShuttingDown
	s.mu.Unlock()

	s.logger.Info("shutting down", zap.String("reason", reason))

	var errs []error
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"delivery-engine", s.engine.Stop},
		{"resource-monitor", s.monitor.Stop},
		{"mongodb", s.store.Disconnect},
		{"queue", func(context.Context) error { return s.queue.Close() }},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			s.tracker.MarkFailed(step.name)
			s.logger.Error("shutdown step failed",
				zap.String("component", step.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	s.mu.Lock()
	s.phase = PhaseStopped
	s.mu.Unlock()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("shutdown complete", zap.String("reason", reason))
	return nil
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) InstanceID() string {
	return s.instanceID
}

func (s *Supervisor) Tracker() *StatusTracker {
	return s.tracker
}

func (s *Supervisor) uptime() float64 {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	if startedAt.IsZero() {
		return 0
	}
	return time.Since(startedAt).Seconds()
}

// WorkerStats is the combined stats payload served on /stats.
type WorkerStats struct {
	InstanceID    string            `json:"instance_id"`
	Phase         Phase             `json:"phase"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Engine        delivery.Stats    `json:"delivery_engine"`
	Pool          mongodb.PoolStats `json:"connection_pool"`
}

func (s *Supervisor) Stats() WorkerStats {
	return WorkerStats{
		InstanceID:    s.instanceID,
		Phase:         s.Phase(),
		UptimeSeconds: s.uptime(),
		Engine:        s.engine.Stats(),
		Pool:          s.store.GetPoolStats(),
	}
}

// ResourceSnapshot exposes the monitor's current sample for /resources.
func (s *Supervisor) ResourceSnapshot() monitor.Snapshot {
	return s.monitor.Snapshot()
}
