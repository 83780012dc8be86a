package supervisor

import (
	"context"
)

// Probe reason codes surfaced to the orchestrator on 503s.
const (
	ReasonShuttingDown   = "shutting_down"
	ReasonMemory         = "memory_exhaustion"
	ReasonInitFailed     = "initialization_failed"
	ReasonInitInProgress = "initialization_in_progress"
)

// ProbeState is the derived, never-cached snapshot of process health.
// Computed fresh on every probe request.
type ProbeState struct {
	FullyInitialized bool
	ShuttingDown     bool
	InitErr          error
	StoreConnected   bool
	EngineRunning    bool
}

func (s *Supervisor) ProbeState() ProbeState {
	s.mu.Lock()
	fullyInitialized, shuttingDown, initErr := s.fullyInitialized, s.shuttingDown, s.initErr
	s.mu.Unlock()

	return ProbeState{
		FullyInitialized: fullyInitialized,
		ShuttingDown:     shuttingDown,
		InitErr:          initErr,
		StoreConnected:   s.store.IsConnected(),
		EngineRunning:    s.engine.IsRunning(),
	}
}

// LivenessResult answers "should the orchestrator restart this process".
// It never depends on external dependencies: a store outage must not cause
// a restart, because a restart would not fix the outage and a fleet of them
// restarting at once makes it worse.
type LivenessResult struct {
	Alive         bool    `json:"alive"`
	Reason        string  `json:"reason,omitempty"`
	HeapUsedRatio float64 `json:"heap_used_ratio"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Supervisor) CheckLiveness() LivenessResult {
	result := LivenessResult{
		HeapUsedRatio: s.monitor.HeapUsedRatio(),
		UptimeSeconds: s.uptime(),
	}

	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()

	if shuttingDown {
		result.Reason = ReasonShuttingDown
		return result
	}
	if result.HeapUsedRatio >= s.monitor.Threshold() {
		result.Reason = ReasonMemory
		return result
	}

	result.Alive = true
	return result
}

// ReadinessChecks is the per-condition breakdown so operators can see which
// dependency failed, not just that one did.
type ReadinessChecks struct {
	Initialized    string `json:"initialized"`
	Database       string `json:"database"`
	DeliveryEngine string `json:"delivery_engine"`
	ShuttingDown   string `json:"shutting_down"`
}

type ReadinessResult struct {
	Ready  bool            `json:"ready"`
	Checks ReadinessChecks `json:"checks"`
}

// CheckReadiness answers "should the orchestrator route new work here".
// Readiness degrades whenever the store is unreachable or the engine has
// stopped, while liveness stays true: the process is alive but should be
// drained, not killed.
func (s *Supervisor) CheckReadiness(ctx context.Context) ReadinessResult {
	s.mu.Lock()
	fullyInitialized, shuttingDown := s.fullyInitialized, s.shuttingDown
	s.mu.Unlock()

	storeHealthy := s.store.HealthCheck(ctx)
	engineRunning := s.engine.IsRunning()

	checks := ReadinessChecks{
		Initialized:    conditionStatus(fullyInitialized),
		Database:       conditionStatus(storeHealthy),
		DeliveryEngine: conditionStatus(engineRunning),
		ShuttingDown:   conditionStatus(!shuttingDown),
	}

	return ReadinessResult{
		Ready:  fullyInitialized && storeHealthy && engineRunning && !shuttingDown,
		Checks: checks,
	}
}

// StartupResult reflects whether the one-time initialization sequence has
// completed. Distinct from readiness: an initialized worker can later lose a
// dependency without re-entering "starting".
type StartupResult struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Supervisor) CheckStartup() StartupResult {
	s.mu.Lock()
	fullyInitialized, initErr := s.fullyInitialized, s.initErr
	s.mu.Unlock()

	if initErr != nil {
		return StartupResult{Reason: ReasonInitFailed, Error: initErr.Error()}
	}
	if !fullyInitialized {
		return StartupResult{Reason: ReasonInitInProgress}
	}
	return StartupResult{Started: true}
}

func conditionStatus(ok bool) string {
	if ok {
		return ComponentStatusHealthy
	}
	return "unhealthy"
}
