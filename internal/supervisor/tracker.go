package supervisor

import (
	"sync"
	"time"
)

const (
	ComponentStatusHealthy = "healthy"
	ComponentStatusFailed  = "failed"
)

// ComponentHealth represents the health status of a single sub-component.
type ComponentHealth struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
}

// StatusTracker tracks the health status of the supervisor's sub-components.
// It is safe for concurrent use.
type StatusTracker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		components: make(map[string]ComponentHealth),
	}
}

func (t *StatusTracker) MarkHealthy(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.components[name] = ComponentHealth{
		Status:    ComponentStatusHealthy,
		LastCheck: time.Now(),
	}
}

func (t *StatusTracker) MarkFailed(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.components[name] = ComponentHealth{
		Status:    ComponentStatusFailed,
		LastCheck: time.Now(),
	}
}

// IsHealthy returns true if all tracked components are healthy.
func (t *StatusTracker) IsHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.components {
		if c.Status != ComponentStatusHealthy {
			return false
		}
	}
	return true
}

// GetStatus returns a copy of all component statuses.
func (t *StatusTracker) GetStatus() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(t.components))
	for name, c := range t.components {
		components[name] = c
	}
	return components
}
