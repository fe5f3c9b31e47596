// Package health aggregates component health for the /health endpoint
package health

import (
	"sort"
	"sync"

	"scalper/internal/core"
)

// Check reports nil while a component is healthy
type Check func() error

type entry struct {
	check    Check
	critical bool
}

// HealthManager aggregates health status from different components.
// Optional components are reported but never fail IsHealthy.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]entry
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]entry)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a critical health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.add(component, check, true)
}

// RegisterOptional adds a check whose failure degrades but does not fail health
func (hm *HealthManager) RegisterOptional(component string, check func() error) {
	hm.add(component, check, false)
}

func (hm *HealthManager) add(component string, check Check, critical bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = entry{check: check, critical: critical}
}

// Components returns the registered component names, sorted
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, e := range hm.checks {
		err := e.check()
		switch {
		case err == nil:
			status[component] = "Healthy"
		case e.critical:
			status[component] = "Unhealthy: " + err.Error()
		default:
			status[component] = "Degraded: " + err.Error()
		}
	}
	return status
}

// IsHealthy returns true if all critical components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for component, e := range hm.checks {
		if !e.critical {
			continue
		}
		if err := e.check(); err != nil {
			if hm.logger != nil {
				hm.logger.Warn("Component unhealthy", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}
