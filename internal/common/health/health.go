// Package health aggregates liveness and readiness checks behind the
// /q/health endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status is the health state of a component.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is one component's health report.
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// Response is the health endpoint payload. The top-level status is DOWN
// when any check is DOWN.
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc performs a single health check.
type CheckFunc func() Check

// Checker manages the application's health checks.
type Checker struct {
	mu              sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{}
}

// AddLivenessCheck adds a liveness check.
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check.
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

func (c *Checker) runChecks(checks []CheckFunc) Response {
	response := Response{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}
	for _, fn := range checks {
		check := fn()
		response.Checks = append(response.Checks, check)
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}
	return response
}

// GetLiveness returns the liveness status.
func (c *Checker) GetLiveness() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runChecks(c.livenessChecks)
}

// GetReadiness returns the readiness status.
func (c *Checker) GetReadiness() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runChecks(c.readinessChecks)
}

// GetHealth returns the combined status of every registered check.
func (c *Checker) GetHealth() Response {
	c.mu.RLock()
	all := make([]CheckFunc, 0, len(c.livenessChecks)+len(c.readinessChecks))
	all = append(all, c.livenessChecks...)
	all = append(all, c.readinessChecks...)
	c.mu.RUnlock()
	return c.runChecks(all)
}

// HandleHealth handles the /q/health endpoint.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetHealth())
}

// HandleLive handles the /q/health/live endpoint. A server with no
// liveness checks reports UP while it can answer at all.
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetLiveness())
}

// HandleReady handles the /q/health/ready endpoint.
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, c.GetReadiness())
}

func writeResponse(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// PingCheck builds a check from a ping function, for MongoDB and Redis
// style connections.
func PingCheck(name string, ping func() error) CheckFunc {
	return func() Check {
		if err := ping(); err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data:   map[string]any{"error": err.Error()},
			}
		}
		return Check{Name: name, Status: StatusUp}
	}
}

// BacklogCheck reports a counter with an optional ceiling. A negative
// threshold disables the ceiling; a count at or above it reports DOWN.
func BacklogCheck(name string, count func() (int64, error), threshold int64) CheckFunc {
	return func() Check {
		n, err := count()
		if err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data:   map[string]any{"error": err.Error()},
			}
		}
		status := StatusUp
		if threshold >= 0 && n >= threshold {
			status = StatusDown
		}
		return Check{
			Name:   name,
			Status: status,
			Data:   map[string]any{"count": n},
		}
	}
}
