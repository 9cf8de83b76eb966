// Package lifecycle supervises the long-running components of a process:
// ordered startup, reverse-ordered shutdown, and health reporting behind
// one Service contract.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// startupGrace is how long a Start gets to fail fast before the service
// counts as started.
const startupGrace = 100 * time.Millisecond

// stopTimeout bounds each service's Stop during shutdown.
const stopTimeout = 30 * time.Second

// Service is a startable component of the process.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start runs the service. It may block until ctx is cancelled or
	// return once startup is underway; an error means startup failed.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error

	// Health reports nil while the service is healthy.
	Health() error
}

// Supervisor runs services as one unit: started in registration order,
// stopped in reverse.
type Supervisor struct {
	services []Service

	mu      sync.RWMutex
	running bool
}

// NewSupervisor creates a supervisor over the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{services: services}
}

// Run starts every service and blocks until ctx is cancelled, then stops
// them in reverse order. A startup failure stops the already-started
// services and returns the failure.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(svc Service) {
			errCh <- svc.Start(ctx)
		}(svc)

		select {
		case err := <-errCh:
			if err != nil {
				s.stopAll(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
			// No immediate failure. A blocking Start keeps running.
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping services")
	s.stopAll(started)
	return nil
}

func (s *Supervisor) stopAll(started []Service) {
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		slog.Info("Stopping service", "service", svc.Name())

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(ctx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health reports nil only when every service is healthy.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// ServiceFunc adapts start and stop functions to the Service contract.
type ServiceFunc struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func() error
}

// NewServiceFunc creates a Service from the given functions.
func NewServiceFunc(name string, start, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{
		name:   name,
		start:  start,
		stop:   stop,
		health: func() error { return nil },
	}
}

// WithHealth sets the health function and returns the service.
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.health = fn
	return s
}

func (s *ServiceFunc) Name() string                    { return s.name }
func (s *ServiceFunc) Start(ctx context.Context) error { return s.start(ctx) }
func (s *ServiceFunc) Stop(ctx context.Context) error  { return s.stop(ctx) }
func (s *ServiceFunc) Health() error                   { return s.health() }
