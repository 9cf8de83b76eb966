package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownDeadline bounds the whole shutdown after a signal. It exceeds
// the per-service stop timeout so one slow service cannot mask the rest.
const shutdownDeadline = 35 * time.Second

// Run supervises the services until SIGINT or SIGTERM, then shuts them
// down. It is the main loop shared by RelayKit binaries:
//
//	lifecycle.Run(ctx, busService, httpServer)
func Run(ctx context.Context, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	supervisor := NewSupervisor(services...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("Supervisor error", "error", err)
			return err
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(shutdownDeadline):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// HTTPService runs an http.Server as a Service.
type HTTPService struct {
	name   string
	server *http.Server
}

// NewHTTPService wraps an http.Server.
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

// Start listens until ctx is cancelled. A bind failure surfaces within
// the startup grace window.
func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(startupGrace):
	}

	<-ctx.Done()
	return nil
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error { return nil }
