// Package api serves the monitoring surface: health probes, Prometheus
// metrics, and JSON snapshots of the outbox backlog, queue depths, and the
// dead letter store.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.relaykit.dev/internal/bus"
	"go.relaykit.dev/internal/common/health"
	"go.relaykit.dev/internal/config"
)

// Server exposes the monitoring endpoints over one chi router.
type Server struct {
	bus     *bus.Bus
	checker *health.Checker
	router  chi.Router
}

// NewServer builds the monitoring router around the bus.
func NewServer(cfg config.HTTPConfig, b *bus.Bus, checker *health.Checker) *Server {
	if checker == nil {
		checker = health.NewChecker()
	}
	s := &Server{bus: b, checker: checker}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE"},
		}))
	}

	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/monitoring/queues", s.getQueueStats)
	r.Get("/monitoring/outbox", s.getOutboxStats)
	r.Get("/monitoring/outbox/failed", s.getOutboxFailed)
	r.Get("/monitoring/dlq", s.getDeadLetterStats)
	r.Get("/monitoring/dlq/entries", s.getDeadLetters)

	s.router = r
	return s
}

// Router returns the assembled handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// getQueueStats handles GET /monitoring/queues.
func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bus.QueueStats())
}

// outboxStats is the GET /monitoring/outbox response shape.
type outboxStats struct {
	Enabled      bool  `json:"enabled"`
	PendingCount int64 `json:"pendingCount"`
}

// getOutboxStats handles GET /monitoring/outbox.
func (s *Server) getOutboxStats(w http.ResponseWriter, r *http.Request) {
	store := s.bus.OutboxStore()
	if store == nil {
		writeJSON(w, outboxStats{})
		return
	}
	n, err := store.GetPendingCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, outboxStats{Enabled: true, PendingCount: n})
}

// getOutboxFailed handles GET /monitoring/outbox/failed?limit=100.
func (s *Server) getOutboxFailed(w http.ResponseWriter, r *http.Request) {
	store := s.bus.OutboxStore()
	if store == nil {
		writeJSON(w, []any{})
		return
	}
	entries, err := store.GetFailed(r.Context(), limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// getDeadLetterStats handles GET /monitoring/dlq.
func (s *Server) getDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bus.DeadLetters().Statistics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// getDeadLetters handles GET /monitoring/dlq/entries?limit=100.
func (s *Server) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.bus.DeadLetters().GetDeadLetters(r.Context(), limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func limitParam(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
