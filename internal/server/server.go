// Package server exposes the HTTP API: task submission, task records,
// service inventory, and the WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/bus"
	"github.com/normanking/switchboard/internal/orchestrator"
	"github.com/normanking/switchboard/internal/service"
	"github.com/normanking/switchboard/internal/store"
)

// metricsInterval is how often a metrics snapshot event is published.
const metricsInterval = 30 * time.Second

// Server is the HTTP front end.
type Server struct {
	orch        *orchestrator.Orchestrator
	registry    *service.Registry
	store       *store.Store
	broadcaster *bus.Broadcaster
	observer    *bus.Observer

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New assembles the server and its routes.
func New(port int, orch *orchestrator.Orchestrator, registry *service.Registry, st *store.Store, broadcaster *bus.Broadcaster) *Server {
	s := &Server{
		orch:        orch,
		registry:    registry,
		store:       st,
		broadcaster: broadcaster,
		observer:    bus.NewObserver(broadcaster),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/execute", s.handleExecute)
	mux.HandleFunc("POST /tasks/broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /tasks/clear", s.handleClearTasks)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("GET /services/{name}", s.handleGetService)
	mux.HandleFunc("GET /ws", s.observer.HandleWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: corsMiddleware(mux),
	}
	return s
}

// corsMiddleware allows cross-origin access for local tooling.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.observer.Start()
	go s.publishMetrics(ctx)

	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the event stream.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.observer.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// publishMetrics emits a periodic metrics snapshot onto the bus.
func (s *Server) publishMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := s.store.Stats(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("collect metrics")
				continue
			}

			byStatus := make(map[string]any, len(stats.ByStatus))
			for status, count := range stats.ByStatus {
				byStatus[string(status)] = count
			}

			event := bus.NewEvent(bus.EventMetricsSnapshot)
			event.Metrics = map[string]any{
				"tasks_total":      stats.Total,
				"tasks_by_status":  byStatus,
				"avg_duration_ms":  stats.AvgDurationMs,
				"events_dropped":   s.broadcaster.Dropped(),
				"ws_clients":       s.observer.ClientCount(),
				"services_healthy": s.healthyCount(),
			}
			s.broadcaster.Publish(event)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) healthyCount() int {
	n := 0
	for _, info := range s.registry.Snapshot().Services() {
		if info.Enabled && info.Healthy {
			n++
		}
	}
	return n
}
