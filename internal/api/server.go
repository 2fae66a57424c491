// Package api serves the read surface over the derived tables. All
// writes happen in batch jobs; the handlers here only query, cache,
// and shape responses, so the server can be restarted freely without
// touching pipeline state.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/jobs"
	"github.com/bluesphere/oceantemp/internal/metrics"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

type Server struct {
	store     *store.Store
	engine    *forecast.Engine
	registry  *forecast.Registry
	scheduler *jobs.Scheduler
	cache     *Cache
	port      string
	baseline  models.BaselinePeriod
	clock     clockwork.Clock
}

// NewServer wires the read surface. scheduler may be nil, which
// disables the admin recompute endpoint; baseline is the default
// period for anomaly and heatwave queries.
func NewServer(st *store.Store, engine *forecast.Engine, registry *forecast.Registry,
	scheduler *jobs.Scheduler, cache *Cache, port string, baseline models.BaselinePeriod) *Server {
	return &Server{
		store:     st,
		engine:    engine,
		registry:  registry,
		scheduler: scheduler,
		cache:     cache,
		port:      port,
		baseline:  baseline,
		clock:     clockwork.NewRealClock(),
	}
}

// SetClock replaces the server's time source. Freshness and default
// forecast base times follow it; tests pin it with a fake clock.
func (s *Server) SetClock(clock clockwork.Clock) { s.clock = clock }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("/status", s.instrument("status", s.handleStatus))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/temperatures", s.instrument("temperatures", s.handleTemperatures))
	mux.HandleFunc("/api/anomalies", s.instrument("anomalies", s.handleAnomalies))
	mux.HandleFunc("/api/heatwaves", s.instrument("heatwaves", s.handleHeatwaves))
	mux.HandleFunc("/api/availability", s.instrument("availability", s.handleAvailability))
	mux.HandleFunc("/api/stats/summary", s.instrument("summary", s.handleSummary))
	mux.HandleFunc("/api/forecast", s.instrument("forecast", s.handleForecast))
	mux.HandleFunc("/api/models", s.instrument("models", s.handleModels))
	mux.HandleFunc("/api/admin/recompute", s.instrument("recompute", s.handleRecompute))
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// statusWriter captures the status code for request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
