package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/deepscan"
	"github.com/spacefleet/collector/internal/tasks"
)

// MetricsSource contributes metric families to /metrics
type MetricsSource interface {
	MetricFamilies() []*dto.MetricFamily
}

// MetricsFunc adapts a function to MetricsSource
type MetricsFunc func() []*dto.MetricFamily

func (f MetricsFunc) MetricFamilies() []*dto.MetricFamily { return f() }

// Check is a named readiness check used by /healthz
type Check func(ctx context.Context) error

// Server serves the local health and metrics endpoints
type Server struct {
	Router  chi.Router
	logger  *zap.Logger
	sources []MetricsSource
	checks  map[string]Check

	mu   sync.Mutex
	http *http.Server
}

// NewServer constructs the router and registers routes
func NewServer(sources []MetricsSource, checks map[string]Check, logger *zap.Logger) *Server {
	s := &Server{
		logger:  logger,
		sources: sources,
		checks:  checks,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	s.Router = r
	return s
}

// Handler exposes the configured router
func (s *Server) Handler() http.Handler {
	return s.Router
}

// ListenAndServe serves on addr until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("HTTP listener starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Checks:    make(map[string]string, len(s.checks)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	s.jsonResponse(w, resp, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var families []*dto.MetricFamily
	for _, src := range s.sources {
		families = append(families, src.MetricFamilies()...)
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err := tasks.WriteMetrics(w, families); err != nil {
		s.logger.Warn("Failed to write metrics", zap.Error(err))
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// CacheMetrics exposes deep-scan cache occupancy
func CacheMetrics(cache interface{ Stats() deepscan.Stats }) MetricsSource {
	return MetricsFunc(func() []*dto.MetricFamily {
		st := cache.Stats()
		entries := make(map[string]float64)
		for _, k := range []deepscan.Kind{deepscan.KindFileTypes, deepscan.KindLargeFiles} {
			entries[string(k)] = float64(st.Entries[k])
		}
		return []*dto.MetricFamily{
			tasks.LabeledGauge("deep_scan_cache_entries", "Cached deep-scan analyses by kind.", "kind", entries),
			tasks.Gauge("deep_scan_refreshing", "Deep-scan entries with a scan in flight.", float64(st.Refreshing)),
			tasks.Gauge("deep_scan_errored", "Deep-scan entries whose last refresh failed.", float64(st.Errored)),
			tasks.Gauge("deep_scan_queue_depth", "Background refreshes waiting for a worker.", float64(st.Queued)),
		}
	})
}
