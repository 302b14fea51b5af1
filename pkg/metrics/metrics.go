// Package metrics provides optional Prometheus instrumentation.
//
// Metrics are opt-in: when InitRegistry is never called, every constructor
// returns nil and the nil-receiver-safe recorders are no-ops with zero
// overhead.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quiver-im/quiver/internal/logger"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry. Call once at
// startup before constructing any metrics.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Server serves the /metrics endpoint.
type Server struct {
	srv          *http.Server
	port         int
	shutdownOnce sync.Once
}

// NewServer creates the metrics HTTP server. Returns nil when metrics are
// disabled.
func NewServer(port int) *Server {
	reg := GetRegistry()
	if reg == nil || port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:        fmt.Sprintf(":%d", port),
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		},
		port: port,
	}
}

// Start serves /metrics until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the metrics server down. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var err error
	s.shutdownOnce.Do(func() {
		err = s.srv.Shutdown(ctx)
	})
	return err
}

// ChatMetrics records chat-service counters. All methods are safe on a nil
// receiver.
type ChatMetrics struct {
	activeSessions prometheus.Gauge
	framesIn       prometheus.Counter
	framesOut      prometheus.Counter
	framesDropped  prometheus.Counter
	dispatchDepth  prometheus.Gauge
	sessionsClosed *prometheus.CounterVec
}

// NewChatMetrics creates the chat-service collectors, or nil when metrics
// are disabled.
func NewChatMetrics() *ChatMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &ChatMetrics{
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quiver_chat_active_sessions",
			Help: "Number of live chat sessions",
		}),
		framesIn: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_chat_frames_in_total",
			Help: "Total frames received from clients",
		}),
		framesOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_chat_frames_out_total",
			Help: "Total frames written to clients",
		}),
		framesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "quiver_chat_frames_dropped_total",
			Help: "Frames dropped for unknown message ids",
		}),
		dispatchDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "quiver_chat_dispatch_queue_depth",
			Help: "Logic dispatcher queue depth",
		}),
		sessionsClosed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiver_chat_sessions_closed_total",
			Help: "Sessions closed by reason",
		}, []string{"reason"}), // "client", "idle", "protocol", "shutdown"
	}
}

func (m *ChatMetrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *ChatMetrics) RecordFrameIn() {
	if m != nil {
		m.framesIn.Inc()
	}
}

func (m *ChatMetrics) RecordFrameOut() {
	if m != nil {
		m.framesOut.Inc()
	}
}

func (m *ChatMetrics) RecordFrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *ChatMetrics) SetDispatchDepth(n int) {
	if m != nil {
		m.dispatchDepth.Set(float64(n))
	}
}

func (m *ChatMetrics) RecordSessionClosed(reason string) {
	if m != nil {
		m.sessionsClosed.WithLabelValues(reason).Inc()
	}
}

// PoolMetrics records resource-pool counters. All methods are safe on a nil
// receiver.
type PoolMetrics struct {
	borrows    *prometheus.CounterVec
	exhaustion *prometheus.CounterVec
	reconnects *prometheus.CounterVec
}

// NewPoolMetrics creates the pool collectors, or nil when metrics are
// disabled.
func NewPoolMetrics() *PoolMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &PoolMetrics{
		borrows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiver_pool_borrows_total",
			Help: "Total handle acquisitions by pool",
		}, []string{"pool"}),
		exhaustion: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiver_pool_exhaustion_waits_total",
			Help: "Acquisitions that had to wait for a free handle",
		}, []string{"pool"}),
		reconnects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quiver_pool_reconnects_total",
			Help: "Handles replaced by the pool maintainer",
		}, []string{"pool"}),
	}
}

func (m *PoolMetrics) RecordBorrow(pool string) {
	if m != nil {
		m.borrows.WithLabelValues(pool).Inc()
	}
}

func (m *PoolMetrics) RecordExhaustionWait(pool string) {
	if m != nil {
		m.exhaustion.WithLabelValues(pool).Inc()
	}
}

func (m *PoolMetrics) RecordReconnect(pool string) {
	if m != nil {
		m.reconnects.WithLabelValues(pool).Inc()
	}
}
