// Package monitoring exposes the proxy's prometheus metrics: worker and pool
// connection gauges plus share and job counters, labeled per proxy instance.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Share outcome labels.
const (
	ShareAccepted     = "accepted"
	ShareRejected     = "rejected"
	ShareStale        = "stale"
	ShareDuplicate    = "duplicate"
	ShareUnauthorized = "unauthorized"
	ShareInvalid      = "invalid"
)

// Metrics holds the proxy's collectors. A nil *Metrics is valid and records
// nothing, which keeps instrumentation optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	workersActive  *prometheus.GaugeVec
	poolConnected  *prometheus.GaugeVec
	poolReconnects *prometheus.CounterVec
	jobsReceived   *prometheus.CounterVec
	shares         *prometheus.CounterVec
}

// New creates a Metrics backed by its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.workersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_proxy_workers_active",
		Help: "Number of connected worker (miner) connections.",
	}, []string{"proxy"})
	m.poolConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_proxy_pool_connected",
		Help: "Whether the upstream pool connection is established (0/1).",
	}, []string{"proxy"})
	m.poolReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_proxy_pool_reconnects_total",
		Help: "Number of upstream pool connections established by the watchdog.",
	}, []string{"proxy"})
	m.jobsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_proxy_jobs_received_total",
		Help: "Number of mining.notify jobs received from the pool.",
	}, []string{"proxy"})
	m.shares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_proxy_shares_total",
		Help: "Worker share submissions by outcome.",
	}, []string{"proxy", "result"})

	m.registry.MustRegister(m.workersActive, m.poolConnected, m.poolReconnects, m.jobsReceived, m.shares)
	return m
}

// WorkerConnected records one more live worker connection.
func (m *Metrics) WorkerConnected(proxy string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(proxy).Inc()
}

// WorkerDisconnected records one fewer live worker connection.
func (m *Metrics) WorkerDisconnected(proxy string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(proxy).Dec()
}

// SetPoolConnected flips the pool liveness gauge.
func (m *Metrics) SetPoolConnected(proxy string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.poolConnected.WithLabelValues(proxy).Set(v)
}

// PoolReconnect counts a successful watchdog (re)connect.
func (m *Metrics) PoolReconnect(proxy string) {
	if m == nil {
		return
	}
	m.poolReconnects.WithLabelValues(proxy).Inc()
}

// JobReceived counts a job notification from the pool.
func (m *Metrics) JobReceived(proxy string) {
	if m == nil {
		return
	}
	m.jobsReceived.WithLabelValues(proxy).Inc()
}

// ShareResult counts a share submission outcome.
func (m *Metrics) ShareResult(proxy, result string) {
	if m == nil {
		return
	}
	m.shares.WithLabelValues(proxy, result).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server wraps the optional /metrics listener.
type Server struct {
	srv *http.Server
}

// NewServer builds an HTTP server exposing /metrics on addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks serving metrics until Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
