// Package metrics owns the Prometheus collectors for OTP, rate limiting,
// authorization decisions and HTTP traffic.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Metrics struct {
	registry *prometheus.Registry

	otpSend             *prometheus.CounterVec
	otpVerify           *prometheus.CounterVec
	rateLimitDenied     *prometheus.CounterVec
	authzDecisions      *prometheus.CounterVec
	auditDropped        prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge
}

// New builds a private registry with the service collectors plus the Go and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		otpSend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_send_total",
			Help: "OTP send attempts by channel and result",
		}, []string{"channel", "result"}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verify_total",
			Help: "OTP verification outcomes",
		}, []string{"result"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Requests denied by the rate limiter per scope",
		}, []string{"scope"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization pipeline decisions by deciding stage and outcome",
		}, []string{"stage", "outcome"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the dispatch buffer was full",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.otpSend,
		m.otpVerify,
		m.rateLimitDenied,
		m.authzDecisions,
		m.auditDropped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInflight,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OTPSend(channel, result string) {
	if m == nil {
		return
	}
	m.otpSend.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) OTPVerify(result string) {
	if m == nil {
		return
	}
	m.otpVerify.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimitDenied(scope string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(scope).Inc()
}

func (m *Metrics) AuthzDecision(stage, outcome string) {
	if m == nil {
		return
	}
	m.authzDecisions.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RegisterRedisPool exposes connection pool gauges for the shared Redis client
func (m *Metrics) RegisterRedisPool(stats func() *redis.PoolStats) error {
	if m == nil || stats == nil {
		return nil
	}
	gauge := func(name, help string, pick func(*redis.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return pick(stats())
		})
	}
	cs := []prometheus.Collector{
		gauge("redis_pool_total_conns", "Open connections in the Redis pool",
			func(s *redis.PoolStats) float64 { return float64(s.TotalConns) }),
		gauge("redis_pool_idle_conns", "Idle connections in the Redis pool",
			func(s *redis.PoolStats) float64 { return float64(s.IdleConns) }),
		gauge("redis_pool_timeouts", "Times a connection wait timed out",
			func(s *redis.PoolStats) float64 { return float64(s.Timeouts) }),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Middleware records request counts and latency labelled by chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInflight.Inc()
		defer m.httpInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
