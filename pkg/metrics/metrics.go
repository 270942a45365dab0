package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Attempt metrics
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	TokensIn        *prometheus.CounterVec
	TokensOut       *prometheus.CounterVec

	// Capacity metrics
	InFlight     *prometheus.GaugeVec
	WindowEvents *prometheus.GaugeVec
	EffectiveRPM *prometheus.GaugeVec
	AcquireWait  *prometheus.HistogramVec

	// Throttle metrics
	ThrottleTransitions *prometheus.CounterVec

	// Chain metrics
	ChainExhaustions *prometheus.CounterVec

	// Dedup metrics
	DedupHits   *prometheus.CounterVec
	DedupMisses *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "modelrelay",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),

		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_attempts_total",
				Help:      "Total number of provider attempts",
			},
			[]string{"provider", "agent", "status"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_attempt_duration_seconds",
				Help:      "Provider attempt duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "agent", "status"},
		),
		TokensIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_tokens_in_total",
				Help:      "Total number of prompt tokens sent to providers",
			},
			[]string{"provider", "agent"},
		),
		TokensOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_tokens_out_total",
				Help:      "Total number of completion tokens received from providers",
			},
			[]string{"provider", "agent"},
		),

		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_in_flight",
				Help:      "Number of in-flight requests per provider",
			},
			[]string{"provider"},
		),
		WindowEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_window_events",
				Help:      "Number of requests in the trailing 60s window per provider",
			},
			[]string{"provider"},
		),
		EffectiveRPM: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_effective_rpm",
				Help:      "Current effective requests-per-minute ceiling per provider",
			},
			[]string{"provider"},
		),
		AcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "capacity_acquire_wait_seconds",
				Help:      "Time spent waiting for capacity admission",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"provider", "result"},
		),

		ThrottleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "throttle_transitions_total",
				Help:      "Total number of throttle controller transitions",
			},
			[]string{"provider", "trigger"},
		),

		ChainExhaustions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "chain_exhaustions_total",
				Help:      "Total number of requests that exhausted their fallback chain",
			},
			[]string{"agent"},
		),

		DedupHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dedup_hits_total",
				Help:      "Total number of deduplication cache hits",
			},
			[]string{"agent"},
		),
		DedupMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dedup_misses_total",
				Help:      "Total number of deduplication cache misses",
			},
			[]string{"agent"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.TokensIn,
		m.TokensOut,
		m.InFlight,
		m.WindowEvents,
		m.EffectiveRPM,
		m.AcquireWait,
		m.ThrottleTransitions,
		m.ChainExhaustions,
		m.DedupHits,
		m.DedupMisses,
		m.ErrorsTotal,
	)

	return m
}

// RecordAttempt records one provider attempt
func (m *Metrics) RecordAttempt(provider, agent, status string, duration time.Duration, tokensIn, tokensOut int) {
	if m.AttemptsTotal == nil {
		return
	}

	m.AttemptsTotal.WithLabelValues(provider, agent, status).Inc()
	m.AttemptDuration.WithLabelValues(provider, agent, status).Observe(duration.Seconds())
	if tokensIn > 0 {
		m.TokensIn.WithLabelValues(provider, agent).Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.TokensOut.WithLabelValues(provider, agent).Add(float64(tokensOut))
	}
}

// RecordAcquireWait records time spent waiting for admission
func (m *Metrics) RecordAcquireWait(provider, result string, wait time.Duration) {
	if m.AcquireWait == nil {
		return
	}
	m.AcquireWait.WithLabelValues(provider, result).Observe(wait.Seconds())
}

// UpdateCapacity updates the per-provider capacity gauges
func (m *Metrics) UpdateCapacity(provider string, inFlight, windowEvents, effectiveRPM int) {
	if m.InFlight == nil {
		return
	}

	m.InFlight.WithLabelValues(provider).Set(float64(inFlight))
	m.WindowEvents.WithLabelValues(provider).Set(float64(windowEvents))
	m.EffectiveRPM.WithLabelValues(provider).Set(float64(effectiveRPM))
}

// RecordThrottleTransition records a throttle controller transition
func (m *Metrics) RecordThrottleTransition(provider, trigger string) {
	if m.ThrottleTransitions == nil {
		return
	}
	m.ThrottleTransitions.WithLabelValues(provider, trigger).Inc()
}

// RecordChainExhaustion records a request that failed on every chain member
func (m *Metrics) RecordChainExhaustion(agent string) {
	if m.ChainExhaustions == nil {
		return
	}
	m.ChainExhaustions.WithLabelValues(agent).Inc()
}

// RecordDedup records a deduplication cache outcome
func (m *Metrics) RecordDedup(agent string, hit bool) {
	if m.DedupHits == nil {
		return
	}
	if hit {
		m.DedupHits.WithLabelValues(agent).Inc()
	} else {
		m.DedupMisses.WithLabelValues(agent).Inc()
	}
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(c.Writer.Status()), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
