package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the reconciliation engine.
// A Metrics built from a disabled config is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	// Change item metrics
	changeItemsTotal *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeCycles prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles",
			},
			[]string{"cluster", "clean"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"cluster"},
		),

		changeItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_items_total",
				Help:      "Total number of change items by outcome",
			},
			[]string{"cluster", "kind", "operation", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_cycles",
				Help:      "Current number of in-flight reconciliation cycles",
			},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.changeItemsTotal,
		m.errorsByClass,
		m.errorsByCode,
		m.activeCycles,
	)

	return m, nil
}

// ObserveCycle records a completed reconciliation cycle.
func (m *Metrics) ObserveCycle(cluster string, clean bool, duration time.Duration) {
	if m.cyclesTotal == nil {
		return
	}
	cleanLabel := "false"
	if clean {
		cleanLabel = "true"
	}
	m.cyclesTotal.WithLabelValues(cluster, cleanLabel).Inc()
	m.cycleDuration.WithLabelValues(cluster).Observe(duration.Seconds())
}

// ObserveChangeItem records one change item outcome.
func (m *Metrics) ObserveChangeItem(cluster, kind, operation, status string) {
	if m.changeItemsTotal == nil {
		return
	}
	m.changeItemsTotal.WithLabelValues(cluster, kind, operation, status).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// CycleStarted marks a cycle in flight.
func (m *Metrics) CycleStarted() {
	if m.activeCycles == nil {
		return
	}
	m.activeCycles.Inc()
}

// CycleFinished marks a cycle complete.
func (m *Metrics) CycleFinished() {
	if m.activeCycles == nil {
		return
	}
	m.activeCycles.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer starts the metrics HTTP server in the background.
func (m *Metrics) StartServer(logger zerolog.Logger) {
	if !m.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}
