package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the harness.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsSubmitted  *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runTransitions *prometheus.CounterVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   prometheus.Counter
	deadLetters   *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Policy metrics
	policyDecisions *prometheus.CounterVec
	policyReloads   *prometheus.CounterVec

	// Breaker metrics
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeRuns  prometheus.Gauge
	queuedSteps prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance; every recorder nil-checks its vector.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Total number of runs submitted",
			},
			[]string{"deduplicated"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration from run creation to terminal status",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		runTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of run status transitions",
			},
			[]string{"from", "to"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step executions",
			},
			[]string{"target", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"target"},
		),
		stepRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retry deliveries",
			},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Total number of steps dead-lettered",
			},
			[]string{"target"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider invocations",
			},
			[]string{"target", "role"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"target", "role"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider invocation errors",
			},
			[]string{"target", "role"},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"action", "effect"},
		),
		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Total number of policy snapshot reloads",
			},
			[]string{"status"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Total number of breaker open transitions",
			},
			[]string{"target"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of non-terminal runs",
			},
		),
		queuedSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_steps",
				Help:      "Current number of queued step messages",
			},
		),
	}

	registry.MustRegister(
		m.runsSubmitted,
		m.runsFinished,
		m.runDuration,
		m.runTransitions,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.deadLetters,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.policyDecisions,
		m.policyReloads,
		m.breakerState,
		m.breakerTrips,
		m.errorsByClass,
		m.activeRuns,
		m.queuedSteps,
	)

	return m, nil
}

// RecordRunSubmitted counts a submission; deduplicated submissions carry
// their own label value.
func (m *Metrics) RecordRunSubmitted(deduplicated bool) {
	if m.runsSubmitted == nil {
		return
	}
	label := "false"
	if deduplicated {
		label = "true"
	} else {
		m.activeRuns.Inc()
	}
	m.runsSubmitted.WithLabelValues(label).Inc()
}

// RecordRunFinished records a run reaching a terminal status.
func (m *Metrics) RecordRunFinished(status string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordTransition counts a run status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m.runTransitions == nil {
		return
	}
	m.runTransitions.WithLabelValues(from, to).Inc()
}

// RecordStepExecution records one step delivery outcome.
func (m *Metrics) RecordStepExecution(target, outcome string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(target, outcome).Inc()
	m.stepDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordStepRetry counts a retry delivery.
func (m *Metrics) RecordStepRetry() {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.Inc()
}

// RecordDeadLetter counts a dead-lettered step.
func (m *Metrics) RecordDeadLetter(target string) {
	if m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(target).Inc()
}

// RecordProviderCall records a provider invocation with its duration.
func (m *Metrics) RecordProviderCall(target, role string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(target, role).Inc()
	m.providerDuration.WithLabelValues(target, role).Observe(duration.Seconds())
}

// RecordProviderError records a provider invocation error.
func (m *Metrics) RecordProviderError(target, role string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(target, role).Inc()
}

// RecordPolicyDecision counts a policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(action, effect string) {
	if m.policyDecisions == nil {
		return
	}
	m.policyDecisions.WithLabelValues(action, effect).Inc()
}

// RecordPolicyReload counts a policy snapshot reload attempt.
func (m *Metrics) RecordPolicyReload(ok bool) {
	if m.policyReloads == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.policyReloads.WithLabelValues(status).Inc()
}

// SetBreakerState sets the breaker state gauge for a target.
func (m *Metrics) SetBreakerState(target string, state float64) {
	if m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(state)
}

// RecordBreakerTrip counts a breaker opening for a target.
func (m *Metrics) RecordBreakerTrip(target string) {
	if m.breakerTrips == nil {
		return
	}
	m.breakerTrips.WithLabelValues(target).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// SetQueuedSteps sets the queued step gauge.
func (m *Metrics) SetQueuedSteps(count float64) {
	if m.queuedSteps == nil {
		return
	}
	m.queuedSteps.Set(count)
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

// Serve starts an HTTP server exposing the metrics endpoint.
func (m *Metrics) Serve() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
