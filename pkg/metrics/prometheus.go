package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *slog.Logger

	admissionDecisions *prometheus.CounterVec

	lockAcquires  *prometheus.CounterVec
	lockFallbacks *prometheus.CounterVec

	stepDuration  *prometheus.HistogramVec
	stepsInFlight prometheus.Gauge

	retryAttempts      prometheus.Counter
	idempotencyLookups *prometheus.CounterVec
	deadLettered       prometheus.Counter
	idempotencyCleaned prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
func NewPrometheusSink(logger *slog.Logger, reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{logger: logger.With("module", "metrics")}
	s.initAdmissionMetrics(reg)
	s.initLockMetrics(reg)
	s.initStepMetrics(reg)
	s.initRetryMetrics(reg)

	return s
}

func (s *PrometheusSink) initAdmissionMetrics(reg prometheus.Registerer) {
	s.admissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_admission_decisions_total",
		Help: "Admission decisions by limiter, outcome and rejection reason.",
	}, []string{"limiter", "outcome", "reason"})

	s.register(reg, s.admissionDecisions, "conductor_admission_decisions_total")
}

func (s *PrometheusSink) initLockMetrics(reg prometheus.Registerer) {
	s.lockAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_lock_acquire_total",
		Help: "Lock acquisition attempts by backend mode and result.",
	}, []string{"mode", "acquired"})

	s.lockFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_lock_fallback_total",
		Help: "Lock acquisitions that degraded to the in-process backend.",
	}, []string{"mode"})

	s.register(reg, s.lockAcquires, "conductor_lock_acquire_total")
	s.register(reg, s.lockFallbacks, "conductor_lock_fallback_total")
}

func (s *PrometheusSink) initStepMetrics(reg prometheus.Registerer) {
	s.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conductor_step_duration_seconds",
		Help:    "Duration of step executions by resulting status.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	s.stepsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conductor_steps_in_flight",
		Help: "Number of steps currently executing.",
	})

	s.register(reg, s.stepDuration, "conductor_step_duration_seconds")
	s.register(reg, s.stepsInFlight, "conductor_steps_in_flight")
}

func (s *PrometheusSink) initRetryMetrics(reg prometheus.Registerer) {
	s.retryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_retry_attempts_total",
		Help: "Unit-of-work retries (excludes first attempt).",
	})

	s.idempotencyLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_idempotency_lookups_total",
		Help: "Idempotency record lookups by result.",
	}, []string{"hit"})

	s.deadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_dead_lettered_total",
		Help: "Steps escalated to the dead-letter store.",
	})

	s.idempotencyCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_idempotency_cleaned_total",
		Help: "Expired idempotency records removed by cleanup.",
	})

	s.register(reg, s.retryAttempts, "conductor_retry_attempts_total")
	s.register(reg, s.idempotencyLookups, "conductor_idempotency_lookups_total")
	s.register(reg, s.deadLettered, "conductor_dead_lettered_total")
	s.register(reg, s.idempotencyCleaned, "conductor_idempotency_cleaned_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", "name", name, "error", err)
	}
}

func (s *PrometheusSink) AdmissionDecision(limiter, outcome, reason string) {
	s.admissionDecisions.WithLabelValues(limiter, outcome, reason).Inc()
}

func (s *PrometheusSink) LockAcquire(mode string, acquired bool) {
	s.lockAcquires.WithLabelValues(mode, strconv.FormatBool(acquired)).Inc()
}

func (s *PrometheusSink) LockFallback(mode string) {
	s.lockFallbacks.WithLabelValues(mode).Inc()
}

func (s *PrometheusSink) StepFinished(status string, duration time.Duration) {
	s.stepDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (s *PrometheusSink) StepsInFlightIncr() {
	s.stepsInFlight.Inc()
}

func (s *PrometheusSink) StepsInFlightDecr() {
	s.stepsInFlight.Dec()
}

func (s *PrometheusSink) RetryAttempt() {
	s.retryAttempts.Inc()
}

func (s *PrometheusSink) IdempotencyLookup(hit bool) {
	s.idempotencyLookups.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

func (s *PrometheusSink) DeadLettered() {
	s.deadLettered.Inc()
}

func (s *PrometheusSink) IdempotencyCleanup(removed int64) {
	s.idempotencyCleaned.Add(float64(removed))
}
