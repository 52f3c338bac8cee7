package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonDBLockTimeout        = "db_lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonNotFound             = "not_found"
	StoreReasonUnknown              = "unknown"
)

// EngineMetrics captures entitlement, metering and persistence signals.
type EngineMetrics struct {
	accessDecisions      *prometheus.CounterVec
	usageDecisions       *prometheus.CounterVec
	usageRecorded        *prometheus.CounterVec
	persistenceFallbacks *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec
	reconciliations      *prometheus.CounterVec
	backendRequests      *prometheus.CounterVec
	backendDuration      *prometheus.HistogramVec
	storeErrors          *prometheus.CounterVec
	jobRuns              *prometheus.CounterVec
	jobErrors            *prometheus.CounterVec
	jobProcessed         *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the process-wide metrics registered on the default registerer.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the process-wide metrics using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = NewEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// NewEngineMetrics registers a fresh set of collectors on registerer.
func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "wayfare"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &EngineMetrics{
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_access_decisions_total",
			Help:        "Tier access decisions by required tier and outcome reason.",
			ConstLabels: constLabels,
		}, []string{"required_tier", "reason"}),
		usageDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_usage_decisions_total",
			Help:        "Quota checks by feature and outcome.",
			ConstLabels: constLabels,
		}, []string{"feature", "outcome"}),
		usageRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_usage_recorded_total",
			Help:        "Recorded units of metered consumption by feature.",
			ConstLabels: constLabels,
		}, []string{"feature"}),
		persistenceFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_persistence_fallbacks_total",
			Help:        "Remote persistence failures recovered from the local cache, by operation.",
			ConstLabels: constLabels,
		}, []string{"operation"}),
		lifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_lifecycle_transitions_total",
			Help:        "Subscription lifecycle transitions by source and target status.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_reconciliations_total",
			Help:        "Reconciliations that expired a record, by notice kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_backend_requests_total",
			Help:        "Backend HTTP calls by endpoint and status class.",
			ConstLabels: constLabels,
		}, []string{"endpoint", "status_class"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "wayfare_backend_request_duration_seconds",
			Help:        "Backend HTTP call latency by endpoint.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"endpoint"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_store_errors_total",
			Help:        "Server store errors by operation and low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"operation", "reason"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_scheduler_job_runs_total",
			Help:        "Background job runs by job.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_scheduler_job_errors_total",
			Help:        "Background job failures by job and reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "wayfare_scheduler_job_processed_total",
			Help:        "Rows handled by background jobs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "wayfare_scheduler_job_duration_seconds",
			Help:        "Background job duration by job.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"job"}),
	}

	registerer.MustRegister(
		m.accessDecisions,
		m.usageDecisions,
		m.usageRecorded,
		m.persistenceFallbacks,
		m.lifecycleTransitions,
		m.reconciliations,
		m.backendRequests,
		m.backendDuration,
		m.storeErrors,
		m.jobRuns,
		m.jobErrors,
		m.jobProcessed,
		m.jobDuration,
	)
	return m
}

// IncAccessDecision counts a tier check. An empty reason means allowed.
func (m *EngineMetrics) IncAccessDecision(requiredTier, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = OutcomeAllowed
	}
	m.accessDecisions.WithLabelValues(requiredTier, reason).Inc()
}

func (m *EngineMetrics) IncUsageDecision(feature string, allowed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeDenied
	if allowed {
		outcome = OutcomeAllowed
	}
	m.usageDecisions.WithLabelValues(feature, outcome).Inc()
}

func (m *EngineMetrics) IncUsageRecorded(feature string) {
	if m == nil {
		return
	}
	m.usageRecorded.WithLabelValues(feature).Inc()
}

func (m *EngineMetrics) IncPersistenceFallback(operation string) {
	if m == nil {
		return
	}
	m.persistenceFallbacks.WithLabelValues(operation).Inc()
}

func (m *EngineMetrics) IncLifecycleTransition(from, to string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) IncReconciliation(kind string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(kind).Inc()
}

// ObserveBackendRequest records one outbound call. A zero status means a transport failure.
func (m *EngineMetrics) ObserveBackendRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(endpoint, StatusClass(status)).Inc()
	m.backendDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *EngineMetrics) IncStoreError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation, ClassifyStoreError(err)).Inc()
}

// ObserveJob records one background job run.
func (m *EngineMetrics) ObserveJob(job string, processed int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if processed > 0 {
		m.jobProcessed.WithLabelValues(job).Add(float64(processed))
	}
	if err != nil {
		m.jobErrors.WithLabelValues(job, ClassifyStoreError(err)).Inc()
	}
}

// StatusClass buckets an HTTP status into 2xx/3xx/4xx/5xx, or "error" for transport failures.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// ClassifyStoreError maps database errors to low-cardinality reasons.
func ClassifyStoreError(err error) string {
	switch {
	case err == nil:
		return StoreReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return StoreReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return StoreReasonNotFound
	case hasPGCode(err, "55P03"):
		return StoreReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return StoreReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return StoreReasonUniqueViolation
	default:
		return StoreReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
