package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"gorm.io/gorm"
)

const (
	schedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	schedulerErrorTypeAuthorization    = "authorization"
	schedulerErrorTypeBusinessRule     = "business_rule"
	schedulerErrorTypeDB               = "db"
)

const (
	SchedulerErrorTypeDeadlineExceeded = schedulerErrorTypeDeadlineExceeded
	SchedulerErrorTypeAuthorization    = schedulerErrorTypeAuthorization
	SchedulerErrorTypeBusinessRule     = schedulerErrorTypeBusinessRule
	SchedulerErrorTypeDB               = schedulerErrorTypeDB
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
)

const (
	CycleStageProcess   = "process_transactions"
	CycleStageRecompute = "recompute_summaries"
	CycleStageClose     = "close_cycles"
	CycleStageSettle    = "mark_settled"
)

const (
	LockResourceRunMutex = "run_mutex"
	LockResourceRedis    = "redis_run_lock"
)

// SchedulerMetrics captures commission scheduler health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDurationV2    *prometheus.HistogramVec
	jobTimeoutsV2    *prometheus.CounterVec
	jobErrorsV2      *prometheus.CounterVec
	batchProcessedV2 *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	cyclesClosed     *prometheus.CounterVec
	cycleErrors      *prometheus.CounterVec
	lockWait         *prometheus.HistogramVec
	watermarkLag     prometheus.Gauge
	cycleErrorCounts map[string]map[string]prometheus.Counter
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "partnerpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDurationV2 := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "partnerpay_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeoutsV2 := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrorsV2 := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessedV2 := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed by resource.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_scheduler_batch_deferred_total",
		Help:        "Scheduler batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "partnerpay_scheduler_runloop_lag_seconds",
		Help:        "Delay between a trigger's scheduled time and the start of its run.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_job_duration_seconds",
		Help:    "Scheduler job latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_timeout_total",
		Help: "Scheduler job timeouts.",
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_error_total",
		Help: "Scheduler job errors by type.",
	}, []string{"job", "error_type"})
	cyclesClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_commission_cycle_closed_total",
		Help:        "Commission cycles aggregated into completed summaries.",
		ConstLabels: constLabels,
	}, []string{"category"})
	cycleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "partnerpay_commission_stage_error_total",
		Help:        "Commission pipeline errors by stage.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "partnerpay_scheduler_lock_wait_seconds",
		Help:        "Time spent acquiring the run lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	watermarkLag := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "partnerpay_commission_watermark_lag_seconds",
		Help:        "Age of the processing watermark at the end of the last run.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDurationV2,
		jobTimeoutsV2,
		jobErrorsV2,
		batchProcessedV2,
		batchDeferred,
		runLoopLag,
		jobDuration,
		jobTimeouts,
		jobErrors,
		cyclesClosed,
		cycleErrors,
		lockWait,
		watermarkLag,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceRunMutex: lockWait.WithLabelValues(LockResourceRunMutex),
		LockResourceRedis:    lockWait.WithLabelValues(LockResourceRedis),
	}

	cycleErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		schedulerErrorTypeDeadlineExceeded,
		schedulerErrorTypeAuthorization,
		schedulerErrorTypeBusinessRule,
		schedulerErrorTypeDB,
	}
	for _, stage := range []string{CycleStageProcess, CycleStageRecompute, CycleStageClose, CycleStageSettle} {
		stageCounters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			stageCounters[errType] = cycleErrors.WithLabelValues(stage, errType)
		}
		cycleErrorCounts[stage] = stageCounters
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDurationV2:    jobDurationV2,
		jobTimeoutsV2:    jobTimeoutsV2,
		jobErrorsV2:      jobErrorsV2,
		batchProcessedV2: batchProcessedV2,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		cyclesClosed:     cyclesClosed,
		cycleErrors:      cycleErrors,
		lockWait:         lockWait,
		watermarkLag:     watermarkLag,
		cycleErrorCounts: cycleErrorCounts,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	if m.jobDuration != nil {
		m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
	if m.jobDurationV2 != nil {
		m.jobDurationV2.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	if m.jobTimeouts != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
	if m.jobTimeoutsV2 != nil {
		m.jobTimeoutsV2.WithLabelValues(job).Inc()
	}
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	if m.jobErrors != nil {
		m.jobErrors.WithLabelValues(job, classifySchedulerError(err)).Inc()
	}
	if m.jobErrorsV2 != nil {
		m.jobErrorsV2.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessedV2 == nil {
		return
	}
	m.batchProcessedV2.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records how late a trigger started. Early starts count as zero.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncCycleClosed counts a completed-cycle aggregation for a category.
func (m *SchedulerMetrics) IncCycleClosed(category string) {
	if m == nil || m.cyclesClosed == nil {
		return
	}
	m.cyclesClosed.WithLabelValues(category).Inc()
}

// SetWatermarkLag records how far the watermark trails now.
func (m *SchedulerMetrics) SetWatermarkLag(lag time.Duration) {
	if m == nil || m.watermarkLag == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.watermarkLag.Set(lag.Seconds())
}

// IncStageError increments commission pipeline errors by stage and type.
func (m *SchedulerMetrics) IncStageError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := classifySchedulerError(err)
	if stageCounters, ok := m.cycleErrorCounts[stage]; ok {
		if counter, ok := stageCounters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.cycleErrors.WithLabelValues(stage, errorType).Inc()
}

// ObserveLockWait records time spent acquiring a run lock.
func (m *SchedulerMetrics) ObserveLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func classifySchedulerError(err error) string {
	if err == nil {
		return schedulerErrorTypeBusinessRule
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return schedulerErrorTypeDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return schedulerErrorTypeAuthorization
	}
	if isDBError(err) {
		return schedulerErrorTypeDB
	}
	return schedulerErrorTypeBusinessRule
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return SchedulerErrorTypeAuthorization
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	return classifySchedulerJobReason(err)
}

func classifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return SchedulerJobReasonForbidden
	}
	if isDBLockTimeout(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
